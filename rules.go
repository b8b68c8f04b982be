package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wgmon/config"
	"wgmon/internal/firewall"
	"wgmon/internal/logs"
	"wgmon/internal/repo"
	"wgmon/server"
)

// rules - печать скомпилированных правил сохранённого пира без запуска сервера.
func newRulesCmd() *cobra.Command {
	var (
		peerID uint
		script bool
	)
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print compiled firewall rules for a stored peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logs.Init(logs.Options{Level: "warning", Format: cfg.Logging.Format, Writer: cmd.ErrOrStderr()})

			d, err := server.OpenDB(cfg)
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("database.driver is not set: no stored peers to read")
			}
			// реестр целиком не нужен: один пир прямо из БД
			stored, err := repo.NewPeerStore(d).Get(context.Background(), peerID)
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("peer %d not found", peerID)
			}
			if err != nil {
				return err
			}
			p := *stored
			ds, err := firewall.Compile(p, server.Policy(cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if script {
				_, err = fmt.Fprint(out, firewall.Script(p, ds, time.Now()))
				return err
			}
			_, err = fmt.Fprintln(out, strings.Join(firewall.Lines(p, ds), "\n"))
			return err
		},
	}
	cmd.Flags().UintVar(&peerID, "peer-id", 0, "peer ID")
	cmd.Flags().BoolVar(&script, "script", false, "print a bash script instead of the rule listing")
	_ = cmd.MarkFlagRequired("peer-id")
	return cmd
}
