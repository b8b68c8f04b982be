package main

import (
	"os"

	"github.com/spf13/cobra"

	"wgmon/config"
	"wgmon/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "wgmon",
		Short:         "WireGuard peer telemetry and firewall rule server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if cfgFile != "" {
				return os.Setenv("CONFIG_FILE", cfgFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error { return serve() },
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (overrides CONFIG_FILE)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP/WebSocket server",
			RunE:  func(*cobra.Command, []string) error { return serve() },
		},
		newRulesCmd(),
	)
	return root
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app := &server.App{}
	app.Initialize(cfg)
	return app.Run()
}
