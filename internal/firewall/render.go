package firewall

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"wgmon/internal/models"
)

type Scope string

const (
	ScopeBaseline Scope = "baseline" // общие для интерфейса
	ScopeRule     Scope = "rule"     // из правила пира
	ScopeDefault  Scope = "default"  // терминальная пара default-drop
)

// Directive - одна команда iptables -A. Spec передаётся в go-iptables как есть.
type Directive struct {
	Table string   `json:"table"`
	Chain string   `json:"chain"`
	Scope Scope    `json:"scope"`
	Rule  string   `json:"rule,omitempty"`
	Spec  []string `json:"spec"`
}

// String - командная строка, пригодная для шелла.
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString("iptables ")
	if d.Table != "" && d.Table != TableFilter {
		b.WriteString("-t " + d.Table + " ")
	}
	b.WriteString("-A " + d.Chain)
	for _, a := range d.Spec {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$`\\;&|<>*?()") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`").Replace(s) + `"`
}

// Lines - текстовое представление для превью: комментарии с "#", пустые строки между блоками.
func Lines(peer models.Peer, ds []Directive) []string {
	out := []string{"# Base WireGuard rules"}
	i := 0
	for ; i < len(ds) && ds[i].Scope == ScopeBaseline; i++ {
		out = append(out, ds[i].String())
	}
	out = append(out, "", fmt.Sprintf("# Rules for peer: %s (%s)", peer.Name, peer.AssignedIP))
	if i == len(ds) {
		out = append(out, "# Unrestricted: no peer-specific restrictions")
		return out
	}
	prev := ""
	for ; i < len(ds); i++ {
		d := ds[i]
		if d.Scope == ScopeDefault && prev != string(ScopeDefault) {
			out = append(out, "# Default drop")
			prev = string(ScopeDefault)
		}
		out = append(out, d.String())
	}
	return out
}

// Script - bash-скрипт для ручного применения.
func Script(peer models.Peer, ds []Directive, generated time.Time) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# WireGuard firewall rules for peer: %s (%s)\n", peer.Name, peer.AssignedIP)
	fmt.Fprintf(&b, "# Generated: %s\n", generated.UTC().Format(time.RFC3339))
	b.WriteString("set -e\n\n")
	for _, d := range ds {
		label := d.Rule
		switch d.Scope {
		case ScopeBaseline:
			label = "base rule"
		case ScopeDefault:
			label = "default drop"
		}
		fmt.Fprintf(&b, "echo %s\n", shellQuote("Applying "+label+"..."))
		b.WriteString(d.String())
		b.WriteString("\n")
	}
	b.WriteString("\necho \"Firewall rules applied.\"\n")
	return b.String()
}

// Checksum - отпечаток набора директив; меняется при любом изменении порядка или содержимого.
func Checksum(ds []Directive) string {
	h := sha256.New()
	for _, d := range ds {
		h.Write([]byte(d.String()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
