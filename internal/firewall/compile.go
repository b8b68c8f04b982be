// Package firewall выводит из декларативных правил пира детерминированную
// последовательность директив iptables и, опционально, применяет их к хосту.
package firewall

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"wgmon/internal/models"
	"wgmon/internal/validate"
)

const (
	TableFilter = "filter"

	ChainForward = "FORWARD"
	ChainInput   = "INPUT"
	ChainOutput  = "OUTPUT"
)

// maxMultiportSlots - предел модуля multiport: 15 портов, диапазон занимает два места.
const maxMultiportSlots = 15

var ErrInvalidPeer = errors.New("invalid peer")

// Policy - глобальные параметры компиляции.
type Policy struct {
	Interface string       // wg0
	VPNSubnet netip.Prefix // подставляется как destination для peer_comm без адреса
}

// RuleValidationError - правило пира не может быть скомпилировано.
// Компиляция при этом проваливается целиком.
type RuleValidationError struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("firewall rule #%d %q: %s: %s", e.Index, e.Name, e.Field, e.Reason)
}

// Compile - чистая функция: одинаковые входы дают одинаковый выход.
//
// Порядок: базовые директивы, затем правила пира в объявленном порядке,
// затем пара default-drop. Unrestricted-пир получает только базовые директивы.
// Пустой набор правил без флага Unrestricted означает "запретить всё".
func Compile(peer models.Peer, pol Policy) ([]Directive, error) {
	if pol.Interface == "" {
		pol.Interface = "wg0"
	}
	addr, err := validate.IPv4(peer.AssignedIP)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPeer, peer.Name, err)
	}
	src := netip.PrefixFrom(addr, 32).String()

	out := Baseline(pol.Interface)
	if peer.Unrestricted {
		return out, nil
	}

	for i, r := range peer.FirewallRules {
		ds, err := compileRule(i, r, src, pol)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}

	comment := "Default-Drop:" + peer.Name
	out = append(out,
		Directive{Table: TableFilter, Chain: ChainForward, Scope: ScopeDefault,
			Spec: []string{"-s", src, "-j", "DROP", "-m", "comment", "--comment", comment}},
		Directive{Table: TableFilter, Chain: ChainForward, Scope: ScopeDefault,
			Spec: []string{"-d", src, "-j", "DROP", "-m", "comment", "--comment", comment}},
	)
	return out, nil
}

// Baseline - established/related в обе стороны интерфейса и loopback.
func Baseline(iface string) []Directive {
	return []Directive{
		{Table: TableFilter, Chain: ChainForward, Scope: ScopeBaseline,
			Spec: []string{"-i", iface, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}},
		{Table: TableFilter, Chain: ChainForward, Scope: ScopeBaseline,
			Spec: []string{"-o", iface, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}},
		{Table: TableFilter, Chain: ChainInput, Scope: ScopeBaseline,
			Spec: []string{"-i", "lo", "-j", "ACCEPT"}},
		{Table: TableFilter, Chain: ChainOutput, Scope: ScopeBaseline,
			Spec: []string{"-o", "lo", "-j", "ACCEPT"}},
	}
}

// ValidateRules проверяет правила без адреса пира (шаблоны, превью).
func ValidateRules(rules []models.FirewallRule, pol Policy) error {
	for i, r := range rules {
		if _, err := compileRule(i, r, "0.0.0.0/32", pol); err != nil {
			return err
		}
	}
	return nil
}

func compileRule(idx int, r models.FirewallRule, src string, pol Policy) ([]Directive, error) {
	fail := func(field, format string, args ...any) error {
		return &RuleValidationError{Index: idx, Name: r.Name, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(r.Name) == "" {
		return nil, fail("name", "is required")
	}

	var target string
	switch r.Action {
	case models.ActionAllow:
		target = "ACCEPT"
	case models.ActionDeny:
		target = "DROP"
	default:
		return nil, fail("action", "unknown action %q", r.Action)
	}

	proto := strings.ToLower(strings.TrimSpace(r.Protocol))
	if proto == "" {
		proto = models.ProtoAny
	}
	switch proto {
	case models.ProtoAny, models.ProtoTCP, models.ProtoUDP, models.ProtoICMP:
	default:
		return nil, fail("protocol", "unknown protocol %q", r.Protocol)
	}

	var dest string
	if !isAny(r.Destination) {
		p, err := validate.CIDR(r.Destination)
		if err != nil {
			return nil, fail("destination", "%v", err)
		}
		dest = p.String()
	}

	switch r.Type {
	case models.RuleInternet, models.RulePort, models.RuleCustom:
	case models.RulePeerComm:
		if dest == "" && pol.VPNSubnet.IsValid() {
			dest = pol.VPNSubnet.Masked().String()
		}
	case models.RuleSubnet:
		if dest == "" {
			return nil, fail("destination", "subnet rule requires a destination network")
		}
	default:
		return nil, fail("rule_type", "unknown rule type %q", r.Type)
	}

	var ports []validate.PortRange
	if proto != models.ProtoICMP {
		var err error
		if ports, err = validate.Ports(r.Ports); err != nil {
			return nil, fail("ports", "%v", err)
		}
		if len(ports) > 0 && proto == models.ProtoAny {
			return nil, fail("ports", "port match requires protocol tcp or udp")
		}
	}

	head := []string{"-s", src}
	if dest != "" {
		head = append(head, "-d", dest)
	}
	if proto != models.ProtoAny {
		head = append(head, "-p", proto)
	}

	var dir []string
	if r.Type == models.RuleInternet {
		dir = []string{"!", "-o", pol.Interface}
	} else {
		dir = []string{"-i", pol.Interface}
	}
	tail := []string{"-j", target, "-m", "comment", "--comment", "Rule:" + r.Name}

	build := func(match []string) Directive {
		spec := make([]string, 0, len(head)+len(match)+len(dir)+len(tail))
		spec = append(spec, head...)
		spec = append(spec, match...)
		spec = append(spec, dir...)
		spec = append(spec, tail...)
		return Directive{Table: TableFilter, Chain: ChainForward, Scope: ScopeRule, Rule: r.Name, Spec: spec}
	}

	if len(ports) == 0 {
		return []Directive{build(nil)}, nil
	}
	if len(ports) == 1 {
		return []Directive{build([]string{"--dport", ports[0].String()})}, nil
	}
	var out []Directive
	for _, g := range groupPorts(ports) {
		out = append(out, build([]string{"-m", "multiport", "--dports", g}))
	}
	return out, nil
}

// groupPorts режет список на группы, влезающие в один multiport.
func groupPorts(ports []validate.PortRange) []string {
	var (
		groups []string
		cur    []string
		slots  int
	)
	for _, p := range ports {
		if slots+p.Slots() > maxMultiportSlots {
			groups = append(groups, strings.Join(cur, ","))
			cur, slots = nil, 0
		}
		cur = append(cur, p.String())
		slots += p.Slots()
	}
	if len(cur) > 0 {
		groups = append(groups, strings.Join(cur, ","))
	}
	return groups
}

func isAny(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "any")
}
