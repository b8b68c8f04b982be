package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"wgmon/internal/firewall"
	"wgmon/internal/models"
	"wgmon/internal/validate"
)

// PeerInput - создание или частичное изменение пира. nil означает "не менять".
// Для срезов пустой (не nil) срез очищает список.
type PeerInput struct {
	Name                *string               `json:"name"`
	PublicKey           *string               `json:"public_key"`
	AssignedIP          *string               `json:"assigned_ip"`
	Endpoint            *string               `json:"endpoint"`
	PersistentKeepalive *int                  `json:"persistent_keepalive"`
	IsActive            *bool                 `json:"is_active"`
	Unrestricted        *bool                 `json:"unrestricted"`
	AllowedIPs          []models.AllowedIP    `json:"allowed_ips"`
	FirewallRules       []models.FirewallRule `json:"firewall_rules"`
}

func (in PeerInput) apply(p *models.Peer) {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.PublicKey != nil {
		p.PublicKey = strings.TrimSpace(*in.PublicKey)
	}
	if in.AssignedIP != nil {
		p.AssignedIP = strings.TrimSpace(*in.AssignedIP)
	}
	if in.Endpoint != nil {
		p.Endpoint = strings.TrimSpace(*in.Endpoint)
	}
	if in.PersistentKeepalive != nil {
		p.PersistentKeepalive = *in.PersistentKeepalive
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if in.AllowedIPs != nil {
		p.AllowedIPs = append([]models.AllowedIP{}, in.AllowedIPs...)
	}
	if in.FirewallRules != nil {
		p.FirewallRules = append([]models.FirewallRule{}, in.FirewallRules...)
		p.Unrestricted = false
	}
	if in.Unrestricted != nil {
		p.Unrestricted = *in.Unrestricted
	}
}

// check проверяет пира целиком против остальных (кроме selfID) и приводит сети
// к каноническому виду. Ошибки полей - validate.Errors, дубликаты - ErrConflict,
// правила - *firewall.RuleValidationError.
func (r *Registry) check(p *models.Peer, selfID uint) error {
	var errs validate.Errors
	errs.Add("name", validate.Name(p.Name))
	errs.Add("public_key", validate.PublicKey(p.PublicKey))
	errs.Add("endpoint", validate.Endpoint(p.Endpoint))
	errs.Add("persistent_keepalive", validate.Keepalive(p.PersistentKeepalive))

	subnet := r.opts.Subnet
	addr, err := validate.IPv4(p.AssignedIP)
	switch {
	case err != nil:
		errs.Add("assigned_ip", err)
	case subnet.IsValid() && !subnet.Contains(addr):
		errs.Add("assigned_ip", fmt.Errorf("%s is outside VPN subnet %s", addr, subnet))
	case addr == subnet.Addr() || addr == r.opts.ServerIP || isBroadcast(subnet, addr):
		errs.Add("assigned_ip", fmt.Errorf("%s is reserved", addr))
	default:
		p.AssignedIP = addr.String()
	}

	nets := make([]netip.Prefix, 0, len(p.AllowedIPs))
	for i := range p.AllowedIPs {
		field := fmt.Sprintf("allowed_ips[%d]", i)
		pf, err := validate.CIDR(p.AllowedIPs[i].Network)
		if err != nil {
			errs.Add(field, err)
			continue
		}
		if subnet.IsValid() && pf.Overlaps(subnet) && !p.AllowedIPs[i].AllowVPNOverlap {
			errs.Add(field, fmt.Errorf("%s overlaps VPN subnet %s", pf, subnet))
		}
		for j, q := range nets {
			if pf.Overlaps(q) {
				errs.Add(field, fmt.Errorf("%s overlaps %s (allowed_ips[%d])", pf, q, j))
			}
		}
		p.AllowedIPs[i].Network = pf.String()
		nets = append(nets, pf)
	}
	if err := errs.Err(); err != nil {
		return err
	}

	if err := firewall.ValidateRules(p.FirewallRules, r.opts.Policy); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.peers {
		if id == selfID {
			continue
		}
		o := e.peer
		switch {
		case strings.EqualFold(o.Name, p.Name):
			return fmt.Errorf("%w: peer with name %q already exists", ErrConflict, p.Name)
		case o.PublicKey == p.PublicKey:
			return fmt.Errorf("%w: peer with this public key already exists", ErrConflict)
		case o.AssignedIP == p.AssignedIP:
			return fmt.Errorf("%w: address %s is already assigned to %q", ErrConflict, p.AssignedIP, o.Name)
		}
		if err := overlapsPeer(nets, addr, o); err != nil {
			errs.Add("allowed_ips", err)
		}
	}
	return errs.Err()
}

func overlapsPeer(mine []netip.Prefix, myAddr netip.Addr, o models.Peer) error {
	var theirs []netip.Prefix
	if a, err := netip.ParseAddr(o.AssignedIP); err == nil {
		theirs = append(theirs, netip.PrefixFrom(a, 32))
	}
	for _, n := range o.AllowedIPs {
		if pf, err := netip.ParsePrefix(n.Network); err == nil {
			theirs = append(theirs, pf)
		}
	}
	for _, t := range theirs {
		if t.Contains(myAddr) && t.Bits() < 32 {
			return fmt.Errorf("address %s is routed to peer %q via %s", myAddr, o.Name, t)
		}
		for _, m := range mine {
			if m.Overlaps(t) {
				return fmt.Errorf("%s overlaps %s of peer %q", m, t, o.Name)
			}
		}
	}
	return nil
}

// IsValidation - ошибка пользовательского ввода (400), а не сбой.
func IsValidation(err error) bool {
	var fe validate.Errors
	var rve *firewall.RuleValidationError
	return errors.As(err, &fe) || errors.As(err, &rve) || errors.Is(err, firewall.ErrInvalidPeer)
}
