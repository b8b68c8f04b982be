package models

import (
	"strings"
	"time"
)

// Peer - удалённый участник WireGuard-интерфейса.
// Единственный источник правды - реестр (internal/registry), здесь только форма хранения.
type Peer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name                string `gorm:"size:50;uniqueIndex;not null" json:"name"`
	PublicKey           string `gorm:"size:44;uniqueIndex;not null" json:"public_key"`
	PresharedKey        string `gorm:"size:44" json:"preshared_key,omitempty"`
	AssignedIP          string `gorm:"size:15;uniqueIndex;not null" json:"assigned_ip"`
	Endpoint            string `gorm:"size:255" json:"endpoint,omitempty"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
	IsActive            bool   `json:"is_active"`

	// Unrestricted - политика "без ограничений": компилятор отдаёт только базовые правила.
	Unrestricted bool `json:"unrestricted"`

	AllowedIPs    []AllowedIP    `gorm:"constraint:OnDelete:CASCADE" json:"allowed_ips"`
	FirewallRules []FirewallRule `gorm:"constraint:OnDelete:CASCADE" json:"firewall_rules"`
}

// AllowedIP - дополнительная сеть, маршрутизируемая через пира.
type AllowedIP struct {
	ID       uint `gorm:"primaryKey" json:"-"`
	PeerID   uint `gorm:"index;not null" json:"-"`
	Position int  `json:"-"`

	Network         string `gorm:"size:43;not null" json:"network"`
	Description     string `gorm:"size:255" json:"description,omitempty"`
	AllowVPNOverlap bool   `json:"allow_vpn_overlap,omitempty"`
}

// HostCIDR - адрес пира в виде /32.
func (p *Peer) HostCIDR() string { return p.AssignedIP + "/32" }

// CombinedAllowedIPs - то, что уходит в AllowedIPs серверного wg0.conf.
func (p *Peer) CombinedAllowedIPs() string {
	nets := make([]string, 0, len(p.AllowedIPs)+1)
	nets = append(nets, p.HostCIDR())
	for _, a := range p.AllowedIPs {
		nets = append(nets, a.Network)
	}
	return strings.Join(nets, ", ")
}

// Clone делает глубокую копию, чтобы наружу не утекали срезы реестра.
func (p Peer) Clone() Peer {
	out := p
	if p.AllowedIPs != nil {
		out.AllowedIPs = append([]AllowedIP(nil), p.AllowedIPs...)
	}
	if p.FirewallRules != nil {
		out.FirewallRules = append([]FirewallRule(nil), p.FirewallRules...)
	}
	return out
}
