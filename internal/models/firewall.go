package models

import (
	"time"

	"gorm.io/datatypes"
)

type RuleType string

const (
	RuleInternet RuleType = "internet"
	RulePeerComm RuleType = "peer_comm"
	RulePort     RuleType = "port"
	RuleSubnet   RuleType = "subnet"
	RuleCustom   RuleType = "custom"
)

type RuleAction string

const (
	ActionAllow RuleAction = "ALLOW"
	ActionDeny  RuleAction = "DENY"
)

const (
	ProtoAny  = "any"
	ProtoTCP  = "tcp"
	ProtoUDP  = "udp"
	ProtoICMP = "icmp"
)

// FirewallRule - декларативное правило пира. Порядок задаёт Position.
type FirewallRule struct {
	ID       uint `gorm:"primaryKey" json:"id,omitempty"`
	PeerID   uint `gorm:"index;not null" json:"-"`
	Position int  `json:"-"`

	Name        string     `gorm:"size:100;not null" json:"name"`
	Description string     `gorm:"size:255" json:"description,omitempty"`
	Type        RuleType   `gorm:"size:20;not null" json:"rule_type"`
	Action      RuleAction `gorm:"size:10;not null" json:"action"`
	Destination string     `gorm:"size:43" json:"destination,omitempty"` // CIDR | "any" | ""
	Protocol    string     `gorm:"size:10" json:"protocol,omitempty"`    // any|tcp|udp|icmp
	Ports       string     `gorm:"size:255" json:"ports,omitempty"`      // "22" | "80,443" | "8000-8080" | "any"
}

// FirewallTemplate - именованный набор правил. Системные шаблоны зашиты в код,
// пользовательские живут в БД.
type FirewallTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	Name         string         `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Description  string         `gorm:"size:255" json:"description"`
	Category     string         `gorm:"size:50" json:"category"`
	Unrestricted bool           `json:"unrestricted"`
	IsSystem     bool           `gorm:"-" json:"is_system"`
	Rules        datatypes.JSON `json:"rules"` // []FirewallRule
}
