package firewall

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"wgmon/internal/models"
)

// TemplateUnrestricted - шаблон, отключающий компилятор для пира.
const TemplateUnrestricted = "unrestricted"

// Template - именованный набор правил.
type Template struct {
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Category     string                `json:"category"`
	Unrestricted bool                  `json:"unrestricted"`
	System       bool                  `json:"is_system"`
	Rules        []models.FirewallRule `json:"rules"`
}

// Builtin - системные шаблоны. Каждый вызов возвращает свежие срезы.
func Builtin() []Template {
	dns := models.FirewallRule{
		Name: "Allow DNS", Description: "Allow DNS queries", Type: models.RulePort,
		Action: models.ActionAllow, Destination: "8.8.8.8/32", Protocol: models.ProtoUDP, Ports: "53",
	}
	web := models.FirewallRule{
		Name: "Allow HTTP/HTTPS", Description: "Allow web browsing", Type: models.RulePort,
		Action: models.ActionAllow, Destination: "any", Protocol: models.ProtoTCP, Ports: "80,443",
	}
	return []Template{
		{
			Name: TemplateUnrestricted, Description: "Full access to everything", Category: "basic",
			Unrestricted: true, System: true, Rules: []models.FirewallRule{},
		},
		{
			Name: "internet_only", Description: "Internet access only, no peer communication", Category: "basic",
			System: true,
			Rules: []models.FirewallRule{
				{Name: "Allow Internet", Description: "Allow internet access", Type: models.RuleInternet,
					Action: models.ActionAllow, Destination: "any", Protocol: models.ProtoAny, Ports: "any"},
				{Name: "Deny Peer Communication", Description: "Block communication with other peers", Type: models.RulePeerComm,
					Action: models.ActionDeny, Destination: "any", Protocol: models.ProtoAny, Ports: "any"},
			},
		},
		{
			Name: "restricted", Description: "Limited access to specific services", Category: "security",
			System: true,
			Rules:  []models.FirewallRule{dns, web},
		},
		{
			Name: "admin", Description: "Full administrative access", Category: "admin",
			System: true,
			Rules: []models.FirewallRule{
				{Name: "Allow All", Description: "Full network access", Type: models.RuleCustom,
					Action: models.ActionAllow, Destination: "any", Protocol: models.ProtoAny, Ports: "any"},
			},
		},
		{
			Name: "guest", Description: "Guest access with restrictions", Category: "guest",
			System: true,
			Rules: []models.FirewallRule{
				dns, web,
				{Name: "Block Everything Else", Description: "Deny all other traffic", Type: models.RuleCustom,
					Action: models.ActionDeny, Destination: "any", Protocol: models.ProtoAny, Ports: "any"},
			},
		},
	}
}

// LookupBuiltin ищет системный шаблон по имени.
func LookupBuiltin(name string) (Template, bool) {
	for _, t := range Builtin() {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// TemplateFromModel разворачивает шаблон из БД.
func TemplateFromModel(m models.FirewallTemplate) (Template, error) {
	t := Template{
		Name:         m.Name,
		Description:  m.Description,
		Category:     m.Category,
		Unrestricted: m.Unrestricted,
	}
	if len(m.Rules) > 0 {
		if err := json.Unmarshal(m.Rules, &t.Rules); err != nil {
			return Template{}, fmt.Errorf("template %q: decode rules: %w", m.Name, err)
		}
	}
	if t.Rules == nil {
		t.Rules = []models.FirewallRule{}
	}
	return t, nil
}

// Model - форма хранения шаблона.
func (t Template) Model() (models.FirewallTemplate, error) {
	rules := make([]models.FirewallRule, len(t.Rules))
	for i, r := range t.Rules {
		r.ID, r.PeerID, r.Position = 0, 0, 0
		rules[i] = r
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return models.FirewallTemplate{}, err
	}
	return models.FirewallTemplate{
		Name:         t.Name,
		Description:  t.Description,
		Category:     t.Category,
		Unrestricted: t.Unrestricted,
		Rules:        datatypes.JSON(raw),
	}, nil
}

// RulesFor - копия правил шаблона, готовая к привязке к пиру.
func (t Template) RulesFor() []models.FirewallRule {
	out := make([]models.FirewallRule, len(t.Rules))
	for i, r := range t.Rules {
		r.ID, r.PeerID = 0, 0
		r.Position = i
		out[i] = r
	}
	return out
}
