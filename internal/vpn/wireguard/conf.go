package wireguard

import (
	"fmt"
	"strings"

	"wgmon/internal/models"
)

// ClientKeyPlaceholder - приватный ключ клиента серверу неизвестен.
const ClientKeyPlaceholder = "<PLACEHOLDER_FOR_CLIENT_PRIVATE_KEY>"

// ServerConfig - параметры секции [Interface] серверного wg0.conf.
type ServerConfig struct {
	Address    string // 10.0.0.1/24
	PrivateKey string
	ListenPort int
}

// ClientConfig - что клиенту нужно знать о сервере.
type ClientConfig struct {
	ServerPublicKey string
	Endpoint        string // host:port
	AllowedIPs      string // по умолчанию 0.0.0.0/0
	DNS             string
}

// RenderServer собирает wg0.conf. В файл попадают только активные пиры, в переданном порядке.
func RenderServer(srv ServerConfig, peers []models.Peer) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	if srv.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", srv.Address)
	}
	if srv.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", srv.PrivateKey)
	}
	if srv.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", srv.ListenPort)
	}
	for _, p := range peers {
		if !p.IsActive {
			continue
		}
		fmt.Fprintf(&b, "\n# Peer: %d, %s\n[Peer]\n", p.ID, p.Name)
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", p.CombinedAllowedIPs())
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
	}
	return []byte(b.String())
}

// RenderClient - конфиг для скачивания клиентом.
func RenderClient(p models.Peer, c ClientConfig) []byte {
	allowed := c.AllowedIPs
	if allowed == "" {
		allowed = "0.0.0.0/0"
	}
	ka := p.PersistentKeepalive
	if ka == 0 {
		ka = 25
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", ClientKeyPlaceholder)
	fmt.Fprintf(&b, "Address = %s\n", p.HostCIDR())
	if c.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	}
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowed)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", ka)
	return []byte(b.String())
}
