package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_FILE", path)
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, "server:\n  http_port: \"9090\"\n")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.HTTPPort)
	assert.Equal(t, "wg0", cfg.WireGuard.Interface)
	assert.Equal(t, 180*time.Second, cfg.WireGuard.Liveness)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.Interval)
	assert.Equal(t, 30, cfg.Broadcast.HistorySize)
	assert.Equal(t, "10.0.0.0/24", cfg.Subnet().String())
	assert.False(t, cfg.ServerIP().IsValid())
	assert.Equal(t, uint64(5), cfg.Firewall.Backoff.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("WIREGUARD_SUBNET", "172.16.0.0/16")
	cfg, err := loadFrom(t, "wireguard:\n  subnet: 10.8.0.0/24\n  server_ip: 172.16.0.1\n")
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.0/16", cfg.Subnet().String())
	assert.Equal(t, "172.16.0.1", cfg.ServerIP().String())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"source":    "wireguard:\n  source: magic\n",
		"subnet":    "wireguard:\n  subnet: 10.0.0.0/31\n",
		"ipv6":      "wireguard:\n  subnet: fd00::/64\n",
		"server_ip": "wireguard:\n  server_ip: 192.168.1.1\n",
		"interval":  "broadcast:\n  interval: 0s\n",
		"backoff":   "firewall:\n  backoff:\n    multiplier: 0.5\n",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadFrom(t, yaml)
			assert.Error(t, err)
		})
	}
}
