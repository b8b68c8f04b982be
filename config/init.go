package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`   // 0.0.0.0
		HTTPPort        string        `mapstructure:"http_port"` // 8080
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	API struct {
		Token          string   `mapstructure:"token"`           // Bearer; пусто - без авторизации
		AllowedOrigins []string `mapstructure:"allowed_origins"` // для /ws; "*" - любые
	} `mapstructure:"api"`

	Logging struct {
		Level      string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format     string `mapstructure:"format"` // text|json
		File       string `mapstructure:"file"`   // путь к файлу, пусто - только stdout
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "sqlite" | "postgres" | "mysql" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	WireGuard struct {
		Interface        string        `mapstructure:"interface"` // wg0
		Source           string        `mapstructure:"source"`    // wgctrl | dump | none
		Subnet           string        `mapstructure:"subnet"`    // 10.0.0.0/24
		ServerIP         string        `mapstructure:"server_ip"` // пусто - первый адрес подсети
		ListenPort       int           `mapstructure:"listen_port"`
		PrivateKey       string        `mapstructure:"private_key"`
		Endpoint         string        `mapstructure:"endpoint"` // host:port для клиентских конфигов
		DNS              string        `mapstructure:"dns"`
		ClientAllowedIPs string        `mapstructure:"client_allowed_ips"`
		ConfigPath       string        `mapstructure:"config_path"` // куда писать wg0.conf; пусто - не писать
		SampleTimeout    time.Duration `mapstructure:"sample_timeout"`
		Liveness         time.Duration `mapstructure:"liveness"`
	} `mapstructure:"wireguard"`

	Firewall struct {
		Apply       bool   `mapstructure:"apply"` // применять директивы через iptables
		ChainPrefix string `mapstructure:"chain_prefix"`
		Backoff     struct {
			Initial     time.Duration `mapstructure:"initial"`
			Multiplier  float64       `mapstructure:"multiplier"`
			MaxInterval time.Duration `mapstructure:"max_interval"`
			MaxAttempts uint64        `mapstructure:"max_attempts"`
		} `mapstructure:"backoff"`
	} `mapstructure:"firewall"`

	Broadcast struct {
		Interval    time.Duration `mapstructure:"interval"`
		HistorySize int           `mapstructure:"history_size"`
		BufferSize  int           `mapstructure:"buffer_size"`
	} `mapstructure:"broadcast"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")
	viper.SetDefault("server.shutdown_timeout", "5s")

	viper.SetDefault("api.token", "")
	viper.SetDefault("api.allowed_origins", []string{})

	// Логи - дефолты
	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")
	viper.SetDefault("logs.max_size_mb", 10)
	viper.SetDefault("logs.max_backups", 3)

	// DB: по умолчанию - in-memory (пустой driver)
	viper.SetDefault("database.driver", "")
	viper.SetDefault("database.dsn", "")

	viper.SetDefault("wireguard.interface", "wg0")
	viper.SetDefault("wireguard.source", "wgctrl")
	viper.SetDefault("wireguard.subnet", "10.0.0.0/24")
	viper.SetDefault("wireguard.server_ip", "")
	viper.SetDefault("wireguard.listen_port", 51820)
	viper.SetDefault("wireguard.private_key", "")
	viper.SetDefault("wireguard.endpoint", "")
	viper.SetDefault("wireguard.dns", "")
	viper.SetDefault("wireguard.client_allowed_ips", "0.0.0.0/0")
	viper.SetDefault("wireguard.config_path", "")
	viper.SetDefault("wireguard.sample_timeout", "3s")
	viper.SetDefault("wireguard.liveness", "180s")

	viper.SetDefault("firewall.apply", false)
	viper.SetDefault("firewall.chain_prefix", "WGMON")
	viper.SetDefault("firewall.backoff.initial", "2s")
	viper.SetDefault("firewall.backoff.multiplier", 2.0)
	viper.SetDefault("firewall.backoff.max_interval", "30s")
	viper.SetDefault("firewall.backoff.max_attempts", 5)

	viper.SetDefault("broadcast.interval", "2s")
	viper.SetDefault("broadcast.history_size", 30)
	viper.SetDefault("broadcast.buffer_size", 8)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "wgmon"))
		}
		viper.AddConfigPath("/etc/wgmon")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Subnet - разобранная VPN-подсеть. После validate ошибки быть не может.
func (c *Config) Subnet() netip.Prefix {
	p, _ := netip.ParsePrefix(c.WireGuard.Subnet)
	return p.Masked()
}

// ServerIP - адрес сервера в подсети; нулевой, если не задан.
func (c *Config) ServerIP() netip.Addr {
	a, _ := netip.ParseAddr(c.WireGuard.ServerIP)
	return a
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if strings.TrimSpace(c.WireGuard.Interface) == "" {
		return errors.New("wireguard.interface must not be empty")
	}
	switch c.WireGuard.Source {
	case "wgctrl", "dump", "none":
	default:
		return fmt.Errorf("wireguard.source must be wgctrl, dump or none, got %q", c.WireGuard.Source)
	}
	p, err := netip.ParsePrefix(c.WireGuard.Subnet)
	if err != nil || !p.Addr().Is4() || p.Bits() > 30 {
		return fmt.Errorf("wireguard.subnet must be an IPv4 network of /30 or larger, got %q", c.WireGuard.Subnet)
	}
	if c.WireGuard.ServerIP != "" {
		a, err := netip.ParseAddr(c.WireGuard.ServerIP)
		if err != nil || !p.Masked().Contains(a) {
			return fmt.Errorf("wireguard.server_ip %q must be inside %s", c.WireGuard.ServerIP, c.WireGuard.Subnet)
		}
	}
	if c.WireGuard.SampleTimeout <= 0 {
		return errors.New("wireguard.sample_timeout must be positive")
	}
	if c.Broadcast.Interval <= 0 {
		return errors.New("broadcast.interval must be positive")
	}
	if c.Broadcast.HistorySize <= 0 {
		return errors.New("broadcast.history_size must be positive")
	}
	if c.Firewall.Backoff.Multiplier < 1 {
		return errors.New("firewall.backoff.multiplier must be >= 1")
	}
	return nil
}
