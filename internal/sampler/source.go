package sampler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerState - состояние одного пира на интерфейсе в момент замера.
type PeerState struct {
	PublicKey           string
	Endpoint            string // host:port, пусто если неизвестен
	AllowedIPs          []string
	LatestHandshake     time.Time // нулевое значение - рукопожатия не было
	RX                  uint64
	TX                  uint64
	PersistentKeepalive time.Duration
}

// Source читает состояние интерфейса. Реализация может блокироваться,
// Sampler ограничивает её по времени сам.
type Source interface {
	Read(ctx context.Context) ([]PeerState, error)
}

/* ───── wgctrl (netlink / userspace) ───── */

type WGCtrlSource struct {
	iface string

	mu     sync.Mutex
	client *wgctrl.Client
}

func NewWGCtrlSource(iface string) *WGCtrlSource { return &WGCtrlSource{iface: iface} }

func (s *WGCtrlSource) Read(_ context.Context) ([]PeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		c, err := wgctrl.New()
		if err != nil {
			return nil, fmt.Errorf("wgctrl open: %w", err)
		}
		s.client = c
	}
	dev, err := s.client.Device(s.iface)
	if err != nil {
		// клиент мог протухнуть (перезапуск модуля) - переоткроем в следующий раз
		_ = s.client.Close()
		s.client = nil
		return nil, fmt.Errorf("wgctrl device %s: %w", s.iface, err)
	}
	out := make([]PeerState, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		out = append(out, fromWGPeer(p))
	}
	return out, nil
}

func (s *WGCtrlSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func fromWGPeer(p wgtypes.Peer) PeerState {
	st := PeerState{
		PublicKey:           p.PublicKey.String(),
		PersistentKeepalive: p.PersistentKeepaliveInterval,
	}
	if p.Endpoint != nil {
		st.Endpoint = p.Endpoint.String()
	}
	for _, n := range p.AllowedIPs {
		st.AllowedIPs = append(st.AllowedIPs, n.String())
	}
	if !p.LastHandshakeTime.IsZero() && p.LastHandshakeTime.Unix() > 0 {
		st.LatestHandshake = p.LastHandshakeTime
	}
	if p.ReceiveBytes > 0 {
		st.RX = uint64(p.ReceiveBytes)
	}
	if p.TransmitBytes > 0 {
		st.TX = uint64(p.TransmitBytes)
	}
	return st
}

/* ───── `wg show <iface> dump` ───── */

// CommandFunc запускает внешнюю команду и возвращает stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// DumpSource - для хостов, где есть только wireguard-tools.
type DumpSource struct {
	iface string
	run   CommandFunc
}

func NewDumpSource(iface string, run CommandFunc) *DumpSource {
	if run == nil {
		run = execCommand
	}
	return &DumpSource{iface: iface, run: run}
}

func (s *DumpSource) Read(ctx context.Context) ([]PeerState, error) {
	out, err := s.run(ctx, "wg", "show", s.iface, "dump")
	if err != nil {
		return nil, err
	}
	return ParseDump(bytes.NewReader(out))
}

// ParseDump разбирает вывод `wg show <iface> dump`: первая строка - интерфейс,
// далее по строке на пира, поля через таб.
func ParseDump(r io.Reader) ([]PeerState, error) {
	sc := bufio.NewScanner(r)
	var (
		out  []PeerState
		line int
	)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		f := strings.Split(text, "\t")
		if line == 1 && len(f) == 4 {
			continue // private-key public-key listen-port fwmark
		}
		if len(f) != 8 {
			return nil, fmt.Errorf("dump line %d: expected 8 fields, got %d", line, len(f))
		}
		st := PeerState{PublicKey: f[0]}
		if f[2] != "(none)" {
			st.Endpoint = f[2]
		}
		if f[3] != "(none)" && f[3] != "" {
			st.AllowedIPs = strings.Split(f[3], ",")
		}
		hs, err := strconv.ParseInt(f[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dump line %d: latest-handshake: %w", line, err)
		}
		if hs > 0 {
			st.LatestHandshake = time.Unix(hs, 0).UTC()
		}
		if st.RX, err = strconv.ParseUint(f[5], 10, 64); err != nil {
			return nil, fmt.Errorf("dump line %d: transfer-rx: %w", line, err)
		}
		if st.TX, err = strconv.ParseUint(f[6], 10, 64); err != nil {
			return nil, fmt.Errorf("dump line %d: transfer-tx: %w", line, err)
		}
		if f[7] != "off" {
			ka, err := strconv.Atoi(f[7])
			if err != nil {
				return nil, fmt.Errorf("dump line %d: persistent-keepalive: %w", line, err)
			}
			st.PersistentKeepalive = time.Duration(ka) * time.Second
		}
		out = append(out, st)
	}
	return out, sc.Err()
}

/* ───── заглушка ───── */

// NoopSource - интерфейса нет, пиров нет.
type NoopSource struct{}

func (NoopSource) Read(context.Context) ([]PeerState, error) { return nil, nil }

// ClientIP - хостовая часть endpoint.
func ClientIP(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return ""
	}
	return host
}
