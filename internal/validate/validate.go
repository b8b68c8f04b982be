// Package validate - проверки входных данных пира и правил: имя, ключ,
// endpoint, keepalive, сети и порты.
package validate

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const MaxNameLen = 50

var (
	nameRe     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	pubKeyRe   = regexp.MustCompile(`^[A-Za-z0-9+/]{42}[AEIMQUYcgkosw048]=$`)
	endpointRe = regexp.MustCompile(`^[a-zA-Z0-9.-]+:\d+$`)
)

// FieldError - ошибка конкретного поля.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// Errors - набор ошибок полей; пустой набор ошибкой не считается (см. Err).
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

// Add добавляет ошибку поля, если err != nil.
func (e *Errors) Add(field string, err error) {
	if err == nil {
		return
	}
	*e = append(*e, FieldError{Field: field, Message: err.Error()})
}

// Err возвращает nil для пустого набора.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func Name(s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return fmt.Errorf("is required")
	case len(s) > MaxNameLen:
		return fmt.Errorf("must be at most %d characters", MaxNameLen)
	case !nameRe.MatchString(s):
		return fmt.Errorf("may contain only letters, digits, '-' and '_'")
	}
	return nil
}

// PublicKey - 44 символа base64 с '=' в конце, декодируемые в 32 байта.
func PublicKey(s string) error {
	if s == "" {
		return fmt.Errorf("is required")
	}
	if !pubKeyRe.MatchString(s) {
		return fmt.Errorf("invalid WireGuard public key format")
	}
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("invalid WireGuard public key: %w", err)
	}
	return nil
}

// Endpoint - host:port; пустой endpoint допустим.
func Endpoint(s string) error {
	if s == "" {
		return nil
	}
	if !endpointRe.MatchString(s) {
		return fmt.Errorf("must be in host:port format")
	}
	port, err := strconv.Atoi(s[strings.LastIndexByte(s, ':')+1:])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func Keepalive(n int) error {
	if n < 0 || n > 65535 {
		return fmt.Errorf("must be between 0 and 65535")
	}
	return nil
}

// CIDR разбирает IPv4-сеть. Голый адрес трактуется как /32, хостовые биты обнуляются.
func CIDR(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("network is required")
	}
	if !strings.Contains(s, "/") {
		s += "/32"
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q", s)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("only IPv4 networks are supported: %q", s)
	}
	return p.Masked(), nil
}

// IPv4 разбирает одиночный адрес.
func IPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return a, nil
}

/* ───── порты ───── */

// PortRange - диапазон [From, To]; для одиночного порта From == To.
type PortRange struct {
	From, To uint16
}

func (r PortRange) Single() bool { return r.From == r.To }

// Slots - сколько мест диапазон занимает в multiport (диапазон считается за два).
func (r PortRange) Slots() int {
	if r.Single() {
		return 1
	}
	return 2
}

// String - синтаксис iptables: "80" или "8000:8080".
func (r PortRange) String() string {
	if r.Single() {
		return strconv.Itoa(int(r.From))
	}
	return fmt.Sprintf("%d:%d", r.From, r.To)
}

// IsAnyPort - пустое значение или "any".
func IsAnyPort(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "any")
}

// Ports разбирает "22", "8000-8080", "80,443,8000-8080". Для "any"/"" возвращает nil.
func Ports(s string) ([]PortRange, error) {
	if IsAnyPort(s) {
		return nil, nil
	}
	var out []PortRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty port in list %q", s)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := port(lo)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = port(hi); err != nil {
				return nil, err
			}
			if from > to {
				return nil, fmt.Errorf("port range %q: start is greater than end", part)
			}
		}
		out = append(out, PortRange{From: from, To: to})
	}
	return out, nil
}

func port(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", n)
	}
	return uint16(n), nil
}
