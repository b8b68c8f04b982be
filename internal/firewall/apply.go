package firewall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-iptables/iptables"

	"wgmon/internal/logs"
)

// Backend - подмножество *iptables.IPTables, которым пользуется Applier.
type Backend interface {
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// NewIPTables - IPv4 iptables хоста.
func NewIPTables() (*iptables.IPTables, error) {
	return iptables.NewWithProtocol(iptables.ProtocolIPv4)
}

// BackoffConfig - политика повторов для операций с iptables.
type BackoffConfig struct {
	Initial     time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxAttempts uint64 // 0 - без ограничения числа попыток (до отмены ctx)
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 2 * time.Second, Multiplier: 2, MaxInterval: 30 * time.Second, MaxAttempts: 5}
}

// Applier раскладывает директивы пира в собственную цепочку <prefix>-P<id>,
// на которую прыгает FORWARD. Базовые директивы ставятся однократно и идемпотентно.
type Applier struct {
	ipt    Backend
	prefix string
	bo     BackoffConfig

	mu sync.Mutex // iptables не любит параллельных изменений
}

func NewApplier(b Backend, chainPrefix string, bo BackoffConfig) *Applier {
	if chainPrefix == "" {
		chainPrefix = "WGMON"
	}
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	return &Applier{ipt: b, prefix: chainPrefix, bo: bo}
}

// PeerChain - имя цепочки пира.
func (a *Applier) PeerChain(peerID uint) string { return fmt.Sprintf("%s-P%d", a.prefix, peerID) }

func (a *Applier) jumpSpec(peerID uint) []string {
	chain := a.PeerChain(peerID)
	return []string{"-j", chain, "-m", "comment", "--comment", "wgmon:" + chain}
}

// EnsureBaseline ставит базовые директивы, если их ещё нет.
func (a *Applier) EnsureBaseline(ctx context.Context, iface string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range Baseline(iface) {
		d := d
		if err := a.retry(ctx, "baseline "+d.Chain, func() error {
			return a.ipt.AppendUnique(d.Table, d.Chain, d.Spec...)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Apply заменяет содержимое цепочки пира. Если пир-специфичных директив нет
// (политика unrestricted), цепочка убирается.
func (a *Applier) Apply(ctx context.Context, peerID uint, ds []Directive) error {
	var own []Directive
	for _, d := range ds {
		if d.Scope != ScopeBaseline {
			own = append(own, d)
		}
	}
	if len(own) == 0 {
		return a.Retract(ctx, peerID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	chain := a.PeerChain(peerID)
	if err := a.retry(ctx, "clear "+chain, func() error {
		return a.ipt.ClearChain(TableFilter, chain)
	}); err != nil {
		return err
	}
	for _, d := range own {
		d := d
		if err := a.retry(ctx, "append "+chain, func() error {
			return a.ipt.Append(TableFilter, chain, d.Spec...)
		}); err != nil {
			return err
		}
	}
	return a.retry(ctx, "jump "+chain, func() error {
		return a.ipt.AppendUnique(TableFilter, ChainForward, a.jumpSpec(peerID)...)
	})
}

// Retract убирает прыжок и цепочку пира. Повторный вызов безопасен.
func (a *Applier) Retract(ctx context.Context, peerID uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	chain := a.PeerChain(peerID)
	if err := a.retry(ctx, "unjump "+chain, func() error {
		return a.ipt.DeleteIfExists(TableFilter, ChainForward, a.jumpSpec(peerID)...)
	}); err != nil {
		return err
	}
	return a.retry(ctx, "delete "+chain, func() error {
		ok, err := a.ipt.ChainExists(TableFilter, chain)
		if err != nil || !ok {
			return err
		}
		return a.ipt.ClearAndDeleteChain(TableFilter, chain)
	})
}

func (a *Applier) retry(ctx context.Context, op string, fn func() error) error {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     a.bo.Initial,
		RandomizationFactor: 0,
		Multiplier:          a.bo.Multiplier,
		MaxInterval:         a.bo.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	var policy backoff.BackOff = eb
	if a.bo.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(eb, a.bo.MaxAttempts-1)
	}
	err := backoff.RetryNotify(fn, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		logs.Logger.Warnf("iptables %s failed, retrying in %v: %v", op, d, err)
	})
	if err != nil {
		return fmt.Errorf("iptables %s: %w", op, err)
	}
	return nil
}
