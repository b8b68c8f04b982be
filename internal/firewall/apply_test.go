package firewall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIPT - in-memory таблица filter.
type fakeIPT struct {
	mu       sync.Mutex
	chains   map[string][][]string
	failures int // сколько ближайших вызовов Append вернут ошибку
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{chains: map[string][][]string{ChainForward: nil, ChainInput: nil, ChainOutput: nil}}
}

func key(spec []string) string { return strings.Join(spec, " ") }

func (f *fakeIPT) ChainExists(_, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeIPT) ClearChain(_, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = nil
	return nil
}

func (f *fakeIPT) ClearAndDeleteChain(_, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, chain)
	return nil
}

func (f *fakeIPT) Append(_, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("xtables lock held")
	}
	if _, ok := f.chains[chain]; !ok {
		return errors.New("no chain " + chain)
	}
	f.chains[chain] = append(f.chains[chain], spec)
	return nil
}

func (f *fakeIPT) AppendUnique(table, chain string, spec ...string) error {
	f.mu.Lock()
	for _, r := range f.chains[chain] {
		if key(r) == key(spec) {
			f.mu.Unlock()
			return nil
		}
	}
	f.mu.Unlock()
	return f.Append(table, chain, spec...)
}

func (f *fakeIPT) DeleteIfExists(_, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.chains[chain]
	for i, r := range rules {
		if key(r) == key(spec) {
			f.chains[chain] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func fastBackoff(attempts uint64) BackoffConfig {
	return BackoffConfig{Initial: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestApplierApplyAndRetract(t *testing.T) {
	ipt := newFakeIPT()
	a := NewApplier(ipt, "WGMON", fastBackoff(3))
	ctx := context.Background()

	require.NoError(t, a.EnsureBaseline(ctx, "wg0"))
	require.NoError(t, a.EnsureBaseline(ctx, "wg0"))
	assert.Len(t, ipt.chains[ChainForward], 2)
	assert.Len(t, ipt.chains[ChainInput], 1)

	tpl, _ := LookupBuiltin("restricted")
	ds, err := Compile(peerWith(tpl.RulesFor()...), testPolicy)
	require.NoError(t, err)

	require.NoError(t, a.Apply(ctx, 5, ds))
	require.NoError(t, a.Apply(ctx, 5, ds))
	assert.Len(t, ipt.chains["WGMON-P5"], 4)
	assert.Len(t, ipt.chains[ChainForward], 3, "jump must be added once")

	require.NoError(t, a.Retract(ctx, 5))
	_, exists := ipt.chains["WGMON-P5"]
	assert.False(t, exists)
	assert.Len(t, ipt.chains[ChainForward], 2)

	require.NoError(t, a.Retract(ctx, 5))
}

func TestApplierUnrestrictedRetracts(t *testing.T) {
	ipt := newFakeIPT()
	a := NewApplier(ipt, "WGMON", fastBackoff(3))
	ctx := context.Background()

	ds, _ := Compile(peerWith(), testPolicy)
	require.NoError(t, a.Apply(ctx, 5, ds))
	require.Contains(t, ipt.chains, "WGMON-P5")

	p := peerWith()
	p.Unrestricted = true
	ds, _ = Compile(p, testPolicy)
	require.NoError(t, a.Apply(ctx, 5, ds))
	assert.NotContains(t, ipt.chains, "WGMON-P5")
}

func TestApplierRetriesTransientErrors(t *testing.T) {
	ipt := newFakeIPT()
	ipt.failures = 2
	a := NewApplier(ipt, "WGMON", fastBackoff(5))

	ds, _ := Compile(peerWith(), testPolicy)
	require.NoError(t, a.Apply(context.Background(), 5, ds))
	assert.Len(t, ipt.chains["WGMON-P5"], 2)
}

func TestApplierGivesUp(t *testing.T) {
	ipt := newFakeIPT()
	ipt.failures = 100
	a := NewApplier(ipt, "WGMON", fastBackoff(2))

	ds, _ := Compile(peerWith(), testPolicy)
	err := a.Apply(context.Background(), 5, ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append WGMON-P5")
	assert.Equal(t, 98, ipt.failures)
}
