package controller

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgmon/internal/firewall"
	"wgmon/internal/models"
	"wgmon/internal/rates"
	"wgmon/internal/vpn/wireguard"
)

type staticPeers struct {
	mu    sync.Mutex
	peers []models.Peer
}

func (s *staticPeers) List() []models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Peer(nil), s.peers...)
}

func (s *staticPeers) set(ps ...models.Peer) {
	s.mu.Lock()
	s.peers = ps
	s.mu.Unlock()
}

type fakeApplier struct {
	applied   map[uint]int
	retracted map[uint]int
	fail      error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: map[uint]int{}, retracted: map[uint]int{}}
}

func (f *fakeApplier) Apply(_ context.Context, id uint, _ []firewall.Directive) error {
	if f.fail != nil {
		return f.fail
	}
	f.applied[id]++
	return nil
}

func (f *fakeApplier) Retract(_ context.Context, id uint) error {
	f.retracted[id]++
	return nil
}

type countObserver struct{ ok, failed int }

func (c *countObserver) FirewallApplied(err error) {
	if err != nil {
		c.failed++
		return
	}
	c.ok++
}

var testPolicy = firewall.Policy{Interface: "wg0", VPNSubnet: netip.MustParsePrefix("10.0.0.0/24")}

func peer(id uint, name, ip string) models.Peer {
	return models.Peer{
		ID: id, Name: name, PublicKey: name + "-key", AssignedIP: ip, IsActive: true,
		FirewallRules: []models.FirewallRule{{
			Name: "dns", Type: models.RulePort, Action: models.ActionAllow,
			Destination: "any", Protocol: models.ProtoUDP, Ports: "53",
		}},
	}
}

func TestReconcileAppliesOnlyOnChange(t *testing.T) {
	app := newFakeApplier()
	obs := &countObserver{}
	r := NewReconciler(&staticPeers{}, Options{Policy: testPolicy, Applier: app, Observer: obs})
	ctx := context.Background()
	p := peer(1, "alpha", "10.0.0.2")

	sum, updated, err := r.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, sum, r.Checksum(1))

	_, updated, err = r.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.False(t, updated, "same directives are not re-applied")
	assert.Equal(t, 1, app.applied[1])

	p.FirewallRules[0].Ports = "53,853"
	sum2, updated, err := r.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.NotEqual(t, sum, sum2)
	assert.Equal(t, 2, app.applied[1])
	assert.Equal(t, 2, obs.ok)
}

func TestReconcileDeactivatedPeerIsRetracted(t *testing.T) {
	app := newFakeApplier()
	r := NewReconciler(&staticPeers{}, Options{Policy: testPolicy, Applier: app})
	ctx := context.Background()
	p := peer(1, "alpha", "10.0.0.2")

	_, _, err := r.Reconcile(ctx, p)
	require.NoError(t, err)

	p.IsActive = false
	_, updated, err := r.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 1, app.retracted[1])
	assert.Empty(t, r.Checksum(1))

	// повторная активация применяет правила заново
	p.IsActive = true
	_, updated, err = r.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 2, app.applied[1])
}

func TestReconcileApplyFailureIsRetriedNextTime(t *testing.T) {
	app := newFakeApplier()
	app.fail = errors.New("iptables: resource busy")
	obs := &countObserver{}
	r := NewReconciler(&staticPeers{}, Options{Policy: testPolicy, Applier: app, Observer: obs})
	p := peer(1, "alpha", "10.0.0.2")

	_, _, err := r.Reconcile(context.Background(), p)
	require.Error(t, err)
	assert.Empty(t, r.Checksum(1))
	assert.Equal(t, 1, obs.failed)

	app.fail = nil
	_, updated, err := r.Reconcile(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestPeerRemovedForgetsHistoryAndRetracts(t *testing.T) {
	app := newFakeApplier()
	tr := rates.NewTracker(5)
	notified := 0
	r := NewReconciler(&staticPeers{}, Options{
		Policy: testPolicy, Applier: app, Tracker: tr,
		Notify: func() { notified++ },
	})
	p := peer(7, "alpha", "10.0.0.2")
	tr.Update(7, rates.Counters{RX: 1, TX: 1}, time.Now())

	r.PeerChanged(context.Background(), p)
	r.PeerRemoved(context.Background(), p)

	assert.Nil(t, tr.History(7))
	assert.Equal(t, 1, app.retracted[7])
	assert.Equal(t, 2, notified)
}

func TestWriteServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wireguard", "wg0.conf")
	peers := &staticPeers{}
	r := NewReconciler(peers, Options{
		Policy:     testPolicy,
		ConfigPath: path,
		Server:     wireguard.ServerConfig{Address: "10.0.0.1/24", ListenPort: 51820},
	})

	a := peer(1, "alpha", "10.0.0.2")
	b := peer(2, "beta", "10.0.0.3")
	b.IsActive = false
	peers.set(a, b)
	r.PeerChanged(context.Background(), a)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# Peer: 1, alpha")
	assert.NotContains(t, string(raw), "beta")

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	// без изменений файл не переписывается
	before := st.ModTime()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.WriteServerConfig())
	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before, st.ModTime())

	peers.set(a)
	r.PeerRemoved(context.Background(), b)
	left, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".wg0.conf.*"))
	require.NoError(t, err)
	assert.Empty(t, left, "temp files are cleaned up")
}

// slowApplier держит каждое Apply до открытия ворот.
type slowApplier struct {
	gate chan struct{}

	mu        sync.Mutex
	applied   int
	retracted int
}

func (s *slowApplier) Apply(context.Context, uint, []firewall.Directive) error {
	<-s.gate
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return nil
}

func (s *slowApplier) Retract(context.Context, uint) error {
	s.mu.Lock()
	s.retracted++
	s.mu.Unlock()
	return nil
}

func (s *slowApplier) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.retracted
}

func TestHooksDoNotWaitForFirewall(t *testing.T) {
	app := &slowApplier{gate: make(chan struct{})}
	r := NewReconciler(&staticPeers{}, Options{Policy: testPolicy, Applier: app})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	require.Eventually(t, r.running.Load, time.Second, time.Millisecond)

	p1 := peer(1, "alpha", "10.0.0.2")
	p2 := p1.Clone()
	p2.FirewallRules[0].Ports = "53,853"
	p3 := p1.Clone()
	p3.FirewallRules[0].Ports = "853"

	start := time.Now()
	for _, p := range []models.Peer{p1, p2, p3} {
		r.PeerChanged(ctx, p)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "hooks return while Apply is blocked")

	close(app.gate)
	ds, err := firewall.Compile(p3, testPolicy)
	require.NoError(t, err)
	want := firewall.Checksum(ds)
	require.Eventually(t, func() bool { return r.Checksum(1) == want }, 2*time.Second, 5*time.Millisecond)
	applied, _ := app.counts()
	assert.LessOrEqual(t, applied, 2, "intermediate states coalesce")

	p3.IsActive = false
	r.PeerChanged(ctx, p3)
	require.Eventually(t, func() bool { _, n := app.counts(); return n == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, r.Checksum(1))

	cancel()
	<-done
	assert.False(t, r.running.Load())
}

func TestHooksApplyInlineWithoutWorker(t *testing.T) {
	app := newFakeApplier()
	r := NewReconciler(&staticPeers{}, Options{Policy: testPolicy, Applier: app})
	p := peer(1, "alpha", "10.0.0.2")

	r.PeerChanged(context.Background(), p)
	assert.Equal(t, 1, app.applied[1])
	assert.NotEmpty(t, r.Checksum(1))

	p.IsActive = false
	r.PeerChanged(context.Background(), p)
	assert.Equal(t, 1, app.retracted[1])
}
