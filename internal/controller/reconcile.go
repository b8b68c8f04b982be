// Package controller приводит производное состояние (правила файрвола, wg0.conf,
// история скоростей) в соответствие с реестром пиров.
package controller

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"wgmon/internal/firewall"
	"wgmon/internal/logs"
	"wgmon/internal/models"
	"wgmon/internal/rates"
	"wgmon/internal/vpn/wireguard"
)

// Peers - источник актуального списка пиров для wg0.conf.
type Peers interface {
	List() []models.Peer
}

// Applier - живое применение директив (firewall.Applier).
type Applier interface {
	Apply(ctx context.Context, peerID uint, ds []firewall.Directive) error
	Retract(ctx context.Context, peerID uint) error
}

type Observer interface {
	FirewallApplied(err error)
}

type Options struct {
	Policy     firewall.Policy
	Applier    Applier // nil - правила только вычисляются
	ConfigPath string  // пусто - wg0.conf не пишется
	Server     wireguard.ServerConfig
	Tracker    *rates.Tracker
	Observer   Observer
	// Notify дёргается после каждого изменения (внеочередная рассылка).
	Notify func()
}

// Reconciler реализует registry.Hook.
type Reconciler struct {
	peers Peers
	opts  Options

	mu   sync.Mutex
	sums map[uint]string // checksum последнего применённого набора директив

	confMu  sync.Mutex
	confSum [sha256.Size]byte

	// очередь фонового применения: по пиру хранится только последний job
	running atomic.Bool
	wake    chan struct{}
	qmu     sync.Mutex
	pending map[uint]job
}

type job struct {
	peer   models.Peer
	remove bool
}

func NewReconciler(peers Peers, opts Options) *Reconciler {
	return &Reconciler{
		peers:   peers,
		opts:    opts,
		sums:    make(map[uint]string),
		wake:    make(chan struct{}, 1),
		pending: make(map[uint]job),
	}
}

// Reconcile компилирует правила пира и применяет их, если набор изменился.
// Неактивный пир снимается с файрвола.
func (r *Reconciler) Reconcile(ctx context.Context, p models.Peer) (checksum string, updated bool, err error) {
	if !p.IsActive {
		return "", r.retract(ctx, p.ID), nil
	}
	ds, err := firewall.Compile(p, r.opts.Policy)
	if err != nil {
		return "", false, err
	}
	sum := firewall.Checksum(ds)

	r.mu.Lock()
	prev, seen := r.sums[p.ID]
	r.mu.Unlock()
	if seen && prev == sum {
		return sum, false, nil
	}

	if r.opts.Applier != nil {
		err = r.opts.Applier.Apply(ctx, p.ID, ds)
		if r.opts.Observer != nil {
			r.opts.Observer.FirewallApplied(err)
		}
		if err != nil {
			return sum, false, fmt.Errorf("apply rules for %q: %w", p.Name, err)
		}
	}

	r.mu.Lock()
	r.sums[p.ID] = sum
	r.mu.Unlock()
	return sum, true, nil
}

// Checksum - отпечаток последнего применённого набора (пусто, если не применялся).
func (r *Reconciler) Checksum(peerID uint) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sums[peerID]
}

// Resync - полный проход при старте.
func (r *Reconciler) Resync(ctx context.Context) error {
	for _, p := range r.peers.List() {
		if _, _, err := r.Reconcile(ctx, p); err != nil {
			logs.Logger.WithField("peer", p.Name).Errorf("reconcile: %v", err)
		}
	}
	return r.WriteServerConfig()
}

/* ───── registry.Hook ───── */

// PeerChanged и PeerRemoved вызываются реестром под блокировкой пира.
// Пока работает Run, iptables с его повторами остаётся воркеру.
func (r *Reconciler) PeerChanged(ctx context.Context, p models.Peer) {
	if !r.enqueue(job{peer: p}) {
		r.reconcileLogged(ctx, p)
	}
	r.writeConfLogged(p.Name)
	r.notify()
}

func (r *Reconciler) PeerRemoved(ctx context.Context, p models.Peer) {
	if !r.enqueue(job{peer: p, remove: true}) {
		r.retract(ctx, p.ID)
	}
	if r.opts.Tracker != nil {
		r.opts.Tracker.Forget(p.ID)
	}
	r.writeConfLogged(p.Name)
	r.notify()
}

func (r *Reconciler) reconcileLogged(ctx context.Context, p models.Peer) {
	log := logs.Logger.WithField("peer", p.Name)
	if sum, updated, err := r.Reconcile(ctx, p); err != nil {
		log.Errorf("reconcile: %v", err)
	} else if updated && sum != "" {
		log.Debugf("firewall rules updated, checksum=%s", sum[:12])
	}
}

func (r *Reconciler) writeConfLogged(peer string) {
	if err := r.WriteServerConfig(); err != nil {
		logs.Logger.WithField("peer", peer).Errorf("write %s: %v", r.opts.ConfigPath, err)
	}
}

/* ───── фоновое применение ───── */

// Run применяет правила в фоне до отмены ctx. Изменения одного пира,
// пришедшие пока воркер занят, схлопываются до последнего; одинаковый
// checksum повторно не применяется.
func (r *Reconciler) Run(ctx context.Context) {
	if r.opts.Applier == nil {
		return
	}
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			j, ok := r.pop()
			if !ok {
				break
			}
			if j.remove {
				r.retract(ctx, j.peer.ID)
			} else {
				r.reconcileLogged(ctx, j.peer)
			}
			r.notify()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// enqueue - false, если воркер не запущен и применять надо на месте.
func (r *Reconciler) enqueue(j job) bool {
	if !r.running.Load() {
		return false
	}
	r.qmu.Lock()
	r.pending[j.peer.ID] = j
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Reconciler) pop() (job, bool) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for id, j := range r.pending {
		delete(r.pending, id)
		return j, true
	}
	return job{}, false
}

/* ───── wg0.conf ───── */

// WriteServerConfig перегенерирует wg0.conf из активных пиров. Файл заменяется
// атомарно и только при изменении содержимого.
func (r *Reconciler) WriteServerConfig() error {
	if r.opts.ConfigPath == "" {
		return nil
	}
	r.confMu.Lock()
	defer r.confMu.Unlock()

	body := wireguard.RenderServer(r.opts.Server, r.peers.List())
	sum := sha256.Sum256(body)
	if sum == r.confSum {
		return nil
	}
	if err := writeFileAtomic(r.opts.ConfigPath, body, 0o600); err != nil {
		return err
	}
	r.confSum = sum
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

/* ───── helpers ───── */

// retract снимает правила пира; true - если они были применены.
func (r *Reconciler) retract(ctx context.Context, peerID uint) bool {
	r.mu.Lock()
	_, had := r.sums[peerID]
	delete(r.sums, peerID)
	r.mu.Unlock()

	if r.opts.Applier == nil {
		return had
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	err := r.opts.Applier.Retract(ctx, peerID)
	if r.opts.Observer != nil {
		r.opts.Observer.FirewallApplied(err)
	}
	if err != nil {
		logs.Logger.WithField("peer_id", peerID).Errorf("retract rules: %v", err)
	}
	return had
}

func (r *Reconciler) notify() {
	if r.opts.Notify != nil {
		r.opts.Notify()
	}
}
