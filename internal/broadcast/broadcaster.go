// Package broadcast сводит реестр, замеры интерфейса и историю скоростей в снимки
// состояния и раздаёт их подписчикам. Один цикл Run задаёт ритм замеров
// независимо от числа зрителей; медленный зритель теряет старые события,
// но не тормозит цикл.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wgmon/internal/logs"
	"wgmon/internal/models"
	"wgmon/internal/rates"
	"wgmon/internal/sampler"
)

const (
	EventConnection   = "connection_status"
	EventStatus       = "peer_status_update"
	EventActionResult = "peer_action_result"
)

const (
	DefaultInterval   = 2 * time.Second
	DefaultBufferSize = 8
)

// Event - единица доставки подписчику. Data - *Snapshot или ActionResult.
type Event struct {
	Name string
	Data any
}

// Registry - то, что рассылке нужно от реестра пиров.
type Registry interface {
	List() []models.Peer
	SetActive(ctx context.Context, id uint, active bool) (models.Peer, error)
}

// Sampler - источник замеров (sampler.Sampler).
type Sampler interface {
	Sample(ctx context.Context) (sampler.Result, error)
}

type Observer interface {
	SetPeers(total, connected int)
	SetViewers(n int)
	Broadcast()
	EventDropped()
}

type Options struct {
	Interval   time.Duration
	Liveness   time.Duration
	BufferSize int // ёмкость очереди одного зрителя
	Now        func() time.Time
	Observer   Observer
}

type Broadcaster struct {
	reg     Registry
	smp     Sampler
	tracker *rates.Tracker
	opts    Options

	tickMu  sync.Mutex     // трекер → снимок строго по очереди
	failed  bool           // предыдущий замер неудачен; под tickMu
	applied sampler.Result // последний внесённый в трекер замер; под tickMu

	nudge chan struct{}

	mu     sync.Mutex
	subs   map[string]*Subscription
	last   *Snapshot
	lastFP *fingerprint // отпечаток последней разосланной версии
	closed bool
}

func New(reg Registry, smp Sampler, tr *rates.Tracker, opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Liveness <= 0 {
		opts.Liveness = sampler.DefaultLiveness
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if tr == nil {
		tr = rates.NewTracker(rates.DefaultSize)
	}
	return &Broadcaster{
		reg:     reg,
		smp:     smp,
		tracker: tr,
		opts:    opts,
		nudge:   make(chan struct{}, 1),
		subs:    make(map[string]*Subscription),
	}
}

// Run - цикл замеров и рассылки. По отмене ctx закрывает все подписки.
func (b *Broadcaster) Run(ctx context.Context) error {
	log := logs.Component("broadcast")
	log.Infof("status loop started, interval=%s", b.opts.Interval)

	t := time.NewTicker(b.opts.Interval)
	defer t.Stop()
	defer b.shutdown()

	b.tick(ctx, false)
	for {
		select {
		case <-ctx.Done():
			log.Info("status loop stopped")
			return ctx.Err()
		case <-t.C:
			b.tick(ctx, false)
		case <-b.nudge:
			b.tick(ctx, true)
		}
	}
}

// Nudge просит цикл разослать снимок вне очереди. Не блокирует.
func (b *Broadcaster) Nudge() {
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// Snapshot - текущий снимок. Если цикл ещё не успел его построить или снимок
// старше интервала, замер делается сразу. Отмена ctx замер не прерывает:
// ушедший HTTP-клиент не должен пометить снимок устаревшим для всех зрителей.
func (b *Broadcaster) Snapshot(ctx context.Context) *Snapshot {
	ctx = context.WithoutCancel(ctx)
	b.mu.Lock()
	s := b.last
	b.mu.Unlock()
	if s != nil && b.opts.Now().Sub(s.Timestamp) < b.opts.Interval {
		return s
	}
	return b.tick(ctx, false)
}

// SendSnapshot кладёт текущий снимок в очередь одного зрителя.
func (b *Broadcaster) SendSnapshot(ctx context.Context, viewerID string) {
	snap := b.Snapshot(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(Event{Name: EventStatus, Data: snap}, viewerID)
}

// Refresh - немедленная рассылка вне расписания. Возвращает число зрителей.
func (b *Broadcaster) Refresh(ctx context.Context) int {
	b.tick(context.WithoutCancel(ctx), true)
	return b.Viewers()
}

func (b *Broadcaster) Viewers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// tick: замер, обновление истории, снимок, рассылка при изменении (или force).
// Замер берётся до tickMu: одновременные тики делят одно чтение интерфейса,
// а в трекер каждый замер попадает один раз.
func (b *Broadcaster) tick(ctx context.Context, force bool) *Snapshot {
	res, err := b.smp.Sample(ctx)

	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	b.logSample(err)
	now := b.opts.Now()

	fresh := err == nil && res.Seq > b.applied.Seq
	switch {
	case fresh:
		b.applied = res
	case err == nil:
		// тот же или более старый замер: снимок строится по последнему внесённому
		res = b.applied
	}

	peers := b.reg.List()
	keep := make(map[uint]struct{}, len(peers))
	for _, p := range peers {
		keep[p.ID] = struct{}{}
		if !fresh {
			continue
		}
		if st, ok := res.Peers[p.PublicKey]; ok {
			b.tracker.Update(p.ID, rates.Counters{RX: st.RX, TX: st.TX}, res.TakenAt)
		}
	}
	b.tracker.Retain(keep)

	snap := compose(peers, res, err, b.tracker, now, b.opts.Liveness)
	fp := fingerprintOf(snap)
	if b.opts.Observer != nil {
		b.opts.Observer.SetPeers(snap.TotalPeers, snap.ConnectedPeers)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = snap
	if force || fp.changed(b.lastFP) {
		b.lastFP = &fp
		b.publishLocked(Event{Name: EventStatus, Data: snap}, "")
		if b.opts.Observer != nil {
			b.opts.Observer.Broadcast()
		}
	}
	return snap
}

func (b *Broadcaster) logSample(err error) {
	log := logs.Component("broadcast")
	switch {
	case err != nil && !b.failed:
		log.Warnf("interface sample failed, serving stale data: %v", err)
	case err != nil:
		log.Debugf("interface sample failed: %v", err)
	case b.failed:
		log.Info("interface sample recovered")
	}
	b.failed = err != nil
}

/* ───── подписки ───── */

// Subscribe регистрирует зрителя. Текущий снимок (если он уже есть) кладётся
// в очередь сразу, иначе цикл просится построить его вне расписания.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		ID: uuid.NewString(),
		b:  b,
		ch: make(chan Event, b.opts.BufferSize),
	}
	b.mu.Lock()
	if b.closed {
		close(s.ch)
		b.mu.Unlock()
		return s
	}
	b.subs[s.ID] = s
	last := b.last
	if last != nil {
		s.ch <- Event{Name: EventStatus, Data: last}
	}
	n := len(b.subs)
	b.mu.Unlock()

	if last == nil {
		b.Nudge()
	}
	if b.opts.Observer != nil {
		b.opts.Observer.SetViewers(n)
	}
	return s
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s.ID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s.ID)
	close(s.ch)
	n := len(b.subs)
	b.mu.Unlock()

	if b.opts.Observer != nil {
		b.opts.Observer.SetViewers(n)
	}
}

// publishLocked рассылает событие всем (to == "") или одному зрителю.
// Переполненная очередь теряет самое старое событие.
func (b *Broadcaster) publishLocked(ev Event, to string) {
	for id, s := range b.subs {
		if to != "" && id != to {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		select {
		case <-s.ch:
			if b.opts.Observer != nil {
				b.opts.Observer.EventDropped()
			}
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	if b.opts.Observer != nil {
		b.opts.Observer.SetViewers(0)
	}
}

// Subscription - очередь событий одного зрителя.
type Subscription struct {
	ID string

	b    *Broadcaster
	ch   chan Event
	once sync.Once
}

// Events закрывается при Close или остановке рассылки.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.b.unsubscribe(s) })
}

/* ───── действия зрителей ───── */

const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

var ErrInvalidAction = errors.New("invalid peer action")

// Intent - запрос зрителя на изменение пира.
type Intent struct {
	PeerID uint   `json:"peer_id"`
	Action string `json:"action"`
}

// ActionResult - исход Intent. Доставляется запросившему зрителю.
type ActionResult struct {
	Status   string `json:"status"`
	Success  bool   `json:"success"`
	PeerID   uint   `json:"peer_id"`
	Action   string `json:"action"`
	IsActive bool   `json:"is_active"`
	NewState string `json:"new_state,omitempty"`
	Message  string `json:"message"`
}

// HandleAction применяет Intent к реестру (изменения одного пира сериализуются
// его блокировкой), отправляет результат зрителю viewerID и свежий снимок всем.
func (b *Broadcaster) HandleAction(ctx context.Context, viewerID string, in Intent) (ActionResult, error) {
	res := ActionResult{Status: models.StatusError, PeerID: in.PeerID, Action: in.Action}

	var active bool
	switch in.Action {
	case ActionActivate:
		active = true
	case ActionDeactivate:
	default:
		err := fmt.Errorf("%w: %q", ErrInvalidAction, in.Action)
		res.Message = "Missing or unknown action"
		b.deliver(viewerID, res)
		return res, err
	}
	if in.PeerID == 0 {
		res.Message = "Missing peer_id"
		b.deliver(viewerID, res)
		return res, fmt.Errorf("%w: missing peer_id", ErrInvalidAction)
	}

	p, err := b.reg.SetActive(ctx, in.PeerID, active)
	if err != nil {
		res.Message = fmt.Sprintf("Error %sing peer: %v", in.Action[:len(in.Action)-1], err)
		b.deliver(viewerID, res)
		return res, err
	}

	res.Status = models.StatusSuccess
	res.Success = true
	res.IsActive = p.IsActive
	res.NewState = "inactive"
	if p.IsActive {
		res.NewState = "active"
	}
	res.Message = fmt.Sprintf("Peer %q %sd successfully", p.Name, in.Action)
	logs.Component("broadcast").WithField("peer", p.Name).Infof("viewer action: %s", in.Action)

	b.deliver(viewerID, res)
	b.tick(ctx, true)
	return res, nil
}

func (b *Broadcaster) deliver(viewerID string, res ActionResult) {
	if viewerID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(Event{Name: EventActionResult, Data: res}, viewerID)
}
