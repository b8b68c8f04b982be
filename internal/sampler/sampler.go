// Package sampler снимает состояние WireGuard-интерфейса с ограничением по времени.
// При отказе источника отдаёт последний удачный замер с пометкой Stale.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable - источник не ответил или вернул ошибку.
var ErrUnavailable = errors.New("interface state unavailable")

// errReadPending - брошенное по таймауту чтение ещё не вернулось.
var errReadPending = errors.New("previous read still pending")

// DefaultLiveness - рукопожатие старше этого порога считается потерей связи.
const DefaultLiveness = 180 * time.Second

// Result - замер интерфейса. Peers не изменяется после публикации.
type Result struct {
	Peers   map[string]PeerState // по публичному ключу
	TakenAt time.Time
	Stale   bool
	// Seq растёт на каждом удачном чтении; одинаковый Seq - один и тот же замер.
	Seq uint64
}

// Observer получает длительность и исход каждого обращения к источнику.
type Observer interface {
	ObserveSample(d time.Duration, err error)
}

type Options struct {
	Timeout  time.Duration
	Now      func() time.Time
	Observer Observer
}

type Sampler struct {
	src     Source
	timeout time.Duration
	now     func() time.Time
	obs     Observer

	group singleflight.Group

	mu       sync.RWMutex
	last     Result
	inflight chan struct{} // закрывается читателем; nil - чтений нет
}

func New(src Source, opts Options) *Sampler {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sampler{
		src:     src,
		timeout: opts.Timeout,
		now:     opts.Now,
		obs:     opts.Observer,
		last:    Result{Peers: map[string]PeerState{}, Stale: true},
	}
}

// Sample снимает состояние. Одновременные вызовы схлопываются в одно обращение к источнику.
// При ошибке возвращается предыдущий замер со Stale=true и ошибка, оборачивающая ErrUnavailable.
func (s *Sampler) Sample(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("sample", func() (any, error) {
		return s.sample(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

// Last - последний опубликованный замер без обращения к источнику.
func (s *Sampler) Last() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sampler) sample(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// пока зависшее чтение не вернулось, новое не запускается:
	// на каждый тик копилось бы по горутине
	done, ok := s.begin()
	if !ok {
		if s.obs != nil {
			s.obs.ObserveSample(0, errReadPending)
		}
		return s.fail(errReadPending)
	}

	type readResult struct {
		peers []PeerState
		err   error
	}
	// буфер 1: брошенный читатель допишет результат и завершится сам
	ch := make(chan readResult, 1)
	start := time.Now()
	go func() {
		defer close(done)
		peers, err := s.src.Read(ctx)
		ch <- readResult{peers, err}
	}()

	var rr readResult
	select {
	case rr = <-ch:
	case <-ctx.Done():
		rr.err = ctx.Err()
	}
	if s.obs != nil {
		s.obs.ObserveSample(time.Since(start), rr.err)
	}
	if rr.err != nil {
		return s.fail(rr.err)
	}

	peers := make(map[string]PeerState, len(rr.peers))
	for _, p := range rr.peers {
		peers[p.PublicKey] = p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = Result{Peers: peers, TakenAt: s.now(), Seq: s.last.Seq + 1}
	return s.last, nil
}

// begin регистрирует новое чтение; false - предыдущее ещё идёт.
func (s *Sampler) begin() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		select {
		case <-s.inflight:
		default:
			return nil, false
		}
	}
	s.inflight = make(chan struct{})
	return s.inflight, true
}

func (s *Sampler) fail(err error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last.Stale = true
	return s.last, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsConnected: пир активен, рукопожатие было и оно моложе порога.
func IsConnected(active bool, st PeerState, now time.Time, threshold time.Duration) bool {
	if !active || st.LatestHandshake.IsZero() {
		return false
	}
	return now.Sub(st.LatestHandshake) < threshold
}
