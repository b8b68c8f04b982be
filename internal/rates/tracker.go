// Package rates превращает накопительные счётчики rx/tx в мгновенные скорости
// и хранит окно истории фиксированной длины на каждого пира.
package rates

import (
	"sync"
	"time"
)

// DefaultSize - длина окна истории по умолчанию.
const DefaultSize = 30

// minElapsed - нижняя граница интервала между замерами (ε в формуле скорости).
const minElapsed = time.Millisecond

// Counters - накопительные счётчики интерфейса.
type Counters struct {
	RX uint64
	TX uint64
}

// Point - одна точка истории.
type Point struct {
	At     time.Time `json:"at"`
	RX     uint64    `json:"rx"`
	TX     uint64    `json:"tx"`
	RXRate float64   `json:"rx_rate"`
	TXRate float64   `json:"tx_rate"`
}

type window struct {
	mu   sync.Mutex
	ring *Ring[Point]
}

// Tracker - окна истории по peerID. Глобальная блокировка держится только на время
// поиска окна, обновления разных пиров не мешают друг другу.
type Tracker struct {
	size int

	mu      sync.RWMutex
	windows map[uint]*window
}

func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultSize
	}
	return &Tracker{size: size, windows: make(map[uint]*window)}
}

func (t *Tracker) window(peerID uint) *window {
	t.mu.RLock()
	w := t.windows[peerID]
	t.mu.RUnlock()
	if w != nil {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w = t.windows[peerID]; w == nil {
		w = &window{ring: NewRing[Point](t.size)}
		t.windows[peerID] = w
	}
	return w
}

// Update добавляет замер и возвращает новую точку.
// Первая точка и точка после сброса счётчиков (значение уменьшилось) имеют нулевую скорость.
func (t *Tracker) Update(peerID uint, c Counters, at time.Time) Point {
	w := t.window(peerID)
	w.mu.Lock()
	defer w.mu.Unlock()

	p := Point{At: at, RX: c.RX, TX: c.TX}
	if prev, ok := w.ring.Last(); ok && c.RX >= prev.RX && c.TX >= prev.TX {
		elapsed := at.Sub(prev.At)
		if elapsed < minElapsed {
			elapsed = minElapsed
		}
		sec := elapsed.Seconds()
		p.RXRate = float64(c.RX-prev.RX) / sec
		p.TXRate = float64(c.TX-prev.TX) / sec
	}
	w.ring.Push(p)
	return p
}

// History - точки окна от старой к новой; nil, если пир ещё не замерялся.
func (t *Tracker) History(peerID uint) []Point {
	t.mu.RLock()
	w := t.windows[peerID]
	t.mu.RUnlock()
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ring.Items()
}

// Latest - последняя точка окна.
func (t *Tracker) Latest(peerID uint) (Point, bool) {
	t.mu.RLock()
	w := t.windows[peerID]
	t.mu.RUnlock()
	if w == nil {
		return Point{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ring.Last()
}

// Forget удаляет окно пира.
func (t *Tracker) Forget(peerID uint) {
	t.mu.Lock()
	delete(t.windows, peerID)
	t.mu.Unlock()
}

// Retain удаляет окна всех пиров, которых нет в keep.
func (t *Tracker) Retain(keep map[uint]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.windows {
		if _, ok := keep[id]; !ok {
			delete(t.windows, id)
		}
	}
}
