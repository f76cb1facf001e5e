// Package broadcast is a bounded multi-subscriber ring. Publishing never
// blocks: a subscriber that falls more than one ring behind skips ahead and
// is told how many messages it lost.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("broadcast: hub closed")

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// LaggedError reports messages overwritten before a subscriber read them.
// The subscriber has already been moved to the oldest retained message.
type LaggedError struct {
	Dropped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("broadcast: subscriber lagged, %d messages dropped", e.Dropped)
}

// Hub retains the last Cap() published messages. Published slices are
// shared by every subscriber and must not be modified afterwards.
type Hub struct {
	mu     sync.RWMutex
	ring   [][]byte
	mask   uint64
	head   uint64
	notify chan struct{}
	closed bool

	subscribers atomic.Int64
}

// NewHub returns a hub whose capacity is capacity rounded up to a power of
// two.
func NewHub(capacity int) *Hub {
	size := uint64(1)
	if capacity > 1 {
		size = 1 << bits.Len64(uint64(capacity-1))
	}
	return &Hub{
		ring:   make([][]byte, size),
		mask:   size - 1,
		notify: make(chan struct{}),
	}
}

func (h *Hub) Cap() int { return len(h.ring) }

// Published returns how many messages have ever been published.
func (h *Hub) Published() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.head
}

func (h *Hub) Subscribers() int { return int(h.subscribers.Load()) }

// Publish appends msg and wakes waiting subscribers. It returns the
// message's ring position, or ErrClosed.
func (h *Hub) Publish(msg []byte) (uint64, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	pos := h.head
	h.ring[pos&h.mask] = msg
	h.head++
	wake := h.notify
	h.notify = make(chan struct{})
	h.mu.Unlock()
	close(wake)
	return pos, nil
}

// Close wakes every subscriber. Subscribers drain what is retained and then
// receive ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
}

// Subscribe returns a subscriber that sees messages published from now on.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.subscribers.Add(1)
	return &Subscriber{hub: h, cursor: h.head}
}

// Subscriber is a read cursor over a Hub. It is not safe for concurrent use.
type Subscriber struct {
	hub    *Hub
	cursor uint64
	done   bool
}

// Recv returns the next message, blocking until one is published, the hub
// closes, or ctx ends. A *LaggedError is returned once per overrun.
func (s *Subscriber) Recv(ctx context.Context) ([]byte, error) {
	for {
		msg, ok, wait, err := s.next()
		if err != nil || ok {
			return msg, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv is Recv without blocking; ok is false when nothing is pending.
func (s *Subscriber) TryRecv() (msg []byte, ok bool, err error) {
	msg, ok, _, err = s.next()
	return msg, ok, err
}

// Wait returns a channel that is closed once Recv may make progress.
func (s *Subscriber) Wait() <-chan struct{} {
	h := s.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.done || h.closed || s.cursor < h.head {
		return closedChan
	}
	return h.notify
}

// Pending is how many published messages the subscriber has not read,
// including ones already overwritten.
func (s *Subscriber) Pending() uint64 {
	return s.hub.Published() - s.cursor
}

// Cursor is the ring position of the next message Recv returns.
func (s *Subscriber) Cursor() uint64 {
	return s.cursor
}

func (s *Subscriber) next() ([]byte, bool, <-chan struct{}, error) {
	if s.done {
		return nil, false, nil, ErrClosed
	}
	h := s.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.cursor < h.head {
		size := uint64(len(h.ring))
		if h.head-s.cursor > size {
			oldest := h.head - size
			dropped := oldest - s.cursor
			s.cursor = oldest
			return nil, false, nil, &LaggedError{Dropped: dropped}
		}
		msg := h.ring[s.cursor&h.mask]
		s.cursor++
		return msg, true, nil, nil
	}
	if h.closed {
		return nil, false, nil, ErrClosed
	}
	return nil, false, h.notify, nil
}

// Close detaches the subscriber.
func (s *Subscriber) Close() {
	if s.done {
		return
	}
	s.done = true
	s.hub.subscribers.Add(-1)
}
