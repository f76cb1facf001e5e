package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol"
)

// PendingRecovery tracks one recovery request the consumer has not yet
// satisfied.
type PendingRecovery struct {
	Notice     protocol.RecoveryNotice
	ReceivedAt time.Time
	Attempts   int
	LastError  string
}

// RecoveryOutbox holds outstanding recovery requests keyed by their start
// sequence. A newer request for the same start replaces the older one.
type RecoveryOutbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingRecovery
}

func NewRecoveryOutbox() *RecoveryOutbox {
	return &RecoveryOutbox{items: make(map[uint64]PendingRecovery)}
}

func (o *RecoveryOutbox) Upsert(item PendingRecovery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Notice.Start] = item
}

// MarkAttempt records one attempt to satisfy the request starting at start.
func (o *RecoveryOutbox) MarkAttempt(start uint64, lastErr string) (PendingRecovery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[start]
	if !ok {
		return PendingRecovery{}, false
	}
	item.Attempts++
	item.LastError = lastErr
	o.items[start] = item
	return item, true
}

// Complete drops every request whose range ends at or before upTo and
// returns how many were dropped.
func (o *RecoveryOutbox) Complete(upTo uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for start, item := range o.items {
		if item.Notice.End <= upTo {
			delete(o.items, start)
			n++
		}
	}
	return n
}

func (o *RecoveryOutbox) Get(start uint64) (PendingRecovery, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[start]
	return item, ok
}

func (o *RecoveryOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending requests ordered by start sequence.
func (o *RecoveryOutbox) List() []PendingRecovery {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRecovery, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Notice.Start < out[j].Notice.Start
	})
	return out
}
