// Package consumer tracks per-consumer delivery sequences for one routing
// domain and decides how a detected gap is recovered.
package consumer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var ErrUnknownConsumer = errors.New("consumer: unknown consumer")

// Policy is the per-domain recovery policy. A gap larger than
// RecoveryThreshold sequences asks for a snapshot instead of a retransmit.
type Policy struct {
	RecoveryThreshold uint64
}

type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry holds the consumer states of one domain. All methods are safe
// for concurrent use.
type Registry struct {
	domain schema.Domain
	policy Policy
	now    func() time.Time

	mu        sync.RWMutex
	global    uint64
	consumers map[string]*State
	evicted   uint64
}

func NewRegistry(domain schema.Domain, policy Policy, opts ...Option) *Registry {
	r := &Registry{
		domain:    domain,
		policy:    policy,
		now:       time.Now,
		consumers: make(map[string]*State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Domain() schema.Domain { return r.domain }
func (r *Registry) Policy() Policy        { return r.policy }

// SetGlobalSequence records the next sequence the domain will deliver.
// Newly registered consumers expect it.
func (r *Registry) SetGlobalSequence(seq uint64) {
	r.mu.Lock()
	r.global = seq
	r.mu.Unlock()
}

func (r *Registry) GlobalSequence() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// Register starts tracking id at the current global sequence. Registering
// an existing id resets it.
func (r *Registry) Register(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if prev, ok := r.consumers[id]; ok {
		log.Warn().
			Str("domain", r.domain.String()).
			Str("consumer", id).
			Uint64("expected_next", prev.ExpectedNext).
			Uint64("reset_to", r.global).
			Msg("consumer re-registered")
	}
	st := &State{
		ID:           id,
		LastSequence: r.global - min(r.global, 1),
		ExpectedNext: r.global,
		LastSeen:     now,
	}
	r.consumers[id] = st
	return *st
}

// Observe records that seq was delivered to id and returns a recovery
// request when seq skips ahead of the expected sequence. The live stream
// resumes at seq+1 either way. A seq behind the expected one is a stale
// duplicate: counted, otherwise ignored. Unknown ids are registered at seq.
func (r *Registry) Observe(id string, seq uint64) (RecoveryRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	st, ok := r.consumers[id]
	if !ok {
		st = &State{ID: id, ExpectedNext: seq}
		r.consumers[id] = st
	}
	st.LastSeen = now
	st.TotalMessages++

	switch {
	case seq == st.ExpectedNext:
		st.LastSequence = seq
		st.ExpectedNext = seq + 1
		st.Recovery = RecoveryState{Phase: PhaseNormal}
		return RecoveryRequest{}, false

	case seq < st.ExpectedNext:
		st.StaleMessages++
		return RecoveryRequest{}, false
	}

	gap := seq - st.ExpectedNext
	kind := Retransmit
	if gap > r.policy.RecoveryThreshold {
		kind = Snapshot
	}
	req := RecoveryRequest{
		ConsumerID: id,
		Domain:     r.domain,
		Start:      st.ExpectedNext,
		End:        seq - 1,
		Kind:       kind,
	}
	st.Recovery = RecoveryState{
		Phase: PhaseRecoveryRequested,
		From:  req.Start,
		To:    req.End,
		Kind:  kind,
		At:    now,
	}
	st.GapCount++
	st.RecoveryRequests++
	st.LastSequence = seq
	st.ExpectedNext = seq + 1
	return req, true
}

// BeginSnapshot marks id as waiting for a snapshot taken at snapshotSeq.
func (r *Registry) BeginSnapshot(id string, snapshotSeq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.consumers[id]
	if !ok {
		return ErrUnknownConsumer
	}
	st.Recovery = RecoveryState{
		Phase:            PhaseSnapshotPending,
		SnapshotSequence: snapshotSeq,
		At:               r.now(),
	}
	return nil
}

// MarkRecoveryCompleted sets id as caught up through upTo. Calling it again
// with the same value changes nothing.
func (r *Registry) MarkRecoveryCompleted(id string, upTo uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.consumers[id]
	if !ok {
		return ErrUnknownConsumer
	}
	st.LastSequence = upTo
	st.ExpectedNext = upTo + 1
	st.Recovery = RecoveryState{Phase: PhaseNormal}
	return nil
}

// CleanupInactive evicts consumers not seen for longer than threshold and
// returns how many were evicted.
func (r *Registry) CleanupInactive(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, st := range r.consumers {
		if now.Sub(st.LastSeen) > threshold {
			delete(r.consumers, id)
			n++
		}
	}
	r.evicted += uint64(n)
	return n
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[id]; !ok {
		return false
	}
	delete(r.consumers, id)
	return true
}

// Touch refreshes last_seen without observing a sequence.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.consumers[id]; ok {
		st.LastSeen = r.now()
	}
}

func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.consumers[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// Snapshot copies every consumer state, ordered by id.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.consumers))
	for _, st := range r.consumers {
		out = append(out, *st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Domain:         r.domain,
		GlobalSequence: r.global,
		Consumers:      len(r.consumers),
		Evicted:        r.evicted,
	}
	for _, st := range r.consumers {
		switch st.Recovery.Phase {
		case PhaseRecoveryRequested:
			s.Recovering++
		case PhaseSnapshotPending:
			s.SnapshotPending++
		default:
			s.Normal++
		}
		s.GapCount += st.GapCount
		s.RecoveryRequests += st.RecoveryRequests
		s.TotalMessages += st.TotalMessages
		s.StaleMessages += st.StaleMessages
	}
	return s
}
