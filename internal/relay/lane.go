package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/danmuck/tlvrelay/internal/broadcast"
	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// laneCounters are the monotonically increasing lane aggregates.
type laneCounters struct {
	received         atomic.Uint64
	published        atomic.Uint64
	rejected         atomic.Uint64
	structural       atomic.Uint64
	semantic         atomic.Uint64
	resource         atomic.Uint64
	checksumFailures atomic.Uint64
	integrity        atomic.Uint64
	ignored          atomic.Uint64
	lagEvents        atomic.Uint64
	dropped          atomic.Uint64
	recoveries       atomic.Uint64
	connections      atomic.Int64
}

// lane is the relay state of one routing domain. Every message published on
// the hub at ring position p carries sequence p+1.
type lane struct {
	cfg       DomainConfig
	domain    schema.Domain
	label     string
	reg       *schema.Registry
	hub       *broadcast.Hub
	consumers *consumer.Registry
	ln        net.Listener

	mu   sync.RWMutex
	next uint64

	counters laneCounters

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram
}

func newLane(cfg DomainConfig, reg *schema.Registry) *lane {
	if cfg.Buffer == 0 {
		cfg.Buffer = DefaultBuffer(cfg.Domain)
	}
	l := &lane{
		cfg:    cfg,
		domain: cfg.Domain,
		label:  cfg.Domain.String(),
		reg:    reg,
		hub:    broadcast.NewHub(cfg.Buffer),
		consumers: consumer.NewRegistry(cfg.Domain, consumer.Policy{
			RecoveryThreshold: cfg.Policy.RecoveryThreshold,
		}),
		next: 1,
		hist: hdrhistogram.New(1, int64(10*time.Second), 3),
	}
	l.consumers.SetGlobalSequence(l.next)
	return l
}

// ingest validates msg, stamps the next sequence and publishes it. msg is
// owned by the lane afterwards.
func (l *lane) ingest(msg []byte) (uint64, error) {
	start := time.Now()
	h, err := Validate(l.reg, l.cfg.Policy, l.domain, msg)
	elapsed := time.Since(start)
	l.counters.received.Add(1)
	l.recordValidation(elapsed)
	observability.RecordIngest(l.label, elapsed)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			l.recordReject(rej)
		}
		return 0, err
	}
	msg = msg[:h.MessageLen():h.MessageLen()]

	l.mu.Lock()
	seq := l.next
	frame.StampSequence(msg, seq)
	if _, err := l.hub.Publish(msg); err != nil {
		l.mu.Unlock()
		return 0, ErrShuttingDown
	}
	l.next++
	l.counters.published.Add(1)
	l.consumers.SetGlobalSequence(l.next)
	l.mu.Unlock()

	observability.RecordPublish(l.label, seq+1)
	return seq, nil
}

// recordStreamError counts a structural or resource error reported by the
// frame reader before the message reached validation.
func (l *lane) recordStreamError(err error) {
	l.counters.received.Add(1)
	l.recordReject(reject(l.domain, l.cfg.Policy, err))
}

func (l *lane) recordReject(rej *RejectError) {
	l.counters.rejected.Add(1)
	switch rej.Class {
	case protocol.ClassStructural:
		l.counters.structural.Add(1)
	case protocol.ClassSemantic:
		l.counters.semantic.Add(1)
	case protocol.ClassResource:
		l.counters.resource.Add(1)
	}
	if errors.Is(rej.Err, protocol.ErrChecksumMismatch) {
		l.counters.checksumFailures.Add(1)
	}
	if rej.Integrity {
		l.counters.integrity.Add(1)
	}
	observability.RecordReject(l.label, rej.Class.String(), rej.Integrity)
	log.Debug().
		Str("domain", l.label).
		Str("class", rej.Class.String()).
		Bool("integrity", rej.Integrity).
		Err(rej.Err).
		Msg("relay.lane message rejected")
}

func (l *lane) recordValidation(d time.Duration) {
	v := d.Nanoseconds()
	if v < 1 {
		v = 1
	}
	l.histMu.Lock()
	_ = l.hist.RecordValue(v)
	l.histMu.Unlock()
}

// attach subscribes a consumer and registers it at the next sequence in
// one step, so its first delivery is exactly what it was told to expect.
func (l *lane) attach(clientID string) (*broadcast.Subscriber, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := l.hub.Subscribe()
	l.consumers.Register(clientID)
	observability.SetSubscribers(l.label, l.hub.Subscribers())
	return sub, l.next
}

func (l *lane) detach(sub *broadcast.Subscriber) {
	sub.Close()
	observability.SetSubscribers(l.label, l.hub.Subscribers())
}

func (l *lane) nextSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// lastSequence is the most recently stamped sequence, 0 before the first.
func (l *lane) lastSequence() uint64 {
	return l.nextSequence() - 1
}

func (l *lane) recordLag(dropped uint64) {
	l.counters.lagEvents.Add(1)
	l.counters.dropped.Add(dropped)
	observability.RecordLag(l.label, dropped)
}

func (l *lane) recordRecovery(req consumer.RecoveryRequest) {
	l.counters.recoveries.Add(1)
	observability.RecordRecovery(l.label, req.Kind.String())
}
