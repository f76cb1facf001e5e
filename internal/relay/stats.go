package relay

import (
	"context"
	"time"

	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// LatencyStats summarises validation latency in nanoseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	P50   int64   `json:"p50_ns"`
	P99   int64   `json:"p99_ns"`
	Max   int64   `json:"max_ns"`
	Mean  float64 `json:"mean_ns"`
}

// LaneStats is a point-in-time view of one domain lane.
type LaneStats struct {
	Domain            string         `json:"domain"`
	Network           string         `json:"network"`
	Address           string         `json:"address"`
	NextSequence      uint64         `json:"next_sequence"`
	Received          uint64         `json:"received"`
	Published         uint64         `json:"published"`
	Rejected          uint64         `json:"rejected"`
	StructuralErrors  uint64         `json:"structural_errors"`
	SemanticErrors    uint64         `json:"semantic_errors"`
	ResourceErrors    uint64         `json:"resource_errors"`
	ChecksumFailures  uint64         `json:"checksum_failures"`
	IntegrityFailures uint64         `json:"integrity_failures"`
	IntegrityRate     float64        `json:"integrity_failure_rate"`
	Ignored           uint64         `json:"ignored"`
	LagEvents         uint64         `json:"lag_events"`
	DroppedDeliveries uint64         `json:"dropped_deliveries"`
	RecoveryRequests  uint64         `json:"recovery_requests"`
	Connections       int64          `json:"connections"`
	Subscribers       int            `json:"subscribers"`
	Buffer            int            `json:"buffer"`
	Validation        LatencyStats   `json:"validation"`
	Consumers         consumer.Stats `json:"consumers"`
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	StartedAt time.Time   `json:"started_at,omitzero"`
	Uptime    string      `json:"uptime"`
	Ready     bool        `json:"ready"`
	Lanes     []LaneStats `json:"lanes"`
}

func (r *Relay) Stats() Stats {
	out := Stats{
		StartedAt: r.startedAt,
		Ready:     r.Ready(),
		Lanes:     make([]LaneStats, 0, len(r.order)),
	}
	if !r.startedAt.IsZero() {
		out.Uptime = time.Since(r.startedAt).Truncate(time.Second).String()
	}
	for _, d := range r.order {
		out.Lanes = append(out.Lanes, r.lanes[d].stats())
	}
	return out
}

// LaneStats returns the stats of one domain.
func (r *Relay) LaneStats(name string) (LaneStats, bool) {
	for _, d := range r.order {
		if d.String() == name {
			return r.lanes[d].stats(), true
		}
	}
	return LaneStats{}, false
}

func (l *lane) stats() LaneStats {
	c := &l.counters
	s := LaneStats{
		Domain:            l.label,
		Network:           l.cfg.Network,
		Address:           l.cfg.Address,
		NextSequence:      l.nextSequence(),
		Received:          c.received.Load(),
		Published:         c.published.Load(),
		Rejected:          c.rejected.Load(),
		StructuralErrors:  c.structural.Load(),
		SemanticErrors:    c.semantic.Load(),
		ResourceErrors:    c.resource.Load(),
		ChecksumFailures:  c.checksumFailures.Load(),
		IntegrityFailures: c.integrity.Load(),
		Ignored:           c.ignored.Load(),
		LagEvents:         c.lagEvents.Load(),
		DroppedDeliveries: c.dropped.Load(),
		RecoveryRequests:  c.recoveries.Load(),
		Connections:       c.connections.Load(),
		Subscribers:       l.hub.Subscribers(),
		Buffer:            l.hub.Cap(),
		Consumers:         l.consumers.Stats(),
	}
	if s.Received > 0 {
		s.IntegrityRate = float64(s.IntegrityFailures) / float64(s.Received)
	}
	l.histMu.Lock()
	s.Validation = LatencyStats{
		Count: l.hist.TotalCount(),
		P50:   l.hist.ValueAtQuantile(50),
		P99:   l.hist.ValueAtQuantile(99),
		Max:   l.hist.Max(),
		Mean:  l.hist.Mean(),
	}
	l.histMu.Unlock()
	return s
}

// statsLoop logs one line per lane every StatsInterval, with message rates
// computed against the previous tick.
func (r *Relay) statsLoop(ctx context.Context) {
	interval := r.cfg.StatsInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevReceived := make(map[string]uint64, len(r.order))
	prevPublished := make(map[string]uint64, len(r.order))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		secs := interval.Seconds()
		for _, d := range r.order {
			l := r.lanes[d]
			s := l.stats()
			observability.SetSubscribers(s.Domain, s.Subscribers)
			log.Info().
				Str("domain", s.Domain).
				Uint64("received", s.Received).
				Uint64("published", s.Published).
				Uint64("rejected", s.Rejected).
				Uint64("checksum_failures", s.ChecksumFailures).
				Uint64("integrity_failures", s.IntegrityFailures).
				Float64("integrity_rate", s.IntegrityRate).
				Float64("recv_per_sec", float64(s.Received-prevReceived[s.Domain])/secs).
				Float64("pub_per_sec", float64(s.Published-prevPublished[s.Domain])/secs).
				Int("subscribers", s.Subscribers).
				Int("consumers", s.Consumers.Consumers).
				Uint64("gaps", s.Consumers.GapCount).
				Uint64("recovery_requests", s.Consumers.RecoveryRequests).
				Uint64("lag_events", s.LagEvents).
				Int64("validation_p99_ns", s.Validation.P99).
				Msg("relay.stats")
			prevReceived[s.Domain] = s.Received
			prevPublished[s.Domain] = s.Published

			for _, st := range l.consumers.Snapshot() {
				log.Debug().
					Str("domain", s.Domain).
					Str("consumer", st.ID).
					Uint64("expected_next", st.ExpectedNext).
					Uint64("gap_count", st.GapCount).
					Uint64("recovery_requests", st.RecoveryRequests).
					Str("phase", st.Recovery.Phase.String()).
					Msg("relay.stats consumer")
			}
		}
	}
}

// sweepLoop evicts consumers idle for longer than ConsumerTimeout.
func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, d := range r.order {
			l := r.lanes[d]
			if n := l.consumers.CleanupInactive(r.cfg.ConsumerTimeout); n > 0 {
				log.Info().
					Str("domain", l.label).
					Int("evicted", n).
					Dur("timeout", r.cfg.ConsumerTimeout).
					Msg("relay.sweep inactive consumers")
			}
		}
	}
}
