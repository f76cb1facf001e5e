package consumer

import (
	"fmt"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

// RecoveryKind selects how a gap is remediated.
type RecoveryKind uint8

const (
	Retransmit RecoveryKind = RecoveryKind(protocol.RecoveryRetransmit)
	Snapshot   RecoveryKind = RecoveryKind(protocol.RecoveryKindSnapshot)
)

func (k RecoveryKind) String() string {
	switch k {
	case Retransmit:
		return "retransmit"
	case Snapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("recovery(%d)", uint8(k))
	}
}

// Phase is the recovery state machine position of one consumer.
type Phase uint8

const (
	PhaseNormal Phase = iota
	PhaseRecoveryRequested
	PhaseSnapshotPending
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseRecoveryRequested:
		return "recovery_requested"
	case PhaseSnapshotPending:
		return "snapshot_pending"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// RecoveryState describes the current phase. From, To and Kind are set in
// PhaseRecoveryRequested; SnapshotSequence in PhaseSnapshotPending.
type RecoveryState struct {
	Phase            Phase        `json:"phase"`
	From             uint64       `json:"from,omitempty"`
	To               uint64       `json:"to,omitempty"`
	Kind             RecoveryKind `json:"kind,omitempty"`
	SnapshotSequence uint64       `json:"snapshot_sequence,omitempty"`
	At               time.Time    `json:"at,omitzero"`
}

// State is the sequence tracking record of one consumer.
type State struct {
	ID               string        `json:"id"`
	LastSequence     uint64        `json:"last_sequence"`
	ExpectedNext     uint64        `json:"expected_next"`
	GapCount         uint64        `json:"gap_count"`
	LastSeen         time.Time     `json:"last_seen"`
	Recovery         RecoveryState `json:"recovery"`
	TotalMessages    uint64        `json:"total_messages"`
	RecoveryRequests uint64        `json:"recovery_requests"`
	StaleMessages    uint64        `json:"stale_messages"`
}

// RecoveryRequest describes the range a consumer missed. Start and End are
// inclusive.
type RecoveryRequest struct {
	ConsumerID string        `json:"consumer_id"`
	Domain     schema.Domain `json:"domain"`
	Start      uint64        `json:"start_sequence"`
	End        uint64        `json:"end_sequence"`
	Kind       RecoveryKind  `json:"request_type"`
}

// Missing is the number of sequences in the request range.
func (r RecoveryRequest) Missing() uint64 {
	return r.End - r.Start + 1
}

// Notice is the wire form carried in a relay control frame.
func (r RecoveryRequest) Notice() protocol.RecoveryNotice {
	return protocol.RecoveryNotice{
		Start:      r.Start,
		End:        r.End,
		Kind:       uint8(r.Kind),
		ConsumerID: r.ConsumerID,
	}
}

// RequestFromNotice converts a received control frame back into a request.
func RequestFromNotice(domain schema.Domain, n protocol.RecoveryNotice) RecoveryRequest {
	return RecoveryRequest{
		ConsumerID: n.ConsumerID,
		Domain:     domain,
		Start:      n.Start,
		End:        n.End,
		Kind:       RecoveryKind(n.Kind),
	}
}

// Stats aggregates the registry for monitoring.
type Stats struct {
	Domain           schema.Domain `json:"domain"`
	GlobalSequence   uint64        `json:"global_sequence"`
	Consumers        int           `json:"consumers"`
	Normal           int           `json:"normal"`
	Recovering       int           `json:"recovering"`
	SnapshotPending  int           `json:"snapshot_pending"`
	GapCount         uint64        `json:"gap_count"`
	RecoveryRequests uint64        `json:"recovery_requests"`
	TotalMessages    uint64        `json:"total_messages"`
	StaleMessages    uint64        `json:"stale_messages"`
	Evicted          uint64        `json:"evicted"`
}
