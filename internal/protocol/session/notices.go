package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

var ErrNotControl = errors.New("session: not a control frame")

// Control frames travel on the data socket with FlagControl set and carry
// a single System domain record. They are never stamped with a live
// sequence and never enter the broadcast stream.

func controlSpec(domain schema.Domain) protocol.MessageSpec {
	return protocol.MessageSpec{
		Domain:      domain,
		Source:      schema.SourceRelay,
		Flags:       frame.FlagControl,
		TimestampNS: uint64(time.Now().UnixNano()),
	}
}

// LagNoticeFrame tells a subscriber the relay dropped n messages for it.
func LagNoticeFrame(reg *schema.Registry, domain schema.Domain, n protocol.LagNotice) ([]byte, error) {
	return protocol.BuildTyped(reg, controlSpec(domain), n)
}

// RecoveryFrame hands a recovery request to the consumer it concerns.
func RecoveryFrame(reg *schema.Registry, domain schema.Domain, n protocol.RecoveryNotice) ([]byte, error) {
	return protocol.BuildTyped(reg, controlSpec(domain), n)
}

// HeartbeatFrame lets an idle consumer see the relay's last sequence.
func HeartbeatFrame(reg *schema.Registry, domain schema.Domain, lastSequence uint64) ([]byte, error) {
	spec := controlSpec(domain)
	return protocol.BuildTyped(reg, spec, protocol.Heartbeat{TimestampNS: spec.TimestampNS, LastSequence: lastSequence})
}

// IsControl reports whether h belongs to a relay control frame.
func IsControl(h frame.Header) bool {
	return h.Flags&frame.FlagControl != 0
}

// Control is a decoded control frame. Kind tells which field is set.
type Control struct {
	Kind      schema.Type
	Lag       protocol.LagNotice
	Recovery  protocol.RecoveryNotice
	Heartbeat protocol.Heartbeat
}

// DecodeControl extracts the control record of m.
func DecodeControl(m protocol.Message) (Control, error) {
	if !IsControl(m.Header) {
		return Control{}, ErrNotControl
	}
	if len(m.Records) != 1 {
		return Control{}, fmt.Errorf("%w: control frame with %d records", protocol.ErrInvalidLayout, len(m.Records))
	}
	rec, err := protocol.DecodeRecord(m.Records[0])
	if err != nil {
		return Control{}, err
	}
	out := Control{Kind: rec.Type()}
	switch r := rec.(type) {
	case protocol.LagNotice:
		out.Lag = r
	case protocol.RecoveryNotice:
		out.Recovery = r
	case protocol.Heartbeat:
		out.Heartbeat = r
	default:
		return Control{}, fmt.Errorf("%w: type=%d in control frame", protocol.ErrUnknownTLVType, rec.Type())
	}
	return out, nil
}
