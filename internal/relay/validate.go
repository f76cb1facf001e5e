package relay

import (
	"errors"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

// ErrControlFrame rejects a producer frame carrying FlagControl. Control
// frames are emitted by the relay only.
var ErrControlFrame = errors.New("relay: control frame from producer")

// RejectError is returned for a message the relay refused to forward.
type RejectError struct {
	Domain schema.Domain
	Class  protocol.Class
	// Integrity marks a semantic failure in a domain that enforces its type
	// range.
	Integrity bool
	Err       error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("relay: %s rejected %s message: %v", e.Domain, e.Class, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(domain schema.Domain, policy Policy, err error) *RejectError {
	class := protocol.Classify(err)
	if errors.Is(err, ErrControlFrame) {
		class = protocol.ClassSemantic
	}
	return &RejectError{
		Domain:    domain,
		Class:     class,
		Integrity: class == protocol.ClassSemantic && (policy.EnforceTypeRange || errors.Is(err, protocol.ErrTypeOutOfRange)),
		Err:       err,
	}
}

// Validate applies the lane policy to msg. It never modifies msg and is
// safe to call concurrently. The returned header is valid only when err is
// nil; errors are *RejectError.
func Validate(reg *schema.Registry, policy Policy, domain schema.Domain, msg []byte) (frame.Header, error) {
	h, err := frame.ParseHeader(msg)
	if err != nil {
		return frame.Header{}, reject(domain, policy, err)
	}
	if h.Version != frame.Version {
		return frame.Header{}, reject(domain, policy, fmt.Errorf("%w: %d", protocol.ErrUnsupportedVersion, h.Version))
	}
	if h.Domain != domain {
		return frame.Header{}, reject(domain, policy, fmt.Errorf("%w: header=%s lane=%s", protocol.ErrRelayDomainMismatch, h.Domain, domain))
	}
	if h.Flags&frame.FlagControl != 0 {
		return frame.Header{}, reject(domain, policy, ErrControlFrame)
	}
	raw := msg[:h.MessageLen()]
	if policy.VerifyChecksum {
		if err := frame.VerifyChecksum(raw); err != nil {
			return frame.Header{}, reject(domain, policy, err)
		}
	}
	if !policy.ValidateRecords && !policy.EnforceTypeRange {
		return h, nil
	}

	var scanReg *schema.Registry
	if policy.ValidateRecords {
		scanReg = reg
	}
	s := tlv.NewScanner(frame.Payload(raw, h), scanReg)
	for s.Next() {
		t := s.Record().Type
		if policy.EnforceTypeRange && !domain.Contains(t) {
			return frame.Header{}, reject(domain, policy, fmt.Errorf("%w: type=%d domain=%s", protocol.ErrTypeOutOfRange, t, domain))
		}
	}
	if err := s.Err(); err != nil {
		return frame.Header{}, reject(domain, policy, err)
	}
	return h, nil
}
