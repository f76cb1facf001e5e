package protocol

import (
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

// Message is a decoded message. Raw and every record payload alias the
// decoded buffer.
type Message struct {
	Header  frame.Header
	Records []tlv.Record
	Raw     []byte
}

// DecodeMessage validates and decodes the message at the front of buf:
// header bounds and magic, version, checksum, then every record against reg.
// Bytes after the declared message end are ignored.
func DecodeMessage(reg *schema.Registry, buf []byte) (Message, error) {
	h, err := frame.ParseHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if h.Version != frame.Version {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	raw := buf[:h.MessageLen():h.MessageLen()]
	if err := frame.VerifyChecksum(raw); err != nil {
		return Message{}, err
	}
	records, err := tlv.Parse(frame.Payload(raw, h), reg)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: h, Records: records, Raw: raw}, nil
}

// Typed decodes every record into its typed kind.
func (m Message) Typed() ([]Record, error) {
	out := make([]Record, 0, len(m.Records))
	for _, rec := range m.Records {
		typed, err := DecodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}

// First returns the first record of type t.
func (m Message) First(t schema.Type) (tlv.Record, bool) {
	for _, rec := range m.Records {
		if rec.Type == t {
			return rec, true
		}
	}
	return tlv.Record{}, false
}

// CheckDomainRange verifies every record type lies inside the reserved
// range of domain.
func CheckDomainRange(domain schema.Domain, records []tlv.Record) error {
	for _, rec := range records {
		if !domain.Contains(rec.Type) {
			return fmt.Errorf("%w: type=%d domain=%s", ErrTypeOutOfRange, rec.Type, domain)
		}
	}
	return nil
}
