package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

// MessageSpec carries the header fields a producer controls.
type MessageSpec struct {
	Domain   schema.Domain
	Source   schema.Source
	Flags    uint8
	Sequence uint64
	// TimestampNS defaults to the current wall clock when zero. A zero
	// timestamp cannot be built here; write the header with frame.PutHeader
	// for that.
	TimestampNS uint64
}

// BuildMessage encodes a complete message: header, records, checksum.
// Every record is validated against reg before anything is written.
func BuildMessage(reg *schema.Registry, spec MessageSpec, records ...tlv.Record) ([]byte, error) {
	payloadLen := 0
	for _, rec := range records {
		if reg != nil {
			if err := reg.Validate(rec.Type, len(rec.Payload)); err != nil {
				return nil, wrapRegistryErr(err)
			}
		}
		payloadLen += tlv.EncodedLen(len(rec.Payload))
	}
	if payloadLen > frame.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload=%d", ErrPayloadTooLarge, payloadLen)
	}

	buf := make([]byte, frame.HeaderSize, frame.HeaderSize+payloadLen)
	ts := spec.TimestampNS
	if ts == 0 {
		ts = uint64(time.Now().UnixNano())
	}
	frame.PutHeader(buf, frame.Header{
		Magic:       frame.Magic,
		Domain:      spec.Domain,
		Version:     frame.Version,
		Source:      spec.Source,
		Flags:       spec.Flags,
		PayloadSize: uint32(payloadLen),
		Sequence:    spec.Sequence,
		TimestampNS: ts,
	})

	var err error
	for _, rec := range records {
		buf, err = tlv.AppendRecord(buf, rec.Type, rec.Payload)
		if err != nil {
			return nil, err
		}
	}
	frame.SealChecksum(buf)
	return buf, nil
}

// BuildTyped encodes typed records and builds the message.
func BuildTyped(reg *schema.Registry, spec MessageSpec, records ...Record) ([]byte, error) {
	raw := make([]tlv.Record, 0, len(records))
	for _, rec := range records {
		payload, err := EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		raw = append(raw, tlv.Record{Type: rec.Type(), Payload: payload})
	}
	return BuildMessage(reg, spec, raw...)
}

func wrapRegistryErr(err error) error {
	var unknown schema.UnknownTypeError
	if errors.As(err, &unknown) {
		return fmt.Errorf("%w: %w", ErrUnknownTLVType, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidPayloadSize, err)
}
