package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

const (
	StandardHeaderLen  = 2
	ExtendedHeaderLen  = 5
	MaxStandardPayload = 255
	MaxExtendedPayload = schema.MaxPayload
)

var (
	ErrTruncatedTLV       = errors.New("tlv: truncated record")
	ErrInvalidLayout      = errors.New("tlv: invalid record layout")
	ErrUnknownTLVType     = errors.New("tlv: unknown record type")
	ErrInvalidPayloadSize = errors.New("tlv: invalid payload size")
)

// Record is one decoded TLV record. Payload aliases the parsed buffer.
type Record struct {
	Type     schema.Type
	Extended bool
	Payload  []byte
}

// EncodedLen is the number of wire bytes the record occupies.
func (r Record) EncodedLen() int {
	if r.Extended {
		return ExtendedHeaderLen + len(r.Payload)
	}
	return StandardHeaderLen + len(r.Payload)
}

// EncodedLen returns the wire size of a record with an n-byte payload,
// choosing the standard format whenever it fits.
func EncodedLen(n int) int {
	if n <= MaxStandardPayload {
		return StandardHeaderLen + n
	}
	return ExtendedHeaderLen + n
}

// Scanner walks a TLV payload without allocating. Each Record returned
// aliases the scanned buffer.
//
//	s := tlv.NewScanner(payload, reg)
//	for s.Next() {
//		rec := s.Record()
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	buf []byte
	off int
	reg *schema.Registry
	rec Record
	err error
}

// NewScanner returns a scanner over payload. A nil registry skips type and
// size validation and checks structure only.
func NewScanner(payload []byte, reg *schema.Registry) Scanner {
	return Scanner{buf: payload, reg: reg}
}

// Next advances to the next record. It returns false at the end of the
// payload or on the first error.
func (s *Scanner) Next() bool {
	if s.err != nil || s.off >= len(s.buf) {
		return false
	}
	rec, n, err := decodeRecord(s.buf[s.off:])
	if err != nil {
		s.err = fmt.Errorf("%w (offset %d)", err, s.off)
		return false
	}
	if s.reg != nil {
		if err := s.reg.Validate(rec.Type, len(rec.Payload)); err != nil {
			s.err = classify(err, s.off)
			return false
		}
	}
	s.rec = rec
	s.off += n
	return true
}

func (s *Scanner) Record() Record { return s.rec }

func (s *Scanner) Err() error { return s.err }

// Offset is the number of payload bytes consumed so far.
func (s *Scanner) Offset() int { return s.off }

func classify(err error, off int) error {
	var unknown schema.UnknownTypeError
	if errors.As(err, &unknown) {
		return fmt.Errorf("%w: %w (offset %d)", ErrUnknownTLVType, err, off)
	}
	return fmt.Errorf("%w: %w (offset %d)", ErrInvalidPayloadSize, err, off)
}

func decodeRecord(b []byte) (Record, int, error) {
	if len(b) < StandardHeaderLen {
		return Record{}, 0, ErrTruncatedTLV
	}
	if schema.Type(b[0]) != schema.ExtendedMarker {
		n := int(b[1])
		end := StandardHeaderLen + n
		if len(b) < end {
			return Record{}, 0, ErrTruncatedTLV
		}
		return Record{Type: schema.Type(b[0]), Payload: b[StandardHeaderLen:end:end]}, end, nil
	}
	if len(b) < ExtendedHeaderLen {
		return Record{}, 0, ErrTruncatedTLV
	}
	if b[1] != 0 {
		return Record{}, 0, fmt.Errorf("%w: reserved byte %#x", ErrInvalidLayout, b[1])
	}
	t := schema.Type(b[2])
	if t == schema.ExtendedMarker {
		return Record{}, 0, fmt.Errorf("%w: nested extended marker", ErrInvalidLayout)
	}
	n := int(binary.LittleEndian.Uint16(b[3:5]))
	end := ExtendedHeaderLen + n
	if len(b) < end {
		return Record{}, 0, ErrTruncatedTLV
	}
	return Record{Type: t, Extended: true, Payload: b[ExtendedHeaderLen:end:end]}, end, nil
}

// Parse decodes every record in payload.
func Parse(payload []byte, reg *schema.Registry) ([]Record, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	records := make([]Record, 0, 4)
	s := NewScanner(payload, reg)
	for s.Next() {
		records = append(records, s.Record())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendRecord appends one record to dst using the standard format when the
// payload fits in 255 bytes and the extended format otherwise.
func AppendRecord(dst []byte, t schema.Type, payload []byte) ([]byte, error) {
	if t == schema.ExtendedMarker {
		return dst, fmt.Errorf("%w: type %d is the extended marker", ErrInvalidLayout, t)
	}
	n := len(payload)
	switch {
	case n <= MaxStandardPayload:
		dst = append(dst, byte(t), byte(n))
	case n <= MaxExtendedPayload:
		dst = append(dst, byte(schema.ExtendedMarker), 0, byte(t))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
	default:
		return dst, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPayloadSize, n, MaxExtendedPayload)
	}
	return append(dst, payload...), nil
}

// Builder assembles a TLV payload, validating every record against the
// registry before it is written.
type Builder struct {
	reg *schema.Registry
	buf []byte
	err error
}

func NewBuilder(reg *schema.Registry, capacity int) *Builder {
	return &Builder{reg: reg, buf: make([]byte, 0, capacity)}
}

// Add appends a record. After the first error further calls are no-ops.
func (b *Builder) Add(t schema.Type, payload []byte) *Builder {
	if b.err != nil {
		return b
	}
	if b.reg != nil {
		if err := b.reg.Validate(t, len(payload)); err != nil {
			b.err = classify(err, len(b.buf))
			return b
		}
	}
	b.buf, b.err = AppendRecord(b.buf, t, payload)
	return b
}

// Bytes returns the assembled payload.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}

func (b *Builder) Err() error { return b.err }

func (b *Builder) Len() int { return len(b.buf) }

// Reset clears the builder for reuse, keeping its buffer.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.err = nil
}
