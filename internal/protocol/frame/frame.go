package frame

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

const (
	HeaderSize        = 32
	Magic      uint32 = 0xDEADBEEF
	Version    uint8  = 1

	// MaxPayloadSize is the largest payload_size the u32 field may carry
	// that a sane deployment accepts; Limits narrows it further.
	MaxPayloadSize = 16 * 1024 * 1024
)

// Header field offsets.
const (
	offMagic       = 0
	offDomain      = 4
	offVersion     = 5
	offSource      = 6
	offFlags       = 7
	offPayloadSize = 8
	offSequence    = 12
	offTimestamp   = 20
	offChecksum    = 28
)

// Header flags.
const (
	FlagControl  uint8 = 0x01
	FlagReplay   uint8 = 0x02
	FlagSnapshot uint8 = 0x04
)

var (
	ErrTooSmall            = errors.New("frame: buffer smaller than header")
	ErrInvalidMagic        = errors.New("frame: invalid magic")
	ErrPayloadSizeMismatch = errors.New("frame: payload size exceeds buffer")
	ErrMessageTooSmall     = errors.New("frame: message truncated")
	ErrChecksumMismatch    = errors.New("frame: checksum mismatch")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Domain      schema.Domain
	Version     uint8
	Source      schema.Source
	Flags       uint8
	PayloadSize uint32
	Sequence    uint64
	TimestampNS uint64
	Checksum    uint32
}

// MessageLen is the full message length the header declares.
func (h Header) MessageLen() int {
	return HeaderSize + int(h.PayloadSize)
}

var crcTable = crc32.IEEETable

// ParseHeader decodes the header at the front of buf and checks that the
// declared payload fits in buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTooSmall
	}
	h := decodeHeader(buf)
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if uint64(h.PayloadSize) > uint64(len(buf)-HeaderSize) {
		return Header{}, ErrPayloadSizeMismatch
	}
	return h, nil
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:       binary.LittleEndian.Uint32(b[offMagic:]),
		Domain:      schema.Domain(b[offDomain]),
		Version:     b[offVersion],
		Source:      schema.Source(b[offSource]),
		Flags:       b[offFlags],
		PayloadSize: binary.LittleEndian.Uint32(b[offPayloadSize:]),
		Sequence:    binary.LittleEndian.Uint64(b[offSequence:]),
		TimestampNS: binary.LittleEndian.Uint64(b[offTimestamp:]),
		Checksum:    binary.LittleEndian.Uint32(b[offChecksum:]),
	}
}

// PutHeader writes h into the first HeaderSize bytes of dst. The checksum
// field is written as given; SealChecksum recomputes it.
func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[offMagic:], h.Magic)
	dst[offDomain] = byte(h.Domain)
	dst[offVersion] = h.Version
	dst[offSource] = byte(h.Source)
	dst[offFlags] = h.Flags
	binary.LittleEndian.PutUint32(dst[offPayloadSize:], h.PayloadSize)
	binary.LittleEndian.PutUint64(dst[offSequence:], h.Sequence)
	binary.LittleEndian.PutUint64(dst[offTimestamp:], h.TimestampNS)
	binary.LittleEndian.PutUint32(dst[offChecksum:], h.Checksum)
}

// Checksum computes the CRC over msg excluding the checksum field: first the
// bytes before it, then the bytes after it.
func Checksum(msg []byte) uint32 {
	crc := crc32.Update(0, crcTable, msg[:offChecksum])
	return crc32.Update(crc, crcTable, msg[HeaderSize:])
}

// SealChecksum recomputes the checksum of a complete message and writes it
// into the header.
func SealChecksum(msg []byte) uint32 {
	sum := Checksum(msg)
	binary.LittleEndian.PutUint32(msg[offChecksum:], sum)
	return sum
}

// VerifyChecksum compares the stored checksum against a recomputation.
// msg must be exactly one complete message.
func VerifyChecksum(msg []byte) error {
	if len(msg) < HeaderSize {
		return ErrTooSmall
	}
	if binary.LittleEndian.Uint32(msg[offChecksum:]) != Checksum(msg) {
		return ErrChecksumMismatch
	}
	return nil
}

// StampSequence overwrites the header sequence and reseals the checksum.
// A message whose stored checksum was already wrong stays wrong by the same
// difference, so unverified corruption still fails downstream.
func StampSequence(msg []byte, seq uint64) {
	stored := binary.LittleEndian.Uint32(msg[offChecksum:])
	before := Checksum(msg)
	binary.LittleEndian.PutUint64(msg[offSequence:], seq)
	binary.LittleEndian.PutUint32(msg[offChecksum:], stored^before^Checksum(msg))
}

// Sequence reads the sequence field without decoding the rest of the header.
func Sequence(msg []byte) uint64 {
	return binary.LittleEndian.Uint64(msg[offSequence:])
}

// Payload returns the payload view of a message whose header is h.
func Payload(msg []byte, h Header) []byte {
	return msg[HeaderSize:h.MessageLen()]
}
