package protocol

import (
	"errors"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

var (
	ErrTooSmall            = frame.ErrTooSmall
	ErrInvalidMagic        = frame.ErrInvalidMagic
	ErrPayloadSizeMismatch = frame.ErrPayloadSizeMismatch
	ErrMessageTooSmall     = frame.ErrMessageTooSmall
	ErrPayloadTooLarge     = frame.ErrPayloadTooLarge
	ErrChecksumMismatch    = frame.ErrChecksumMismatch
	ErrTruncatedTLV        = tlv.ErrTruncatedTLV
	ErrInvalidLayout       = tlv.ErrInvalidLayout
	ErrUnknownTLVType      = tlv.ErrUnknownTLVType
	ErrInvalidPayloadSize  = tlv.ErrInvalidPayloadSize

	ErrRelayDomainMismatch = errors.New("protocol: relay domain mismatch")
	ErrTypeOutOfRange      = errors.New("protocol: record type outside domain range")
	ErrUnsupportedVersion  = errors.New("protocol: unsupported version")
)

// Class groups protocol errors by how the relay treats them.
type Class int

const (
	ClassNone Class = iota
	// ClassStructural errors mean the bytes are not a well-formed message.
	ClassStructural
	// ClassSemantic errors mean a well-formed message violates a rule.
	ClassSemantic
	// ClassResource errors come from limits, never from the message content.
	ClassResource
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassStructural:
		return "structural"
	case ClassSemantic:
		return "semantic"
	case ClassResource:
		return "resource"
	default:
		return "unknown"
	}
}

var structural = []error{
	ErrTooSmall,
	ErrInvalidMagic,
	ErrPayloadSizeMismatch,
	ErrMessageTooSmall,
	ErrTruncatedTLV,
	ErrInvalidLayout,
}

var semantic = []error{
	ErrUnknownTLVType,
	ErrInvalidPayloadSize,
	ErrChecksumMismatch,
	ErrRelayDomainMismatch,
	ErrTypeOutOfRange,
	ErrUnsupportedVersion,
}

// Classify maps err onto the protocol error taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, target := range semantic {
		if errors.Is(err, target) {
			return ClassSemantic
		}
	}
	for _, target := range structural {
		if errors.Is(err, target) {
			return ClassStructural
		}
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return ClassResource
	}
	return ClassUnknown
}
