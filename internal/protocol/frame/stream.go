package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Limits constrains stream decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024 * 1024,
	}
}

// Reader splits an ordered byte stream into whole messages. Structural
// errors consume the offending bytes and leave the reader positioned at the
// next candidate header, so callers may keep reading.
type Reader struct {
	br        *bufio.Reader
	limits    Limits
	discarded uint64
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxPayloadBytes == 0 {
		limits = DefaultLimits()
	}
	return &Reader{
		br:     bufio.NewReaderSize(r, 64*1024),
		limits: limits,
	}
}

// Discarded returns the number of stream bytes dropped by resync and
// oversize handling.
func (r *Reader) Discarded() uint64 {
	return r.discarded
}

// ReadMessage returns the next complete message. The slice is owned by the
// caller. io.EOF is returned only on a clean boundary.
func (r *Reader) ReadMessage() ([]byte, error) {
	head, err := r.br.Peek(HeaderSize)
	if err != nil {
		if len(head) == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			n, _ := r.br.Discard(len(head))
			r.discarded += uint64(n)
			return nil, ErrMessageTooSmall
		}
		return nil, err
	}

	if binary.LittleEndian.Uint32(head[offMagic:]) != Magic {
		n := r.resync()
		return nil, fmt.Errorf("%w: discarded %d bytes", ErrInvalidMagic, n)
	}

	payloadSize := binary.LittleEndian.Uint32(head[offPayloadSize:])
	if payloadSize > r.limits.MaxPayloadBytes {
		if payloadSize > MaxPayloadSize {
			// Implausible length: treat the header itself as garbage.
			n := r.resync()
			return nil, fmt.Errorf("%w: payload_size=%d, discarded %d bytes", ErrPayloadTooLarge, payloadSize, n)
		}
		n, err := r.br.Discard(HeaderSize + int(payloadSize))
		r.discarded += uint64(n)
		if err != nil {
			return nil, ErrMessageTooSmall
		}
		return nil, fmt.Errorf("%w: payload_size=%d limit=%d", ErrPayloadTooLarge, payloadSize, r.limits.MaxPayloadBytes)
	}

	msg := make([]byte, HeaderSize+int(payloadSize))
	n, err := io.ReadFull(r.br, msg)
	if err != nil {
		r.discarded += uint64(n)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrMessageTooSmall
		}
		return nil, err
	}
	return msg, nil
}

// resync drops bytes until the next magic sentinel or end of stream.
func (r *Reader) resync() int {
	discarded, _ := r.br.Discard(1)
	for {
		b, err := r.br.Peek(4)
		if err != nil {
			n, _ := r.br.Discard(len(b))
			discarded += n
			break
		}
		if binary.LittleEndian.Uint32(b) == Magic {
			break
		}
		n, _ := r.br.Discard(1)
		discarded += n
	}
	r.discarded += uint64(discarded)
	return discarded
}

// WriteMessage writes one complete message to w.
func WriteMessage(w io.Writer, msg []byte) error {
	if len(msg) < HeaderSize {
		return ErrTooSmall
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return nil
}
