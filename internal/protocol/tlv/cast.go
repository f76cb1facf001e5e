package tlv

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrUnsupportedHost is returned by the typed casts on big-endian hosts,
// where the little-endian wire layout cannot be reinterpreted in place.
var ErrUnsupportedHost = errors.New("tlv: typed cast requires a little-endian host")

var littleEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// As reinterprets a record payload as *T without copying. The payload must
// be exactly unsafe.Sizeof(T) bytes and suitably aligned for T; otherwise no
// reinterpretation happens and ErrInvalidLayout is returned. T must be a
// padding-free struct of fixed-width little-endian fields. The result
// aliases the record buffer.
func As[T any](r Record) (*T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if err := checkLen(r, size); err != nil {
		return nil, err
	}
	if !littleEndianHost {
		return nil, ErrUnsupportedHost
	}
	if size == 0 {
		return &zero, nil
	}
	p := unsafe.Pointer(unsafe.SliceData(r.Payload))
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("%w: payload at %p not %d-byte aligned", ErrInvalidLayout, p, unsafe.Alignof(zero))
	}
	return (*T)(p), nil
}

// Copy decodes a record payload into a fresh T. Only the length is required
// to match; alignment is satisfied by copying into an aligned value.
func Copy[T any](r Record) (T, error) {
	var out T
	size := int(unsafe.Sizeof(out))
	if err := checkLen(r, size); err != nil {
		return out, err
	}
	if !littleEndianHost {
		return out, ErrUnsupportedHost
	}
	if size > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(&out)), size)
		copy(dst, r.Payload)
	}
	return out, nil
}

func checkLen(r Record, size int) error {
	if len(r.Payload) != size {
		return fmt.Errorf("%w: type=%d payload=%d want=%d", ErrInvalidLayout, r.Type, len(r.Payload), size)
	}
	return nil
}
