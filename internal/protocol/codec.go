package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const (
	orderBookHeaderLen      = 16
	priceLevelLen           = 16
	instrumentMetaHeaderLen = 10
	snapshotHeaderLen       = 8
	recoveryHeaderLen       = 18
)

// EncodeRecord returns the wire payload of rec.
func EncodeRecord(rec Record) ([]byte, error) {
	switch r := rec.(type) {
	case Trade, Quote, PoolSwap, SignalIdentity, Economics, OrderRequest,
		OrderStatus, Fill, OrderCancel, Heartbeat, LagNotice:
		return binary.Append(nil, binary.LittleEndian, r)
	case OrderBook:
		return encodeOrderBook(r)
	case InstrumentMeta:
		out := make([]byte, instrumentMetaHeaderLen, instrumentMetaHeaderLen+len(r.Symbol))
		binary.LittleEndian.PutUint64(out[0:8], r.InstrumentID)
		out[8] = r.Decimals
		out[9] = r.Venue
		return append(out, r.Symbol...), nil
	case Snapshot:
		out := make([]byte, snapshotHeaderLen, snapshotHeaderLen+len(r.State))
		binary.LittleEndian.PutUint64(out, r.Sequence)
		return append(out, r.State...), nil
	case RecoveryNotice:
		if len(r.ConsumerID) > 255 {
			return nil, fmt.Errorf("%w: consumer id longer than 255 bytes", ErrInvalidPayloadSize)
		}
		out := make([]byte, recoveryHeaderLen, recoveryHeaderLen+len(r.ConsumerID))
		binary.LittleEndian.PutUint64(out[0:8], r.Start)
		binary.LittleEndian.PutUint64(out[8:16], r.End)
		out[16] = r.Kind
		out[17] = uint8(len(r.ConsumerID))
		return append(out, r.ConsumerID...), nil
	case VendorPayload:
		return append([]byte(nil), r.Data...), nil
	case nil:
		return nil, fmt.Errorf("%w: nil record", ErrInvalidLayout)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTLVType, rec)
	}
}

func encodeOrderBook(r OrderBook) ([]byte, error) {
	if len(r.Bids) > 0xffff || len(r.Asks) > 0xffff {
		return nil, fmt.Errorf("%w: too many price levels", ErrInvalidPayloadSize)
	}
	size := orderBookHeaderLen + priceLevelLen*(len(r.Bids)+len(r.Asks))
	out := make([]byte, orderBookHeaderLen, size)
	binary.LittleEndian.PutUint64(out[0:8], r.InstrumentID)
	binary.LittleEndian.PutUint16(out[8:10], uint16(len(r.Bids)))
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(r.Asks)))
	for _, lvl := range r.Bids {
		out = binary.LittleEndian.AppendUint64(out, uint64(lvl.Price))
		out = binary.LittleEndian.AppendUint64(out, uint64(lvl.Size))
	}
	for _, lvl := range r.Asks {
		out = binary.LittleEndian.AppendUint64(out, uint64(lvl.Price))
		out = binary.LittleEndian.AppendUint64(out, uint64(lvl.Size))
	}
	return out, nil
}

// DecodeRecord decodes a raw record into its typed kind. Fixed layout kinds
// go through the size-checked tlv.Copy. Unregistered kinds return
// ErrUnknownTLVType.
func DecodeRecord(rec tlv.Record) (Record, error) {
	switch rec.Type {
	case schema.TypeTrade:
		return fixed[Trade](rec)
	case schema.TypeQuote:
		return fixed[Quote](rec)
	case schema.TypePoolSwap:
		return fixed[PoolSwap](rec)
	case schema.TypeSignalIdentity:
		return fixed[SignalIdentity](rec)
	case schema.TypeEconomics:
		return fixed[Economics](rec)
	case schema.TypeOrderRequest:
		return fixed[OrderRequest](rec)
	case schema.TypeOrderStatus:
		return fixed[OrderStatus](rec)
	case schema.TypeFill:
		return fixed[Fill](rec)
	case schema.TypeOrderCancel:
		return fixed[OrderCancel](rec)
	case schema.TypeHeartbeat:
		return fixed[Heartbeat](rec)
	case schema.TypeLagNotice:
		return fixed[LagNotice](rec)
	case schema.TypeOrderBook:
		return decodeOrderBook(rec.Payload)
	case schema.TypeInstrumentMeta:
		if len(rec.Payload) < instrumentMetaHeaderLen {
			return nil, layoutErr(rec)
		}
		return InstrumentMeta{
			InstrumentID: binary.LittleEndian.Uint64(rec.Payload[0:8]),
			Decimals:     rec.Payload[8],
			Venue:        rec.Payload[9],
			Symbol:       string(rec.Payload[instrumentMetaHeaderLen:]),
		}, nil
	case schema.TypeSnapshot:
		if len(rec.Payload) < snapshotHeaderLen {
			return nil, layoutErr(rec)
		}
		return Snapshot{
			Sequence: binary.LittleEndian.Uint64(rec.Payload),
			State:    append([]byte(nil), rec.Payload[snapshotHeaderLen:]...),
		}, nil
	case schema.TypeRecoveryRequest:
		return decodeRecoveryNotice(rec)
	case schema.TypeVendorPayload:
		return VendorPayload{Data: append([]byte(nil), rec.Payload...)}, nil
	default:
		return nil, fmt.Errorf("%w: type=%d", ErrUnknownTLVType, rec.Type)
	}
}

func fixed[T Record](rec tlv.Record) (Record, error) {
	v, err := tlv.Copy[T](rec)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeOrderBook(b []byte) (Record, error) {
	if len(b) < orderBookHeaderLen {
		return nil, fmt.Errorf("%w: order book header", ErrInvalidLayout)
	}
	bids := int(binary.LittleEndian.Uint16(b[8:10]))
	asks := int(binary.LittleEndian.Uint16(b[10:12]))
	if len(b) != orderBookHeaderLen+priceLevelLen*(bids+asks) {
		return nil, fmt.Errorf("%w: order book declares %d+%d levels in %d bytes", ErrInvalidLayout, bids, asks, len(b))
	}
	book := OrderBook{
		InstrumentID: binary.LittleEndian.Uint64(b[0:8]),
		Bids:         make([]PriceLevel, bids),
		Asks:         make([]PriceLevel, asks),
	}
	off := orderBookHeaderLen
	for i := range book.Bids {
		book.Bids[i] = readLevel(b[off:])
		off += priceLevelLen
	}
	for i := range book.Asks {
		book.Asks[i] = readLevel(b[off:])
		off += priceLevelLen
	}
	return book, nil
}

func readLevel(b []byte) PriceLevel {
	return PriceLevel{
		Price: int64(binary.LittleEndian.Uint64(b[0:8])),
		Size:  int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

func decodeRecoveryNotice(rec tlv.Record) (Record, error) {
	b := rec.Payload
	if len(b) < recoveryHeaderLen {
		return nil, layoutErr(rec)
	}
	idLen := int(b[17])
	if len(b) != recoveryHeaderLen+idLen {
		return nil, layoutErr(rec)
	}
	return RecoveryNotice{
		Start:      binary.LittleEndian.Uint64(b[0:8]),
		End:        binary.LittleEndian.Uint64(b[8:16]),
		Kind:       b[16],
		ConsumerID: string(b[recoveryHeaderLen:]),
	}, nil
}

func layoutErr(rec tlv.Record) error {
	return fmt.Errorf("%w: type=%d payload=%d", ErrInvalidLayout, rec.Type, len(rec.Payload))
}
