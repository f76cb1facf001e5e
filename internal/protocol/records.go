package protocol

import "github.com/danmuck/tlvrelay/internal/protocol/schema"

// Record is the closed set of typed record kinds. Every registered TLV type
// has exactly one implementation in this package.
type Record interface {
	Type() schema.Type
	isRecord()
}

// Prices and sizes are fixed point with 8 decimal places.
const PriceScale = 100_000_000

// Side of a trade or order.
const (
	SideUnknown uint8 = 0
	SideBuy     uint8 = 1
	SideSell    uint8 = 2
)

// Fixed layout records. Field order keeps every struct free of implicit
// padding so the in-memory layout equals the little-endian wire layout.

type Trade struct {
	InstrumentID uint64
	Price        int64
	Volume       int64
	TimestampNS  uint64
	Side         uint8
	Flags        uint8
	_            [6]byte
}

type Quote struct {
	InstrumentID uint64
	BidPrice     int64
	BidSize      int64
	AskPrice     int64
	AskSize      int64
	TimestampNS  uint64
}

// PoolSwap is one DEX swap event.
type PoolSwap struct {
	Pool          [20]byte
	TokenInIndex  uint8
	TokenOutIndex uint8
	_             [2]byte
	AmountIn      uint64
	AmountOut     uint64
	BlockNumber   uint64
	LogIndex      uint32
	_             [4]byte
}

type SignalIdentity struct {
	SignalID    uint64
	StrategyID  uint16
	Confidence  uint8
	Version     uint8
	ExpiresInMS uint32
}

type Economics struct {
	ExpectedProfit  int64
	RequiredCapital int64
	GasCost         int64
	SlippageBps     uint32
	_               [4]byte
}

type OrderRequest struct {
	OrderID      uint64
	InstrumentID uint64
	Price        int64
	Quantity     int64
	ClientTag    uint64
	Side         uint8
	OrderType    uint8
	TimeInForce  uint8
	_            [5]byte
}

// Order status codes.
const (
	OrderPending   uint8 = 0
	OrderAccepted  uint8 = 1
	OrderPartial   uint8 = 2
	OrderFilled    uint8 = 3
	OrderCancelled uint8 = 4
	OrderRejected  uint8 = 5
)

type OrderStatus struct {
	OrderID      uint64
	FilledQty    int64
	RemainingQty int64
	Status       uint8
	_            [7]byte
}

type Fill struct {
	OrderID      uint64
	FillID       uint64
	InstrumentID uint64
	Price        int64
	Quantity     int64
	Fee          int64
}

type OrderCancel struct {
	OrderID      uint64
	InstrumentID uint64
	Reason       uint8
	_            [7]byte
}

type Heartbeat struct {
	TimestampNS  uint64
	LastSequence uint64
}

// LagNotice tells a subscriber how many messages the relay dropped for it.
type LagNotice struct {
	Dropped        uint64
	ResumeSequence uint64
}

// Variable length records.

type PriceLevel struct {
	Price int64
	Size  int64
}

type OrderBook struct {
	InstrumentID uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

type InstrumentMeta struct {
	InstrumentID uint64
	Decimals     uint8
	Venue        uint8
	Symbol       string
}

// Snapshot carries full state as of Sequence.
type Snapshot struct {
	Sequence uint64
	State    []byte
}

// Recovery kinds carried by RecoveryNotice.
const (
	RecoveryRetransmit   uint8 = 1
	RecoveryKindSnapshot uint8 = 2
)

// RecoveryNotice is the wire form of a recovery request.
type RecoveryNotice struct {
	Start      uint64
	End        uint64
	Kind       uint8
	ConsumerID string
}

type VendorPayload struct {
	Data []byte
}

func (Trade) Type() schema.Type          { return schema.TypeTrade }
func (Quote) Type() schema.Type          { return schema.TypeQuote }
func (OrderBook) Type() schema.Type      { return schema.TypeOrderBook }
func (InstrumentMeta) Type() schema.Type { return schema.TypeInstrumentMeta }
func (PoolSwap) Type() schema.Type       { return schema.TypePoolSwap }
func (SignalIdentity) Type() schema.Type { return schema.TypeSignalIdentity }
func (Economics) Type() schema.Type      { return schema.TypeEconomics }
func (OrderRequest) Type() schema.Type   { return schema.TypeOrderRequest }
func (OrderStatus) Type() schema.Type    { return schema.TypeOrderStatus }
func (Fill) Type() schema.Type           { return schema.TypeFill }
func (OrderCancel) Type() schema.Type    { return schema.TypeOrderCancel }
func (Heartbeat) Type() schema.Type      { return schema.TypeHeartbeat }
func (Snapshot) Type() schema.Type       { return schema.TypeSnapshot }
func (LagNotice) Type() schema.Type      { return schema.TypeLagNotice }
func (RecoveryNotice) Type() schema.Type { return schema.TypeRecoveryRequest }
func (VendorPayload) Type() schema.Type  { return schema.TypeVendorPayload }

func (Trade) isRecord()          {}
func (Quote) isRecord()          {}
func (OrderBook) isRecord()      {}
func (InstrumentMeta) isRecord() {}
func (PoolSwap) isRecord()       {}
func (SignalIdentity) isRecord() {}
func (Economics) isRecord()      {}
func (OrderRequest) isRecord()   {}
func (OrderStatus) isRecord()    {}
func (Fill) isRecord()           {}
func (OrderCancel) isRecord()    {}
func (Heartbeat) isRecord()      {}
func (Snapshot) isRecord()       {}
func (LagNotice) isRecord()      {}
func (RecoveryNotice) isRecord() {}
func (VendorPayload) isRecord()  {}
