package schema

import (
	"fmt"
	"sort"
)

// Type is a TLV record type id.
type Type uint8

// ExtendedMarker is the first byte of an extended TLV record. It can never be
// registered as a record type.
const ExtendedMarker Type = 255

// MaxPayload is the largest payload any TLV record can carry.
const MaxPayload = 65535

// Record type ids.
const (
	TypeTrade          Type = 1
	TypeQuote          Type = 2
	TypeOrderBook      Type = 3
	TypeInstrumentMeta Type = 4
	TypePoolSwap       Type = 11

	TypeSignalIdentity Type = 20
	TypeEconomics      Type = 21

	TypeOrderRequest Type = 40
	TypeOrderStatus  Type = 41
	TypeFill         Type = 42
	TypeOrderCancel  Type = 43

	TypeHeartbeat       Type = 100
	TypeSnapshot        Type = 101
	TypeLagNotice       Type = 104
	TypeRecoveryRequest Type = 110

	TypeVendorPayload Type = 200
)

// ConstraintKind tells Fixed from Variable constraints.
type ConstraintKind uint8

const (
	KindUnknown ConstraintKind = iota
	KindFixed
	KindVariable
)

// Constraint is the payload size rule for one record type.
type Constraint struct {
	Kind ConstraintKind
	Size int
}

// Fixed requires a payload of exactly n bytes.
func Fixed(n int) Constraint { return Constraint{Kind: KindFixed, Size: n} }

// Variable requires a payload of at least min bytes.
func Variable(min int) Constraint { return Constraint{Kind: KindVariable, Size: min} }

// Allows reports whether a payload of n bytes satisfies c.
func (c Constraint) Allows(n int) bool {
	if n < 0 || n > MaxPayload {
		return false
	}
	switch c.Kind {
	case KindFixed:
		return n == c.Size
	case KindVariable:
		return n >= c.Size
	default:
		return false
	}
}

func (c Constraint) String() string {
	switch c.Kind {
	case KindFixed:
		return fmt.Sprintf("Fixed(%d)", c.Size)
	case KindVariable:
		return fmt.Sprintf("Variable(%d)", c.Size)
	default:
		return "Unknown"
	}
}

// Entry registers one record type.
type Entry struct {
	Type       Type
	Name       string
	Domain     Domain
	Constraint Constraint
}

// Registry maps record type ids to routing domain and size constraint.
// It is immutable after NewRegistry returns and safe for concurrent use.
type Registry struct {
	entries [256]*Entry
	count   int
}

// NewRegistry builds a registry from entries. A constraint that no payload
// can satisfy, a duplicate id, or the extended marker id is a programming
// error and panics.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{}
	for _, e := range entries {
		if err := checkEntry(e); err != nil {
			panic(err)
		}
		if r.entries[e.Type] != nil {
			panic(fmt.Sprintf("schema: duplicate registration for type %d (%s)", e.Type, e.Name))
		}
		entry := e
		r.entries[e.Type] = &entry
		r.count++
	}
	return r
}

func checkEntry(e Entry) error {
	if e.Type == ExtendedMarker {
		return fmt.Errorf("schema: type %d is reserved for the extended marker", e.Type)
	}
	if e.Name == "" {
		return fmt.Errorf("schema: type %d has no name", e.Type)
	}
	switch e.Constraint.Kind {
	case KindFixed, KindVariable:
	default:
		return fmt.Errorf("schema: type %d (%s) has no size constraint", e.Type, e.Name)
	}
	if e.Constraint.Size < 0 || e.Constraint.Size > MaxPayload {
		return fmt.Errorf("schema: type %d (%s) constraint %s can never be satisfied", e.Type, e.Name, e.Constraint)
	}
	if e.Domain != DomainNone && !e.Domain.Valid() {
		return fmt.Errorf("schema: type %d (%s) routed to unknown domain %d", e.Type, e.Name, e.Domain)
	}
	if e.Domain != DomainNone && !e.Domain.Contains(e.Type) {
		return fmt.Errorf("schema: type %d (%s) outside the reserved range of %s", e.Type, e.Name, e.Domain)
	}
	return nil
}

// Lookup returns the entry registered for t.
func (r *Registry) Lookup(t Type) (Entry, bool) {
	e := r.entries[t]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// SizeConstraint returns the size rule for t, or false when t is unknown.
func (r *Registry) SizeConstraint(t Type) (Constraint, bool) {
	e := r.entries[t]
	if e == nil {
		return Constraint{}, false
	}
	return e.Constraint, true
}

// Validate checks a payload length against the rule registered for t.
func (r *Registry) Validate(t Type, n int) error {
	e := r.entries[t]
	if e == nil {
		return UnknownTypeError{Type: t}
	}
	if !e.Constraint.Allows(n) {
		return SizeError{Type: t, Name: e.Name, Constraint: e.Constraint, Got: n}
	}
	return nil
}

// Name returns the registered name for t, or a numeric placeholder.
func (r *Registry) Name(t Type) string {
	if e := r.entries[t]; e != nil {
		return e.Name
	}
	return fmt.Sprintf("type(%d)", t)
}

// Len returns the number of registered types.
func (r *Registry) Len() int { return r.count }

// Entries returns all registrations ordered by type id.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, r.count)
	for _, e := range r.entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// UnknownTypeError reports an unregistered record type.
type UnknownTypeError struct {
	Type Type
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("schema: unknown tlv type %d", e.Type)
}

// SizeError reports a payload length that violates the registered constraint.
type SizeError struct {
	Type       Type
	Name       string
	Constraint Constraint
	Got        int
}

func (e SizeError) Error() string {
	return fmt.Sprintf("schema: type=%d (%s) payload=%d violates %s", e.Type, e.Name, e.Got, e.Constraint)
}

// Standard returns a new registry holding every record type the relay knows.
func Standard() *Registry {
	return NewRegistry(
		Entry{TypeTrade, "Trade", DomainMarketData, Fixed(40)},
		Entry{TypeQuote, "Quote", DomainMarketData, Fixed(48)},
		Entry{TypeOrderBook, "OrderBook", DomainMarketData, Variable(16)},
		Entry{TypeInstrumentMeta, "InstrumentMeta", DomainMarketData, Variable(10)},
		Entry{TypePoolSwap, "PoolSwap", DomainMarketData, Fixed(56)},

		Entry{TypeSignalIdentity, "SignalIdentity", DomainSignal, Fixed(16)},
		Entry{TypeEconomics, "Economics", DomainSignal, Fixed(32)},

		Entry{TypeOrderRequest, "OrderRequest", DomainExecution, Fixed(48)},
		Entry{TypeOrderStatus, "OrderStatus", DomainExecution, Fixed(32)},
		Entry{TypeFill, "Fill", DomainExecution, Fixed(48)},
		Entry{TypeOrderCancel, "OrderCancel", DomainExecution, Fixed(24)},

		Entry{TypeHeartbeat, "Heartbeat", DomainSystem, Fixed(16)},
		Entry{TypeSnapshot, "Snapshot", DomainSystem, Variable(8)},
		Entry{TypeLagNotice, "LagNotice", DomainSystem, Fixed(16)},
		Entry{TypeRecoveryRequest, "RecoveryRequest", DomainSystem, Variable(18)},

		Entry{TypeVendorPayload, "VendorPayload", DomainNone, Variable(0)},
	)
}
