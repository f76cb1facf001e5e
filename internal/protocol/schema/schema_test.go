package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func TestStandardRegistryConstraints(t *testing.T) {
	testlog.Start(t)
	reg := Standard()

	c, ok := reg.SizeConstraint(TypeTrade)
	if !ok || c != Fixed(40) {
		t.Fatalf("unexpected trade constraint: %v ok=%v", c, ok)
	}
	c, ok = reg.SizeConstraint(TypeOrderBook)
	if !ok || c.Kind != KindVariable || c.Size != 16 {
		t.Fatalf("unexpected order book constraint: %v ok=%v", c, ok)
	}
	if _, ok := reg.SizeConstraint(99); ok {
		t.Fatalf("expected type 99 to be unknown")
	}
	if reg.Len() != len(reg.Entries()) {
		t.Fatalf("len mismatch: %d vs %d", reg.Len(), len(reg.Entries()))
	}
}

func TestValidateSizeRules(t *testing.T) {
	testlog.Start(t)
	reg := Standard()

	if err := reg.Validate(TypeTrade, 40); err != nil {
		t.Fatalf("validate exact fixed size: %v", err)
	}
	var sizeErr SizeError
	if err := reg.Validate(TypeTrade, 39); !errors.As(err, &sizeErr) {
		t.Fatalf("expected SizeError, got %v", err)
	}
	if sizeErr.Got != 39 || sizeErr.Constraint != Fixed(40) {
		t.Fatalf("unexpected size error: %+v", sizeErr)
	}
	if err := reg.Validate(TypeOrderBook, 300); err != nil {
		t.Fatalf("variable type above minimum rejected: %v", err)
	}
	if err := reg.Validate(TypeOrderBook, 15); err == nil {
		t.Fatalf("variable type below minimum accepted")
	}
	var unknown UnknownTypeError
	if err := reg.Validate(77, 0); !errors.As(err, &unknown) || unknown.Type != 77 {
		t.Fatalf("expected UnknownTypeError for 77, got %v", err)
	}
	if err := reg.Validate(TypeVendorPayload, MaxPayload+1); err == nil {
		t.Fatalf("payload above wire maximum accepted")
	}
}

func TestStandardTypesStayInsideDomainRanges(t *testing.T) {
	testlog.Start(t)
	for _, e := range Standard().Entries() {
		if e.Domain == DomainNone {
			continue
		}
		if !e.Domain.Contains(e.Type) {
			t.Fatalf("type %d (%s) outside %s", e.Type, e.Name, e.Domain)
		}
	}
	if DomainExecution.Contains(TypeTrade) {
		t.Fatalf("execution range must exclude trade")
	}
	lo, hi, ok := DomainExecution.TypeRange()
	if !ok || lo != 40 || hi != 79 {
		t.Fatalf("unexpected execution range %d..%d ok=%v", lo, hi, ok)
	}
}

func TestNewRegistryPanicsOnMisconfiguration(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]Entry{
		"unsatisfiable": {{Type: 1, Name: "Big", Domain: DomainMarketData, Constraint: Fixed(MaxPayload + 1)}},
		"variable":      {{Type: 1, Name: "Big", Domain: DomainMarketData, Constraint: Variable(70000)}},
		"marker":        {{Type: ExtendedMarker, Name: "Marker", Constraint: Variable(0)}},
		"no-kind":       {{Type: 2, Name: "Empty", Domain: DomainMarketData}},
		"duplicate": {
			{Type: 3, Name: "A", Domain: DomainMarketData, Constraint: Fixed(8)},
			{Type: 3, Name: "B", Domain: DomainMarketData, Constraint: Fixed(8)},
		},
		"wrong-domain": {{Type: 1, Name: "Trade", Domain: DomainExecution, Constraint: Fixed(40)}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			NewRegistry(entries...)
		})
	}
}

func TestParseDomain(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]Domain{
		"market_data": DomainMarketData,
		"Market-Data": DomainMarketData,
		"signal":      DomainSignal,
		" execution ": DomainExecution,
		"system":      DomainSystem,
	} {
		got, err := ParseDomain(raw)
		if err != nil || got != want {
			t.Fatalf("ParseDomain(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseDomain("orders"); err == nil || !strings.Contains(err.Error(), "unknown domain") {
		t.Fatalf("expected unknown domain error, got %v", err)
	}
}
