package schema

import (
	"fmt"
	"strings"
)

// Domain is a relay routing domain. It travels in the header message_type byte.
type Domain uint8

const (
	DomainNone       Domain = 0
	DomainMarketData Domain = 1
	DomainSignal     Domain = 2
	DomainExecution  Domain = 3
	DomainSystem     Domain = 4
)

type typeRange struct {
	lo, hi Type
}

var domainRanges = map[Domain]typeRange{
	DomainMarketData: {1, 19},
	DomainSignal:     {20, 39},
	DomainExecution:  {40, 79},
	DomainSystem:     {100, 119},
}

var domainNames = map[Domain]string{
	DomainMarketData: "market_data",
	DomainSignal:     "signal",
	DomainExecution:  "execution",
	DomainSystem:     "system",
}

// Valid reports whether d is a known routing domain.
func (d Domain) Valid() bool {
	_, ok := domainRanges[d]
	return ok
}

// TypeRange returns the reserved record type range of d (inclusive).
func (d Domain) TypeRange() (lo, hi Type, ok bool) {
	r, ok := domainRanges[d]
	return r.lo, r.hi, ok
}

// Contains reports whether t lies inside the reserved range of d.
func (d Domain) Contains(t Type) bool {
	r, ok := domainRanges[d]
	return ok && t >= r.lo && t <= r.hi
}

func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// ParseDomain maps a config name ("market_data", "execution", ...) to a Domain.
func ParseDomain(raw string) (Domain, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	for d, name := range domainNames {
		if name == key {
			return d, nil
		}
	}
	switch key {
	case "marketdata", "market":
		return DomainMarketData, nil
	case "signals":
		return DomainSignal, nil
	case "exec":
		return DomainExecution, nil
	}
	return DomainNone, fmt.Errorf("schema: unknown domain %q", raw)
}

// Domains returns every known routing domain in id order.
func Domains() []Domain {
	return []Domain{DomainMarketData, DomainSignal, DomainExecution, DomainSystem}
}

// Source identifies the producer class that built a message.
type Source uint8

const (
	SourceUnknown Source = 0

	SourceBinanceCollector  Source = 1
	SourceKrakenCollector   Source = 2
	SourceCoinbaseCollector Source = 3
	SourcePolygonCollector  Source = 4

	SourceArbitrageStrategy Source = 20
	SourceMarketMaker       Source = 21

	SourceExecutionEngine Source = 40
	SourceRiskManager     Source = 41

	SourceRelay     Source = 60
	SourceDashboard Source = 61
	SourceBench     Source = 62
)

var sourceNames = map[Source]string{
	SourceBinanceCollector:  "binance_collector",
	SourceKrakenCollector:   "kraken_collector",
	SourceCoinbaseCollector: "coinbase_collector",
	SourcePolygonCollector:  "polygon_collector",
	SourceArbitrageStrategy: "arbitrage_strategy",
	SourceMarketMaker:       "market_maker",
	SourceExecutionEngine:   "execution_engine",
	SourceRiskManager:       "risk_manager",
	SourceRelay:             "relay",
	SourceDashboard:         "dashboard",
	SourceBench:             "bench",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}
