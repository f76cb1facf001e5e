package relay

import (
	"fmt"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

// Policy is the validation and recovery policy of one domain lane.
type Policy struct {
	VerifyChecksum   bool
	ValidateRecords  bool
	EnforceTypeRange bool
	// RecoveryThreshold is the largest gap still recovered by retransmit.
	RecoveryThreshold uint64
}

// DefaultPolicy trades validation cost against the cost of a bad message
// for each domain: market data is high volume and only checksummed,
// execution is checked record by record and held to its type range.
func DefaultPolicy(domain schema.Domain) Policy {
	switch domain {
	case schema.DomainMarketData:
		return Policy{VerifyChecksum: true, RecoveryThreshold: 1000}
	case schema.DomainSignal:
		return Policy{VerifyChecksum: true, ValidateRecords: true, RecoveryThreshold: 100}
	case schema.DomainExecution:
		return Policy{VerifyChecksum: true, ValidateRecords: true, EnforceTypeRange: true, RecoveryThreshold: 10}
	default:
		return Policy{VerifyChecksum: true, ValidateRecords: true, RecoveryThreshold: 10}
	}
}

// DefaultBuffer is the broadcast ring size used when a lane sets none.
func DefaultBuffer(domain schema.Domain) int {
	switch domain {
	case schema.DomainMarketData:
		return 4096
	case schema.DomainSignal, schema.DomainExecution:
		return 1024
	default:
		return 256
	}
}

// DomainConfig configures one domain lane.
type DomainConfig struct {
	Domain  schema.Domain
	Network string
	Address string
	Buffer  int
	Policy  Policy
}

// DefaultDomainConfig listens on a unix socket under dir.
func DefaultDomainConfig(domain schema.Domain, dir string) DomainConfig {
	dir = strings.TrimRight(dir, "/")
	return DomainConfig{
		Domain:  domain,
		Network: "unix",
		Address: fmt.Sprintf("%s/%s.sock", dir, domain),
		Buffer:  DefaultBuffer(domain),
		Policy:  DefaultPolicy(domain),
	}
}

func (c DomainConfig) validate() error {
	if !c.Domain.Valid() {
		return fmt.Errorf("%w: domain %d", ErrInvalidConfig, c.Domain)
	}
	switch c.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("%w: domain %s network %q", ErrInvalidConfig, c.Domain, c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: domain %s address is required", ErrInvalidConfig, c.Domain)
	}
	if c.Buffer < 0 {
		return fmt.Errorf("%w: domain %s buffer %d", ErrInvalidConfig, c.Domain, c.Buffer)
	}
	return nil
}

func (c DomainConfig) isTCP() bool {
	return strings.HasPrefix(c.Network, "tcp")
}
