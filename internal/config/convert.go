package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/relay"
)

// resolveDomains turns [[domains]] entries into lane configs. Each entry
// starts from its domain defaults under socketDir.
func resolveDomains(entries []DomainEntry, socketDir string) ([]relay.DomainConfig, error) {
	out := make([]relay.DomainConfig, 0, len(entries))
	for i, entry := range entries {
		domain, err := schema.ParseDomain(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: domains[%d]: %v", ErrInvalid, i, err)
		}
		dc := relay.DefaultDomainConfig(domain, socketDir)
		if n := strings.TrimSpace(entry.Network); n != "" {
			dc.Network = strings.ToLower(n)
		}
		if a := strings.TrimSpace(entry.Address); a != "" {
			dc.Address = a
		} else if dc.Network != "unix" {
			return nil, fmt.Errorf("%w: domains[%d] %s needs an address on %s", ErrInvalid, i, domain, dc.Network)
		}
		if entry.Buffer != 0 {
			dc.Buffer = entry.Buffer
		}
		if entry.RecoveryThreshold != nil {
			dc.Policy.RecoveryThreshold = *entry.RecoveryThreshold
		}
		if entry.VerifyChecksum != nil {
			dc.Policy.VerifyChecksum = *entry.VerifyChecksum
		}
		if entry.ValidateRecords != nil {
			dc.Policy.ValidateRecords = *entry.ValidateRecords
		}
		if entry.EnforceTypeRange != nil {
			dc.Policy.EnforceTypeRange = *entry.EnforceTypeRange
		}
		out = append(out, dc)
	}
	return out, nil
}

// producerTokens gives every served domain its own token, falling back to
// the top-level producer_token.
func producerTokens(raw File, domains []relay.DomainConfig) map[schema.Domain]string {
	perDomain := make(map[schema.Domain]string, len(raw.Domains))
	for _, entry := range raw.Domains {
		if d, err := schema.ParseDomain(entry.Name); err == nil && strings.TrimSpace(entry.ProducerToken) != "" {
			perDomain[d] = strings.TrimSpace(entry.ProducerToken)
		}
	}
	global := strings.TrimSpace(raw.ProducerToken)
	out := make(map[schema.Domain]string)
	for _, dc := range domains {
		if tok, ok := perDomain[dc.Domain]; ok {
			out[dc.Domain] = tok
		} else if global != "" {
			out[dc.Domain] = global
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FileFrom renders a resolved config back into its on-disk shape.
func FileFrom(cfg RelayConfig) File {
	f := File{
		ID:              cfg.ID,
		SocketDir:       cfg.SocketDir,
		LogLevel:        cfg.LogLevel,
		StatsInterval:   cfg.Relay.StatsInterval.String(),
		SweepInterval:   cfg.Relay.SweepInterval.String(),
		ConsumerTimeout: cfg.Relay.ConsumerTimeout.String(),
		MaxPayloadBytes: cfg.Relay.Limits.MaxPayloadBytes,
		Monitor:         cfg.Monitor,
		Session: SessionFile{
			SecurityMode:      string(cfg.Relay.Session.SecurityMode),
			HandshakeTimeout:  cfg.Relay.Session.HandshakeTimeout.String(),
			WriteTimeout:      cfg.Relay.Session.WriteTimeout.String(),
			HeartbeatInterval: cfg.Relay.Session.HeartbeatInterval.String(),
			TLS:               cfg.Relay.Session.TLS,
		},
	}
	for _, dc := range cfg.Relay.Domains {
		p := dc.Policy
		f.Domains = append(f.Domains, DomainEntry{
			Name:              dc.Domain.String(),
			Network:           dc.Network,
			Address:           dc.Address,
			Buffer:            dc.Buffer,
			RecoveryThreshold: &p.RecoveryThreshold,
			VerifyChecksum:    &p.VerifyChecksum,
			ValidateRecords:   &p.ValidateRecords,
			EnforceTypeRange:  &p.EnforceTypeRange,
			ProducerToken:     cfg.ProducerTokens[dc.Domain],
		})
	}
	return f
}
