package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tlvrelay/internal/auth"
	"github.com/danmuck/tlvrelay/internal/logging"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/rs/zerolog/log"
)

var ErrInvalid = errors.New("config: invalid")

const (
	DefaultID         = "tlvrelay"
	DefaultSocketDir  = "/tmp/tlvrelay"
	DefaultMonitorAdr = "127.0.0.1:9464"
)

// File is the on-disk shape of relayd's config.toml. Durations are strings
// accepted by time.ParseDuration.
type File struct {
	ID              string        `toml:"id"`
	SocketDir       string        `toml:"socket_dir"`
	LogLevel        string        `toml:"log_level"`
	StatsInterval   string        `toml:"stats_interval"`
	SweepInterval   string        `toml:"sweep_interval"`
	ConsumerTimeout string        `toml:"consumer_timeout"`
	MaxPayloadBytes uint32        `toml:"max_payload_bytes"`
	ProducerToken   string        `toml:"producer_token"`
	Monitor         MonitorFile   `toml:"monitor"`
	Session         SessionFile   `toml:"session"`
	Domains         []DomainEntry `toml:"domains"`
}

type MonitorFile struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type SessionFile struct {
	SecurityMode      string            `toml:"security_mode"`
	HandshakeTimeout  string            `toml:"handshake_timeout"`
	WriteTimeout      string            `toml:"write_timeout"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
	TLS               session.TLSConfig `toml:"tls"`
}

// DomainEntry configures one lane. Unset pointer fields keep the domain's
// default policy.
type DomainEntry struct {
	Name              string  `toml:"name"`
	Network           string  `toml:"network"`
	Address           string  `toml:"address"`
	Buffer            int     `toml:"buffer"`
	RecoveryThreshold *uint64 `toml:"recovery_threshold"`
	VerifyChecksum    *bool   `toml:"verify_checksum"`
	ValidateRecords   *bool   `toml:"validate_records"`
	EnforceTypeRange  *bool   `toml:"enforce_type_range"`
	ProducerToken     string  `toml:"producer_token"`
}

// RelayConfig is the resolved relayd configuration.
type RelayConfig struct {
	ID        string
	SocketDir string
	LogLevel  string
	Relay     relay.Config
	Monitor   MonitorFile

	// ProducerTokens enables producer authentication when non-empty.
	ProducerTokens map[schema.Domain]string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ID:        DefaultID,
		SocketDir: DefaultSocketDir,
		LogLevel:  "info",
		Relay:     relay.DefaultConfig(DefaultSocketDir),
		Monitor: MonitorFile{
			Enabled:     true,
			Addr:        DefaultMonitorAdr,
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadRelayConfig decodes path and overlays every key it defines onto
// DefaultRelayConfig.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("config key ignored")
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("socket_dir") {
		cfg.SocketDir = strings.TrimSpace(raw.SocketDir)
		cfg.Relay.Domains = relay.DefaultConfig(cfg.SocketDir).Domains
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := overlayDuration(meta, "stats_interval", raw.StatsInterval, &cfg.Relay.StatsInterval); err != nil {
		return RelayConfig{}, err
	}
	if err := overlayDuration(meta, "sweep_interval", raw.SweepInterval, &cfg.Relay.SweepInterval); err != nil {
		return RelayConfig{}, err
	}
	if err := overlayDuration(meta, "consumer_timeout", raw.ConsumerTimeout, &cfg.Relay.ConsumerTimeout); err != nil {
		return RelayConfig{}, err
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Relay.Limits = frame.Limits{MaxPayloadBytes: raw.MaxPayloadBytes}
	}

	if meta.IsDefined("monitor", "enabled") {
		cfg.Monitor.Enabled = raw.Monitor.Enabled
	}
	if meta.IsDefined("monitor", "addr") {
		cfg.Monitor.Addr = strings.TrimSpace(raw.Monitor.Addr)
	}
	if meta.IsDefined("monitor", "cors_origins") {
		cfg.Monitor.CorsOrigins = raw.Monitor.CorsOrigins
	}

	sess, err := overlaySession(meta, raw.Session, cfg.Relay.Session)
	if err != nil {
		return RelayConfig{}, err
	}
	cfg.Relay.Session = sess

	if meta.IsDefined("domains") {
		domains, err := resolveDomains(raw.Domains, cfg.SocketDir)
		if err != nil {
			return RelayConfig{}, err
		}
		cfg.Relay.Domains = domains
	}
	cfg.ProducerTokens = producerTokens(raw, cfg.Relay.Domains)
	if len(cfg.ProducerTokens) > 0 {
		cfg.Relay.Producers = auth.Tokens(cfg.ProducerTokens)
	}

	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func overlayDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, key)
	}
	*dst = d
	return nil
}

func overlaySession(meta toml.MetaData, raw SessionFile, cfg session.Config) (session.Config, error) {
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v <= 0 {
			return session.Config{}, fmt.Errorf("%w: session.%s %q", ErrInvalid, d.key, d.raw)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "tls") {
		cfg.TLS = raw.TLS
	}
	return cfg.WithDefaults(), nil
}

// ValidateRelayConfig checks what relay.New would reject plus the monitor
// and transport security settings.
func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: log_level %q", ErrInvalid, cfg.LogLevel)
	}
	if len(cfg.Relay.Domains) == 0 {
		return fmt.Errorf("%w: at least one domain is required", ErrInvalid)
	}
	seen := make(map[schema.Domain]struct{}, len(cfg.Relay.Domains))
	addrs := make(map[string]struct{}, len(cfg.Relay.Domains))
	tcp := false
	for i, dc := range cfg.Relay.Domains {
		if _, dup := seen[dc.Domain]; dup {
			return fmt.Errorf("%w: domains[%d] %s configured twice", ErrInvalid, i, dc.Domain)
		}
		seen[dc.Domain] = struct{}{}
		switch dc.Network {
		case "unix":
		case "tcp", "tcp4", "tcp6":
			tcp = true
		default:
			return fmt.Errorf("%w: domains[%d] network %q", ErrInvalid, i, dc.Network)
		}
		if strings.TrimSpace(dc.Address) == "" {
			return fmt.Errorf("%w: domains[%d] address is required", ErrInvalid, i)
		}
		if _, dup := addrs[dc.Address]; dup {
			return fmt.Errorf("%w: domains[%d] address %q already used", ErrInvalid, i, dc.Address)
		}
		addrs[dc.Address] = struct{}{}
		if dc.Buffer < 0 {
			return fmt.Errorf("%w: domains[%d] buffer must not be negative", ErrInvalid, i)
		}
	}
	if tcp {
		if err := cfg.Relay.Session.ValidateServerTransport(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if cfg.Monitor.Enabled && strings.TrimSpace(cfg.Monitor.Addr) == "" {
		return fmt.Errorf("%w: monitor.addr is required when the monitor is enabled", ErrInvalid)
	}
	return nil
}
