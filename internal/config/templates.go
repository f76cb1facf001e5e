package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/pelletier/go-toml/v2"
)

// Template kinds understood by WriteTemplate.
const (
	KindRelay = "relay"
	KindTCP   = "tcp"
)

// Template renders a starting config for kind from the
// defaults LoadRelayConfig overlays onto.
func Template(kind string) (string, error) {
	var cfg RelayConfig
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRelay, "":
		cfg = DefaultRelayConfig()
	case KindTCP:
		cfg = tcpTemplateConfig()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(FileFrom(cfg)); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

// tcpTemplateConfig serves every lane over mutual TLS on loopback ports.
func tcpTemplateConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	ports := map[schema.Domain]string{
		schema.DomainMarketData: "127.0.0.1:7401",
		schema.DomainSignal:     "127.0.0.1:7402",
		schema.DomainExecution:  "127.0.0.1:7403",
	}
	domains := make([]relay.DomainConfig, 0, len(cfg.Relay.Domains))
	for _, dc := range cfg.Relay.Domains {
		dc.Network = "tcp"
		dc.Address = ports[dc.Domain]
		domains = append(domains, dc)
	}
	cfg.Relay.Domains = domains
	cfg.Relay.Session.SecurityMode = "production"
	cfg.Relay.Session.TLS.Enabled = true
	cfg.Relay.Session.TLS.Mutual = true
	cfg.Relay.Session.TLS.CertFile = "/etc/tlvrelay/server.crt"
	cfg.Relay.Session.TLS.KeyFile = "/etc/tlvrelay/server.key"
	cfg.Relay.Session.TLS.CAFile = "/etc/tlvrelay/ca.crt"
	return cfg
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
