// relaytap attaches to one relay domain as a consumer and logs every
// delivered record.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/tlvrelay/internal/client"
	"github.com/danmuck/tlvrelay/internal/config"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/rs/zerolog/log"
)

type options struct {
	domain  string
	network string
	addr    string
	id      string
	limit   int
	raw     bool
	tls     bool
	caFile  string
	cert    string
	key     string
}

func main() {
	var opts options
	flag.StringVar(&opts.domain, "domain", "market_data", "domain to tap")
	flag.StringVar(&opts.network, "network", "unix", "transport: unix|tcp")
	flag.StringVar(&opts.addr, "addr", "", "relay address (defaults to the domain socket under the default socket dir)")
	flag.StringVar(&opts.id, "id", "", "client id (relay assigns one when empty)")
	flag.IntVar(&opts.limit, "n", 0, "stop after n messages (0 = until interrupted)")
	flag.BoolVar(&opts.raw, "raw", false, "log tlv records without typed decoding")
	flag.BoolVar(&opts.tls, "tls", false, "use mutual tls on tcp")
	flag.StringVar(&opts.caFile, "ca", "", "tls ca file")
	flag.StringVar(&opts.cert, "cert", "", "tls client certificate")
	flag.StringVar(&opts.key, "key", "", "tls client key")
	flag.Parse()

	log.Logger = observability.InitLogger("relaytap")
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "relaytap: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	domain, err := schema.ParseDomain(opts.domain)
	if err != nil {
		return err
	}
	addr := opts.addr
	if addr == "" {
		addr = relay.DefaultDomainConfig(domain, config.DefaultSocketDir).Address
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := client.DefaultConfig(domain, addr)
	cfg.Network = opts.network
	cfg.ClientID = opts.id
	cfg.Source = schema.SourceDashboard
	if opts.tls {
		cfg.Session.TLS.Enabled = true
		cfg.Session.TLS.Mutual = true
		cfg.Session.TLS.CAFile = opts.caFile
		cfg.Session.TLS.CertFile = opts.cert
		cfg.Session.TLS.KeyFile = opts.key
	}
	conn, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	ack := conn.Ack()
	log.Info().
		Str("client_id", ack.ClientID).
		Str("domain", domain.String()).
		Uint64("next_sequence", ack.NextSequence).
		Msg("relaytap attached")

	// A tap cannot replay, so recovery requests are logged and
	// acknowledged to keep the outbox bounded.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-conn.Recovery():
				log.Warn().
					Str("kind", req.Kind.String()).
					Uint64("start_sequence", req.Start).
					Uint64("end_sequence", req.End).
					Msg("relaytap recovery requested")
				conn.CompleteRecovery(req.End)
			}
		}
	}()

	reg := schema.Standard()
	seen := 0
	for m, err := range conn.Messages(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn().Err(err).Str("class", protocol.Classify(err).String()).Msg("relaytap frame error")
			continue
		}
		logMessage(reg, m, opts.raw)
		seen++
		if opts.limit > 0 && seen >= opts.limit {
			break
		}
	}

	st := conn.State()
	log.Info().
		Int("messages", seen).
		Uint64("last_sequence", st.LastSequence).
		Uint64("gap_count", st.GapCount).
		Uint64("dropped", conn.Dropped()).
		Int("pending_recoveries", len(conn.Pending())).
		Msg("relaytap detached")
	return nil
}

func logMessage(reg *schema.Registry, m protocol.Message, raw bool) {
	h := m.Header
	if raw {
		for _, rec := range m.Records {
			log.Info().
				Uint64("seq", h.Sequence).
				Str("source", h.Source.String()).
				Str("type", reg.Name(rec.Type)).
				Int("len", len(rec.Payload)).
				Hex("payload", rec.Payload).
				Msg("record")
		}
		return
	}
	typed, err := m.Typed()
	if err != nil {
		log.Warn().Uint64("seq", h.Sequence).Err(err).Msg("relaytap decode")
		return
	}
	for _, rec := range typed {
		log.Info().
			Uint64("seq", h.Sequence).
			Str("source", h.Source.String()).
			Str("type", reg.Name(rec.Type())).
			Interface("record", rec).
			Msg("record")
	}
}
