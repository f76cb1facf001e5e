// Package relay is the per-domain delivery engine. Each configured domain
// gets a lane with its own listener, sequence counter, broadcast ring and
// consumer registry; producers' messages are validated, stamped with the
// lane's next sequence and fanned out to every subscribed consumer.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/auth"
	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidConfig = errors.New("relay: invalid config")
	ErrUnknownDomain = errors.New("relay: domain not served")
	ErrShuttingDown  = errors.New("relay: shutting down")
	ErrStarted       = errors.New("relay: already started")
)

// Config configures a Relay. Zero intervals and limits take defaults.
type Config struct {
	Domains []DomainConfig
	// Registry defaults to schema.Standard().
	Registry *schema.Registry
	Limits   frame.Limits
	Session  session.Config

	StatsInterval   time.Duration
	SweepInterval   time.Duration
	ConsumerTimeout time.Duration

	// Recovery defaults to LogRecoveryHandler.
	Recovery RecoveryHandler
	// Producers authenticates producer hellos. Nil accepts every producer.
	Producers auth.Validator
}

// DefaultConfig serves market data, signal and execution on unix sockets
// under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Domains: []DomainConfig{
			DefaultDomainConfig(schema.DomainMarketData, dir),
			DefaultDomainConfig(schema.DomainSignal, dir),
			DefaultDomainConfig(schema.DomainExecution, dir),
		},
		Limits:          frame.DefaultLimits(),
		Session:         session.DefaultConfig(),
		StatsInterval:   10 * time.Second,
		SweepInterval:   30 * time.Second,
		ConsumerTimeout: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig("")
	if c.Registry == nil {
		c.Registry = schema.Standard()
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	c.Session = c.Session.WithDefaults()
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ConsumerTimeout <= 0 {
		c.ConsumerTimeout = def.ConsumerTimeout
	}
	if c.Recovery == nil {
		c.Recovery = LogRecoveryHandler{}
	}
	return c
}

// Relay routes messages between producers and consumers of each domain.
type Relay struct {
	cfg   Config
	lanes map[schema.Domain]*lane
	order []schema.Domain

	started   atomic.Bool
	closing   atomic.Bool
	startedAt time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

func New(cfg Config) (*Relay, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("%w: no domains configured", ErrInvalidConfig)
	}
	r := &Relay{
		cfg:   cfg,
		lanes: make(map[schema.Domain]*lane, len(cfg.Domains)),
		conns: make(map[net.Conn]struct{}),
	}
	addrs := make(map[string]schema.Domain, len(cfg.Domains))
	for _, dc := range cfg.Domains {
		if err := dc.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.lanes[dc.Domain]; dup {
			return nil, fmt.Errorf("%w: domain %s configured twice", ErrInvalidConfig, dc.Domain)
		}
		if other, dup := addrs[dc.Address]; dup {
			return nil, fmt.Errorf("%w: %s and %s share address %q", ErrInvalidConfig, other, dc.Domain, dc.Address)
		}
		addrs[dc.Address] = dc.Domain
		r.lanes[dc.Domain] = newLane(dc, cfg.Registry)
		r.order = append(r.order, dc.Domain)
	}
	return r, nil
}

func (r *Relay) Registry() *schema.Registry { return r.cfg.Registry }

// Domains lists the served domains in configuration order.
func (r *Relay) Domains() []schema.Domain {
	return append([]schema.Domain(nil), r.order...)
}

// Start opens every lane listener and starts the accept, stats and sweep
// loops. Cancelling ctx shuts everything down; Wait blocks until it has.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	for _, d := range r.order {
		l := r.lanes[d]
		ln, err := r.listen(l.cfg)
		if err != nil {
			r.closeListeners()
			return fmt.Errorf("relay: listen %s %s %s: %w", d, l.cfg.Network, l.cfg.Address, err)
		}
		l.ln = ln
		log.Info().
			Str("domain", l.label).
			Str("network", l.cfg.Network).
			Str("addr", ln.Addr().String()).
			Int("buffer", l.hub.Cap()).
			Uint64("recovery_threshold", l.cfg.Policy.RecoveryThreshold).
			Msg("relay.lane listening")
	}
	r.startedAt = time.Now()

	for _, d := range r.order {
		l := r.lanes[d]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serve(ctx, l)
		}()
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.statsLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		r.shutdown()
	}()
	return nil
}

// Run starts the relay and blocks until ctx is cancelled and every
// goroutine has exited.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.wg.Wait()
	return nil
}

func (r *Relay) Wait() {
	r.wg.Wait()
}

// Ready reports whether the relay is accepting connections.
func (r *Relay) Ready() bool {
	return r.started.Load() && !r.closing.Load()
}

// Addr returns the bound listener address of domain, nil before Start.
func (r *Relay) Addr(domain schema.Domain) net.Addr {
	l, ok := r.lanes[domain]
	if !ok || l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Ingest validates, sequences and publishes one message on domain as if a
// producer had sent it. msg is owned by the relay afterwards.
func (r *Relay) Ingest(domain schema.Domain, msg []byte) (uint64, error) {
	l, ok := r.lanes[domain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return l.ingest(msg)
}

// Consumers returns the consumer states of domain ordered by id.
func (r *Relay) Consumers(domain schema.Domain) ([]consumer.State, error) {
	l, ok := r.lanes[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return l.consumers.Snapshot(), nil
}

// MarkRecoveryCompleted records that a replay adapter caught consumer id up
// through upTo.
func (r *Relay) MarkRecoveryCompleted(domain schema.Domain, id string, upTo uint64) error {
	l, ok := r.lanes[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return l.consumers.MarkRecoveryCompleted(id, upTo)
}

// BeginSnapshot records that a replay adapter is delivering a snapshot
// taken at snapshotSeq to consumer id.
func (r *Relay) BeginSnapshot(domain schema.Domain, id string, snapshotSeq uint64) error {
	l, ok := r.lanes[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return l.consumers.BeginSnapshot(id, snapshotSeq)
}

func (r *Relay) listen(cfg DomainConfig) (net.Listener, error) {
	if cfg.Network == "unix" {
		if err := prepareSocketPath(cfg.Address); err != nil {
			return nil, err
		}
		return net.Listen("unix", cfg.Address)
	}
	if err := r.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !r.cfg.Session.TLS.Enabled {
		return net.Listen(cfg.Network, cfg.Address)
	}
	tlsCfg, err := r.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen(cfg.Network, cfg.Address, tlsCfg)
}

// prepareSocketPath creates the socket directory and removes a stale socket
// left by a previous run. Anything other than a socket is left alone.
func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("relay: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// serve is the accept loop of one lane.
func (r *Relay) serve(ctx context.Context, l *lane) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("domain", l.label).Err(err).Msg("relay.lane accept")
			continue
		}
		r.trackConn(conn)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, l, conn)
		}()
	}
}

// ServeConn runs the session protocol of domain on an already established
// connection and blocks until it ends.
func (r *Relay) ServeConn(ctx context.Context, domain schema.Domain, conn net.Conn) error {
	l, ok := r.lanes[domain]
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	r.trackConn(conn)
	r.handleConn(ctx, l, conn)
	return nil
}

func (r *Relay) shutdown() {
	if !r.closing.CompareAndSwap(false, true) {
		return
	}
	log.Info().Msg("relay shutting down")
	r.closeListeners()
	for _, d := range r.order {
		r.lanes[d].hub.Close()
	}
	r.closeAllConns()
}

func (r *Relay) closeListeners() {
	for _, d := range r.order {
		if ln := r.lanes[d].ln; ln != nil {
			_ = ln.Close()
		}
	}
}

func (r *Relay) trackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	r.conns[conn] = struct{}{}
}

func (r *Relay) untrackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	delete(r.conns, conn)
}

func (r *Relay) closeAllConns() {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, conn)
	}
}
