// Package client connects producers and consumers to one relay domain
// socket: dial with backoff, handshake, publish, and a lazily decoded
// delivery stream with the relay's control frames handled inline.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrRejected        = errors.New("client: hello rejected")
	ErrNotProducer     = errors.New("client: connection role does not produce")
	ErrNotConsumer     = errors.New("client: connection role does not consume")
	ErrClosed          = errors.New("client: connection closed")
)

type Config struct {
	// Network is "unix" (default) or "tcp".
	Network  string
	Address  string
	Domain   schema.Domain
	Role     session.Role
	ClientID string
	Source   schema.Source
	// Token is sent in the hello for relays that authenticate producers.
	Token   string
	Session session.Config
	// Registry defaults to schema.Standard().
	Registry *schema.Registry
	Limits   frame.Limits
	// MaxConnectAttempts of zero retries until ctx ends.
	MaxConnectAttempts int
	RecoveryBuffer     int
}

func DefaultConfig(domain schema.Domain, address string) Config {
	return Config{
		Network:        "unix",
		Address:        address,
		Domain:         domain,
		Role:           session.RoleConsumer,
		Session:        session.DefaultConfig(),
		Limits:         frame.DefaultLimits(),
		RecoveryBuffer: 64,
	}
}

func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.Address) == "" {
		return c, ErrAddressRequired
	}
	if c.Network == "" {
		c.Network = "unix"
	}
	if c.Role == "" {
		c.Role = session.RoleConsumer
	}
	if c.Registry == nil {
		c.Registry = schema.Standard()
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	if c.RecoveryBuffer <= 0 {
		c.RecoveryBuffer = 64
	}
	c.Session = c.Session.WithDefaults()
	hello := session.Hello{ClientID: c.ClientID, Role: c.Role, Domain: c.Domain, Source: c.Source}
	if err := hello.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Conn is an established relay session. Publish methods are safe for
// concurrent use; the delivery stream must be consumed by one goroutine.
type Conn struct {
	cfg    Config
	conn   net.Conn
	reader *frame.Reader
	ack    session.HelloAck

	writeMu sync.Mutex
	pubSeq  atomic.Uint64

	local    *consumer.Registry
	outbox   *session.RecoveryOutbox
	recovery chan consumer.RecoveryRequest
	dropped  atomic.Uint64
	lastBeat atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial connects and performs the hello handshake, retrying transport
// failures with the session backoff. A rejected hello is not retried.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		c, err := dialOnce(ctx, cfg)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return nil, err
		}
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("client: connect %s after %d attempts: %w", cfg.Address, attempt, err)
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", cfg.Address).
			Str("domain", cfg.Domain.String()).
			Err(err).
			Msg("client.Dial retry")
		if err := session.SleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, cfg Config) (*Conn, error) {
	conn, err := dialTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := handshake(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func dialTransport(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	if cfg.Network == "unix" {
		return dialer.DialContext(ctx, "unix", cfg.Address)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	raw, err := dialer.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		return raw, nil
	}
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(conn net.Conn, cfg Config) (*Conn, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	hello := session.Hello{ClientID: cfg.ClientID, Role: cfg.Role, Domain: cfg.Domain, Source: cfg.Source, Token: cfg.Token}
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, err
	}
	br := bufio.NewReader(conn)
	ack, err := session.ReadHelloAck(br)
	if err != nil {
		return nil, err
	}
	if !ack.Accepted() {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})

	local := consumer.NewRegistry(cfg.Domain, consumer.Policy{})
	local.SetGlobalSequence(ack.NextSequence)
	local.Register(ack.ClientID)
	return &Conn{
		cfg:      cfg,
		conn:     conn,
		reader:   frame.NewReader(br, cfg.Limits),
		ack:      ack,
		local:    local,
		outbox:   session.NewRecoveryOutbox(),
		recovery: make(chan consumer.RecoveryRequest, cfg.RecoveryBuffer),
	}, nil
}

// Ack is the relay's handshake answer.
func (c *Conn) Ack() session.HelloAck { return c.ack }

func (c *Conn) ClientID() string { return c.ack.ClientID }

// Publish encodes typed records into one message and sends it. The header
// sequence is a local counter; the relay replaces it.
func (c *Conn) Publish(records ...protocol.Record) error {
	if !c.cfg.Role.Produces() {
		return ErrNotProducer
	}
	msg, err := protocol.BuildTyped(c.cfg.Registry, c.spec(), records...)
	if err != nil {
		return err
	}
	return c.PublishRaw(msg)
}

// PublishTLV sends already encoded records.
func (c *Conn) PublishTLV(records ...tlv.Record) error {
	if !c.cfg.Role.Produces() {
		return ErrNotProducer
	}
	msg, err := protocol.BuildMessage(c.cfg.Registry, c.spec(), records...)
	if err != nil {
		return err
	}
	return c.PublishRaw(msg)
}

// PublishRaw sends one complete message as is.
func (c *Conn) PublishRaw(msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	return frame.WriteMessage(c.conn, msg)
}

func (c *Conn) spec() protocol.MessageSpec {
	return protocol.MessageSpec{
		Domain:   c.cfg.Domain,
		Source:   c.cfg.Source,
		Sequence: c.pubSeq.Add(1),
	}
}

// Messages returns the delivery stream. Control frames are consumed
// internally: recovery requests go to Recovery(), lag notices and
// heartbeats update local state. Malformed frames are yielded as errors
// and the stream continues; the stream ends at EOF, on a transport error,
// or when ctx ends.
func (c *Conn) Messages(ctx context.Context) iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		if !c.cfg.Role.Consumes() {
			yield(protocol.Message{}, ErrNotConsumer)
			return
		}
		_ = c.conn.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = c.conn.SetReadDeadline(time.Now())
		})
		defer stop()

		for {
			raw, err := c.reader.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					yield(protocol.Message{}, ctx.Err())
					return
				}
				if errors.Is(err, io.EOF) || c.closed.Load() {
					return
				}
				if !recoverable(err) {
					yield(protocol.Message{}, err)
					return
				}
				if !yield(protocol.Message{}, err) {
					return
				}
				continue
			}
			m, err := protocol.DecodeMessage(c.cfg.Registry, raw)
			if err != nil {
				if !yield(protocol.Message{}, err) {
					return
				}
				continue
			}
			if session.IsControl(m.Header) {
				c.handleControl(m)
				continue
			}
			c.local.Observe(c.ack.ClientID, m.Header.Sequence)
			if !yield(m, nil) {
				return
			}
		}
	}
}

// recoverable reports whether the frame reader can keep going after err.
func recoverable(err error) bool {
	if errors.Is(err, frame.ErrMessageTooSmall) {
		return false
	}
	switch protocol.Classify(err) {
	case protocol.ClassStructural, protocol.ClassResource:
		return true
	}
	return false
}

func (c *Conn) handleControl(m protocol.Message) {
	ctl, err := session.DecodeControl(m)
	if err != nil {
		log.Warn().Str("client_id", c.ack.ClientID).Err(err).Msg("client.control decode")
		return
	}
	switch ctl.Kind {
	case schema.TypeLagNotice:
		c.dropped.Add(ctl.Lag.Dropped)
		log.Warn().
			Str("client_id", c.ack.ClientID).
			Str("domain", c.cfg.Domain.String()).
			Uint64("dropped", ctl.Lag.Dropped).
			Uint64("resume_sequence", ctl.Lag.ResumeSequence).
			Msg("client.lagged")
	case schema.TypeRecoveryRequest:
		req := consumer.RequestFromNotice(c.cfg.Domain, ctl.Recovery)
		c.outbox.Upsert(session.PendingRecovery{Notice: ctl.Recovery, ReceivedAt: time.Now()})
		select {
		case c.recovery <- req:
		default:
			log.Warn().
				Str("client_id", c.ack.ClientID).
				Uint64("start_sequence", req.Start).
				Msg("client.recovery channel full, request kept in outbox")
		}
	case schema.TypeHeartbeat:
		c.lastBeat.Store(ctl.Heartbeat.LastSequence)
	}
}

// Recovery delivers the recovery requests the relay raised for this
// consumer. Requests that do not fit are still listed by Pending.
func (c *Conn) Recovery() <-chan consumer.RecoveryRequest { return c.recovery }

// Pending lists recovery requests not yet completed.
func (c *Conn) Pending() []session.PendingRecovery { return c.outbox.List() }

// CompleteRecovery drops pending requests that end at or before upTo and
// returns how many were dropped.
func (c *Conn) CompleteRecovery(upTo uint64) int {
	n := c.outbox.Complete(upTo)
	if st, ok := c.local.Get(c.ack.ClientID); ok && upTo >= st.LastSequence {
		_ = c.local.MarkRecoveryCompleted(c.ack.ClientID, upTo)
	}
	return n
}

// State is the locally tracked sequence state of this consumer.
func (c *Conn) State() consumer.State {
	st, _ := c.local.Get(c.ack.ClientID)
	return st
}

// Dropped is the total the relay reported dropped for this connection.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// LastHeartbeat is the relay sequence carried by the latest heartbeat.
func (c *Conn) LastHeartbeat() uint64 { return c.lastBeat.Load() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
