package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/tlvrelay/internal/broadcast"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// deadlineWriter is the part of net.Conn the delivery loop needs.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// peer is one accepted session.
type peer struct {
	clientID string
	connID   string
	role     session.Role
	remote   string
}

func (r *Relay) handleConn(ctx context.Context, l *lane, conn net.Conn) {
	defer conn.Close()
	defer r.untrackConn(conn)

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(r.cfg.Session.HandshakeTimeout))
	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Str("domain", l.label).Str("remote", remoteAddr(conn)).Err(err).Msg("relay.conn handshake")
		return
	}

	ack, p, sub := r.accept(l, hello, remoteAddr(conn))
	if err := session.WriteHelloAck(conn, ack); err != nil || !ack.Accepted() {
		if sub != nil {
			l.detach(sub)
		}
		if err != nil {
			log.Warn().Str("domain", l.label).Str("client_id", p.clientID).Err(err).Msg("relay.conn write hello ack")
		}
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("relay.conn clear deadline")
	}

	active := l.counters.connections.Add(1)
	log.Info().
		Str("domain", l.label).
		Str("client_id", p.clientID).
		Str("connection_id", p.connID).
		Str("role", string(p.role)).
		Str("remote", p.remote).
		Uint64("next_sequence", ack.NextSequence).
		Int64("active_connections", active).
		Msg("relay.conn connected")
	defer func() {
		remaining := l.counters.connections.Add(-1)
		log.Info().
			Str("domain", l.label).
			Str("client_id", p.clientID).
			Str("connection_id", p.connID).
			Int64("active_connections", remaining).
			Msg("relay.conn disconnected")
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			defer l.detach(sub)
			r.deliver(connCtx, l, conn, sub, p.clientID)
		}()
	}
	r.receive(connCtx, l, reader, p)
	cancel()
	wg.Wait()
}

// accept answers a hello. Consumers are subscribed before the ack is built
// so NextSequence is the first sequence they will be delivered.
func (r *Relay) accept(l *lane, hello session.Hello, remote string) (session.HelloAck, peer, *broadcast.Subscriber) {
	p := peer{
		clientID: hello.ClientID,
		connID:   uuid.NewString(),
		role:     hello.Role,
		remote:   remote,
	}
	if p.clientID == "" {
		p.clientID = uuid.NewString()
	}
	ack := session.HelloAck{
		Status:       session.AckStatusRejected,
		ClientID:     p.clientID,
		ConnectionID: p.connID,
		Domain:       l.domain,
		TimestampMS:  uint64(time.Now().UnixMilli()),
	}
	switch {
	case r.closing.Load():
		ack.Code = session.AckCodeShuttingDown
		ack.Message = "relay is shutting down"
		return ack, p, nil
	case hello.Domain != l.domain:
		ack.Code = session.AckCodeDomainMismatch
		ack.Message = "socket serves " + l.label + ", hello asked for " + hello.Domain.String()
		return ack, p, nil
	case !hello.Role.Valid():
		ack.Code = session.AckCodeBadRole
		ack.Message = "unknown role"
		return ack, p, nil
	}
	if hello.Role.Produces() && r.cfg.Producers != nil {
		if err := r.cfg.Producers.Validate(l.domain, hello.Token); err != nil {
			log.Warn().
				Str("domain", l.label).
				Str("client_id", p.clientID).
				Str("remote", remote).
				Err(err).
				Msg("relay.conn producer refused")
			ack.Code = session.AckCodeUnauthorized
			ack.Message = "producer not authorized"
			return ack, p, nil
		}
	}

	var sub *broadcast.Subscriber
	if hello.Role.Consumes() {
		sub, ack.NextSequence = l.attach(p.clientID)
	} else {
		ack.NextSequence = l.nextSequence()
	}
	ack.Status = session.AckStatusAccepted
	ack.Code = session.AckCodeOK
	return ack, p, sub
}

// receive reads producer frames until the stream ends. Malformed frames are
// counted and skipped; the reader has already resynchronised past them.
func (r *Relay) receive(ctx context.Context, l *lane, reader *bufio.Reader, p peer) {
	fr := frame.NewReader(reader, r.cfg.Limits)
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			switch protocol.Classify(err) {
			case protocol.ClassStructural, protocol.ClassResource:
				l.recordStreamError(err)
				if errors.Is(err, frame.ErrMessageTooSmall) {
					return
				}
				continue
			}
			log.Debug().Str("domain", l.label).Str("client_id", p.clientID).Err(err).Msg("relay.conn read")
			return
		}
		if !p.role.Produces() {
			l.counters.ignored.Add(1)
			continue
		}
		if _, err := l.ingest(msg); errors.Is(err, ErrShuttingDown) {
			return
		}
	}
}

// deliver forwards the lane stream to one consumer, observing every
// sequence in the consumer registry. A detected gap is announced with a
// RecoveryRequest control frame ahead of the message that revealed it.
func (r *Relay) deliver(ctx context.Context, l *lane, conn deadlineWriter, sub *broadcast.Subscriber, clientID string) {
	w := bufio.NewWriterSize(conn, 64*1024)
	write := func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.Session.WriteTimeout))
		return frame.WriteMessage(w, b)
	}
	flush := func() error {
		if w.Buffered() == 0 {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.Session.WriteTimeout))
		return w.Flush()
	}
	logger := log.With().Str("domain", l.label).Str("client_id", clientID).Logger()

	heartbeat := time.NewTicker(r.cfg.Session.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		msg, ok, err := sub.TryRecv()
		if err != nil {
			var lagged *broadcast.LaggedError
			if !errors.As(err, &lagged) {
				_ = flush()
				return
			}
			l.recordLag(lagged.Dropped)
			notice := protocol.LagNotice{Dropped: lagged.Dropped, ResumeSequence: sub.Cursor() + 1}
			logger.Warn().
				Uint64("dropped", notice.Dropped).
				Uint64("resume_sequence", notice.ResumeSequence).
				Msg("relay.deliver consumer lagged")
			out, err := session.LagNoticeFrame(r.cfg.Registry, l.domain, notice)
			if err == nil {
				err = write(out)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("relay.deliver write lag notice")
				return
			}
			continue
		}
		if ok {
			if req, gap := l.consumers.Observe(clientID, frame.Sequence(msg)); gap {
				l.recordRecovery(req)
				r.cfg.Recovery.HandleRecovery(ctx, req)
				out, err := session.RecoveryFrame(r.cfg.Registry, l.domain, req.Notice())
				if err == nil {
					err = write(out)
				}
				if err != nil {
					logger.Debug().Err(err).Msg("relay.deliver write recovery request")
					return
				}
			}
			if err := write(msg); err != nil {
				logger.Debug().Err(err).Msg("relay.deliver write")
				return
			}
			continue
		}

		if err := flush(); err != nil {
			logger.Debug().Err(err).Msg("relay.deliver flush")
			return
		}
		select {
		case <-sub.Wait():
		case <-heartbeat.C:
			l.consumers.Touch(clientID)
			out, err := session.HeartbeatFrame(r.cfg.Registry, l.domain, l.lastSequence())
			if err == nil {
				err = write(out)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("relay.deliver heartbeat")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
