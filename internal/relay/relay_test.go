package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/auth"
	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

type recordingHandler struct {
	mu   sync.Mutex
	reqs []consumer.RecoveryRequest
}

func (h *recordingHandler) HandleRecovery(_ context.Context, req consumer.RecoveryRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
}

func (h *recordingHandler) requests() []consumer.RecoveryRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]consumer.RecoveryRequest(nil), h.reqs...)
}

// gateConn holds the first write until gate is closed.
type gateConn struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	once  sync.Once
	first chan struct{}
	gate  chan struct{}
}

func newGateConn(open bool) *gateConn {
	c := &gateConn{first: make(chan struct{}), gate: make(chan struct{})}
	if open {
		close(c.gate)
	}
	return c
}

func (c *gateConn) Write(p []byte) (int, error) {
	c.once.Do(func() {
		close(c.first)
		<-c.gate
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *gateConn) SetWriteDeadline(time.Time) error { return nil }

func (c *gateConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func newTestRelay(t *testing.T, domains ...DomainConfig) (*Relay, *recordingHandler) {
	t.Helper()
	handler := &recordingHandler{}
	r, err := New(Config{Domains: domains, Recovery: handler})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r, handler
}

func laneConfig(domain schema.Domain, buffer int, threshold uint64) DomainConfig {
	policy := DefaultPolicy(domain)
	policy.RecoveryThreshold = threshold
	return DomainConfig{Domain: domain, Network: "unix", Address: domain.String() + ".sock", Buffer: buffer, Policy: policy}
}

// decodeStream splits everything written to a consumer into messages.
func decodeStream(t *testing.T, raw []byte) []protocol.Message {
	t.Helper()
	fr := frame.NewReader(bytes.NewReader(raw), frame.DefaultLimits())
	var out []protocol.Message
	for {
		msg, err := fr.ReadMessage()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		m, err := protocol.DecodeMessage(schema.Standard(), msg)
		if err != nil {
			t.Fatalf("decode stream message: %v", err)
		}
		out = append(out, m)
	}
}

func TestIngestStampsSequenceAndReseals(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRelay(t, laneConfig(schema.DomainMarketData, 16, 10))
	l := r.lanes[schema.DomainMarketData]
	sub, next := l.attach("tap")
	if next != 1 {
		t.Fatalf("expected first sequence 1, got %d", next)
	}

	var payloads [][]byte
	for i := uint64(1); i <= 3; i++ {
		msg := tradeMsg(t, i)
		h, _ := frame.ParseHeader(msg)
		payloads = append(payloads, append([]byte(nil), frame.Payload(msg, h)...))
		seq, err := r.Ingest(schema.DomainMarketData, msg)
		if err != nil || seq != i {
			t.Fatalf("ingest %d: expected seq %d, got %d err=%v", i, i, seq, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		raw, ok, err := sub.TryRecv()
		if !ok || err != nil {
			t.Fatalf("expected message %d, got ok=%v err=%v", i, ok, err)
		}
		m, err := protocol.DecodeMessage(schema.Standard(), raw)
		if err != nil {
			t.Fatalf("stamped message %d does not decode: %v", i, err)
		}
		if m.Header.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, m.Header.Sequence)
		}
		if !bytes.Equal(frame.Payload(m.Raw, m.Header), payloads[i-1]) {
			t.Fatalf("payload %d was modified", i)
		}
	}
	if got := r.Stats().Lanes[0]; got.Published != 3 || got.NextSequence != 4 || got.Validation.Count != 3 {
		t.Fatalf("unexpected lane stats: %+v", got)
	}
}

func TestRejectedMessagesAreNeverPublished(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRelay(t, laneConfig(schema.DomainExecution, 16, 10))
	bad := orderMsg(t, 1)
	bad[len(bad)-1] ^= 0x80
	if _, err := r.Ingest(schema.DomainExecution, bad); !errors.Is(err, frame.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, err := r.Ingest(schema.DomainExecution, tradeMsg(t, 1)); !errors.Is(err, protocol.ErrRelayDomainMismatch) {
		t.Fatalf("expected domain mismatch, got %v", err)
	}
	if _, err := r.Ingest(schema.DomainSignal, orderMsg(t, 2)); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected unknown domain, got %v", err)
	}
	s := r.Stats().Lanes[0]
	if s.Published != 0 || s.Rejected != 2 || s.ChecksumFailures != 1 || s.IntegrityFailures != 2 || s.NextSequence != 1 {
		t.Fatalf("unexpected lane stats: %+v", s)
	}
	if r.lanes[schema.DomainExecution].hub.Published() != 0 {
		t.Fatalf("rejected message reached the hub")
	}
}

func TestUnverifiedCorruptionStillFailsDownstream(t *testing.T) {
	testlog.Start(t)
	dc := laneConfig(schema.DomainMarketData, 16, 10)
	dc.Policy.VerifyChecksum = false
	r, _ := newTestRelay(t, dc)
	sub, _ := r.lanes[schema.DomainMarketData].attach("tap")

	bad := tradeMsg(t, 1)
	bad[len(bad)-1] ^= 0x01
	if _, err := protocol.DecodeMessage(schema.Standard(), bad); !errors.Is(err, frame.ErrChecksumMismatch) {
		t.Fatalf("expected corrupted input to fail decode, got %v", err)
	}
	if _, err := r.Ingest(schema.DomainMarketData, bad); err != nil {
		t.Fatalf("expected unverified lane to accept, got %v", err)
	}
	if _, err := r.Ingest(schema.DomainMarketData, tradeMsg(t, 2)); err != nil {
		t.Fatalf("ingest clean message: %v", err)
	}

	raw, ok, err := sub.TryRecv()
	if !ok || err != nil {
		t.Fatalf("expected corrupted message, got ok=%v err=%v", ok, err)
	}
	if frame.Sequence(raw) != 1 {
		t.Fatalf("expected sequence 1, got %d", frame.Sequence(raw))
	}
	if _, err := protocol.DecodeMessage(schema.Standard(), raw); !errors.Is(err, frame.ErrChecksumMismatch) {
		t.Fatalf("expected consumer decode to reject corruption, got %v", err)
	}
	raw, ok, err = sub.TryRecv()
	if !ok || err != nil {
		t.Fatalf("expected clean message, got ok=%v err=%v", ok, err)
	}
	if m, err := protocol.DecodeMessage(schema.Standard(), raw); err != nil || m.Header.Sequence != 2 {
		t.Fatalf("expected clean sequence 2, got %+v err=%v", m.Header, err)
	}
}

func TestLaggingConsumerGetsLagNoticeThenRecovery(t *testing.T) {
	testlog.Start(t)
	handler := &recordingHandler{}
	var atGap consumer.State
	var l *lane
	r, err := New(Config{
		Domains:  []DomainConfig{laneConfig(schema.DomainMarketData, 4, 2)},
		Recovery: RecoveryHandlerFunc(func(ctx context.Context, req consumer.RecoveryRequest) {
			atGap, _ = l.consumers.Get(req.ConsumerID)
			handler.HandleRecovery(ctx, req)
		}),
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	l = r.lanes[schema.DomainMarketData]
	sub, _ := l.attach("strategy")
	for i := uint64(1); i <= 10; i++ {
		if _, err := l.ingest(tradeMsg(t, i)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	l.hub.Close()

	conn := newGateConn(true)
	r.deliver(context.Background(), l, conn, sub, "strategy")
	msgs := decodeStream(t, conn.Bytes())
	if len(msgs) != 6 {
		t.Fatalf("expected lag notice, recovery request and 4 messages, got %d frames", len(msgs))
	}

	lag, err := session.DecodeControl(msgs[0])
	if err != nil || lag.Kind != schema.TypeLagNotice {
		t.Fatalf("expected lag notice first, got %+v err=%v", lag, err)
	}
	if lag.Lag.Dropped != 6 || lag.Lag.ResumeSequence != 7 {
		t.Fatalf("expected dropped=6 resume=7, got %+v", lag.Lag)
	}
	rec, err := session.DecodeControl(msgs[1])
	if err != nil || rec.Kind != schema.TypeRecoveryRequest {
		t.Fatalf("expected recovery request second, got %+v err=%v", rec, err)
	}
	want := protocol.RecoveryNotice{Start: 1, End: 6, Kind: protocol.RecoveryKindSnapshot, ConsumerID: "strategy"}
	if rec.Recovery != want {
		t.Fatalf("expected %+v, got %+v", want, rec.Recovery)
	}
	for i, m := range msgs[2:] {
		if session.IsControl(m.Header) || m.Header.Sequence != uint64(7+i) {
			t.Fatalf("expected data sequence %d, got %+v", 7+i, m.Header)
		}
	}

	reqs := handler.requests()
	if len(reqs) != 1 || reqs[0].Start != 1 || reqs[0].End != 6 || reqs[0].Kind != consumer.Snapshot {
		t.Fatalf("unexpected handler requests: %+v", reqs)
	}
	if atGap.Recovery.Phase != consumer.PhaseRecoveryRequested || atGap.ExpectedNext != 8 {
		t.Fatalf("expected recovery requested after the gap message, got %+v", atGap)
	}
	// 8, 9 and 10 arrive in order, which returns the consumer to normal.
	st, _ := l.consumers.Get("strategy")
	if st.GapCount != 1 || st.ExpectedNext != 11 || st.Recovery.Phase != consumer.PhaseNormal {
		t.Fatalf("unexpected consumer state: %+v", st)
	}
	if s := l.stats(); s.LagEvents != 1 || s.DroppedDeliveries != 6 || s.RecoveryRequests != 1 {
		t.Fatalf("unexpected lane stats: %+v", s)
	}
}

func TestThresholdScenarioThroughDelivery(t *testing.T) {
	testlog.Start(t)
	r, handler := newTestRelay(t, laneConfig(schema.DomainSignal, 16, 10))
	l := r.lanes[schema.DomainSignal]
	sub, _ := l.attach("strategy")
	signal := func(id uint64) []byte {
		return buildMsg(t, schema.DomainSignal, protocol.SignalIdentity{SignalID: id, StrategyID: 3, Confidence: 90, Version: 1})
	}
	for i := uint64(1); i <= 3; i++ {
		l.ingest(signal(i))
	}

	conn := newGateConn(false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.deliver(context.Background(), l, conn, sub, "strategy")
	}()
	select {
	case <-conn.first:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery never flushed the first batch")
	}
	// Delivery is parked on the write of 1..3; sequences 4..35 overrun the
	// 16 slot ring so the next visible message is 20.
	for i := uint64(4); i <= 35; i++ {
		l.ingest(signal(i))
	}
	l.hub.Close()
	close(conn.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery did not finish")
	}

	msgs := decodeStream(t, conn.Bytes())
	var data []uint64
	var notice protocol.RecoveryNotice
	for _, m := range msgs {
		if !session.IsControl(m.Header) {
			data = append(data, m.Header.Sequence)
			continue
		}
		c, err := session.DecodeControl(m)
		if err != nil {
			t.Fatalf("decode control: %v", err)
		}
		if c.Kind == schema.TypeRecoveryRequest {
			notice = c.Recovery
		}
	}
	if len(data) != 19 || data[0] != 1 || data[2] != 3 || data[3] != 20 || data[18] != 35 {
		t.Fatalf("unexpected delivered sequences: %v", data)
	}
	if notice.Start != 4 || notice.End != 19 || notice.Kind != protocol.RecoveryKindSnapshot {
		t.Fatalf("expected {4,19,snapshot}, got %+v", notice)
	}
	st, _ := l.consumers.Get("strategy")
	if st.GapCount != 1 {
		t.Fatalf("expected gap_count=1, got %+v", st)
	}
	if reqs := handler.requests(); len(reqs) != 1 || reqs[0].Missing() != 16 {
		t.Fatalf("unexpected handler requests: %+v", reqs)
	}
}

type testPeer struct {
	conn net.Conn
	ack  session.HelloAck
	fr   *frame.Reader
}

func dialLane(t *testing.T, r *Relay, lane schema.Domain, hello session.Hello) testPeer {
	t.Helper()
	addr := r.Addr(lane)
	if addr == nil {
		t.Fatalf("lane %s is not listening", lane)
	}
	conn, err := net.DialTimeout(addr.Network(), addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", lane, err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := session.WriteHello(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	br := bufio.NewReader(conn)
	ack, err := session.ReadHelloAck(br)
	if err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	return testPeer{conn: conn, ack: ack, fr: frame.NewReader(br, frame.DefaultLimits())}
}

// nextData returns the next non-control message.
func (p testPeer) nextData(t *testing.T) protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		raw, err := p.fr.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		m, err := protocol.DecodeMessage(schema.Standard(), raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !session.IsControl(m.Header) {
			return m
		}
	}
}

func TestRelayIsolatesDomains(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	md := laneConfig(schema.DomainMarketData, 64, 10)
	md.Address = filepath.Join(dir, "md.sock")
	ex := laneConfig(schema.DomainExecution, 64, 10)
	ex.Address = filepath.Join(dir, "ex.sock")
	r, _ := newTestRelay(t, md, ex)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		r.Wait()
	}()
	if !r.Ready() {
		t.Fatalf("expected relay ready after start")
	}

	mdTap := dialLane(t, r, schema.DomainMarketData, session.Hello{ClientID: "md-tap", Role: session.RoleConsumer, Domain: schema.DomainMarketData})
	exTap := dialLane(t, r, schema.DomainExecution, session.Hello{ClientID: "ex-tap", Role: session.RoleConsumer, Domain: schema.DomainExecution})
	if !mdTap.ack.Accepted() || mdTap.ack.NextSequence != 1 || mdTap.ack.ConnectionID == "" {
		t.Fatalf("unexpected market ack: %+v", mdTap.ack)
	}
	mdProd := dialLane(t, r, schema.DomainMarketData, session.Hello{Role: session.RoleProducer, Domain: schema.DomainMarketData})
	exProd := dialLane(t, r, schema.DomainExecution, session.Hello{Role: session.RoleProducer, Domain: schema.DomainExecution})
	if mdProd.ack.ClientID == "" {
		t.Fatalf("anonymous producer was not assigned an id")
	}

	for _, msg := range [][]byte{tradeMsg(t, 1), orderMsg(t, 99), tradeMsg(t, 2), tradeMsg(t, 3)} {
		if err := frame.WriteMessage(mdProd.conn, msg); err != nil {
			t.Fatalf("write market: %v", err)
		}
	}
	if err := frame.WriteMessage(exProd.conn, orderMsg(t, 7)); err != nil {
		t.Fatalf("write execution: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		m := mdTap.nextData(t)
		rec, ok := m.First(schema.TypeTrade)
		if m.Header.Sequence != i || m.Header.Domain != schema.DomainMarketData || !ok {
			t.Fatalf("market %d: unexpected message %+v", i, m.Header)
		}
		trade, err := protocol.DecodeRecord(rec)
		if err != nil || trade.(protocol.Trade).InstrumentID != i {
			t.Fatalf("market %d: unexpected trade %+v err=%v", i, trade, err)
		}
	}
	m := exTap.nextData(t)
	if m.Header.Sequence != 1 || m.Header.Domain != schema.DomainExecution {
		t.Fatalf("unexpected execution message %+v", m.Header)
	}
	if _, ok := m.First(schema.TypeOrderRequest); !ok {
		t.Fatalf("execution message lost its order record")
	}

	stats, ok := r.LaneStats("market_data")
	if !ok || stats.Rejected != 1 || stats.SemanticErrors != 1 || stats.Published != 3 {
		t.Fatalf("unexpected market stats: %+v", stats)
	}
	states, err := r.Consumers(schema.DomainMarketData)
	if err != nil || len(states) != 1 || states[0].ID != "md-tap" || states[0].ExpectedNext != 4 {
		t.Fatalf("unexpected market consumers: %+v err=%v", states, err)
	}
}

func TestHandshakeRejectsWrongDomain(t *testing.T) {
	testlog.Start(t)
	md := laneConfig(schema.DomainMarketData, 8, 10)
	md.Address = filepath.Join(t.TempDir(), "md.sock")
	r, _ := newTestRelay(t, md)
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		r.Wait()
	}()

	p := dialLane(t, r, schema.DomainMarketData, session.Hello{Role: session.RoleConsumer, Domain: schema.DomainSignal})
	if p.ack.Accepted() || p.ack.Code != session.AckCodeDomainMismatch {
		t.Fatalf("expected domain mismatch rejection, got %+v", p.ack)
	}
	if _, err := p.fr.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close after rejection")
	}
}

func TestServeConnOverPipe(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRelay(t, laneConfig(schema.DomainExecution, 8, 10))
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.ServeConn(ctx, schema.DomainExecution, server) }()

	if err := session.WriteHello(client, session.Hello{ClientID: "both", Role: session.RoleBoth, Domain: schema.DomainExecution}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	br := bufio.NewReader(client)
	ack, err := session.ReadHelloAck(br)
	if err != nil || !ack.Accepted() {
		t.Fatalf("expected accepted ack, got %+v err=%v", ack, err)
	}
	go frame.WriteMessage(client, orderMsg(t, 5))
	p := testPeer{conn: client, ack: ack, fr: frame.NewReader(br, frame.DefaultLimits())}
	m := p.nextData(t)
	if m.Header.Sequence != 1 {
		t.Fatalf("expected own message echoed with sequence 1, got %d", m.Header.Sequence)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve conn: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve conn did not return after client close")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]DomainConfig{
		"empty":          nil,
		"duplicate":      {laneConfig(schema.DomainSignal, 8, 1), laneConfig(schema.DomainSignal, 8, 1)},
		"bad network":    {{Domain: schema.DomainSignal, Network: "udp", Address: "x"}},
		"missing addr":   {{Domain: schema.DomainSignal, Network: "unix"}},
		"unknown domain": {{Domain: 42, Network: "unix", Address: "x"}},
		"shared address": {
			{Domain: schema.DomainSignal, Network: "unix", Address: "same"},
			{Domain: schema.DomainExecution, Network: "unix", Address: "same"},
		},
	}
	for name, domains := range cases {
		if _, err := New(Config{Domains: domains}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected invalid config, got %v", name, err)
		}
	}
}

func TestPrepareSocketPathLeavesRegularFiles(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nested", "relay.sock")
	if err := prepareSocketPath(path); err != nil {
		t.Fatalf("prepare fresh path: %v", err)
	}
	if err := os.WriteFile(path, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := prepareSocketPath(path); err == nil {
		t.Fatalf("expected refusal to replace a regular file")
	}
	if b, err := os.ReadFile(path); err != nil || string(b) != "keep" {
		t.Fatalf("regular file was modified: %q err=%v", b, err)
	}
}

func TestRecoveryCompletionThroughRelay(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRelay(t, laneConfig(schema.DomainExecution, 8, 10))
	l := r.lanes[schema.DomainExecution]
	l.attach("risk")
	l.consumers.Observe("risk", 1)
	l.consumers.Observe("risk", 5)
	if err := r.BeginSnapshot(schema.DomainExecution, "risk", 5); err != nil {
		t.Fatalf("begin snapshot: %v", err)
	}
	if err := r.MarkRecoveryCompleted(schema.DomainExecution, "risk", 5); err != nil {
		t.Fatalf("complete: %v", err)
	}
	states, _ := r.Consumers(schema.DomainExecution)
	if len(states) != 1 || states[0].Recovery.Phase != consumer.PhaseNormal || states[0].ExpectedNext != 6 {
		t.Fatalf("unexpected state: %+v", states)
	}
	if err := r.MarkRecoveryCompleted(schema.DomainMarketData, "risk", 5); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected unknown domain, got %v", err)
	}
}

func TestProducerTokenRequired(t *testing.T) {
	testlog.Start(t)
	r, err := New(Config{
		Domains:   []DomainConfig{laneConfig(schema.DomainExecution, 8, 10)},
		Producers: auth.Tokens{schema.DomainExecution: "exec-secret"},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handshake := func(hello session.Hello) session.HelloAck {
		t.Helper()
		server, client := net.Pipe()
		defer client.Close()
		go r.ServeConn(ctx, schema.DomainExecution, server)
		if err := session.WriteHello(client, hello); err != nil {
			t.Fatalf("write hello: %v", err)
		}
		ack, err := session.ReadHelloAck(bufio.NewReader(client))
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		return ack
	}

	ack := handshake(session.Hello{Role: session.RoleProducer, Domain: schema.DomainExecution, Token: "wrong"})
	if ack.Accepted() || ack.Code != session.AckCodeUnauthorized {
		t.Fatalf("expected unauthorized rejection, got %+v", ack)
	}
	ack = handshake(session.Hello{Role: session.RoleProducer, Domain: schema.DomainExecution, Token: "exec-secret"})
	if !ack.Accepted() {
		t.Fatalf("expected producer with token accepted, got %+v", ack)
	}
	ack = handshake(session.Hello{Role: session.RoleConsumer, Domain: schema.DomainExecution})
	if !ack.Accepted() {
		t.Fatalf("expected consumer accepted without token, got %+v", ack)
	}
}
