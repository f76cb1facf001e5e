// relaybench publishes a burst of messages through one relay domain and
// reports end-to-end delivery latency as seen by a consumer on the same
// domain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/danmuck/tlvrelay/internal/client"
	"github.com/danmuck/tlvrelay/internal/config"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type options struct {
	domain  string
	network string
	addr    string
	count   int
	rate    int
	inproc  bool
	token   string
	timeout time.Duration
}

type result struct {
	sent     int
	received int
	gaps     uint64
	dropped  uint64
	elapsed  time.Duration
	hist     *hdrhistogram.Histogram
}

func main() {
	var opts options
	flag.StringVar(&opts.domain, "domain", "market_data", "domain to benchmark")
	flag.StringVar(&opts.network, "network", "unix", "transport: unix|tcp")
	flag.StringVar(&opts.addr, "addr", "", "relay address (defaults to the domain socket under the default socket dir)")
	flag.IntVar(&opts.count, "n", 100000, "messages to publish")
	flag.IntVar(&opts.rate, "rate", 0, "messages per second (0 = unthrottled)")
	flag.BoolVar(&opts.inproc, "inproc", false, "start a private relay in a temp dir instead of dialing one")
	flag.StringVar(&opts.token, "token", "", "producer token for relays that authenticate producers")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up waiting for deliveries after this long")
	flag.Parse()

	log.Logger = observability.InitLogger("relaybench")
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "relaybench: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	domain, err := schema.ParseDomain(opts.domain)
	if err != nil {
		return err
	}
	if opts.count <= 0 {
		return errors.New("n must be positive")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	network, addr := opts.network, opts.addr
	if opts.inproc {
		dir, err := os.MkdirTemp("", "relaybench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dc := relay.DefaultDomainConfig(domain, dir)
		// Size the ring to the run so the report measures latency, not lag.
		dc.Buffer = opts.count
		r, err := relay.New(relay.Config{Domains: []relay.DomainConfig{dc}})
		if err != nil {
			return err
		}
		relayCtx, cancel := context.WithCancel(ctx)
		defer func() {
			cancel()
			r.Wait()
		}()
		if err := r.Start(relayCtx); err != nil {
			return err
		}
		network, addr = "unix", filepath.Join(dir, domain.String()+".sock")
	} else if addr == "" {
		addr = relay.DefaultDomainConfig(domain, config.DefaultSocketDir).Address
	}

	res, err := bench(ctx, opts, domain, network, addr)
	if err != nil {
		return err
	}
	report(domain, res)
	return nil
}

func bench(ctx context.Context, opts options, domain schema.Domain, network, addr string) (result, error) {
	runID := uuid.NewString()
	sub := client.DefaultConfig(domain, addr)
	sub.Network = network
	sub.ClientID = "bench-" + runID + "-consumer"
	sub.Source = schema.SourceBench
	sub.MaxConnectAttempts = 5
	consumerConn, err := client.Dial(ctx, sub)
	if err != nil {
		return result{}, fmt.Errorf("dial consumer: %w", err)
	}
	defer consumerConn.Close()

	pub := sub
	pub.ClientID = "bench-" + runID + "-producer"
	pub.Role = session.RoleProducer
	pub.Token = opts.token
	producerConn, err := client.Dial(ctx, pub)
	if err != nil {
		return result{}, fmt.Errorf("dial producer: %w", err)
	}
	defer producerConn.Close()

	log.Info().
		Str("run_id", runID).
		Str("domain", domain.String()).
		Str("addr", addr).
		Int("n", opts.count).
		Int("rate", opts.rate).
		Msg("relaybench starting")

	res := result{hist: hdrhistogram.New(1, int64(time.Minute), 3)}
	sendErr := make(chan error, 1)
	start := time.Now()
	go func() {
		sendErr <- produce(ctx, producerConn, domain, opts, &res)
	}()

	recvCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	for m, err := range consumerConn.Messages(recvCtx) {
		if err != nil {
			if recvCtx.Err() != nil {
				break
			}
			log.Warn().Err(err).Msg("relaybench frame error")
			continue
		}
		lat := time.Now().UnixNano() - int64(m.Header.TimestampNS)
		if lat < 1 {
			lat = 1
		}
		if lat > res.hist.HighestTrackableValue() {
			lat = res.hist.HighestTrackableValue()
		}
		_ = res.hist.RecordValue(lat)
		res.received++
		if res.received >= opts.count {
			break
		}
	}
	res.elapsed = time.Since(start)
	if err := <-sendErr; err != nil {
		return res, fmt.Errorf("publish: %w", err)
	}
	st := consumerConn.State()
	res.gaps = st.GapCount
	res.dropped = consumerConn.Dropped()
	return res, nil
}

func produce(ctx context.Context, conn *client.Conn, domain schema.Domain, opts options, res *result) error {
	var tick <-chan time.Time
	if opts.rate > 0 {
		t := time.NewTicker(time.Second / time.Duration(opts.rate))
		defer t.Stop()
		tick = t.C
	}
	for i := range opts.count {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.Publish(sampleRecord(domain, uint64(i))); err != nil {
			return err
		}
		res.sent++
	}
	return nil
}

func sampleRecord(domain schema.Domain, i uint64) protocol.Record {
	now := uint64(time.Now().UnixNano())
	switch domain {
	case schema.DomainSignal:
		return protocol.SignalIdentity{SignalID: i, StrategyID: 1, Confidence: 90, Version: 1, ExpiresInMS: 1000}
	case schema.DomainExecution:
		return protocol.OrderRequest{
			OrderID:      i,
			InstrumentID: 1,
			Price:        100 * protocol.PriceScale,
			Quantity:     protocol.PriceScale,
			Side:         protocol.SideBuy,
		}
	default:
		return protocol.Quote{
			InstrumentID: 1,
			BidPrice:     int64(100*protocol.PriceScale - i%100),
			BidSize:      protocol.PriceScale,
			AskPrice:     int64(100*protocol.PriceScale + i%100),
			AskSize:      protocol.PriceScale,
			TimestampNS:  now,
		}
	}
}

func report(domain schema.Domain, res result) {
	rate := 0.0
	if res.elapsed > 0 {
		rate = float64(res.received) / res.elapsed.Seconds()
	}
	log.Info().
		Str("domain", domain.String()).
		Int("sent", res.sent).
		Int("received", res.received).
		Uint64("gaps", res.gaps).
		Uint64("dropped", res.dropped).
		Dur("elapsed", res.elapsed).
		Float64("msgs_per_sec", rate).
		Dur("p50", time.Duration(res.hist.ValueAtQuantile(50))).
		Dur("p99", time.Duration(res.hist.ValueAtQuantile(99))).
		Dur("p999", time.Duration(res.hist.ValueAtQuantile(99.9))).
		Dur("max", time.Duration(res.hist.Max())).
		Dur("mean", time.Duration(res.hist.Mean())).
		Msg("relaybench result")
}
