package consumer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(threshold uint64) (*Registry, *fakeClock) {
	clock := newFakeClock()
	return NewRegistry(schema.DomainExecution, Policy{RecoveryThreshold: threshold}, WithClock(clock.Now)), clock
}

func TestSnapshotScenarioThresholdTen(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	reg.SetGlobalSequence(1)
	reg.Register("strategy")

	for seq := uint64(1); seq <= 3; seq++ {
		if req, ok := reg.Observe("strategy", seq); ok {
			t.Fatalf("seq %d: unexpected recovery request %+v", seq, req)
		}
	}
	st, _ := reg.Get("strategy")
	if st.GapCount != 0 || st.ExpectedNext != 4 {
		t.Fatalf("expected clean state at 4, got %+v", st)
	}

	req, ok := reg.Observe("strategy", 20)
	if !ok {
		t.Fatalf("expected recovery request for seq 20")
	}
	if req.Start != 4 || req.End != 19 || req.Kind != Snapshot {
		t.Fatalf("expected {4,19,snapshot}, got %+v", req)
	}
	if req.ConsumerID != "strategy" || req.Domain != schema.DomainExecution || req.Missing() != 16 {
		t.Fatalf("unexpected request metadata: %+v", req)
	}
	st, _ = reg.Get("strategy")
	if st.GapCount != 1 || st.RecoveryRequests != 1 {
		t.Fatalf("expected gap_count=1 recovery_requests=1, got %+v", st)
	}
	if st.Recovery.Phase != PhaseRecoveryRequested || st.Recovery.From != 4 || st.Recovery.To != 19 {
		t.Fatalf("unexpected recovery state: %+v", st.Recovery)
	}
	if st.ExpectedNext != 21 {
		t.Fatalf("expected live stream to resume at 21, got %d", st.ExpectedNext)
	}
}

func TestGapThresholdBoundary(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		seq  uint64
		want RecoveryKind
	}{
		{"single missing", 6, Retransmit},
		{"gap equals threshold", 15, Retransmit},
		{"gap above threshold", 16, Snapshot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, _ := newTestRegistry(10)
			reg.SetGlobalSequence(5)
			reg.Register("c")
			req, ok := reg.Observe("c", tc.seq)
			if !ok {
				t.Fatalf("expected request for seq %d", tc.seq)
			}
			if req.Start != 5 || req.End != tc.seq-1 || req.Kind != tc.want {
				t.Fatalf("expected {5,%d,%s}, got %+v", tc.seq-1, tc.want, req)
			}
		})
	}
}

func TestInOrderClearsRecovery(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(100)
	reg.Register("c")
	reg.Observe("c", 0)
	if _, ok := reg.Observe("c", 3); !ok {
		t.Fatalf("expected gap")
	}
	reg.Observe("c", 4)
	st, _ := reg.Get("c")
	if st.Recovery.Phase != PhaseNormal || st.LastSequence != 4 || st.ExpectedNext != 5 {
		t.Fatalf("expected normal at 5, got %+v", st)
	}
}

func TestStaleDuplicateIsCountedNotRequested(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	reg.SetGlobalSequence(10)
	reg.Register("c")
	reg.Observe("c", 10)
	if req, ok := reg.Observe("c", 7); ok {
		t.Fatalf("unexpected request for stale seq: %+v", req)
	}
	st, _ := reg.Get("c")
	if st.StaleMessages != 1 || st.ExpectedNext != 11 || st.GapCount != 0 {
		t.Fatalf("unexpected state after stale seq: %+v", st)
	}
}

func TestUnknownConsumerAutoRegisters(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	reg.SetGlobalSequence(100)
	if _, ok := reg.Observe("late", 57); ok {
		t.Fatalf("auto registration must not report a gap")
	}
	st, ok := reg.Get("late")
	if !ok || st.LastSequence != 57 || st.ExpectedNext != 58 || st.TotalMessages != 1 {
		t.Fatalf("unexpected auto-registered state: %+v", st)
	}
}

func TestReRegisterResetsToGlobal(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	reg.SetGlobalSequence(1)
	reg.Register("c")
	reg.Observe("c", 1)
	reg.Observe("c", 9)
	reg.SetGlobalSequence(50)
	st := reg.Register("c")
	if st.ExpectedNext != 50 || st.GapCount != 0 || st.Recovery.Phase != PhaseNormal {
		t.Fatalf("expected reset state at 50, got %+v", st)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected single consumer, got %d", reg.Len())
	}
}

func TestMarkRecoveryCompletedIdempotent(t *testing.T) {
	testlog.Start(t)
	reg, clock := newTestRegistry(10)
	reg.SetGlobalSequence(1)
	reg.Register("c")
	reg.Observe("c", 1)
	reg.Observe("c", 40)
	clock.Advance(time.Second)

	if err := reg.MarkRecoveryCompleted("c", 39); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	once, _ := reg.Get("c")
	clock.Advance(time.Second)
	if err := reg.MarkRecoveryCompleted("c", 39); err != nil {
		t.Fatalf("mark completed again: %v", err)
	}
	twice, _ := reg.Get("c")
	if once != twice {
		t.Fatalf("expected identical state, got %+v then %+v", once, twice)
	}
	if twice.LastSequence != 39 || twice.ExpectedNext != 40 || twice.Recovery.Phase != PhaseNormal {
		t.Fatalf("unexpected completed state: %+v", twice)
	}
	if err := reg.MarkRecoveryCompleted("nobody", 1); !errors.Is(err, ErrUnknownConsumer) {
		t.Fatalf("expected unknown consumer, got %v", err)
	}
}

func TestBeginSnapshotLifecycle(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(0)
	reg.Register("c")
	reg.Observe("c", 0)
	req, ok := reg.Observe("c", 2)
	if !ok || req.Kind != Snapshot {
		t.Fatalf("expected snapshot with zero threshold, got %+v ok=%v", req, ok)
	}
	if err := reg.BeginSnapshot("c", 2); err != nil {
		t.Fatalf("begin snapshot: %v", err)
	}
	st, _ := reg.Get("c")
	if st.Recovery.Phase != PhaseSnapshotPending || st.Recovery.SnapshotSequence != 2 {
		t.Fatalf("unexpected snapshot state: %+v", st.Recovery)
	}
	if s := reg.Stats(); s.SnapshotPending != 1 || s.Normal != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if err := reg.MarkRecoveryCompleted("c", 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s := reg.Stats(); s.SnapshotPending != 0 || s.Normal != 1 || s.GapCount != 1 {
		t.Fatalf("unexpected stats after completion: %+v", s)
	}
	if err := reg.BeginSnapshot("nobody", 1); !errors.Is(err, ErrUnknownConsumer) {
		t.Fatalf("expected unknown consumer, got %v", err)
	}
}

func TestCleanupInactive(t *testing.T) {
	testlog.Start(t)
	reg, clock := newTestRegistry(10)
	reg.Register("idle")
	reg.Register("busy")
	clock.Advance(2 * time.Minute)
	reg.Observe("busy", 0)
	clock.Advance(2 * time.Minute)

	if n := reg.CleanupInactive(3 * time.Minute); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := reg.Get("idle"); ok {
		t.Fatalf("idle consumer should be evicted")
	}
	if _, ok := reg.Get("busy"); !ok {
		t.Fatalf("busy consumer should remain")
	}
	if s := reg.Stats(); s.Evicted != 1 || s.Consumers != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if !reg.Remove("busy") || reg.Remove("busy") {
		t.Fatalf("expected remove to succeed exactly once")
	}
}

func TestSnapshotOrdersByID(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	for _, id := range []string{"c", "a", "b"} {
		reg.Register(id)
	}
	got := reg.Snapshot()
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("unexpected snapshot order: %+v", got)
	}
}

func TestConcurrentObserve(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(10)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		id := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(0); seq < 1000; seq++ {
				reg.Observe(id, seq)
			}
		}()
	}
	wg.Wait()
	s := reg.Stats()
	if s.Consumers != 8 || s.TotalMessages != 8000 || s.GapCount != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRequestNoticeRoundTrip(t *testing.T) {
	testlog.Start(t)
	req := RecoveryRequest{ConsumerID: "c", Domain: schema.DomainSignal, Start: 4, End: 19, Kind: Snapshot}
	if got := RequestFromNotice(schema.DomainSignal, req.Notice()); got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}
}
