package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func msg(i int) []byte { return []byte(fmt.Sprintf("m%03d", i)) }

func TestNewHubRoundsCapacity(t *testing.T) {
	testlog.Start(t)
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 1000: 1024, 4096: 4096}
	for in, want := range cases {
		if got := NewHub(in).Cap(); got != want {
			t.Fatalf("capacity %d: expected %d, got %d", in, want, got)
		}
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	testlog.Start(t)
	h := NewHub(8)
	early := h.Subscribe()
	if _, err := h.Publish(msg(0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	late := h.Subscribe()
	for i := 1; i < 4; i++ {
		h.Publish(msg(i))
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		got, err := early.Recv(ctx)
		if err != nil || string(got) != string(msg(i)) {
			t.Fatalf("early %d: expected %s, got %q err=%v", i, msg(i), got, err)
		}
	}
	for i := 1; i < 4; i++ {
		got, err := late.Recv(ctx)
		if err != nil || string(got) != string(msg(i)) {
			t.Fatalf("late %d: expected %s, got %q err=%v", i, msg(i), got, err)
		}
	}
	if _, ok, err := late.TryRecv(); ok || err != nil {
		t.Fatalf("expected empty TryRecv, got ok=%v err=%v", ok, err)
	}
}

func TestLaggingSubscriberGetsDropCount(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	sub := h.Subscribe()
	for i := 0; i < 10; i++ {
		h.Publish(msg(i))
	}
	if sub.Pending() != 10 {
		t.Fatalf("expected 10 pending, got %d", sub.Pending())
	}
	_, err := sub.Recv(context.Background())
	var lagged *LaggedError
	if !errors.As(err, &lagged) || lagged.Dropped != 6 {
		t.Fatalf("expected lag of 6, got %v", err)
	}
	if sub.Cursor() != 6 {
		t.Fatalf("expected cursor at oldest retained 6, got %d", sub.Cursor())
	}
	for i := 6; i < 10; i++ {
		got, err := sub.Recv(context.Background())
		if err != nil || string(got) != string(msg(i)) {
			t.Fatalf("after lag %d: expected %s, got %q err=%v", i, msg(i), got, err)
		}
	}
}

func TestPublisherNeverBlocksOnSlowSubscriber(t *testing.T) {
	testlog.Start(t)
	h := NewHub(2)
	sub := h.Subscribe()
	defer sub.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			h.Publish(msg(i % 1000))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher blocked by idle subscriber")
	}
	if h.Published() != 10000 {
		t.Fatalf("expected 10000 published, got %d", h.Published())
	}
}

func TestRecvWakesOnPublish(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	sub := h.Subscribe()
	got := make(chan []byte, 1)
	go func() {
		m, err := sub.Recv(context.Background())
		if err == nil {
			got <- m
		}
	}()
	time.Sleep(10 * time.Millisecond)
	h.Publish(msg(7))
	select {
	case m := <-got:
		if string(m) != string(msg(7)) {
			t.Fatalf("expected %s, got %q", msg(7), m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber was not woken")
	}
}

func TestRecvHonorsContext(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	sub := h.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	sub := h.Subscribe()
	h.Publish(msg(1))
	h.Close()
	if _, err := h.Publish(msg(2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
	if got, err := sub.Recv(context.Background()); err != nil || string(got) != string(msg(1)) {
		t.Fatalf("expected retained message, got %q err=%v", got, err)
	}
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestSubscriberCount(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	a := h.Subscribe()
	b := h.Subscribe()
	if h.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.Subscribers())
	}
	a.Close()
	a.Close()
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Subscribers())
	}
	if _, err := a.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed subscriber, got %v", err)
	}
	b.Close()
}

func TestConcurrentSubscribersSeeEverySequence(t *testing.T) {
	testlog.Start(t)
	const total = 2000
	h := NewHub(total)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		sub := h.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			for i := 0; i < total; i++ {
				m, err := sub.Recv(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if string(m) != string(msg(i%1000)) {
					errs <- fmt.Errorf("position %d: got %q", i, m)
					return
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		h.Publish(msg(i % 1000))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("subscriber: %v", err)
	}
}

func TestWaitSignalsPendingData(t *testing.T) {
	testlog.Start(t)
	h := NewHub(4)
	sub := h.Subscribe()
	select {
	case <-sub.Wait():
		t.Fatalf("wait should block with nothing published")
	default:
	}
	wait := sub.Wait()
	h.Publish(msg(1))
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatalf("wait channel not closed by publish")
	}
	select {
	case <-sub.Wait():
	default:
		t.Fatalf("wait should be ready while data is pending")
	}
}
