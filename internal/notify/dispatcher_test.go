package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/domain"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (f *fakeSink) Send(sig *domain.TradingSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	f.sent = append(f.sent, sig.ID)
	return nil
}

func (f *fakeSink) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeMarker struct {
	mu     sync.Mutex
	marked []string
}

func (f *fakeMarker) MarkDeliveryFailed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func newTestSignal(id string) *domain.TradingSignal {
	return &domain.TradingSignal{
		ID:        id,
		Symbol:    "BTCUSDT",
		Type:      domain.SignalStopHunt,
		Direction: domain.DirectionLong,
		Priority:  domain.PriorityWatch,
		Entry:     decimal.NewFromInt(100),
	}
}

func TestDispatcherDeliversQueuedSignal(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, zerolog.Nop())
	d.Start(context.Background())

	d.Enqueue(newTestSignal("sig-1"))
	d.Drain(2 * time.Second)

	got := sink.sentIDs()
	if len(got) != 1 || got[0] != "sig-1" {
		t.Fatalf("expected [sig-1] delivered, got %v", got)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	d := NewDispatcher(sink, zerolog.Nop())
	d.Start(context.Background())

	d.Enqueue(newTestSignal("sig-retry"))
	d.Drain(10 * time.Second)

	got := sink.sentIDs()
	if len(got) != 1 || got[0] != "sig-retry" {
		t.Fatalf("expected delivery on third attempt, got %v", got)
	}
}

func TestDispatcherMarksFailureAfterExhaustion(t *testing.T) {
	sink := &fakeSink{failures: 100}
	marker := &fakeMarker{}
	var failures atomic.Int64

	d := NewDispatcher(sink, zerolog.Nop())
	d.Failures = marker
	d.Attempts = 2
	d.Budget = 5 * time.Second
	d.OnFailure = func() { failures.Add(1) }
	d.Start(context.Background())

	d.Enqueue(newTestSignal("sig-doomed"))
	d.Drain(10 * time.Second)

	marker.mu.Lock()
	marked := len(marker.marked)
	marker.mu.Unlock()
	if marked != 1 {
		t.Fatalf("expected 1 signal marked delivery-failed, got %d", marked)
	}
	if failures.Load() != 1 {
		t.Fatalf("expected failure hook fired once, got %d", failures.Load())
	}
}

func TestDispatcherFullQueueDropsWithoutBlocking(t *testing.T) {
	d := NewDispatcher(&fakeSink{}, zerolog.Nop())
	d.queue = make(chan *domain.TradingSignal, 1)

	done := make(chan struct{})
	go func() {
		d.Enqueue(newTestSignal("a"))
		d.Enqueue(newTestSignal("b")) // queue full, no workers draining
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
