package notify

import (
	"context"
	"sync"
	"time"

	"sentinel/internal/domain"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	defaultWorkers       = 2
	defaultQueueSize     = 128
	defaultDeliveryBudget = 30 * time.Second
	defaultAttempts      = 3
)

// Deliverer is one messaging transport attempt; implemented by
// TelegramSink.Send.
type Deliverer interface {
	Send(sig *domain.TradingSignal) error
}

// FailureMarker records signals whose delivery exhausted its retries;
// implemented by the store.
type FailureMarker interface {
	MarkDeliveryFailed(ctx context.Context, signalID string) error
}

// Dispatcher drains the delivery queue with a bounded worker pool. Each
// signal gets a total delivery budget and bounded retries with exponential
// backoff; exhaustion marks the signal delivery-failed but leaves it
// persisted.
type Dispatcher struct {
	Sink     Deliverer
	Push     *PushSink
	Failures FailureMarker // may be nil
	Log      zerolog.Logger

	Workers  int
	Budget   time.Duration
	Attempts int

	OnFailure func() // metrics hook

	queue chan *domain.TradingSignal
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher builds a Dispatcher with the default pool size and retry policy.
func NewDispatcher(sink Deliverer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Sink:     sink,
		Log:      log,
		Workers:  defaultWorkers,
		Budget:   defaultDeliveryBudget,
		Attempts: defaultAttempts,
		queue:    make(chan *domain.TradingSignal, defaultQueueSize),
	}
}

// Start spawns the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for sig := range d.queue {
				d.deliver(ctx, sig)
			}
		}()
	}
}

// Enqueue hands a signal to the pool; a full queue drops with a warning
// rather than blocking the pipeline.
func (d *Dispatcher) Enqueue(sig *domain.TradingSignal) {
	select {
	case d.queue <- sig:
	default:
		d.Log.Warn().Str("signal_id", sig.ID).Msg("delivery queue full, dropping")
	}
}

// Drain closes intake and waits for in-flight deliveries, bounded by
// timeout. Used on graceful shutdown.
func (d *Dispatcher) Drain(timeout time.Duration) {
	d.once.Do(func() { close(d.queue) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.Log.Warn().Msg("delivery queue drain timed out")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sig *domain.TradingSignal) {
	budgetCtx, cancel := context.WithTimeout(ctx, d.Budget)
	defer cancel()

	b := &backoff.Backoff{Min: time.Second, Max: 4 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 0; attempt < d.Attempts; attempt++ {
		if budgetCtx.Err() != nil {
			break
		}
		if lastErr = d.Sink.Send(sig); lastErr == nil {
			d.Push.Enqueue(sig)
			return
		}
		select {
		case <-budgetCtx.Done():
		case <-time.After(b.Duration()):
		}
	}

	d.Log.Error().Err(lastErr).Str("signal_id", sig.ID).Msg("delivery failed after retries")
	if d.OnFailure != nil {
		d.OnFailure()
	}
	if d.Failures != nil {
		if err := d.Failures.MarkDeliveryFailed(context.Background(), sig.ID); err != nil {
			d.Log.Warn().Err(err).Str("signal_id", sig.ID).Msg("failed to mark delivery failure")
		}
	}
}
