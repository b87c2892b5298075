package notify

import (
	"context"
	"fmt"
	"os"

	"sentinel/internal/domain"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"
	"github.com/rs/zerolog"
)

const pushQueueSize = 500

// PushSink fans urgent signals out to mobile clients through Firebase Cloud
// Messaging. A single worker drains a bounded queue; a full queue drops the
// push rather than blocking the pipeline.
type PushSink struct {
	client *messaging.Client
	queue  chan *domain.TradingSignal
	log    zerolog.Logger
}

// NewPushSink initialises FCM from the service-account key file. A missing
// key disables the sink (returns nil).
func NewPushSink(credFile string, log zerolog.Logger) *PushSink {
	if credFile == "" {
		credFile = "serviceAccountKey.json"
	}
	if _, err := os.Stat(credFile); os.IsNotExist(err) {
		log.Warn().Str("file", credFile).Msg("FCM credentials not found, push sink disabled")
		return nil
	}

	app, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(credFile))
	if err != nil {
		log.Warn().Err(err).Msg("FCM app init failed, push sink disabled")
		return nil
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("FCM messaging client failed, push sink disabled")
		return nil
	}

	log.Info().Msg("FCM push sink initialized")
	return &PushSink{
		client: client,
		queue:  make(chan *domain.TradingSignal, pushQueueSize),
		log:    log,
	}
}

// Run drains the queue until ctx is cancelled.
func (ps *PushSink) Run(ctx context.Context) {
	if ps == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ps.queue:
			msg := &messaging.Message{
				Notification: &messaging.Notification{
					Title: fmt.Sprintf("%s %s", sig.Type, sig.Symbol),
					Body:  fmt.Sprintf("%s | confidence %.0f%%", sig.Direction, sig.Confidence),
				},
				Data: map[string]string{
					"signal_id": sig.ID,
					"symbol":    sig.Symbol,
					"type":      string(sig.Type),
					"direction": sig.Direction.String(),
					"entry":     FormatPrice(sig.Entry),
					"priority":  string(sig.Priority),
				},
				Topic: "SIGNALS",
			}
			if _, err := ps.client.Send(ctx, msg); err != nil {
				ps.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("FCM send failed")
			}
		}
	}
}

// Enqueue drops a signal into the push queue without blocking. Only urgent
// signals are pushed to devices.
func (ps *PushSink) Enqueue(sig *domain.TradingSignal) {
	if ps == nil || sig.Priority != domain.PriorityUrgent {
		return
	}
	select {
	case ps.queue <- sig:
	default:
		ps.log.Warn().Str("signal_id", sig.ID).Msg("push queue full, dropping")
	}
}
