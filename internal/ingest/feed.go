package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Feed is the upstream transport collaborator: it owns the dial-read-
// reconnect loop and heartbeat supervision, and hands decoded frames to
// the caller. Three consecutive read timeouts restart the connection.
type Feed struct {
	URL            string
	APIKey         string
	HeartbeatEvery time.Duration
	Log            zerolog.Logger

	consecutiveTimeouts int
}

// Frame is a single upstream message: heartbeat, subscription ack, or a
// liquidation/trade data event.
type Frame struct {
	Type  string // "heartbeat" | "ack" | "liquidation" | "trade"
	Event RawEvent
}

// FrameDecoder turns a raw websocket message into zero or more Frames.
// Supplied by the caller because the wire shape is vendor-specific; Feed
// itself only owns the transport loop.
type FrameDecoder func(raw []byte) ([]Frame, error)

// Run dials the feed and streams decoded frames to out until ctx is
// cancelled. It reconnects with a fixed backoff on any read/dial error,
// and restarts the connection
// after three consecutive heartbeat-interval read timeouts.
func (f *Feed) Run(ctx context.Context, decode FrameDecoder, out chan<- Frame) {
	if f.HeartbeatEvery <= 0 {
		f.HeartbeatEvery = 30 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.runOnce(ctx, decode, out); err != nil {
			f.Log.Warn().Err(err).Str("url", f.URL).Msg("feed connection dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *Feed) runOnce(ctx context.Context, decode FrameDecoder, out chan<- Frame) error {
	url := f.URL
	if f.APIKey != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%sapiKey=%s", url, sep, f.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	f.Log.Info().Str("url", f.URL).Msg("feed connected")
	f.consecutiveTimeouts = 0

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		// A timed-out websocket read cannot be resumed, so one deadline
		// spanning three heartbeat intervals stands for three consecutive
		// heartbeat-interval timeouts.
		_ = conn.SetReadDeadline(time.Now().Add(3 * f.HeartbeatEvery))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("3 consecutive read timeouts: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}

		frames, err := decode(message)
		if err != nil {
			f.Log.Debug().Err(err).Msg("frame decode failed, skipping")
			continue
		}
		for _, fr := range frames {
			select {
			case out <- fr:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// DecodeJSONEnvelope is a reusable decoder for vendors that wrap every
// frame in {"event": "...", ...}; callers typically wrap this with their
// own vendor-specific field extraction.
func DecodeJSONEnvelope(raw []byte) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
