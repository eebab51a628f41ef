package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// ReconnectPolicy bounds how hard a transport tries to get a dropped channel back.
type ReconnectPolicy struct {
	// MaxRetries counts consecutive failed attempts. A connection that delivered
	// at least one frame resets the count.
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

func (p ReconnectPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.Base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(uint64(p.MaxRetries), b)
}

// WebSocketSource reads envelopes from the backend's websocket endpoint.
type WebSocketSource struct {
	url      string
	dialer   *websocket.Dialer
	header   http.Header
	policy   ReconnectPolicy
	logger   *logger.Logger
	metrics  *metrics.Metrics
	onSignal func(Signal)
}

// WebSocketOption customizes a WebSocketSource.
type WebSocketOption func(*WebSocketSource)

// WithSignalHandler registers a callback for lifecycle signals.
func WithSignalHandler(fn func(Signal)) WebSocketOption {
	return func(s *WebSocketSource) { s.onSignal = fn }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(s *WebSocketSource) { s.dialer = d }
}

// NewWebSocketSource creates a websocket transport for wsURL.
func NewWebSocketSource(wsURL string, policy ReconnectPolicy, log *logger.Logger, m *metrics.Metrics, opts ...WebSocketOption) *WebSocketSource {
	s := &WebSocketSource{
		url:     wsURL,
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		policy:  policy,
		logger:  log.WithComponent("push-websocket"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebSocketSource) Name() string { return "websocket" }

// Stream keeps the session joined across disconnects until ctx is done or the
// reconnect policy gives up.
func (s *WebSocketSource) Stream(ctx context.Context, sessionID string, deliver Deliver) error {
	log := s.logger.WithSession(sessionID)
	backoff := s.policy.backoff()

	for {
		delivered, err := s.runConnection(ctx, sessionID, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			backoff = s.policy.backoff()
		}

		wait, stop := backoff.Next()
		if stop {
			s.signal(SignalExhausted)
			log.Error("giving up on push channel", slog.String("error", errString(err)))
			return fmt.Errorf("%w: %v", ErrExhausted, err)
		}

		log.Warn("push channel lost, reconnecting",
			slog.Duration("wait", wait),
			slog.String("error", errString(err)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runConnection dials, joins and reads until the connection ends. delivered
// reports whether any frame made it through.
func (s *WebSocketSource) runConnection(ctx context.Context, sessionID string, deliver Deliver) (delivered bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, fmt.Errorf("failed to dial push channel: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the session is torn down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(newJoinRequest(sessionID)); err != nil {
		return false, fmt.Errorf("failed to join session: %w", err)
	}

	s.signal(SignalConnected)
	s.logger.Info("joined push channel", slog.String("session_id", sessionID))
	defer s.signal(SignalDisconnected)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return delivered, errors.New("push channel closed by backend")
			}
			return delivered, fmt.Errorf("failed to read push channel: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		deliver(data)
		delivered = true
	}
}

func (s *WebSocketSource) signal(sig Signal) {
	s.metrics.PushLifecycle(s.Name(), string(sig))
	if s.onSignal != nil {
		s.onSignal(sig)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
