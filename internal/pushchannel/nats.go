package pushchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/nats-io/nats.go"
)

const natsBufferSize = 256

// NATSConn is the slice of *nats.Conn the NATS transport needs.
type NATSConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	StatusChanged(statuses ...nats.Status) chan nats.Status
}

// NATSSource receives a session's envelopes on <prefix>.<session_id>.
//
// The backend is told about new sessions by a join announcement published on
// <prefix>.join. Reconnects are left to the NATS client itself; once it gives
// up and the connection is closed, Stream returns ErrExhausted.
type NATSSource struct {
	nc      NATSConn
	prefix  string
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewNATSSource creates a NATS transport. Returns nil if nc is nil.
func NewNATSSource(nc NATSConn, prefix string, log *logger.Logger, m *metrics.Metrics) *NATSSource {
	if nc == nil {
		return nil
	}
	return &NATSSource{
		nc:      nc,
		prefix:  prefix,
		logger:  log.WithComponent("push-nats"),
		metrics: m,
	}
}

func (s *NATSSource) Name() string { return "nats" }

// SessionSubject returns the subject carrying one session's envelopes.
func (s *NATSSource) SessionSubject(sessionID string) string {
	return s.prefix + "." + sessionID
}

// JoinSubject returns the subject join announcements are published on.
func (s *NATSSource) JoinSubject() string {
	return s.prefix + ".join"
}

func (s *NATSSource) Stream(ctx context.Context, sessionID string, deliver Deliver) error {
	subject := s.SessionSubject(sessionID)
	frames := make(chan []byte, natsBufferSize)

	// Registered before subscribing so a close in between is not missed.
	// Subscribe fails outright on an already closed connection.
	closed := s.nc.StatusChanged(nats.CLOSED)

	// The handler runs on the subscription's goroutine; hand frames over so
	// deliver stays on this goroutine and in arrival order.
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case frames <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.metrics.PushLifecycle(s.Name(), string(SignalExhausted))
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	defer func() {
		if sub == nil {
			return
		}
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}()

	join, err := json.Marshal(newJoinRequest(sessionID))
	if err != nil {
		return fmt.Errorf("failed to marshal join request: %w", err)
	}
	if err := s.nc.Publish(s.JoinSubject(), join); err != nil {
		return fmt.Errorf("failed to publish join request: %w", err)
	}

	s.metrics.PushLifecycle(s.Name(), string(SignalConnected))
	s.logger.Info("joined push channel",
		slog.String("subject", subject),
		slog.String("session_id", sessionID))
	defer s.metrics.PushLifecycle(s.Name(), string(SignalDisconnected))

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			deliver(frame)
		case <-closed:
			s.metrics.PushLifecycle(s.Name(), string(SignalExhausted))
			s.logger.Error("nats connection closed",
				slog.String("subject", subject),
				slog.String("session_id", sessionID))
			return fmt.Errorf("%w: nats connection closed", ErrExhausted)
		}
	}
}
