// Package dashboard exposes the research session over HTTP: REST commands, a
// state snapshot endpoint and a websocket live feed.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/research"
	"github.com/eternisai/research-dashboard/internal/session"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service owns the dashboard's current research session. Errors are gRPC
// status errors; handlers translate them to HTTP.
type Service struct {
	template session.Config
	feed     *Feed
	logger   *logger.Logger

	mu      sync.Mutex
	current *session.Session
	closed  bool
}

// NewService creates a service whose sessions are built from template. Every
// state change is broadcast on feed.
func NewService(template session.Config, feed *Feed, log *logger.Logger) *Service {
	return &Service{
		template: template,
		feed:     feed,
		logger:   log.WithComponent("dashboard-service"),
	}
}

// StartResearch replaces the current session with a new run for query.
func (s *Service) StartResearch(ctx context.Context, query string) (research.Snapshot, error) {
	log := s.logger.WithContext(ctx)

	if strings.TrimSpace(query) == "" {
		return research.Snapshot{}, status.Error(codes.InvalidArgument, "query is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return research.Snapshot{}, status.Error(codes.Unavailable, "dashboard is shutting down")
	}
	if s.current != nil && s.current.Active() {
		return research.Snapshot{}, status.Error(codes.FailedPrecondition, "research already in progress")
	}

	if prev := s.current; prev != nil {
		prev.Close()
		s.current = nil
	}

	cfg := s.template
	cfg.OnChange = s.feed.Broadcast
	sess := session.New(cfg)
	if err := sess.Start(query); err != nil {
		sess.Close()
		return research.Snapshot{}, toStatus(err)
	}
	s.current = sess

	log.Info("research session replaced", slog.String("query", strings.TrimSpace(query)))
	return s.snapshotLocked()
}

// SendChat sends a follow-up question to the current session.
func (s *Service) SendChat(ctx context.Context, message string) (research.Snapshot, error) {
	if strings.TrimSpace(message) == "" {
		return research.Snapshot{}, status.Error(codes.InvalidArgument, "message is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return research.Snapshot{}, status.Error(codes.FailedPrecondition, "no research session")
	}
	if err := s.current.SendChatMessage(message); err != nil {
		s.logger.WithContext(ctx).Debug("chat send rejected", slog.String("error", err.Error()))
		return research.Snapshot{}, toStatus(err)
	}
	return s.snapshotLocked()
}

// ClearLogs empties the research log of the current session.
func (s *Service) ClearLogs(ctx context.Context) (research.Snapshot, error) {
	return s.clear(ctx, (*session.Session).ClearLogs)
}

// ClearLinks empties the discovered-link list of the current session.
func (s *Service) ClearLinks(ctx context.Context) (research.Snapshot, error) {
	return s.clear(ctx, (*session.Session).ClearLinks)
}

// ClearChat empties the chat transcript of the current session.
func (s *Service) ClearChat(ctx context.Context) (research.Snapshot, error) {
	return s.clear(ctx, (*session.Session).ClearChat)
}

func (s *Service) clear(_ context.Context, fn func(*session.Session) error) (research.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return idleSnapshot(), nil
	}
	if err := fn(s.current); err != nil {
		return research.Snapshot{}, toStatus(err)
	}
	return s.snapshotLocked()
}

// Snapshot returns the current state, or an idle one before the first run.
func (s *Service) Snapshot(_ context.Context) (research.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() (research.Snapshot, error) {
	if s.current == nil {
		return idleSnapshot(), nil
	}
	snap, err := s.current.Snapshot()
	if err != nil {
		return research.Snapshot{}, toStatus(err)
	}
	return snap, nil
}

// Close tears down the current session's push subscription.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.current != nil {
		s.current.Close()
	}
}

func idleSnapshot() research.Snapshot {
	return research.NewState().Snapshot()
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, research.ErrInvalidRequest):
		return status.Error(codes.FailedPrecondition, strings.TrimPrefix(err.Error(), research.ErrInvalidRequest.Error()+": "))
	case errors.Is(err, session.ErrClosed):
		return status.Error(codes.Unavailable, "research session closed")
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
