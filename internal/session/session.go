// Package session drives one research run: it calls the backend, joins the
// push channel and folds everything that happens into a research.State.
//
// All reducer calls go through a single-consumer queue owned by the session,
// so push events, REST outcomes, clears and snapshot reads never interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/research-dashboard/internal/backend"
	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/eternisai/research-dashboard/internal/pushchannel"
	"github.com/eternisai/research-dashboard/internal/research"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

const defaultRequestTimeout = 30 * time.Second

// Backend is the REST half of the research backend.
type Backend interface {
	StartResearch(ctx context.Context, query string) (string, error)
	SendChat(ctx context.Context, sessionID, message string) error
}

// Config wires a session to its collaborators.
type Config struct {
	Backend Backend
	Source  pushchannel.Source
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	// OnChange receives a snapshot after every state change, in order. It runs
	// on the session queue and must not block or call back into the session.
	OnChange func(research.Snapshot)

	// RequestTimeout bounds each backend REST call.
	RequestTimeout time.Duration

	StateOptions []research.Option
}

// Session is one research run and its follow-up chat.
type Session struct {
	cfg     Config
	state   *research.State
	logger  *logger.Logger
	metrics *metrics.Metrics

	ops      chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	loopDone chan struct{}

	// started and streamLost are only touched on the queue.
	started    bool
	streamLost bool

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// New creates an idle session and starts its queue.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		state:    research.NewState(cfg.StateOptions...),
		logger:   cfg.Logger.WithComponent("session"),
		metrics:  cfg.Metrics,
		ops:      make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			op()
		}
	}
}

// do runs fn on the session queue and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { defer close(done); fn() }:
	case <-s.ctx.Done():
		return ErrClosed
	}
	<-done
	return nil
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.state.Snapshot())
	}
}

// Start begins the research run for query. The state becomes active right
// away; the backend call and push subscription continue in the background.
// A session runs at most one research.
func (s *Session) Start(query string) error {
	var startErr error
	err := s.do(func() {
		if s.started {
			startErr = fmt.Errorf("%w: session already started", research.ErrInvalidRequest)
			return
		}
		if startErr = s.state.Start(query); startErr != nil {
			return
		}
		s.started = true
		s.metrics.SessionStarted()
		s.changed()
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	query = strings.TrimSpace(query)
	s.logger.Info("research started", slog.String("query", query))
	if !s.spawn(func() { s.run(query) }) {
		return ErrClosed
	}
	return nil
}

// spawn runs fn in the background unless the session is closing.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (s *Session) run(query string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	var sessionID string
	err := s.logger.LogOperation(ctx, "start_research", func() error {
		var err error
		sessionID, err = s.cfg.Backend.StartResearch(ctx, query)
		return err
	})
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		_ = s.do(func() {
			s.state.FailTransport(failureMessage(err))
			s.changed()
		})
		return
	}

	if err := s.do(func() {
		s.state.SetSessionID(sessionID)
		s.changed()
	}); err != nil {
		return
	}

	s.logger.WithSession(sessionID).Info("joining push channel", slog.String("transport", s.cfg.Source.Name()))

	if err := s.cfg.Source.Stream(s.ctx, sessionID, s.deliver); err != nil && s.ctx.Err() == nil {
		s.logger.LogError(logger.WithSessionID(s.ctx, sessionID), err, "push channel lost",
			slog.String("transport", s.cfg.Source.Name()))
		s.pushLost()
	}
}

// deliver decodes one push frame and folds it into the state.
func (s *Session) deliver(frame []byte) {
	ev, err := research.Decode(frame)
	if err != nil {
		s.metrics.FrameMalformed(s.cfg.Source.Name())
		s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	_ = s.do(func() {
		out := s.state.Apply(ev)
		if out.Ignored {
			s.metrics.EventIgnored(out.Reason)
			s.logger.Debug("event ignored",
				slog.String("type", string(out.Kind)),
				slog.String("reason", out.Reason))
			return
		}
		s.metrics.EventApplied(string(out.Kind))
		s.changed()
	})
}

// pushLost settles whatever still waits on the push channel. Later chat
// sends are refused since no reply could reach them.
func (s *Session) pushLost() {
	_ = s.do(func() {
		s.streamLost = true
		switch {
		case s.state.Active():
			s.state.FailTransport(research.ConnectionErrorMessage)
		case s.state.ChatLoading():
			s.state.FailChatSend()
		default:
			return
		}
		s.changed()
	})
}

// SendChatMessage appends text to the transcript and sends it to the backend.
// The reply arrives later through the push channel.
func (s *Session) SendChatMessage(text string) error {
	var (
		msg       research.ChatMessage
		sessionID string
		beginErr  error
	)
	err := s.do(func() {
		if s.streamLost && strings.TrimSpace(text) != "" {
			beginErr = fmt.Errorf("%w: push channel lost, start a new research", research.ErrInvalidRequest)
			return
		}
		if msg, beginErr = s.state.BeginChatSend(text); beginErr != nil {
			return
		}
		sessionID = s.state.SessionID()
		s.changed()
	})
	if err != nil {
		return err
	}
	if beginErr != nil {
		return beginErr
	}

	spawned := s.spawn(func() {
		ctx, cancel := context.WithTimeout(logger.WithSessionID(s.ctx, sessionID), s.cfg.RequestTimeout)
		defer cancel()

		err := s.logger.LogOperation(ctx, "send_chat", func() error {
			return s.cfg.Backend.SendChat(ctx, sessionID, msg.Content)
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.metrics.ChatSendFailed()
			_ = s.do(func() {
				s.state.FailChatSend()
				s.changed()
			})
		}
	})
	if !spawned {
		return ErrClosed
	}
	return nil
}

// ClearLogs empties the research log.
func (s *Session) ClearLogs() error {
	return s.do(func() {
		s.state.ClearLogs()
		s.changed()
	})
}

// ClearLinks empties the discovered-link list.
func (s *Session) ClearLinks() error {
	return s.do(func() {
		s.state.ClearLinks()
		s.changed()
	})
}

// ClearChat empties the chat transcript.
func (s *Session) ClearChat() error {
	return s.do(func() {
		s.state.ClearChat()
		s.changed()
	})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() (research.Snapshot, error) {
	var snap research.Snapshot
	err := s.do(func() { snap = s.state.Snapshot() })
	return snap, err
}

// Active reports whether the research run is in progress. A closed session is
// never active.
func (s *Session) Active() bool {
	var active bool
	if err := s.do(func() { active = s.state.Active() }); err != nil {
		return false
	}
	return active
}

// Close tears down the push subscription and waits for background work.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		_ = s.group.Wait()
		<-s.loopDone
		s.logger.Debug("session closed")
	})
}

// failureMessage is the text shown for a failed start request.
func failureMessage(err error) string {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	return err.Error()
}
