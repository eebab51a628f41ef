package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/research-dashboard/internal/backend"
	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/eternisai/research-dashboard/internal/pushchannel"
	"github.com/eternisai/research-dashboard/internal/research"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chatCall struct {
	sessionID string
	message   string
}

type fakeBackend struct {
	mu       sync.Mutex
	startID  string
	startErr error
	chatErr  error
	queries  []string
	chats    []chatCall
}

func (f *fakeBackend) StartResearch(_ context.Context, query string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.startID, f.startErr
}

func (f *fakeBackend) SendChat(_ context.Context, sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chatCall{sessionID: sessionID, message: message})
	return f.chatErr
}

func (f *fakeBackend) chatCalls() []chatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatCall(nil), f.chats...)
}

// fakeSource hands frames written to its channel to the session. Closing the
// channel ends the stream with err.
type fakeSource struct {
	frames chan []byte
	joined chan string
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte), joined: make(chan string, 1)}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Stream(ctx context.Context, sessionID string, deliver pushchannel.Deliver) error {
	f.joined <- sessionID
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-f.frames:
			if !ok {
				return f.err
			}
			deliver(frame)
		}
	}
}

func (f *fakeSource) send(t *testing.T, frames ...string) {
	t.Helper()
	for _, frame := range frames {
		select {
		case f.frames <- []byte(frame):
		case <-time.After(5 * time.Second):
			t.Fatalf("frame not consumed: %s", frame)
		}
	}
}

type harness struct {
	session *Session
	backend *fakeBackend
	source  *fakeSource
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, b *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		backend: b,
		source:  newFakeSource(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.session = New(Config{
		Backend:        b,
		Source:         h.source,
		Logger:         logger.Discard(),
		Metrics:        h.metrics,
		RequestTimeout: time.Second,
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) snapshot(t *testing.T) research.Snapshot {
	t.Helper()
	snap, err := h.session.Snapshot()
	require.NoError(t, err)
	return snap
}

func (h *harness) eventually(t *testing.T, cond func(research.Snapshot) bool) research.Snapshot {
	t.Helper()
	var snap research.Snapshot
	require.Eventually(t, func() bool {
		snap = h.snapshot(t)
		return cond(snap)
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func (h *harness) startAndJoin(t *testing.T, query string) {
	t.Helper()
	require.NoError(t, h.session.Start(query))
	select {
	case id := <-h.source.joined:
		require.Equal(t, h.backend.startID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("push channel never joined")
	}
}

func TestSessionFullRun(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-1"})
	h.startAndJoin(t, "  What is xAI?  ")

	snap := h.snapshot(t)
	assert.Equal(t, "What is xAI?", snap.Query)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.True(t, snap.Active)
	assert.Equal(t, []string{"What is xAI?"}, h.backend.queries)

	h.source.send(t,
		`{"type":"research_started","query":"What is xAI?"}`,
		`{"type":"step_start","step":{"step":1,"description":"Planning"},"progress":20}`,
		`{"type":"react_thought","content":"Round 1: thinking"}`,
		`{"type":"url_found","url_info":{"url":"https://www.example.com/a","title":"Example"}}`,
		`{"type":"url_visited","url_info":{"url":"https://www.example.com/a"}}`,
		`{"type":"research_complete","result":"done"}`,
	)

	snap = h.eventually(t, func(s research.Snapshot) bool { return s.Status == research.StatusCompleted })
	assert.False(t, snap.Active)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "done", snap.FinalResult)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "Planning", snap.Steps[0].Description)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "example.com", snap.Links[0].Domain)
	require.Len(t, snap.Groups, 2)
	assert.Equal(t, research.MiscGroupKey, snap.Groups[0].Key)
	assert.Equal(t, "Research Round 1", snap.Groups[1].Key)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventsApplied.WithLabelValues("step_start")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventsIgnored.WithLabelValues("duplicate url")))
}

func TestSessionStartValidation(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-1"})

	err := h.session.Start("   ")
	assert.ErrorIs(t, err, research.ErrInvalidRequest)
	assert.Equal(t, research.StatusIdle, h.snapshot(t).Status)

	h.startAndJoin(t, "q")
	err = h.session.Start("again")
	assert.ErrorIs(t, err, research.ErrInvalidRequest)
	assert.Equal(t, "q", h.snapshot(t).Query)
}

func TestSessionStartFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{startErr: &backend.StatusError{StatusCode: 400, Message: "Query is required"}})
	require.NoError(t, h.session.Start("q"))

	snap := h.eventually(t, func(s research.Snapshot) bool { return !s.Active })
	assert.Equal(t, "Query is required", snap.Error)
	assert.Equal(t, research.StatusFailed, snap.Status)
	assert.Empty(t, snap.SessionID)
}

func TestSessionStartTransportFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{startErr: errors.New("dial tcp: connection refused")})
	require.NoError(t, h.session.Start("q"))

	snap := h.eventually(t, func(s research.Snapshot) bool { return !s.Active })
	assert.Equal(t, "dial tcp: connection refused", snap.Error)
}

func TestSessionChat(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-2"})

	err := h.session.SendChatMessage("too early")
	assert.ErrorIs(t, err, research.ErrInvalidRequest)

	h.startAndJoin(t, "q")
	h.source.send(t,
		`{"type":"research_complete","result":"r"}`,
		`{"type":"chat_ready","message":"Research complete! You can now ask follow-up questions."}`,
	)
	h.eventually(t, func(s research.Snapshot) bool { return s.Chat.Ready })

	require.NoError(t, h.session.SendChatMessage("  tell me more "))
	snap := h.snapshot(t)
	assert.True(t, snap.Chat.Loading)
	require.Len(t, snap.Chat.Messages, 2)
	assert.Equal(t, research.ChatRoleUser, snap.Chat.Messages[1].Role)
	assert.Equal(t, "tell me more", snap.Chat.Messages[1].Content)

	err = h.session.SendChatMessage("second")
	assert.ErrorIs(t, err, research.ErrInvalidRequest)

	require.Eventually(t, func() bool { return len(h.backend.chatCalls()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, chatCall{sessionID: "sess-2", message: "tell me more"}, h.backend.chatCalls()[0])

	h.source.send(t, `{"type":"chat_response","message":"more","timestamp":"2025-01-01T00:00:00"}`)
	snap = h.eventually(t, func(s research.Snapshot) bool { return !s.Chat.Loading })
	last := snap.Chat.Messages[len(snap.Chat.Messages)-1]
	assert.Equal(t, research.ChatRoleAssistant, last.Role)
	assert.Equal(t, "more", last.Content)
}

func TestSessionChatSendFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-3", chatErr: errors.New("boom")})
	h.startAndJoin(t, "q")

	require.NoError(t, h.session.SendChatMessage("hello"))
	snap := h.eventually(t, func(s research.Snapshot) bool { return !s.Chat.Loading })

	last := snap.Chat.Messages[len(snap.Chat.Messages)-1]
	assert.Equal(t, research.ChatSendFailedMessage, last.Content)
	assert.Empty(t, snap.Error)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ChatSendFailures))
}

func TestSessionPushLostWhileActive(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-4"})
	h.source.err = pushchannel.ErrExhausted
	h.startAndJoin(t, "q")

	close(h.source.frames)
	snap := h.eventually(t, func(s research.Snapshot) bool { return !s.Active })
	assert.Equal(t, research.ConnectionErrorMessage, snap.Error)
}

func TestSessionPushLostAfterCompletion(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-5"})
	h.source.err = pushchannel.ErrExhausted
	h.startAndJoin(t, "q")

	h.source.send(t, `{"type":"research_complete","result":"r"}`)
	require.NoError(t, h.session.SendChatMessage("follow up"))
	close(h.source.frames)

	snap := h.eventually(t, func(s research.Snapshot) bool { return !s.Chat.Loading })
	assert.Empty(t, snap.Error)
	assert.Equal(t, research.StatusCompleted, snap.Status)
	assert.Equal(t, research.ChatSendFailedMessage, snap.Chat.Messages[len(snap.Chat.Messages)-1].Content)
}

func TestSessionChatRefusedAfterPushLost(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-11"})
	h.source.err = pushchannel.ErrExhausted
	h.startAndJoin(t, "q")

	h.source.send(t,
		`{"type":"research_complete","result":"r"}`,
		`{"type":"chat_ready","message":"ready"}`,
	)
	close(h.source.frames)

	// A send racing the loss is resolved by it; once the loss is recorded
	// every send is refused up front.
	require.Eventually(t, func() bool {
		err := h.session.SendChatMessage("follow up")
		return errors.Is(err, research.ErrInvalidRequest) && strings.Contains(err.Error(), "push channel lost")
	}, 5*time.Second, 5*time.Millisecond)

	snap := h.snapshot(t)
	assert.False(t, snap.Chat.Loading)
	assert.Equal(t, research.StatusCompleted, snap.Status)
	assert.Empty(t, snap.Error)

	err := h.session.SendChatMessage("again")
	require.ErrorIs(t, err, research.ErrInvalidRequest)
	assert.False(t, h.snapshot(t).Chat.Loading)

	err = h.session.SendChatMessage("   ")
	require.ErrorIs(t, err, research.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "message is required")
}

// syncBuffer collects log output written from session goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionLogsBackendOperations(t *testing.T) {
	var out syncBuffer
	b := &fakeBackend{startID: "sess-12", chatErr: errors.New("backend down")}
	source := newFakeSource()
	s := New(Config{
		Backend: b,
		Source:  source,
		Logger:  logger.New(logger.Config{Level: slog.LevelDebug, Format: "json", Output: &out}),
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.Start("q"))
	<-source.joined
	require.NoError(t, s.SendChatMessage("hi"))

	find := func(operation, msg string) string {
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.Contains(line, `"operation":"`+operation+`"`) && strings.Contains(line, msg) {
				return line
			}
		}
		return ""
	}

	var startLine, chatLine string
	require.Eventually(t, func() bool {
		startLine = find("start_research", "operation completed")
		chatLine = find("send_chat", "operation failed")
		return startLine != "" && chatLine != ""
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, chatLine, `"session_id":"sess-12"`)
	assert.Contains(t, chatLine, "backend down")
}

func TestSessionDropsMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-6"})
	h.startAndJoin(t, "q")

	h.source.send(t,
		`not json`,
		`{"content":"no type"}`,
		`{"type":"mystery"}`,
		`{"type":"server_status","content":"ok"}`,
	)

	snap := h.eventually(t, func(s research.Snapshot) bool { return len(s.MiscLogs) == 1 })
	assert.True(t, snap.Active)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.FramesMalformed.WithLabelValues("fake")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventsIgnored.WithLabelValues("unknown event type")))
}

func TestSessionClears(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-7"})
	h.startAndJoin(t, "q")
	h.source.send(t,
		`{"type":"research_log","content":"Round 1: a"}`,
		`{"type":"url_found","url_info":{"url":"https://a.test"}}`,
		`{"type":"chat_ready","message":"ready"}`,
	)
	h.eventually(t, func(s research.Snapshot) bool { return s.Chat.Ready })

	require.NoError(t, h.session.ClearLogs())
	snap := h.snapshot(t)
	assert.Empty(t, snap.Groups)
	assert.Len(t, snap.Links, 1)

	require.NoError(t, h.session.ClearLinks())
	assert.Empty(t, h.snapshot(t).Links)

	require.NoError(t, h.session.ClearChat())
	snap = h.snapshot(t)
	assert.Empty(t, snap.Chat.Messages)
	assert.True(t, snap.Chat.Ready)
	assert.True(t, snap.Active)
}

func TestSessionOnChangeOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	b := &fakeBackend{startID: "sess-8"}
	src := newFakeSource()
	s := New(Config{
		Backend: b,
		Source:  src,
		Logger:  logger.Discard(),
		OnChange: func(snap research.Snapshot) {
			mu.Lock()
			steps = append(steps, snap.CurrentStep)
			mu.Unlock()
		},
	})
	defer s.Close()

	require.NoError(t, s.Start("q"))
	<-src.joined
	for _, d := range []string{"one", "two", "three"} {
		src.frames <- []byte(`{"type":"step_start","step":{"description":"` + d + `"}}`)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 5
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// start, session id, then one per step.
	assert.Equal(t, []string{"", "", "one", "two", "three"}, steps)
}

func TestSessionClose(t *testing.T) {
	h := newHarness(t, &fakeBackend{startID: "sess-9"})
	h.startAndJoin(t, "q")

	h.session.Close()
	h.session.Close()

	assert.False(t, h.session.Active())
	_, err := h.session.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.session.ClearLogs(), ErrClosed)
	assert.ErrorIs(t, h.session.SendChatMessage("x"), ErrClosed)
}
