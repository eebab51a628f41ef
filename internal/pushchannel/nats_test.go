package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNATS routes published messages to in-process subscribers.
type fakeNATS struct {
	mu           sync.Mutex
	handlers     map[string]nats.MsgHandler
	published    map[string][][]byte
	subscribeErr error
	subscribed   chan string
	status       chan nats.Status
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{
		handlers:   map[string]nats.MsgHandler{},
		published:  map[string][][]byte{},
		subscribed: make(chan string, 1),
		status:     make(chan nats.Status, 1),
	}
}

func (f *fakeNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.handlers[subject] = cb
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	f.published[subject] = append(f.published[subject], data)
	f.mu.Unlock()
	if subject == "research.join" {
		f.subscribed <- subject
	}
	return nil
}

func (f *fakeNATS) StatusChanged(...nats.Status) chan nats.Status {
	return f.status
}

func (f *fakeNATS) emit(subject, data string) {
	f.mu.Lock()
	cb := f.handlers[subject]
	f.mu.Unlock()
	cb(&nats.Msg{Subject: subject, Data: []byte(data)})
}

func TestNewNATSSourceNilConn(t *testing.T) {
	assert.Nil(t, NewNATSSource(nil, "research", logger.Discard(), nil))
}

func TestNATSSourceSubjects(t *testing.T) {
	src := NewNATSSource(newFakeNATS(), "research", logger.Discard(), nil)
	assert.Equal(t, "nats", src.Name())
	assert.Equal(t, "research.abc", src.SessionSubject("abc"))
	assert.Equal(t, "research.join", src.JoinSubject())
}

func TestNATSSourceDeliversFrames(t *testing.T) {
	nc := newFakeNATS()
	src := NewNATSSource(nc, "research", logger.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Stream(ctx, "sess-9", func(frame []byte) { got <- string(frame) })
	}()

	select {
	case <-nc.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("join was never published")
	}

	nc.emit("research.sess-9", `{"type":"info","content":"one"}`)
	nc.emit("research.sess-9", `{"type":"info","content":"two"}`)

	assert.Equal(t, `{"type":"info","content":"one"}`, <-got)
	assert.Equal(t, `{"type":"info","content":"two"}`, <-got)

	cancel()
	require.NoError(t, <-done)

	nc.mu.Lock()
	defer nc.mu.Unlock()
	require.Len(t, nc.published["research.join"], 1)
	var join JoinRequest
	require.NoError(t, json.Unmarshal(nc.published["research.join"][0], &join))
	assert.Equal(t, JoinRequest{Event: "join_session", SessionID: "sess-9"}, join)
}

func TestNATSSourceSubscribeError(t *testing.T) {
	nc := newFakeNATS()
	nc.subscribeErr = errors.New("nats: connection closed")
	src := NewNATSSource(nc, "research", logger.Discard(), nil)

	err := src.Stream(context.Background(), "sess-10", func([]byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research.sess-10")
}

func TestNATSSourceConnectionClosed(t *testing.T) {
	nc := newFakeNATS()
	src := NewNATSSource(nc, "research", logger.Discard(), nil)

	done := make(chan error, 1)
	go func() {
		done <- src.Stream(context.Background(), "sess-11", func([]byte) {})
	}()

	select {
	case <-nc.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("join was never published")
	}

	nc.status <- nats.CLOSED

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after the connection closed")
	}
}
