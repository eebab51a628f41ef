package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/eternisai/research-dashboard/internal/research"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrFeedClosed is returned when subscribing to a closed feed.
var ErrFeedClosed = errors.New("feed is closed")

const (
	FeedMessageSnapshot  = "snapshot"
	FeedMessageHeartbeat = "heartbeat"

	defaultFeedBuffer    = 16
	defaultHeartbeat     = 30 * time.Second
	defaultWriteDeadline = 10 * time.Second
)

// FeedMessage is one frame on the dashboard live feed.
type FeedMessage struct {
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	State     *research.Snapshot `json:"state,omitempty"`
}

// Feed fans state snapshots out to connected dashboard websockets.
type Feed struct {
	subscribers map[string]*feedSubscriber
	mu          sync.RWMutex
	logger      *logger.Logger
	metrics     *metrics.Metrics

	bufferSize    int
	heartbeat     time.Duration
	writeDeadline time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

type feedSubscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// FeedOptions tunes a Feed. Zero values pick defaults.
type FeedOptions struct {
	BufferSize    int
	Heartbeat     time.Duration
	WriteDeadline time.Duration
}

// NewFeed creates an empty feed.
func NewFeed(opts FeedOptions, log *logger.Logger, m *metrics.Metrics) *Feed {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultFeedBuffer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = defaultWriteDeadline
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		subscribers:   make(map[string]*feedSubscriber),
		logger:        log.WithComponent("dashboard-feed"),
		metrics:       m,
		bufferSize:    opts.BufferSize,
		heartbeat:     opts.Heartbeat,
		writeDeadline: opts.WriteDeadline,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Serve streams snapshots to conn until the client goes away or the feed is
// closed. The subscriber is registered before current is read, so no change
// can fall between the initial snapshot and the first broadcast.
func (f *Feed) Serve(ctx context.Context, conn *websocket.Conn, current func() (research.Snapshot, error)) error {
	sub, err := f.subscribe(ctx, conn)
	if err != nil {
		return err
	}
	defer f.unsubscribe(sub.id)

	snap, err := current()
	if err != nil {
		return err
	}
	if data, err := marshalSnapshot(snap); err == nil {
		f.enqueue(sub, data)
	}

	// Reads only detect disconnects; the dashboard sends nothing.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer sub.cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	f.sendLoop(sub)
	return nil
}

func (f *Feed) subscribe(ctx context.Context, conn *websocket.Conn) (*feedSubscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}

	subCtx, subCancel := context.WithCancel(ctx)
	sub := &feedSubscriber{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, f.bufferSize),
		ctx:    subCtx,
		cancel: subCancel,
	}
	f.subscribers[sub.id] = sub
	// Serve itself counts as feed work so Close waits for it.
	f.wg.Add(1)
	f.metrics.SetFeedSubscribers(len(f.subscribers))

	f.logger.Info("subscriber added",
		slog.String("subscriber_id", sub.id),
		slog.Int("total_subscribers", len(f.subscribers)))
	return sub, nil
}

func (f *Feed) unsubscribe(id string) {
	f.mu.Lock()
	sub, exists := f.subscribers[id]
	if exists {
		sub.cancel()
		delete(f.subscribers, id)
		f.metrics.SetFeedSubscribers(len(f.subscribers))
		f.logger.Info("subscriber removed",
			slog.String("subscriber_id", id),
			slog.Int("remaining_subscribers", len(f.subscribers)))
	}
	f.mu.Unlock()

	if exists {
		f.wg.Done()
	}
}

// SubscriberCount returns the number of connected dashboards.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Broadcast queues snap for every subscriber. It never blocks.
func (f *Feed) Broadcast(snap research.Snapshot) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.subscribers) == 0 {
		return
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		f.logger.Error("failed to marshal snapshot", slog.String("error", err.Error()))
		return
	}

	for _, sub := range f.subscribers {
		f.enqueue(sub, data)
	}
}

// enqueue never blocks. Each snapshot supersedes the previous one, so a slow
// subscriber loses its oldest queued frame rather than the newest.
func (f *Feed) enqueue(sub *feedSubscriber, data []byte) {
	select {
	case sub.sendCh <- data:
		return
	default:
	}

	select {
	case <-sub.sendCh:
	default:
	}
	select {
	case sub.sendCh <- data:
	default:
		f.logger.Warn("subscriber channel full, dropping snapshot",
			slog.String("subscriber_id", sub.id))
	}
}

func (f *Feed) sendLoop(sub *feedSubscriber) {
	defer sub.conn.Close()

	heartbeatTicker := time.NewTicker(f.heartbeat)
	defer heartbeatTicker.Stop()

	for {
		select {
		case data := <-sub.sendCh:
			if err := f.write(sub, data); err != nil {
				f.logger.Error("failed to write to websocket",
					slog.String("error", err.Error()),
					slog.String("subscriber_id", sub.id))
				return
			}

		case <-heartbeatTicker.C:
			data, err := json.Marshal(FeedMessage{
				Type:      FeedMessageHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			if err := f.write(sub, data); err != nil {
				f.logger.Error("failed to send heartbeat",
					slog.String("error", err.Error()),
					slog.String("subscriber_id", sub.id))
				return
			}

		case <-sub.ctx.Done():
			return

		case <-f.ctx.Done():
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (f *Feed) write(sub *feedSubscriber, data []byte) error {
	if err := sub.conn.SetWriteDeadline(time.Now().Add(f.writeDeadline)); err != nil {
		return err
	}
	return sub.conn.WriteMessage(websocket.TextMessage, data)
}

// Close disconnects every subscriber and waits for their loops to end.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.cancel()
	for _, sub := range f.subscribers {
		sub.cancel()
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info("dashboard feed closed")
}

func marshalSnapshot(snap research.Snapshot) ([]byte, error) {
	return json.Marshal(FeedMessage{
		Type:      FeedMessageSnapshot,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		State:     &snap,
	})
}
