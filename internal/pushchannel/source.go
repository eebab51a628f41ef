// Package pushchannel delivers the research backend's real-time events to a
// session. Two transports are provided: the backend's websocket endpoint and a
// per-session NATS subject.
package pushchannel

import (
	"context"
	"errors"
)

// ErrExhausted is returned by Stream when the transport gave up reconnecting.
var ErrExhausted = errors.New("push channel reconnect budget exhausted")

// Deliver receives one raw envelope frame. Frames arrive in the order the
// backend produced them and Deliver is never called concurrently.
type Deliver func(frame []byte)

// Signal is a transport lifecycle notification. Signals are not session events
// and never reach the research log.
type Signal string

const (
	SignalConnected    Signal = "connected"
	SignalDisconnected Signal = "disconnected"
	SignalExhausted    Signal = "exhausted"
)

// Source joins the push channel of one research session.
type Source interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Stream announces sessionID and delivers frames until ctx is cancelled,
	// returning nil, or until the transport cannot continue, returning an error.
	Stream(ctx context.Context, sessionID string, deliver Deliver) error
}

// JoinRequest is the announcement a client sends to join a session's channel.
type JoinRequest struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

func newJoinRequest(sessionID string) JoinRequest {
	return JoinRequest{Event: "join_session", SessionID: sessionID}
}
