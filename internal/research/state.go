package research

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRequest is returned when a local precondition is violated. The state
// is left untouched whenever it is returned.
var ErrInvalidRequest = errors.New("invalid request")

const (
	stepStatusCompleted = "completed"

	currentStepStarted   = "Research session started"
	currentStepCompleted = "Research completed"

	// ChatSendFailedMessage is shown when the chat request never reached the backend.
	ChatSendFailedMessage = "Sorry, I encountered an error sending your message. Please try again."

	// ConnectionErrorMessage is the session error recorded when the push channel is lost for good.
	ConnectionErrorMessage = "Connection error occurred"
)

// State is the folded view of one research session. It is not safe for
// concurrent use; callers serialize every method call.
type State struct {
	sessionID   string
	query       string
	active      bool
	progress    int
	currentStep string
	steps       []Step
	finalResult string
	resultSet   bool
	err         string

	logs   []LogEvent
	groups []LogGroup

	links     []DiscoveredLink
	linkIndex map[string]struct{}

	chat ChatState

	now   func() time.Time
	newID func() string
}

// Option customizes a State.
type Option func(*State)

// WithClock overrides the time source used to stamp logs, steps, links and messages.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithIDGenerator overrides how link and chat message IDs are produced.
func WithIDGenerator(newID func() string) Option {
	return func(s *State) { s.newID = newID }
}

// NewState returns an idle state.
func NewState(opts ...Option) *State {
	s := &State{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *State) reset() {
	s.sessionID = ""
	s.query = ""
	s.active = false
	s.progress = 0
	s.currentStep = ""
	s.steps = []Step{}
	s.finalResult = ""
	s.resultSet = false
	s.err = ""
	s.logs = []LogEvent{}
	s.groups = []LogGroup{}
	s.links = []DiscoveredLink{}
	s.linkIndex = map[string]struct{}{}
	s.chat = ChatState{Messages: []ChatMessage{}}
}

// Start clears all session-scoped state and marks the session active.
func (s *State) Start(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if s.active {
		return fmt.Errorf("%w: research already in progress", ErrInvalidRequest)
	}

	s.reset()
	s.query = query
	s.active = true
	return nil
}

// SetSessionID records the opaque token returned by the backend for this run.
func (s *State) SetSessionID(id string) {
	s.sessionID = id
}

// SessionID returns the backend session token, empty until the start call succeeds.
func (s *State) SessionID() string {
	return s.sessionID
}

// Active reports whether the research run is still in progress.
func (s *State) Active() bool {
	return s.active
}

// ChatLoading reports whether a chat send is waiting for its reply.
func (s *State) ChatLoading() bool {
	return s.chat.Loading
}

// Status derives the lifecycle position from the state fields.
func (s *State) Status() Status {
	switch {
	case s.active:
		return StatusActive
	case s.err != "":
		return StatusFailed
	case s.resultSet:
		return StatusCompleted
	default:
		return StatusIdle
	}
}

// FailTransport records a local transport failure (start request rejected or the
// push channel lost for good) as a session-level error.
func (s *State) FailTransport(message string) {
	s.err = message
	s.active = false
	s.chat.Loading = false
}

// Outcome describes what Apply did with an event.
type Outcome struct {
	Kind Kind
	// Ignored is set when the event left the state unchanged.
	Ignored bool
	Reason  string
}

// Apply folds one event into the state. It never panics on unexpected input;
// unknown kinds are reported through the returned Outcome.
func (s *State) Apply(ev Event) Outcome {
	out := Outcome{Kind: ev.Kind()}
	now := s.now()

	switch e := ev.(type) {
	case ResearchStarted:
		s.currentStep = currentStepStarted
		s.appendLog(LogEvent{
			Kind:       LogKindInfo,
			Content:    `Researching: "` + e.Query + `"`,
			ReceivedAt: now,
		})

	case StepStarted:
		step := e.Step
		step.Status = stepStatusCompleted
		step.Timestamp = now
		s.steps = append(s.steps, step)
		s.currentStep = step.Description
		if e.Progress != nil {
			s.progress = clampProgress(*e.Progress)
		}

	case ResearchCompleted:
		if s.resultSet {
			out.Ignored = true
			out.Reason = "final result already set"
			break
		}
		s.finalResult = e.Result
		s.resultSet = true
		s.currentStep = currentStepCompleted
		s.active = false
		s.progress = 100

	case ChatReady:
		s.chat.Ready = true
		s.appendChat(ChatRoleSystem, e.Message, "")

	case ChatResponse:
		s.chat.Loading = false
		s.appendChat(ChatRoleAssistant, e.Message, e.Timestamp)

	case ChatError:
		s.chat.Loading = false
		s.appendChat(ChatRoleAssistant, e.Message, "")

	case Failure:
		s.err = e.Message
		s.active = false
		s.chat.Loading = false

	case URLDiscovered:
		if !s.addLink(e, now) {
			out.Ignored = true
			out.Reason = "duplicate url"
		}

	case LogLine:
		s.appendLog(LogEvent{Kind: e.LogKind, Content: e.Content, ReceivedAt: now})

	default:
		out.Ignored = true
		out.Reason = "unknown event type"
	}

	return out
}

// BeginChatSend applies the optimistic half of a chat send: the user message is
// appended and the chat is marked loading. The caller dispatches the network
// request afterwards and calls FailChatSend if it never reaches the backend.
func (s *State) BeginChatSend(text string) (ChatMessage, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return ChatMessage{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	case s.sessionID == "":
		return ChatMessage{}, fmt.Errorf("%w: no research session", ErrInvalidRequest)
	case s.chat.Loading:
		return ChatMessage{}, fmt.Errorf("%w: a chat reply is still pending", ErrInvalidRequest)
	}

	msg := s.appendChat(ChatRoleUser, text, "")
	s.chat.Loading = true
	return msg, nil
}

// FailChatSend resolves a pending send whose request failed in transport.
func (s *State) FailChatSend() {
	s.appendChat(ChatRoleAssistant, ChatSendFailedMessage, "")
	s.chat.Loading = false
}

// ClearLogs empties the raw log and its groups.
func (s *State) ClearLogs() {
	s.logs = []LogEvent{}
	s.groups = []LogGroup{}
}

// ClearLinks empties the discovered-link list. A url seen before the clear is
// accepted again afterwards.
func (s *State) ClearLinks() {
	s.links = []DiscoveredLink{}
	s.linkIndex = map[string]struct{}{}
}

// ClearChat empties the transcript. Readiness and the pending-send flag are kept
// so an in-flight reply still resolves the loading state.
func (s *State) ClearChat() {
	s.chat.Messages = []ChatMessage{}
}

func (s *State) appendLog(l LogEvent) {
	s.logs = append(s.logs, l)
	s.groups = Regroup(s.logs)
}

func (s *State) appendChat(role ChatRole, content, timestamp string) ChatMessage {
	msg := ChatMessage{
		ID:        s.newID(),
		Role:      role,
		Content:   content,
		SentAt:    s.now(),
		Timestamp: timestamp,
	}
	s.chat.Messages = append(s.chat.Messages, msg)
	return msg
}

func (s *State) addLink(e URLDiscovered, now time.Time) bool {
	if e.Info.URL == "" {
		return false
	}
	if _, seen := s.linkIndex[e.Info.URL]; seen {
		return false
	}

	domain := e.Info.Domain
	if domain == "" {
		domain = DomainOf(e.Info.URL)
	}
	displayName := e.Info.DisplayName
	if displayName == "" {
		displayName = e.Info.Title
	}
	if displayName == "" {
		displayName = domain
	}

	s.linkIndex[e.Info.URL] = struct{}{}
	s.links = append(s.links, DiscoveredLink{
		ID:           s.newID(),
		URL:          e.Info.URL,
		Domain:       domain,
		DisplayName:  displayName,
		Title:        e.Info.Title,
		Goal:         e.Info.Goal,
		Source:       e.Source,
		DiscoveredAt: now,
	})
	return true
}

// DomainOf returns the host of rawURL without a leading "www.", or "" when the
// url cannot be parsed.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

func clampProgress(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(math.Round(p))
}
