package research

import (
	"encoding/json"
	"time"
)

// LogKind tags a raw log line with the event that produced it.
type LogKind string

const (
	LogKindInfo            LogKind = "info"
	LogKindServerStatus    LogKind = "server_status"
	LogKindReactThought    LogKind = "react_thought"
	LogKindReactAction     LogKind = "react_action"
	LogKindResearchDetails LogKind = "research_details"
	LogKindResearchLog     LogKind = "research_log"
)

// IsServerKind reports whether lines of this kind belong to the "misc" pane.
func (k LogKind) IsServerKind() bool {
	return k == LogKindServerStatus || k == LogKindInfo
}

// LinkSource records how a link was surfaced.
type LinkSource string

const (
	LinkSourceFound        LinkSource = "url_found"
	LinkSourceVisited      LinkSource = "url_visited"
	LinkSourceSearchResult LinkSource = "search_result"
	LinkSourceAction       LinkSource = "action"
)

// ChatRole is the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// Status is the lifecycle position of a research run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LogEvent is one line in the raw research log. Immutable once appended.
type LogEvent struct {
	Kind       LogKind   `json:"type"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"timestamp"`
}

// LogGroup is a display bucket of log lines.
type LogGroup struct {
	Key   string     `json:"round"`
	Items []LogEvent `json:"items"`
}

// Step is one entry in the research timeline.
type Step struct {
	Number      int                        `json:"step,omitempty"`
	Description string                     `json:"description"`
	Status      string                     `json:"status"`
	Timestamp   time.Time                  `json:"timestamp"`
	Details     map[string]json.RawMessage `json:"details,omitempty"`
}

// DiscoveredLink is a URL surfaced during research, unique by URL.
type DiscoveredLink struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Domain       string     `json:"domain"`
	DisplayName  string     `json:"display_name,omitempty"`
	Title        string     `json:"title,omitempty"`
	Goal         string     `json:"goal,omitempty"`
	Source       LinkSource `json:"source"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

// ChatMessage is one turn of the follow-up conversation.
type ChatMessage struct {
	ID      string    `json:"id"`
	Role    ChatRole  `json:"role"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
	// Timestamp is the server-provided display time, when the backend sent one.
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatState is the conversation sub-state.
type ChatState struct {
	Ready    bool          `json:"ready"`
	Loading  bool          `json:"loading"`
	Messages []ChatMessage `json:"messages"`
}
