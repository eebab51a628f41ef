package research

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the "type" tag of a push-channel envelope.
type Kind string

const (
	KindResearchStarted  Kind = "research_started"
	KindStepStart        Kind = "step_start"
	KindResearchComplete Kind = "research_complete"
	KindChatReady        Kind = "chat_ready"
	KindChatResponse     Kind = "chat_response"
	KindChatError        Kind = "chat_error"
	KindError            Kind = "error"
	KindURLFound         Kind = "url_found"
	KindURLVisited       Kind = "url_visited"
	KindReactThought     Kind = "react_thought"
	KindReactAction      Kind = "react_action"
	KindResearchDetails  Kind = "research_details"
	KindResearchLog      Kind = "research_log"
	KindServerStatus     Kind = "server_status"
)

// ErrMalformedEnvelope is returned by Decode for frames that cannot be folded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Event is an inbound push-channel event. The set of implementations is closed;
// Apply handles each one in a single type switch.
type Event interface {
	Kind() Kind
	isEvent()
}

type ResearchStarted struct {
	Query string
}

type StepStarted struct {
	Step Step
	// Progress is nil when the backend omitted it.
	Progress *float64
}

type ResearchCompleted struct {
	Result string
}

type ChatReady struct {
	Message string
}

type ChatResponse struct {
	Message   string
	Timestamp string
}

type ChatError struct {
	Message string
}

// Failure is the session-fatal "error" event.
type Failure struct {
	Message string
}

// URLInfo is the url_info payload of url_found / url_visited.
type URLInfo struct {
	URL         string `json:"url"`
	Domain      string `json:"domain,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Title       string `json:"title,omitempty"`
	Goal        string `json:"goal,omitempty"`
}

type URLDiscovered struct {
	Source LinkSource
	Info   URLInfo
}

// LogLine carries free text for one of the log kinds.
type LogLine struct {
	LogKind LogKind
	Content string
}

// Unknown is any envelope whose type this build does not understand.
type Unknown struct {
	Type string
}

func (ResearchStarted) Kind() Kind   { return KindResearchStarted }
func (StepStarted) Kind() Kind       { return KindStepStart }
func (ResearchCompleted) Kind() Kind { return KindResearchComplete }
func (ChatReady) Kind() Kind         { return KindChatReady }
func (ChatResponse) Kind() Kind      { return KindChatResponse }
func (ChatError) Kind() Kind         { return KindChatError }
func (Failure) Kind() Kind           { return KindError }
func (e URLDiscovered) Kind() Kind   { return Kind(e.Source) }
func (e LogLine) Kind() Kind         { return Kind(e.LogKind) }
func (e Unknown) Kind() Kind         { return Kind(e.Type) }

func (ResearchStarted) isEvent()   {}
func (StepStarted) isEvent()       {}
func (ResearchCompleted) isEvent() {}
func (ChatReady) isEvent()         {}
func (ChatResponse) isEvent()      {}
func (ChatError) isEvent()         {}
func (Failure) isEvent()           {}
func (URLDiscovered) isEvent()     {}
func (LogLine) isEvent()           {}
func (Unknown) isEvent()           {}

// envelope is the union of every field any event kind may carry.
type envelope struct {
	Type      string          `json:"type"`
	Query     string          `json:"query"`
	Step      json.RawMessage `json:"step"`
	Progress  *float64        `json:"progress"`
	Result    string          `json:"result"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
	Content   string          `json:"content"`
	URLInfo   *URLInfo        `json:"url_info"`
}

// Decode parses one push-channel frame into an Event. Unknown types decode to
// Unknown rather than failing, so newer backends do not break older dashboards.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	switch Kind(env.Type) {
	case KindResearchStarted:
		return ResearchStarted{Query: env.Query}, nil
	case KindStepStart:
		step, err := decodeStep(env.Step)
		if err != nil {
			return nil, err
		}
		return StepStarted{Step: step, Progress: env.Progress}, nil
	case KindResearchComplete:
		return ResearchCompleted{Result: env.Result}, nil
	case KindChatReady:
		return ChatReady{Message: env.Message}, nil
	case KindChatResponse:
		return ChatResponse{Message: env.Message, Timestamp: rawText(env.Timestamp)}, nil
	case KindChatError:
		return ChatError{Message: env.Message}, nil
	case KindError:
		return Failure{Message: env.Message}, nil
	case KindURLFound, KindURLVisited:
		if env.URLInfo == nil {
			return nil, fmt.Errorf("%w: %s without url_info", ErrMalformedEnvelope, env.Type)
		}
		return URLDiscovered{Source: LinkSource(env.Type), Info: *env.URLInfo}, nil
	case KindReactThought, KindReactAction, KindResearchDetails, KindResearchLog, KindServerStatus:
		return LogLine{LogKind: LogKind(env.Type), Content: env.Content}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var step Step
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return step, fmt.Errorf("%w: step_start without step", ErrMalformedEnvelope)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return step, fmt.Errorf("%w: step: %v", ErrMalformedEnvelope, err)
	}

	if v, ok := fields["description"]; ok {
		step.Description = rawText(v)
		delete(fields, "description")
	}
	if v, ok := fields["step"]; ok {
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			step.Number = int(n)
		}
		delete(fields, "step")
	}
	if len(fields) > 0 {
		step.Details = fields
	}
	return step, nil
}

// rawText renders a JSON scalar as display text: strings are unquoted, anything
// else is kept verbatim.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
