package research

import "maps"

// Snapshot is a read-only copy of State for presentation layers.
type Snapshot struct {
	SessionID    string           `json:"session_id"`
	Query        string           `json:"query"`
	Status       Status           `json:"status"`
	Active       bool             `json:"is_active"`
	Progress     int              `json:"progress"`
	CurrentStep  string           `json:"current_step"`
	Steps        []Step           `json:"steps"`
	FinalResult  string           `json:"final_result"`
	Error        string           `json:"error,omitempty"`
	Groups       []LogGroup       `json:"groups"`
	MiscLogs     []LogEvent       `json:"misc_logs"`
	ResearchLogs []LogEvent       `json:"research_logs"`
	Links        []DiscoveredLink `json:"links"`
	Chat         ChatState        `json:"chat"`
}

// Snapshot copies the state. The result shares no slices or maps with s.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:    s.sessionID,
		Query:        s.query,
		Status:       s.Status(),
		Active:       s.active,
		Progress:     s.progress,
		CurrentStep:  s.currentStep,
		Steps:        make([]Step, 0, len(s.steps)),
		FinalResult:  s.finalResult,
		Error:        s.err,
		Groups:       make([]LogGroup, 0, len(s.groups)),
		MiscLogs:     []LogEvent{},
		ResearchLogs: []LogEvent{},
		Links:        append([]DiscoveredLink{}, s.links...),
		Chat: ChatState{
			Ready:    s.chat.Ready,
			Loading:  s.chat.Loading,
			Messages: append([]ChatMessage{}, s.chat.Messages...),
		},
	}

	for _, st := range s.steps {
		st.Details = maps.Clone(st.Details)
		snap.Steps = append(snap.Steps, st)
	}

	for _, g := range s.groups {
		items := append([]LogEvent{}, g.Items...)
		snap.Groups = append(snap.Groups, LogGroup{Key: g.Key, Items: items})
		if g.Key == MiscGroupKey {
			snap.MiscLogs = append(snap.MiscLogs, items...)
		} else {
			snap.ResearchLogs = append(snap.ResearchLogs, items...)
		}
	}

	return snap
}
