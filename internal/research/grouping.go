package research

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MiscGroupKey is the key of the group holding server status and info lines.
const MiscGroupKey = "misc"

var roundNumberPattern = regexp.MustCompile(`Round (\d+)`)

// RoundMarker inspects a research log line and reports whether it opens a new
// research round. A line opens a round when it contains both "Round" and ":".
// number is the value following "Round " and ok is false when the line has no
// such number, in which case the caller keeps its previous round number.
//
// This is the only place that knows how rounds are spelled in log text.
func RoundMarker(content string) (opens bool, number int, ok bool) {
	if !strings.Contains(content, "Round") || !strings.Contains(content, ":") {
		return false, 0, false
	}
	m := roundNumberPattern.FindStringSubmatch(content)
	if m == nil {
		return true, 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return true, 0, false
	}
	return true, n, true
}

// RoundGroupKey returns the display key for research round n.
func RoundGroupKey(n int) string {
	return fmt.Sprintf("Research Round %d", n)
}

// Regroup recomputes the display groups from the full raw log. It never mutates
// logs and returns the same output for the same input.
func Regroup(logs []LogEvent) []LogGroup {
	groups := []LogGroup{}

	var misc []LogEvent
	var researchLogs []LogEvent
	for _, l := range logs {
		if l.Kind.IsServerKind() {
			misc = append(misc, l)
		} else {
			researchLogs = append(researchLogs, l)
		}
	}

	if len(misc) > 0 {
		groups = append(groups, LogGroup{Key: MiscGroupKey, Items: misc})
	}

	round := 1
	current := LogGroup{Key: RoundGroupKey(round)}
	for _, l := range researchLogs {
		opens, n, ok := RoundMarker(l.Content)
		if !opens {
			current.Items = append(current.Items, l)
			continue
		}
		if len(current.Items) > 0 {
			groups = append(groups, current)
		}
		if ok {
			round = n
		}
		current = LogGroup{Key: RoundGroupKey(round), Items: []LogEvent{l}}
	}
	if len(current.Items) > 0 {
		groups = append(groups, current)
	}

	return groups
}
