// Package research folds the push-channel events of one research run into the
// state a dashboard renders: progress and timeline, the final answer, grouped
// log panes, discovered links and the follow-up chat.
//
// Everything here is deterministic and free of I/O. The session package owns
// the goroutine that serializes calls into a State.
package research
