// Package conversation holds the in-memory session data model.
//
// Invariants:
// - Turns are appended in causal order and carry a per-session sequence number.
// - A tool result is never appended before its tool call, and at most once.
// - Once a session is closed its history rejects further appends.
//
// Usage:
//
//	sess := conversation.NewSession("", transport)
//	_, _ = sess.History().Append(conversation.UserMessage("hello"))
//	turns := sess.History().Snapshot()
package conversation
