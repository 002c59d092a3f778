// Package conversation owns the durable (user, agent) dialogue.
//
// # Directory
//
// Directory maps each (user, agent) pair to at most one active
// conversation:
//
//	d := conversation.NewDirectory(store, logger)
//	conv, err := d.Resolve(ctx, userID, agentID)
//
// Resolve is find-or-create. In-process callers for the same pair share one
// flight; a concurrent insert from elsewhere hits the store's unique index
// and is absorbed by re-querying.
//
// The external thread id is bound once (BindThread, first writer wins) and
// never changes. The summary fields (last message text, sender, time and the
// unread counter) are updated by RecordTurn in one write. Only agent turns
// increment the unread counter; MarkRead resets it.
//
// Lifecycle:
//
//	active -> closed
//	active -> archived
//
// Both are terminal. Sending to the agent again creates a new conversation.
// Pinned is an independent flag.
//
// # Broadcaster
//
// Broadcaster fans relay events out to every connection that joined a
// conversation room. Publishing never blocks; slow subscribers drop events.
package conversation
