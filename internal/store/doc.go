// Package store provides persistent storage for agentchat.
//
// # Architecture
//
// Store is composed of narrow interfaces, one per aggregate:
//
//   - UserStore: end-user accounts
//   - CreditStore: per (user, agent) message allowances
//   - AgentStore: assistant personas
//   - ConversationStore: one durable dialogue per (user, agent)
//   - MessageStore: append-only message log with forward-only status
//   - PackStore: purchasable message packs
//   - PaymentStore: pack purchases
//
// SQLiteStore implements every interface on one database. MemoryStore
// implements the same contract in process and backs guest sessions.
//
// # Concurrency
//
// Races are closed by conditional writes rather than read-then-write:
//
//	UPDATE credit_balances SET used_messages = used_messages + 1
//	WHERE ... AND used_messages < free_messages + purchased_messages
//
// The same pattern guards thread binding (first writer wins), message status
// (forward only), payment transitions (pending only) and the one-active
// conversation per pair rule (a partial unique index).
//
// # SQLite Configuration
//
// Either driver can be selected:
//
//	store.Open(store.DriverModernc, path) // modernc.org/sqlite, pure Go
//	store.Open(store.DriverMattn, path)   // github.com/mattn/go-sqlite3, cgo
//
// Both run with WAL mode, foreign keys and a busy timeout.
//
// # Errors
//
//   - ErrNotFound: the entity does not exist
//   - ErrDuplicate: a uniqueness constraint was hit
//   - ErrInsufficient: no credits remain for the pair
//   - ErrConflict: a conditional transition lost against the current state
package store
