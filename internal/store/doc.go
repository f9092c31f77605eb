// Package store provides persistent storage for direct-message conversations
// and the user directory.
//
// # Architecture
//
// Two interfaces cover the persistence needs:
//
//   - MessageStore: the per-conversation ordered message log
//   - UserStore: registered accounts (the user directory)
//
// Store combines both with Ping and Close. Three backends implement it:
//
//   - SQLiteStore: modernc.org/sqlite (pure Go) or mattn/go-sqlite3 (cgo)
//   - BadgerStore: dgraph-io/badger key-value store
//   - MemoryStore: in-process maps, for development and tests
//
// Open selects one from Options.
//
// # Conversations
//
// A conversation has no stored entity of its own. It is identified by a
// ConversationKey built from the two participant ids in lexicographic order,
// so (alice, bob) and (bob, alice) name the same log.
//
// # Ordering
//
// Append is the only place a message gets its position. Each message carries
// Seq, starting at 1 per conversation, strictly increasing and gap-free, and
// CreatedAt, which never decreases along Seq. Appends to one conversation are
// serialized by a KeyedMutex and by the backend's atomic write (a single
// INSERT ... SELECT ... RETURNING in SQLite, an update transaction in Badger).
// Appends to different conversations do not contend on the key lock.
//
// # History
//
// History returns the most recent Limit messages (default 50, max 500) of a
// conversation, optionally restricted to Seq < Before, in ascending order.
// Paging backwards means passing the first returned Seq as the next Before.
//
// # Errors
//
//   - ErrValidation: empty or whitespace body, self-send, missing ids
//   - ErrStorage: any backend failure, wrapping the cause
//   - ErrNotFound: unknown user
//   - ErrUsernameTaken: duplicate registration
package store
