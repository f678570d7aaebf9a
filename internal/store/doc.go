// Package store provides the durable message log for the gateway.
//
// # Data Model
//
// Message is the only persisted entity. A message is either text (Text set) or
// media (MediaReference set, naming a file held by the media relay); Validate
// enforces that exactly one of the two is present and agrees with Kind, and that
// both SenderID and RecipientID are set. Messages are never updated or deleted.
//
// Conversations are not stored. ListConversation derives one at read time by
// selecting every message a contact sent or received.
//
// # Ordering
//
// Listings are ordered by Timestamp ascending. Messages recorded in the same
// instant keep their insertion order via an autoincrement sequence column.
//
// # Backends
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, single file (default)
//   - PostgresStore: pgx/v5 connection pool, for replicas sharing one log
//
// Every backend failure is wrapped in ErrStorage. Appending a message whose
// ProviderMessageID is already stored fails with ErrDuplicateMessage.
package store
