// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the append-only message log with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN to reach every pooled conn
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'text',
			text TEXT NOT NULL DEFAULT '',
			media_reference TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON messages(created_at, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(sender_id);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient
			ON messages(recipient_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive schema changes to databases created by older builds
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'source'`,
			apply:  `ALTER TABLE messages ADD COLUMN source TEXT NOT NULL DEFAULT ''`,
			column: "source",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'provider_message_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN provider_message_id TEXT NOT NULL DEFAULT ''`,
			column: "provider_message_id",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	// Provider ids are unique when present; empty means "not from the provider".
	_, err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_id
			ON messages(provider_message_id) WHERE provider_message_id != ''
	`)
	if err != nil {
		return fmt.Errorf("creating provider id index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// AppendMessage persists a message. The message must already carry an ID and Timestamp.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" || msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: id and timestamp must be assigned before append", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO messages (id, kind, text, media_reference, file_name, sender_id, recipient_id,
			created_at, source, provider_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		string(msg.Kind),
		msg.Text,
		msg.MediaReference,
		msg.FileName,
		msg.SenderID,
		msg.RecipientID,
		msg.Timestamp.UTC().UnixNano(),
		string(msg.Source),
		msg.ProviderMessageID,
	)
	if err != nil {
		if msg.ProviderMessageID != "" && isConstraintViolation(err) &&
			strings.Contains(err.Error(), "provider_message_id") {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ProviderMessageID)
		}
		return fmt.Errorf("%w: inserting message: %w", ErrStorage, err)
	}

	return nil
}

const selectMessageColumns = `
	SELECT id, kind, text, media_reference, file_name, sender_id, recipient_id,
		created_at, source, provider_message_id
	FROM messages
`

// ListMessages returns all messages ordered by timestamp, then insertion order
func (s *SQLiteStore) ListMessages(ctx context.Context) ([]*Message, error) {
	return s.queryMessages(ctx, selectMessageColumns+` ORDER BY created_at ASC, seq ASC`)
}

// ListConversation returns all messages sent by or to contact
func (s *SQLiteStore) ListConversation(ctx context.Context, contact string) ([]*Message, error) {
	return s.queryMessages(ctx,
		selectMessageColumns+` WHERE sender_id = ? OR recipient_id = ? ORDER BY created_at ASC, seq ASC`,
		contact, contact)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying messages: %w", ErrStorage, err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var (
			msg       Message
			kind      string
			source    string
			createdAt int64
		)
		if err := rows.Scan(
			&msg.ID,
			&kind,
			&msg.Text,
			&msg.MediaReference,
			&msg.FileName,
			&msg.SenderID,
			&msg.RecipientID,
			&createdAt,
			&source,
			&msg.ProviderMessageID,
		); err != nil {
			return nil, fmt.Errorf("%w: scanning message: %w", ErrStorage, err)
		}
		msg.Kind = Kind(kind)
		msg.Source = Source(source)
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating messages: %w", ErrStorage, err)
	}

	return messages, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
