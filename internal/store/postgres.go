// ABOUTME: PostgreSQL implementation of the Store interface using pgx/v5
// ABOUTME: Used when several gateway replicas share one message log

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool is the subset of *pgxpool.Pool the store needs.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	pool   pgxPool
	logger *slog.Logger
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT 'text',
		text TEXT NOT NULL DEFAULT '',
		media_reference TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		provider_message_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_id
		ON messages(provider_message_id) WHERE provider_message_id <> '';
`

// NewPostgresStore connects to dsn, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := newPostgresStore(pool, slog.Default().With("component", "store"))
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("postgres store initialized")
	return s, nil
}

func newPostgresStore(pool pgxPool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// AppendMessage persists a message. The message must already carry an ID and Timestamp.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" || msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: id and timestamp must be assigned before append", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, kind, text, media_reference, file_name, sender_id, recipient_id,
			created_at, source, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID,
		string(msg.Kind),
		msg.Text,
		msg.MediaReference,
		msg.FileName,
		msg.SenderID,
		msg.RecipientID,
		msg.Timestamp.UTC(),
		string(msg.Source),
		msg.ProviderMessageID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_messages_provider_id" {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ProviderMessageID)
		}
		return fmt.Errorf("%w: inserting message: %w", ErrStorage, err)
	}
	return nil
}

const postgresSelect = `SELECT id, kind, text, media_reference, file_name, sender_id, recipient_id,
		created_at, source, provider_message_id FROM messages`

// ListMessages returns all messages ordered by timestamp, then insertion order
func (s *PostgresStore) ListMessages(ctx context.Context) ([]*Message, error) {
	return s.queryMessages(ctx, postgresSelect+` ORDER BY created_at ASC, seq ASC`)
}

// ListConversation returns all messages sent by or to contact
func (s *PostgresStore) ListConversation(ctx context.Context, contact string) ([]*Message, error) {
	return s.queryMessages(ctx,
		postgresSelect+` WHERE sender_id = $1 OR recipient_id = $1 ORDER BY created_at ASC, seq ASC`,
		contact)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
			createdAt time.Time
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
		msg.Timestamp = createdAt.UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating messages: %w", ErrStorage, err)
	}
	return messages, nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
