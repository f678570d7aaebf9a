// ABOUTME: Store interface and data types for chatline persistence
// ABOUTME: Defines the Message record, its invariants, and the append-only Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorage wraps every backend failure (the append or listing did not happen).
var ErrStorage = errors.New("storage failure")

// ErrInvalidMessage is returned when a message violates the record invariants.
var ErrInvalidMessage = errors.New("invalid message")

// ErrDuplicateMessage is returned when a provider message id has already been stored.
var ErrDuplicateMessage = errors.New("provider message already stored")

// Kind is the content kind of a message.
type Kind string

// Message kinds. Every kind other than text carries a media reference.
const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// IsMedia reports whether messages of this kind carry a media reference.
func (k Kind) IsMedia() bool {
	return k.Valid() && k != KindText
}

// Source records which producer created a message.
type Source string

// Message sources
const (
	SourceWebhook  Source = "webhook"  // inbound provider delivery
	SourceDispatch Source = "dispatch" // authenticated outbound send
	SourceSocket   Source = "socket"   // raw client push over the realtime channel
)

// Message is one entry in the conversation log. Messages are immutable once appended.
type Message struct {
	ID                string    `json:"id"`
	Kind              Kind      `json:"kind"`
	Text              string    `json:"text,omitempty"`
	MediaReference    string    `json:"mediaReference,omitempty"`
	FileName          string    `json:"fileName,omitempty"`
	SenderID          string    `json:"senderId"`
	RecipientID       string    `json:"recipientId"`
	Timestamp         time.Time `json:"timestamp"`
	Source            Source    `json:"source,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
}

// Validate checks the record invariants: a known kind, text xor media reference
// consistent with that kind, and both participants present.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	}
	if m.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrInvalidMessage)
	}
	if m.Kind == KindText {
		if m.Text == "" {
			return fmt.Errorf("%w: text message requires text", ErrInvalidMessage)
		}
		if m.MediaReference != "" {
			return fmt.Errorf("%w: text message cannot carry a media reference", ErrInvalidMessage)
		}
		return nil
	}
	if m.MediaReference == "" {
		return fmt.Errorf("%w: %s message requires a media reference", ErrInvalidMessage, m.Kind)
	}
	if m.Text != "" {
		return fmt.Errorf("%w: %s message cannot carry text", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Involves reports whether contact is either participant of the message.
func (m *Message) Involves(contact string) bool {
	return m.SenderID == contact || m.RecipientID == contact
}

// Store is the durable, append-only message log.
// Listings are ordered by timestamp, ties broken by insertion order.
type Store interface {
	// AppendMessage persists a fully-formed message (ID and Timestamp already set).
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns every message in ascending timestamp order.
	ListMessages(ctx context.Context) ([]*Message, error)

	// ListConversation returns the messages sent by or to contact, in the same order.
	ListConversation(ctx context.Context, contact string) ([]*Message, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open returns the Store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
