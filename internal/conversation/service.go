// ABOUTME: Service is the single entry point that records messages and announces them
// ABOUTME: Webhook, dispatch and socket producers all append through Record - persist first, then broadcast

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/store"
)

// Service assigns identity, persists and broadcasts messages.
type Service struct {
	store       store.Store
	broadcaster *Broadcaster
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a Service.
func New(st store.Store, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
}

// Broadcaster returns the shared channel messages are published on.
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }

// Record stores a new message and then publishes it to every subscriber.
//
// The caller supplies content and participants; Record assigns the ID and
// Timestamp, discarding any values already present. Nothing is published when
// validation or the append fails. The returned message is the stored copy.
func (s *Service) Record(ctx context.Context, msg *store.Message, source store.Source) (*store.Message, error) {
	rec := *msg
	rec.ID = s.newID()
	rec.Timestamp = s.now()
	rec.Source = source

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	// Persist first: a message that is broadcast is always in history.
	if err := s.store.AppendMessage(ctx, &rec); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	metrics.MessagesRecorded.WithLabelValues(string(source), string(rec.Kind)).Inc()

	delivered := s.broadcaster.Publish(&rec)

	s.logger.Debug("message recorded",
		"message_id", rec.ID,
		"kind", rec.Kind,
		"source", source,
		"sender", rec.SenderID,
		"recipient", rec.RecipientID,
		"delivered", delivered)

	return &rec, nil
}

// History returns every message in timestamp order.
func (s *Service) History(ctx context.Context) ([]*store.Message, error) {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return msgs, nil
}

// Conversation returns the messages a contact sent or received, in timestamp order.
func (s *Service) Conversation(ctx context.Context, contact string) ([]*store.Message, error) {
	msgs, err := s.store.ListConversation(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", contact, err)
	}
	return msgs, nil
}

// Contacts lists the external parties in the log, most recently active first.
// Ids in self (the gateway's own sender ids and business number) are skipped.
func (s *Service) Contacts(ctx context.Context, self ...string) ([]string, error) {
	msgs, err := s.History(ctx)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(self))
	for _, id := range self {
		skip[id] = true
	}

	seen := make(map[string]bool)
	var contacts []string
	for i := len(msgs) - 1; i >= 0; i-- {
		for _, id := range []string{msgs[i].SenderID, msgs[i].RecipientID} {
			if id == "" || skip[id] || seen[id] {
				continue
			}
			seen[id] = true
			contacts = append(contacts, id)
		}
	}
	return contacts, nil
}
