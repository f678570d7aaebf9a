// ABOUTME: Outbound dispatcher turning an authenticated send request into a provider message
// ABOUTME: Validates, relays attachments, transmits once, then records through the conversation service

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/provider"
	"github.com/2389/chatline/internal/store"
)

// ErrMissingParameters is returned before any network call when the request
// lacks a recipient, a sender, or any content.
var ErrMissingParameters = errors.New("missing parameters")

// ErrDispatchFailed is returned when the provider did not accept the message.
// Nothing is persisted or broadcast in that case.
var ErrDispatchFailed = errors.New("dispatch failed")

// Sender transmits a message to the provider and returns its message id.
type Sender interface {
	SendMessage(ctx context.Context, msg provider.OutboundMessage) (string, error)
}

// MediaStore is the part of the media relay the dispatcher uses.
type MediaStore interface {
	Store(ctx context.Context, src io.Reader, originalName string) (string, error)
	PublicViewURL(storedName string) (string, error)
	Remove(storedName string) error
}

// Recorder appends and broadcasts a message.
type Recorder interface {
	Record(ctx context.Context, msg *store.Message, source store.Source) (*store.Message, error)
}

// Upload is an attached file.
type Upload struct {
	Name     string
	MIMEType string
	Body     io.Reader
}

// SendRequest is one outbound send. Text and File may both be set; the text
// then travels as the attachment caption.
type SendRequest struct {
	To       string  `validate:"required"`
	SenderID string  `validate:"required"`
	Text     string  `validate:"required_without=File"`
	File     *Upload `validate:"required_without=Text"`

	// PublicURL is the caller's public origin, used for the media link when the
	// gateway has none configured.
	PublicURL string `validate:"omitempty,url"`
}

// Dispatcher sends messages through the provider.
type Dispatcher struct {
	sender   Sender
	media    MediaStore
	recorder Recorder
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(sender Sender, mediaStore MediaStore, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		media:    mediaStore,
		recorder: recorder,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "dispatch"),
	}
}

// Send validates req, transmits it and records the resulting message.
//
// Provider failures return ErrDispatchFailed and leave no trace: the attachment
// is removed and no message is stored or broadcast. A storage failure after a
// successful transmission is returned as is; the recipient already has the message.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := d.validate.Struct(req); err != nil {
		metrics.DispatchFailures.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: %s", ErrMissingParameters, describeValidation(err))
	}

	var (
		payload    provider.OutboundMessage
		msg        = &store.Message{SenderID: req.SenderID, RecipientID: req.To}
		storedName string
	)

	if req.File != nil {
		kind := Classify(req.File.MIMEType, req.File.Name)

		var err error
		storedName, err = d.media.Store(ctx, req.File.Body, req.File.Name)
		if err != nil {
			metrics.DispatchFailures.WithLabelValues("media").Inc()
			return nil, fmt.Errorf("storing attachment: %w", err)
		}

		link, err := d.publicLink(storedName, req.PublicURL)
		if err != nil {
			d.discard(storedName)
			metrics.DispatchFailures.WithLabelValues("media").Inc()
			return nil, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}

		displayName := media.SuggestedName(storedName)
		if kind == store.KindImage {
			payload = provider.NewImageMessage(req.To, link, req.Text)
		} else {
			payload = provider.NewDocumentMessage(req.To, link, displayName, req.Text)
		}
		msg.Kind = kind
		msg.MediaReference = storedName
		msg.FileName = displayName
	} else {
		payload = provider.NewTextMessage(req.To, req.Text)
		msg.Kind = store.KindText
		msg.Text = req.Text
	}

	start := time.Now()
	providerID, err := d.sender.SendMessage(ctx, payload)
	metrics.ProviderLatency.WithLabelValues("send").Observe(time.Since(start).Seconds())
	if err != nil {
		if storedName != "" {
			d.discard(storedName)
		}
		metrics.DispatchFailures.WithLabelValues("provider").Inc()
		d.logger.Warn("provider rejected message", "to", req.To, "type", payload.Type, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	msg.ProviderMessageID = providerID

	rec, err := d.recorder.Record(ctx, msg, store.SourceDispatch)
	if err != nil {
		metrics.DispatchFailures.WithLabelValues("storage").Inc()
		d.logger.Error("message sent but not recorded",
			"to", req.To,
			"provider_message_id", providerID,
			"error", err)
		return nil, err
	}

	d.logger.Info("message dispatched",
		"message_id", rec.ID,
		"kind", rec.Kind,
		"to", req.To,
		"provider_message_id", providerID)
	return rec, nil
}

func (d *Dispatcher) publicLink(storedName, fallbackOrigin string) (string, error) {
	link, err := d.media.PublicViewURL(storedName)
	if err == nil {
		return link, nil
	}
	if errors.Is(err, media.ErrNoPublicURL) && fallbackOrigin != "" {
		return strings.TrimRight(fallbackOrigin, "/") + "/uploads/" + url.PathEscape(storedName), nil
	}
	return "", err
}

// discard removes an attachment whose message will never exist.
func (d *Dispatcher) discard(storedName string) {
	if err := d.media.Remove(storedName); err != nil {
		d.logger.Warn("failed to remove orphaned attachment", "name", storedName, "error", err)
	}
}

// Classify maps an attachment to a message kind: image/* is an image,
// everything else is sent as a document. An empty MIME type is guessed from
// the file extension.
func Classify(mimeType, fileName string) store.Kind {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	}
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return store.KindImage
	}
	return store.KindDocument
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	seen := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		name := fieldName(fe.Field())
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return strings.Join(fields, ", ")
}

func fieldName(goName string) string {
	switch goName {
	case "To":
		return "to"
	case "SenderID":
		return "senderId"
	case "Text", "File":
		return "text or file"
	case "PublicURL":
		return "publicUrl"
	}
	return goName
}
