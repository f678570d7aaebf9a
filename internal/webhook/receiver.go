// ABOUTME: Inbound receiver for WhatsApp Cloud API webhook deliveries
// ABOUTME: Verifies subscriptions, relays inbound media and records each delivered message once

package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/chatline/internal/dedupe"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/metrics"
	"github.com/2389/chatline/internal/provider"
	"github.com/2389/chatline/internal/store"
)

// ErrMalformed is returned for deliveries that are not a provider message notification.
var ErrMalformed = errors.New("malformed delivery")

// ErrUnsupported is returned for message types the gateway does not record.
var ErrUnsupported = errors.New("unsupported message type")

// ErrMediaFetch is returned when inbound media could not be resolved or downloaded.
var ErrMediaFetch = errors.New("media fetch failed")

// MediaSource resolves and downloads provider-held media.
type MediaSource interface {
	MediaInfo(ctx context.Context, mediaID string) (*provider.MediaInfo, error)
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

// MediaStore saves downloaded media.
type MediaStore interface {
	Store(ctx context.Context, src io.Reader, originalName string) (string, error)
	Remove(storedName string) error
}

// Recorder appends and broadcasts a message.
type Recorder interface {
	Record(ctx context.Context, msg *store.Message, source store.Source) (*store.Message, error)
}

// Config holds the receiver's provider credentials.
type Config struct {
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string // empty disables signature checks
}

// Stats is a snapshot of delivery outcomes since start.
type Stats struct {
	Received   uint64
	Recorded   uint64
	Duplicates uint64
	Ignored    uint64
	Failed     uint64
}

// Receiver processes webhook deliveries.
type Receiver struct {
	cfg      Config
	guard    dedupe.Guard
	source   MediaSource
	relay    MediaStore
	recorder Recorder
	logger   *slog.Logger

	received   atomic.Uint64
	recorded   atomic.Uint64
	duplicates atomic.Uint64
	ignored    atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Receiver. A nil guard disables replay detection.
func New(cfg Config, guard dedupe.Guard, source MediaSource, relay MediaStore, recorder Recorder, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		cfg:      cfg,
		guard:    guard,
		source:   source,
		relay:    relay,
		recorder: recorder,
		logger:   logger.With("component", "webhook"),
	}
}

// Verify answers the provider's subscription handshake. It returns the
// challenge to echo and true only for mode "subscribe" with the configured token.
func (r *Receiver) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || r.cfg.VerifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.VerifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// SignatureRequired reports whether deliveries must carry a valid signature.
func (r *Receiver) SignatureRequired() bool { return r.cfg.AppSecret != "" }

// CheckSignature validates the X-Hub-Signature-256 header against body.
func (r *Receiver) CheckSignature(body []byte, header string) bool {
	if !r.SignatureRequired() {
		return true
	}
	return provider.VerifySignature(r.cfg.AppSecret, body, header)
}

// Stats returns delivery counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received:   r.received.Load(),
		Recorded:   r.recorded.Load(),
		Duplicates: r.duplicates.Load(),
		Ignored:    r.ignored.Load(),
		Failed:     r.failed.Load(),
	}
}

// HandleDelivery processes one delivery body. Only the first message of the
// first change is considered. It returns the recorded message, or nil when the
// delivery was ignored or was a redelivery.
func (r *Receiver) HandleDelivery(ctx context.Context, body []byte) (*store.Message, error) {
	r.received.Add(1)

	var payload provider.WebhookPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&payload); err != nil {
		r.ignore("parse")
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		r.ignored.Add(1)
		return nil, nil
	}
	change := payload.Entry[0].Changes[0]
	if change.Field != "messages" || len(change.Value.Messages) == 0 {
		// Status callbacks and other notifications.
		r.ignored.Add(1)
		return nil, nil
	}
	in := change.Value.Messages[0]

	recipient := change.Value.Metadata.PhoneNumberID
	if recipient == "" {
		recipient = r.cfg.PhoneNumberID
	}

	if in.ID != "" && r.guard != nil {
		dup, err := r.guard.Claim(ctx, in.ID)
		if err != nil {
			// Fall through; the store's provider id index still rejects replays.
			r.logger.Warn("replay guard unavailable", "provider_message_id", in.ID, "error", err)
		} else if dup {
			r.duplicate(in.ID)
			return nil, nil
		}
	}

	msg, err := r.buildMessage(ctx, &in, recipient)
	if err != nil {
		r.release(ctx, in.ID)
		return nil, err
	}

	rec, err := r.recorder.Record(ctx, msg, store.SourceWebhook)
	if errors.Is(err, store.ErrDuplicateMessage) {
		r.discard(msg.MediaReference)
		r.duplicate(in.ID)
		return nil, nil
	}
	if err != nil {
		r.discard(msg.MediaReference)
		r.release(ctx, in.ID)
		r.fail("storage")
		return nil, err
	}

	r.recorded.Add(1)
	r.logger.Info("inbound message recorded",
		"message_id", rec.ID,
		"kind", rec.Kind,
		"from", rec.SenderID,
		"provider_message_id", in.ID)
	return rec, nil
}

func (r *Receiver) buildMessage(ctx context.Context, in *provider.InboundMessage, recipient string) (*store.Message, error) {
	msg := &store.Message{
		SenderID:          in.From,
		RecipientID:       recipient,
		ProviderMessageID: in.ID,
	}

	if in.Type == "text" {
		if in.Text == nil || in.Text.Body == "" {
			r.ignore("parse")
			return nil, fmt.Errorf("%w: text message without body", ErrMalformed)
		}
		msg.Kind = store.KindText
		msg.Text = in.Text.Body
		return msg, nil
	}

	obj := in.Media()
	if obj == nil {
		if isMediaType(in.Type) {
			r.ignore("parse")
			return nil, fmt.Errorf("%w: %s message without media object", ErrMalformed, in.Type)
		}
		r.ignore("unsupported")
		r.logger.Info("ignoring unsupported message type", "type", in.Type, "from", in.From)
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, in.Type)
	}

	storedName, err := r.relayMedia(ctx, obj)
	if err != nil {
		return nil, err
	}
	msg.Kind = store.Kind(in.Type)
	msg.MediaReference = storedName
	msg.FileName = media.SuggestedName(storedName)
	return msg, nil
}

func (r *Receiver) relayMedia(ctx context.Context, obj *provider.InboundMedia) (string, error) {
	start := time.Now()
	info, err := r.source.MediaInfo(ctx, obj.ID)
	metrics.ProviderLatency.WithLabelValues("media_info").Observe(time.Since(start).Seconds())
	if err != nil {
		r.fail("media_info")
		return "", fmt.Errorf("%w: resolving %s: %w", ErrMediaFetch, obj.ID, err)
	}

	start = time.Now()
	data, err := r.source.DownloadMedia(ctx, info.URL)
	metrics.ProviderLatency.WithLabelValues("media_download").Observe(time.Since(start).Seconds())
	if err != nil {
		r.fail("media_download")
		return "", fmt.Errorf("%w: downloading %s: %w", ErrMediaFetch, obj.ID, err)
	}

	mimeType := obj.MimeType
	if mimeType == "" {
		mimeType = info.MimeType
	}
	storedName, err := r.relay.Store(ctx, bytes.NewReader(data), DisplayName(obj.ID, obj.Filename, obj.Caption, mimeType))
	if err != nil {
		r.fail("media_store")
		return "", fmt.Errorf("storing media %s: %w", obj.ID, err)
	}
	return storedName, nil
}

// DisplayName picks the name an inbound attachment is stored under: the
// provided filename, else the caption, else "<mediaID>.<subtype>" with "tmp"
// when the MIME type has no subtype.
func DisplayName(mediaID, filename, caption, mimeType string) string {
	if filename != "" {
		return filename
	}
	if caption != "" {
		return caption
	}
	return mediaID + "." + mimeSubtype(mimeType)
}

func mimeSubtype(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	_, sub, ok := strings.Cut(mimeType, "/")
	sub = strings.TrimSpace(sub)
	if !ok || sub == "" {
		return "tmp"
	}
	return sub
}

func isMediaType(t string) bool {
	switch store.Kind(t) {
	case store.KindImage, store.KindDocument, store.KindAudio, store.KindVideo:
		return true
	}
	return false
}

func (r *Receiver) ignore(stage string) {
	r.ignored.Add(1)
	metrics.InboundFailures.WithLabelValues(stage).Inc()
}

func (r *Receiver) fail(stage string) {
	r.failed.Add(1)
	metrics.InboundFailures.WithLabelValues(stage).Inc()
}

func (r *Receiver) duplicate(providerID string) {
	r.duplicates.Add(1)
	metrics.InboundDuplicates.Inc()
	r.logger.Debug("skipping redelivered message", "provider_message_id", providerID)
}

// release lets a provider retry of a failed delivery through the guard.
// discard removes media relayed for a delivery that was not recorded.
func (r *Receiver) discard(storedName string) {
	if storedName == "" {
		return
	}
	if err := r.relay.Remove(storedName); err != nil {
		r.logger.Warn("failed to remove unrecorded media", "stored_name", storedName, "error", err)
	}
}

func (r *Receiver) release(ctx context.Context, providerID string) {
	if providerID == "" || r.guard == nil {
		return
	}
	if err := r.guard.Release(ctx, providerID); err != nil {
		r.logger.Warn("failed to release replay guard", "provider_message_id", providerID, "error", err)
	}
}
