// ABOUTME: Tests for the outbound dispatcher
// ABOUTME: Uses a fake provider to check text and media sends and recording

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatline/internal/conversation"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/provider"
	"github.com/2389/chatline/internal/store"
)

// --- Mocks ---

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendMessage(ctx context.Context, msg provider.OutboundMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type fixture struct {
	dispatcher *Dispatcher
	sender     *MockSender
	relay      *media.Relay
	svc        *conversation.Service
	events     <-chan *store.Message
}

func setup(t *testing.T, publicBase string) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	relay, err := media.NewRelay(filepath.Join(dir, "uploads"), publicBase)
	require.NoError(t, err)

	b := conversation.NewBroadcaster(0, nil)
	t.Cleanup(b.Close)
	svc := conversation.New(st, b, nil)
	events, _ := b.Subscribe(t.Context())

	sender := &MockSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		dispatcher: New(sender, relay, svc, logger),
		sender:     sender,
		relay:      relay,
		svc:        svc,
		events:     events,
	}
}

func (f *fixture) history(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := f.svc.History(context.Background())
	require.NoError(t, err)
	return msgs
}

func (f *fixture) assertNoBroadcast(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.events:
		t.Fatalf("unexpected broadcast %s", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fixture) uploads(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.relay.Dir())
	require.NoError(t, err)
	return entries
}

func TestSend_Text(t *testing.T) {
	f := setup(t, "https://chat.example.com")

	f.sender.On("SendMessage", mock.Anything, provider.NewTextMessage("593999999999", "hola")).
		Return("wamid.out1", nil).Once()

	rec, err := f.dispatcher.Send(context.Background(), SendRequest{
		To:       "593999999999",
		SenderID: "mi-app",
		Text:     "hola",
	})
	require.NoError(t, err)

	assert.Equal(t, store.KindText, rec.Kind)
	assert.Equal(t, "hola", rec.Text)
	assert.Equal(t, "mi-app", rec.SenderID)
	assert.Equal(t, "593999999999", rec.RecipientID)
	assert.Equal(t, "wamid.out1", rec.ProviderMessageID)
	assert.Equal(t, store.SourceDispatch, rec.Source)

	select {
	case got := <-f.events:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}

	history := f.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
	f.sender.AssertExpectations(t)
}

func TestSend_ImageAttachment(t *testing.T) {
	f := setup(t, "https://chat.example.com")

	var sent provider.OutboundMessage
	f.sender.On("SendMessage", mock.Anything, mock.AnythingOfType("provider.OutboundMessage")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(provider.OutboundMessage) }).
		Return("wamid.img", nil).Once()

	rec, err := f.dispatcher.Send(context.Background(), SendRequest{
		To:       "593999999999",
		SenderID: "mi-app",
		Text:     "look",
		File:     &Upload{Name: "photo.jpg", MIMEType: "image/jpeg", Body: strings.NewReader("JPEG")},
	})
	require.NoError(t, err)

	assert.Equal(t, store.KindImage, rec.Kind)
	assert.Empty(t, rec.Text)
	assert.Equal(t, "photo.jpg", rec.FileName)
	assert.True(t, strings.HasSuffix(rec.MediaReference, "-photo.jpg"))

	require.NotNil(t, sent.Image)
	assert.Equal(t, "image", sent.Type)
	assert.Equal(t, "https://chat.example.com/uploads/"+rec.MediaReference, sent.Image.Link)
	assert.Equal(t, "look", sent.Image.Caption)

	obj, err := f.relay.Open(rec.MediaReference)
	require.NoError(t, err)
	obj.Close()
}

func TestSend_DocumentAttachment(t *testing.T) {
	f := setup(t, "https://chat.example.com")

	var sent provider.OutboundMessage
	f.sender.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(provider.OutboundMessage) }).
		Return("wamid.doc", nil).Once()

	rec, err := f.dispatcher.Send(context.Background(), SendRequest{
		To:       "593999999999",
		SenderID: "mi-app",
		File:     &Upload{Name: "invoice.pdf", MIMEType: "application/pdf", Body: strings.NewReader("%PDF")},
	})
	require.NoError(t, err)

	assert.Equal(t, store.KindDocument, rec.Kind)
	require.NotNil(t, sent.Document)
	assert.Equal(t, "document", sent.Type)
	assert.Equal(t, "invoice.pdf", sent.Document.Filename)
}

func TestSend_FallbackPublicURL(t *testing.T) {
	f := setup(t, "")

	var sent provider.OutboundMessage
	f.sender.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(provider.OutboundMessage) }).
		Return("wamid.doc", nil).Once()

	rec, err := f.dispatcher.Send(context.Background(), SendRequest{
		To:        "593999999999",
		SenderID:  "mi-app",
		File:      &Upload{Name: "a.pdf", Body: strings.NewReader("x")},
		PublicURL: "https://tunnel.example.net/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.example.net/uploads/"+rec.MediaReference, sent.Document.Link)
}

func TestSend_NoPublicURLFailsWithoutTrace(t *testing.T) {
	f := setup(t, "")

	_, err := f.dispatcher.Send(context.Background(), SendRequest{
		To:       "593999999999",
		SenderID: "mi-app",
		File:     &Upload{Name: "a.pdf", Body: strings.NewReader("x")},
	})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, media.ErrNoPublicURL)
	assert.Empty(t, f.uploads(t))
	f.sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSend_MissingParameters(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
		want string
	}{
		{"missing to", SendRequest{SenderID: "mi-app", Text: "hola"}, "to"},
		{"missing sender", SendRequest{To: "593999999999", Text: "hola"}, "senderId"},
		{"no content", SendRequest{To: "593999999999", SenderID: "mi-app"}, "text or file"},
		{"bad public url", SendRequest{To: "x", SenderID: "y", Text: "z", PublicURL: "not a url"}, "publicUrl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, "https://chat.example.com")

			_, err := f.dispatcher.Send(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrMissingParameters)
			assert.Contains(t, err.Error(), tt.want)

			f.sender.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
			assert.Empty(t, f.history(t))
		})
	}
}

func TestSend_ProviderFailureLeavesNoTrace(t *testing.T) {
	f := setup(t, "https://chat.example.com")

	apiErr := &provider.APIError{StatusCode: 400, Code: 100, Message: "Invalid parameter"}
	f.sender.On("SendMessage", mock.Anything, mock.Anything).Return("", apiErr).Twice()

	_, err := f.dispatcher.Send(context.Background(), SendRequest{
		To: "593999999999", SenderID: "mi-app", Text: "hola",
	})
	require.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, provider.ErrProvider)

	_, err = f.dispatcher.Send(context.Background(), SendRequest{
		To: "593999999999", SenderID: "mi-app",
		File: &Upload{Name: "invoice.pdf", MIMEType: "application/pdf", Body: strings.NewReader("%PDF")},
	})
	require.ErrorIs(t, err, ErrDispatchFailed)

	assert.Empty(t, f.history(t))
	assert.Empty(t, f.uploads(t), "orphaned attachment removed")
	f.assertNoBroadcast(t)
	f.sender.AssertExpectations(t)
}

// failingRecorder simulates a storage failure after transmission.
type failingRecorder struct{}

func (failingRecorder) Record(context.Context, *store.Message, store.Source) (*store.Message, error) {
	return nil, errors.Join(store.ErrStorage, errors.New("disk full"))
}

func TestSend_StorageFailureAfterSend(t *testing.T) {
	relay, err := media.NewRelay(t.TempDir(), "https://chat.example.com")
	require.NoError(t, err)
	sender := &MockSender{}
	sender.On("SendMessage", mock.Anything, mock.Anything).Return("wamid.x", nil).Once()

	d := New(sender, relay, failingRecorder{}, nil)
	_, err = d.Send(context.Background(), SendRequest{To: "a", SenderID: "b", Text: "c"})
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.NotErrorIs(t, err, ErrDispatchFailed)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, store.KindImage, Classify("image/png", "x.png"))
	assert.Equal(t, store.KindImage, Classify("IMAGE/JPEG", "x"))
	assert.Equal(t, store.KindDocument, Classify("application/pdf", "x.pdf"))
	assert.Equal(t, store.KindDocument, Classify("audio/ogg", "voice.ogg"))
	assert.Equal(t, store.KindDocument, Classify("video/mp4", "clip.mp4"))
	assert.Equal(t, store.KindImage, Classify("", "photo.PNG"))
	assert.Equal(t, store.KindDocument, Classify("", "noext"))
}
