// ABOUTME: Tests for the webhook receiver against a fake Graph API
// ABOUTME: Covers verification, media relay, replay handling and ignored payloads

package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatline/internal/conversation"
	"github.com/2389/chatline/internal/dedupe"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/provider"
	"github.com/2389/chatline/internal/store"
)

// fakeGraph serves media info and media bytes like the Graph API.
type fakeGraph struct {
	srv       *httptest.Server
	infoCalls atomic.Int32
	failInfo  atomic.Bool
	failBytes atomic.Bool
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	g := &fakeGraph{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v19.0/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.infoCalls.Add(1)
		if g.failInfo.Load() {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"Unsupported get request","code":100}}`)
			return
		}
		id := r.PathValue("id")
		fmt.Fprintf(w, `{"id":%q,"url":%q,"mime_type":"image/jpeg"}`, id, g.srv.URL+"/files/"+id)
	})
	mux.HandleFunc("GET /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if g.failBytes.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "bytes of "+r.PathValue("id"))
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

type fixture struct {
	receiver *Receiver
	graph    *fakeGraph
	relay    *media.Relay
	svc      *conversation.Service
	events   <-chan *store.Message
}

func setup(t *testing.T, appSecret string) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	relay, err := media.NewRelay(filepath.Join(dir, "uploads"), "")
	require.NoError(t, err)

	b := conversation.NewBroadcaster(0, logger)
	t.Cleanup(b.Close)
	svc := conversation.New(st, b, logger)
	events, _ := b.Subscribe(t.Context())

	graph := newFakeGraph(t)
	client := provider.NewClient(provider.Config{
		APIBase:       graph.srv.URL + "/v19.0",
		AccessToken:   "test-token",
		PhoneNumberID: "1055",
		Timeout:       2 * time.Second,
	}, nil, logger)

	guard := dedupe.New(time.Hour, 100)
	t.Cleanup(func() { guard.Close() })

	r := New(Config{
		PhoneNumberID: "1055",
		VerifyToken:   "verify-me",
		AppSecret:     appSecret,
	}, guard, client, relay, svc, logger)

	return &fixture{receiver: r, graph: graph, relay: relay, svc: svc, events: events}
}

func (f *fixture) history(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := f.svc.History(context.Background())
	require.NoError(t, err)
	return msgs
}

func delivery(message string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"metadata":{"display_phone_number":"15550001055","phone_number_id":"1055"},
		"messages":[` + message + `]}}]}]}`
}

func textDelivery(id, from, body string) string {
	return delivery(fmt.Sprintf(`{"from":%q,"id":%q,"timestamp":"1700000000","type":"text","text":{"body":%q}}`, from, id, body))
}

func imageDelivery(id, from string) string {
	return delivery(fmt.Sprintf(`{"from":%q,"id":"wamid.%s","timestamp":"1700000000","type":"image","image":{"id":%q,"mime_type":"image/jpeg"}}`, from, id, id))
}

func TestVerify(t *testing.T) {
	f := setup(t, "")

	challenge, ok := f.receiver.Verify("subscribe", "verify-me", "12345")
	assert.True(t, ok)
	assert.Equal(t, "12345", challenge)

	_, ok = f.receiver.Verify("subscribe", "wrong", "12345")
	assert.False(t, ok)
	_, ok = f.receiver.Verify("unsubscribe", "verify-me", "12345")
	assert.False(t, ok)
	_, ok = f.receiver.Verify("", "", "")
	assert.False(t, ok)
}

func TestHandleDelivery_Text(t *testing.T) {
	f := setup(t, "")

	rec, err := f.receiver.HandleDelivery(context.Background(), []byte(textDelivery("wamid.t1", "593888888888", "hola")))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, store.KindText, rec.Kind)
	assert.Equal(t, "hola", rec.Text)
	assert.Equal(t, "593888888888", rec.SenderID)
	assert.Equal(t, "1055", rec.RecipientID)
	assert.Equal(t, store.SourceWebhook, rec.Source)
	assert.Equal(t, "wamid.t1", rec.ProviderMessageID)

	select {
	case got := <-f.events:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestHandleDelivery_InboundImage(t *testing.T) {
	f := setup(t, "")

	rec, err := f.receiver.HandleDelivery(context.Background(), []byte(imageDelivery("m1", "593888888888")))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, store.KindImage, rec.Kind)
	assert.Empty(t, rec.Text)
	assert.Equal(t, "m1.jpeg", rec.FileName)
	assert.True(t, strings.HasSuffix(rec.MediaReference, "-m1.jpeg"), rec.MediaReference)
	assert.Equal(t, "1055", rec.RecipientID)

	obj, err := f.relay.Open(rec.MediaReference)
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "bytes of m1", string(data))
}

func TestHandleDelivery_DocumentKeepsFilename(t *testing.T) {
	f := setup(t, "")

	body := delivery(`{"from":"593888888888","id":"wamid.d1","type":"document",
		"document":{"id":"d1","mime_type":"application/pdf","filename":"invoice.pdf","caption":"march"}}`)
	rec, err := f.receiver.HandleDelivery(context.Background(), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, store.KindDocument, rec.Kind)
	assert.Equal(t, "invoice.pdf", rec.FileName)
}

func TestHandleDelivery_Redelivery(t *testing.T) {
	f := setup(t, "")
	body := []byte(textDelivery("wamid.same", "593888888888", "hola"))

	first, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Len(t, f.history(t), 1)
	assert.Equal(t, uint64(1), f.receiver.Stats().Duplicates)
}

func TestHandleDelivery_RedeliveryCaughtByStoreWithoutGuard(t *testing.T) {
	f := setup(t, "")
	f.receiver.guard = nil
	body := []byte(textDelivery("wamid.same", "593888888888", "hola"))

	_, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	rec, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, f.history(t), 1)
}

func TestHandleDelivery_IgnoredShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"no changes", `{"entry":[{"id":"x","changes":[]}]}`},
		{"status callback", `{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`},
		{"other field", `{"entry":[{"changes":[{"field":"account_update","value":{}}]}]}`},
		{"not json", `not json at all`},
		{"text without body", delivery(`{"from":"1","id":"wamid.x","type":"text"}`)},
		{"empty text body", delivery(`{"from":"1","id":"wamid.e","type":"text","text":{"body":""}}`)},
		{"image without object", delivery(`{"from":"1","id":"wamid.y","type":"image"}`)},
		{"location", delivery(`{"from":"1","id":"wamid.z","type":"location","location":{"latitude":1}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, "")
			rec, _ := f.receiver.HandleDelivery(context.Background(), []byte(tt.body))
			assert.Nil(t, rec)
			assert.Empty(t, f.history(t))
			assert.Equal(t, uint64(1), f.receiver.Stats().Ignored)
			assert.Zero(t, f.receiver.Stats().Failed)
		})
	}
}

func TestHandleDelivery_MediaFailureReleasesGuard(t *testing.T) {
	f := setup(t, "")
	body := []byte(imageDelivery("m2", "593888888888"))

	f.graph.failBytes.Store(true)
	rec, err := f.receiver.HandleDelivery(context.Background(), body)
	assert.ErrorIs(t, err, ErrMediaFetch)
	assert.Nil(t, rec)
	assert.Empty(t, f.history(t))
	entries, err := os.ReadDir(f.relay.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The provider retries the same delivery once media is available.
	f.graph.failBytes.Store(false)
	rec, err = f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, f.history(t), 1)

	stats := f.receiver.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Recorded)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, *store.Message, store.Source) (*store.Message, error) {
	return nil, fmt.Errorf("%w: disk full", store.ErrStorage)
}

func TestHandleDelivery_StorageFailureRemovesMedia(t *testing.T) {
	f := setup(t, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := provider.NewClient(provider.Config{
		APIBase:       f.graph.srv.URL + "/v19.0",
		AccessToken:   "test-token",
		PhoneNumberID: "1055",
		Timeout:       2 * time.Second,
	}, nil, logger)
	guard := dedupe.New(time.Hour, 100)
	t.Cleanup(func() { guard.Close() })
	r := New(Config{PhoneNumberID: "1055"}, guard, client, f.relay, failingRecorder{}, logger)

	rec, err := r.HandleDelivery(context.Background(), []byte(imageDelivery("m4", "593888888888")))
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Nil(t, rec)
	assert.Equal(t, uint64(1), r.Stats().Failed)

	entries, err := os.ReadDir(f.relay.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleDelivery_StoreDuplicateRemovesSecondCopy(t *testing.T) {
	f := setup(t, "")
	f.receiver.guard = nil
	body := []byte(imageDelivery("m5", "593888888888"))

	first, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := f.receiver.HandleDelivery(context.Background(), body)
	require.NoError(t, err)
	assert.Nil(t, second)

	entries, err := os.ReadDir(f.relay.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.MediaReference, entries[0].Name())
}

func TestHandleDelivery_MediaInfoFailure(t *testing.T) {
	f := setup(t, "")
	f.graph.failInfo.Store(true)

	_, err := f.receiver.HandleDelivery(context.Background(), []byte(imageDelivery("m3", "593888888888")))
	assert.ErrorIs(t, err, ErrMediaFetch)
	assert.ErrorIs(t, err, provider.ErrProvider)
	assert.Empty(t, f.history(t))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "invoice.pdf", DisplayName("m1", "invoice.pdf", "caption", "application/pdf"))
	assert.Equal(t, "a caption", DisplayName("m1", "", "a caption", "image/png"))
	assert.Equal(t, "m1.jpeg", DisplayName("m1", "", "", "image/jpeg"))
	assert.Equal(t, "m1.ogg", DisplayName("m1", "", "", "audio/ogg; codecs=opus"))
	assert.Equal(t, "m1.tmp", DisplayName("m1", "", "", ""))
	assert.Equal(t, "m1.tmp", DisplayName("m1", "", "", "application"))
}
