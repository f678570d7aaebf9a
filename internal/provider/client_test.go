// ABOUTME: Tests for the Graph API client
// ABOUTME: Uses an httptest server to check requests, errors and media downloads

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		APIBase:       srv.URL + "/v19.0/",
		AccessToken:   "test-token",
		PhoneNumberID: "1055",
		Timeout:       2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_SendText(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v19.0/1055/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.out1"}]}`)
	})

	id, err := client.SendMessage(context.Background(), NewTextMessage("593999999999", "hola"))
	require.NoError(t, err)
	assert.Equal(t, "wamid.out1", id)

	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "593999999999", got["to"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, map[string]any{"body": "hola"}, got["text"])
	assert.NotContains(t, got, "image")
}

func TestClient_SendDocumentPayload(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"messages":[{"id":"wamid.doc"}]}`)
	})

	msg := NewDocumentMessage("593999999999", "https://chat.example.com/uploads/1-2-invoice.pdf", "invoice.pdf", "")
	_, err := client.SendMessage(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "document", got["type"])
	assert.Equal(t, map[string]any{
		"link":     "https://chat.example.com/uploads/1-2-invoice.pdf",
		"filename": "invoice.pdf",
	}, got["document"])
}

func TestClient_SendAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`)
	})

	_, err := client.SendMessage(context.Background(), NewTextMessage("x", "y"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, 100, apiErr.Code)
	assert.Equal(t, "Invalid parameter", apiErr.Message)
}

func TestClient_SendTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(c *Config) { c.Timeout = 50 * time.Millisecond })
	defer close(release)

	start := time.Now()
	_, err := client.SendMessage(context.Background(), NewTextMessage("x", "y"))
	assert.ErrorIs(t, err, ErrProvider)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_SendUnreadableSuccessBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	})

	id, err := client.SendMessage(context.Background(), NewTextMessage("x", "y"))
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestClient_MediaInfoAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("GET /v19.0/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"id":"m1","url":"%s/files/m1","mime_type":"image/jpeg","file_size":5}`, srvURL)
	})
	mux.HandleFunc("GET /files/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte("JPEG!"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	client := NewClient(Config{APIBase: srv.URL + "/v19.0", AccessToken: "test-token", PhoneNumberID: "1055"}, nil, nil)

	info, err := client.MediaInfo(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.MimeType)
	assert.Equal(t, srv.URL+"/files/m1", info.URL)

	data, err := client.DownloadMedia(context.Background(), info.URL)
	require.NoError(t, err)
	assert.Equal(t, "JPEG!", string(data))
}

func TestClient_MediaInfoErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v19.0/nourl" {
			fmt.Fprint(w, `{"id":"nourl"}`)
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := client.MediaInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProvider)

	_, err = client.MediaInfo(context.Background(), "nourl")
	assert.ErrorIs(t, err, ErrProvider)

	_, err = client.MediaInfo(context.Background(), "")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestClient_DownloadTooLarge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}, func(c *Config) { c.MaxMediaBytes = 16 })

	_, err := client.DownloadMedia(context.Background(), client.cfg.APIBase+"/file")
	assert.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	sig := SignatureValue("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte("tampered"), sig))
	assert.False(t, VerifySignature("secret", body, "sha1=abc"))
	assert.False(t, VerifySignature("secret", body, "sha256=zz"))
	assert.False(t, VerifySignature("", body, sig))
}

func TestInboundMessage_Media(t *testing.T) {
	img := &InboundMedia{ID: "m1"}
	m := InboundMessage{Type: "image", Image: img}
	assert.Same(t, img, m.Media())

	loc := InboundMessage{Type: "location"}
	assert.Nil(t, loc.Media())
}
