// ABOUTME: HTTP API handlers for sending, listing, exporting and downloading messages
// ABOUTME: Maps dispatch and store errors onto status codes with JSON error bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/chatline/internal/dispatch"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/store"
	"github.com/2389/chatline/internal/transcript"
)

const multipartMemory = 8 << 20

// sendJSONRequest is the JSON body of POST /api/messages/send.
type sendJSONRequest struct {
	To        string `json:"to"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	PublicURL string `json:"publicUrl"`
}

// sendResponse is the success body of POST /api/messages/send.
type sendResponse struct {
	Status string         `json:"status"`
	Data   *store.Message `json:"data"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// parseSendRequest reads a JSON or multipart send request. The returned
// cleanup releases multipart temp files.
func (g *Gateway) parseSendRequest(w http.ResponseWriter, r *http.Request) (dispatch.SendRequest, func(), error) {
	noop := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, g.config.Media.MaxUploadBytes+multipartMemory)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body sendJSONRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return dispatch.SendRequest{}, noop, fmt.Errorf("invalid JSON body: %w", err)
		}
		return dispatch.SendRequest{
			To:        strings.TrimSpace(body.To),
			SenderID:  strings.TrimSpace(body.SenderID),
			Text:      body.Text,
			PublicURL: body.PublicURL,
		}, noop, nil
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return dispatch.SendRequest{}, noop, fmt.Errorf("invalid multipart body: %w", err)
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	req := dispatch.SendRequest{
		To:        strings.TrimSpace(r.FormValue("to")),
		SenderID:  strings.TrimSpace(r.FormValue("senderId")),
		Text:      r.FormValue("text"),
		PublicURL: r.FormValue("publicUrl"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		cleanup()
		return dispatch.SendRequest{}, noop, fmt.Errorf("reading file: %w", err)
	default:
		if header.Size > g.config.Media.MaxUploadBytes {
			file.Close()
			cleanup()
			return dispatch.SendRequest{}, noop, &http.MaxBytesError{Limit: g.config.Media.MaxUploadBytes}
		}
		req.File = &dispatch.Upload{
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
			Body:     file,
		}
		cleanup = func() {
			file.Close()
			r.MultipartForm.RemoveAll()
		}
	}
	return req, cleanup, nil
}

// handleSend handles POST /api/messages/send.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := g.parseSendRequest(w, r)
	defer cleanup()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.dispatcher.Send(r.Context(), req)
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, sendResponse{Status: "success", Data: msg})
	case errors.Is(err, dispatch.ErrMissingParameters):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrDispatchFailed):
		g.sendJSON(w, http.StatusBadGateway, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		g.logger.Error("send failed", "to", req.To, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to save message")
	}
}

// handleListMessages handles GET /api/messages, optionally filtered by ?contact=.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	var (
		msgs []*store.Message
		err  error
	)
	if contact := r.URL.Query().Get("contact"); contact != "" {
		msgs, err = g.conversation.Conversation(r.Context(), contact)
	} else {
		msgs, err = g.conversation.History(r.Context())
	}
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.sendJSON(w, http.StatusOK, msgs)
}

// handleContacts handles GET /api/contacts.
func (g *Gateway) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := g.conversation.Contacts(r.Context(), g.config.Realtime.AppSenderID, g.config.Provider.PhoneNumberID)
	if err != nil {
		g.logger.Error("failed to list contacts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load contacts")
		return
	}
	if contacts == nil {
		contacts = []string{}
	}
	g.sendJSON(w, http.StatusOK, contacts)
}

// handleTranscript handles GET /api/messages/transcript?contact=&format=.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	contact := r.URL.Query().Get("contact")
	if contact == "" {
		g.sendJSONError(w, http.StatusBadRequest, "contact is required")
		return
	}
	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.conversation.Conversation(r.Context(), contact)
	if err != nil {
		g.logger.Error("failed to load conversation", "contact", contact, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	out, err := transcript.Render(format, msgs, transcript.Options{
		Contact:     contact,
		Self:        g.config.Realtime.AppSenderID,
		DownloadURL: g.relay.DownloadURL,
	})
	if err != nil {
		g.logger.Error("failed to render transcript", "contact", contact, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleUpload serves a stored file at the public URL the provider fetches.
// Only images, audio and video render inline.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	g.serveMedia(w, r, false)
}

// handleDownload serves a stored file as an attachment named after the original upload.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	g.serveMedia(w, r, true)
}

func (g *Gateway) serveMedia(w http.ResponseWriter, r *http.Request, attachment bool) {
	obj, err := g.relay.Open(chi.URLParam(r, "name"))
	if errors.Is(err, media.ErrNotFound) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to open media", "name", chi.URLParam(r, "name"), "error", err)
		http.Error(w, "could not read file", http.StatusInternalServerError)
		return
	}
	defer obj.Close()

	if attachment || !inlineSafe(obj.SuggestedName) {
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": obj.SuggestedName}))
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "sandbox")
	http.ServeContent(w, r, obj.SuggestedName, obj.ModTime, obj.File)
}

// inlineSafe reports whether a stored file may render in the browser.
// SVG is excluded since it can carry script.
func inlineSafe(name string) bool {
	mediaType, _, err := mime.ParseMediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name))))
	if err != nil || mediaType == "image/svg+xml" {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") ||
		strings.HasPrefix(mediaType, "audio/") ||
		strings.HasPrefix(mediaType, "video/")
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Sessions int               `json:"sessions"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		Sessions: g.hub.Count(),
	})
}

// handleReady returns 200 OK if the message store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ready",
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		Sessions: g.hub.Count(),
		Checks:   map[string]string{"store": "pass"},
	}
	status := http.StatusOK
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		resp.Status = "unavailable"
		resp.Checks["store"] = "fail"
		status = http.StatusServiceUnavailable
	}
	g.sendJSON(w, status, resp)
}
