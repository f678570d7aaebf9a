// ABOUTME: HTTP client for the WhatsApp Cloud (Graph) API
// ABOUTME: Sends messages, resolves media ids and downloads media under a bounded timeout

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrProvider marks any failed exchange with the provider API.
var ErrProvider = errors.New("provider request failed")

// ErrMediaTooLarge is returned when a download exceeds the configured cap.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxMediaBytes = 100 << 20
	maxErrorBodyBytes    = 4 << 10
)

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider API status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider API status %d", e.StatusCode)
}

// Unwrap lets callers match any API failure with errors.Is(err, ErrProvider).
func (e *APIError) Unwrap() error { return ErrProvider }

// Config configures a Client.
type Config struct {
	APIBase       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
	MaxMediaBytes int64
}

// Client talks to the Graph API. Every call is bounded by Config.Timeout.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = defaultMaxMediaBytes
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "provider"),
	}
}

// PhoneNumberID returns the business number id messages are sent from.
func (c *Client) PhoneNumberID() string { return c.cfg.PhoneNumberID }

// SendMessage transmits msg and returns the provider's message id.
// It does not retry.
func (c *Client) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, url.PathEscape(c.cfg.PhoneNumberID))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The send went through; only the id is missing.
		c.logger.Warn("send succeeded but response was unreadable", "error", err, "to", msg.To)
		return "", nil
	}

	var id string
	if len(out.Messages) > 0 {
		id = out.Messages[0].ID
	}
	c.logger.Info("message sent", "to", msg.To, "type", msg.Type, "provider_message_id", id)
	return id, nil
}

// MediaInfo resolves a media id to its temporary download URL.
func (c *Client) MediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	if mediaID == "" {
		return nil, fmt.Errorf("%w: empty media id", ErrProvider)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s", c.cfg.APIBase, url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building media info request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info MediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decoding media info: %w", ErrProvider, err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("%w: media %s has no url", ErrProvider, mediaID)
	}
	return &info, nil
}

// DownloadMedia fetches the bytes behind a media URL returned by MediaInfo.
// The whole transfer, body included, is bounded by the client timeout.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building media download request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading media: %w", ErrProvider, err)
	}
	if int64(len(data)) > c.cfg.MaxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}

// do adds auth, sends req and converts non-2xx responses into *APIError.
// On success the caller owns resp.Body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Code
		apiErr.Message = parsed.Error.Message
	} else if len(raw) > 0 {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	c.logger.Warn("provider API error",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"code", apiErr.Code,
		"message", apiErr.Message)
	return nil, apiErr
}
