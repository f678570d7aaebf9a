// ABOUTME: Media relay holding uploaded and provider-fetched files in a flat directory
// ABOUTME: Generates collision-free stored names and serves files for view and download

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrNotFound is returned when a stored name does not resolve to a file.
var ErrNotFound = errors.New("media not found")

// ErrNoPublicURL is returned when no public base URL is configured, so the
// provider has nothing to fetch.
var ErrNoPublicURL = errors.New("media public base URL not configured")

const (
	maxOriginalNameBytes = 128
	maxCreateAttempts    = 8
)

// Object is an open stored file.
type Object struct {
	*os.File
	StoredName    string
	SuggestedName string
	Size          int64
	ModTime       time.Time
}

// Relay stores files under a single directory.
type Relay struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	baseURL string

	now      func() time.Time
	randomID func() int
}

// NewRelay creates the relay directory if needed.
// publicBaseURL may be empty and set later with SetPublicBaseURL.
func NewRelay(dir, publicBaseURL string) (*Relay, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &Relay{
		dir:      dir,
		logger:   slog.Default().With("component", "media"),
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		now:      time.Now,
		randomID: func() int { return rand.IntN(1_000_000_000) },
	}, nil
}

// Dir returns the directory files are stored in.
func (r *Relay) Dir() string { return r.dir }

// SetPublicBaseURL replaces the externally reachable origin used in links.
func (r *Relay) SetPublicBaseURL(base string) {
	r.mu.Lock()
	r.baseURL = strings.TrimRight(base, "/")
	r.mu.Unlock()
}

// PublicBaseURL returns the configured origin, or "" when unset.
func (r *Relay) PublicBaseURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseURL
}

// Store writes src under a new unique name derived from originalName and returns
// that stored name. Two stores never share a name, even in the same millisecond
// with the same original name.
func (r *Relay) Store(ctx context.Context, src io.Reader, originalName string) (string, error) {
	clean := SanitizeName(originalName)

	var (
		f    *os.File
		name string
		err  error
	)
	for range maxCreateAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name = fmt.Sprintf("%d-%d-%s", r.now().UnixMilli(), r.randomID(), clean)
		f, err = os.OpenFile(filepath.Join(r.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating media file: %w", err)
		}
		r.logger.Debug("stored name collision, retrying", "name", name)
	}
	if f == nil {
		return "", fmt.Errorf("creating media file: no free name after %d attempts", maxCreateAttempts)
	}

	n, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(f.Name())
		if copyErr != nil {
			return "", fmt.Errorf("writing media file: %w", copyErr)
		}
		return "", fmt.Errorf("closing media file: %w", closeErr)
	}

	r.logger.Debug("media stored", "name", name, "bytes", n)
	return name, nil
}

// Open opens a stored file by its stored name.
func (r *Relay) Open(storedName string) (*Object, error) {
	if !validStoredName(storedName) {
		return nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(r.dir, storedName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening media file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat media file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &Object{
		File:          f,
		StoredName:    storedName,
		SuggestedName: SuggestedName(storedName),
		Size:          info.Size(),
		ModTime:       info.ModTime(),
	}, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (r *Relay) Remove(storedName string) error {
	if !validStoredName(storedName) {
		return ErrNotFound
	}
	err := os.Remove(filepath.Join(r.dir, storedName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing media file: %w", err)
	}
	return nil
}

// PublicViewURL returns the inline-view URL for a stored name.
func (r *Relay) PublicViewURL(storedName string) (string, error) {
	return r.publicURL("/uploads/", storedName)
}

// DownloadURL returns the forced-download URL for a stored name.
func (r *Relay) DownloadURL(storedName string) (string, error) {
	return r.publicURL("/api/messages/download/", storedName)
}

func (r *Relay) publicURL(prefix, storedName string) (string, error) {
	base := r.PublicBaseURL()
	if base == "" {
		return "", ErrNoPublicURL
	}
	return base + prefix + url.PathEscape(storedName), nil
}

// SuggestedName strips the two generated prefix segments from a stored name:
// "1700000000000-123-invoice.pdf" becomes "invoice.pdf". Names without the
// prefix are returned unchanged.
func SuggestedName(storedName string) string {
	parts := strings.SplitN(storedName, "-", 3)
	if len(parts) < 3 || parts[2] == "" {
		return storedName
	}
	return parts[2]
}

// SanitizeName reduces an untrusted file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")

	if len(name) > maxOriginalNameBytes {
		cut := maxOriginalNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}

	if name == "" {
		return "file"
	}
	return name
}

func validStoredName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
