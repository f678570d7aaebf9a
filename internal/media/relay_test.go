// ABOUTME: Tests for the media relay
// ABOUTME: Covers stored names, lookups, removal and public URLs

package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := NewRelay(filepath.Join(t.TempDir(), "uploads"), "https://chat.example.com/")
	require.NoError(t, err)
	return r
}

func TestRelay_StoreAndOpen(t *testing.T) {
	r := setupTestRelay(t)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	r.randomID = func() int { return 123 }

	name, err := r.Store(context.Background(), strings.NewReader("%PDF-1.4"), "invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-123-invoice.pdf", name)

	obj, err := r.Open(name)
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Equal(t, "invoice.pdf", obj.SuggestedName)
	assert.Equal(t, int64(8), obj.Size)
}

func TestRelay_SameInstantSameNameNeverCollide(t *testing.T) {
	r := setupTestRelay(t)
	fixed := time.UnixMilli(1700000000000)
	r.now = func() time.Time { return fixed }

	// First attempt always collides with the previous store, forcing a retry.
	var mu sync.Mutex
	seq := []int{7, 7, 8}
	r.randomID = func() int {
		mu.Lock()
		defer mu.Unlock()
		v := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return v
	}

	a, err := r.Store(context.Background(), strings.NewReader("first"), "photo.jpg")
	require.NoError(t, err)
	b, err := r.Store(context.Background(), strings.NewReader("second"), "photo.jpg")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	objA, err := r.Open(a)
	require.NoError(t, err)
	defer objA.Close()
	dataA, _ := io.ReadAll(objA)
	assert.Equal(t, "first", string(dataA), "first upload must not be overwritten")
}

func TestRelay_ConcurrentStores(t *testing.T) {
	r := setupTestRelay(t)

	const n = 25
	names := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := r.Store(context.Background(), strings.NewReader("x"), "same.png")
			assert.NoError(t, err)
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for name := range names {
		assert.False(t, seen[name], "duplicate stored name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
}

func TestRelay_OpenMissing(t *testing.T) {
	r := setupTestRelay(t)

	_, err := r.Open("1700000000000-1-nothing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelay_OpenRejectsTraversal(t *testing.T) {
	r := setupTestRelay(t)

	outside := filepath.Join(filepath.Dir(r.Dir()), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))

	for _, name := range []string{"../secret.txt", "..", ".", "", "a/b", `..\secret.txt`} {
		_, err := r.Open(name)
		assert.ErrorIs(t, err, ErrNotFound, "name %q", name)
	}
}

func TestRelay_Remove(t *testing.T) {
	r := setupTestRelay(t)

	name, err := r.Store(context.Background(), strings.NewReader("x"), "a.txt")
	require.NoError(t, err)

	require.NoError(t, r.Remove(name))
	_, err = r.Open(name)
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing twice is fine.
	assert.NoError(t, r.Remove(name))
}

func TestRelay_StoreCancelled(t *testing.T) {
	r := setupTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Store(ctx, strings.NewReader("x"), "a.txt")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(r.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRelay_URLs(t *testing.T) {
	r := setupTestRelay(t)

	view, err := r.PublicViewURL("1700000000000-123-my file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com/uploads/1700000000000-123-my%20file.pdf", view)

	dl, err := r.DownloadURL("1700000000000-123-invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com/api/messages/download/1700000000000-123-invoice.pdf", dl)

	r.SetPublicBaseURL("")
	_, err = r.PublicViewURL("x")
	assert.ErrorIs(t, err, ErrNoPublicURL)
}

func TestSuggestedName(t *testing.T) {
	tests := map[string]string{
		"1700000000000-123-invoice.pdf":      "invoice.pdf",
		"1700000000000-123-my-report-v2.pdf": "my-report-v2.pdf",
		"plain.pdf":                          "plain.pdf",
		"1-2":                                "1-2",
	}
	for in, want := range tests {
		assert.Equal(t, want, SuggestedName(in), in)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"invoice.pdf":         "invoice.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\cv.docx`: "cv.docx",
		"  spaced.txt  ":      "spaced.txt",
		".hidden":             "hidden",
		"":                    "file",
		"..":                  "file",
		"bad\x00name\n.txt":   "badname.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}

	long := SanitizeName(strings.Repeat("a", 300))
	assert.Len(t, long, maxOriginalNameBytes)
}
