// ABOUTME: Renders one contact's conversation as a Markdown or HTML transcript
// ABOUTME: Media messages become links to the forced-download endpoint

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/chatline/internal/store"
)

// Format is a transcript output format.
type Format string

// Supported formats
const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// ParseFormat maps a query value to a Format. Empty means Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unsupported transcript format %q", s)
}

// ContentType returns the HTTP content type for f.
func (f Format) ContentType() string {
	if f == FormatHTML {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

// Options controls rendering.
type Options struct {
	Contact string
	// Self is the sender id of the gateway's own users; their lines are labelled "me".
	Self string
	// DownloadURL builds the link for a stored attachment. Nil links to the
	// relative download path.
	DownloadURL func(storedName string) (string, error)
	Location    *time.Location
}

// Markdown renders msgs as a Markdown document, one list item per message.
func Markdown(msgs []*store.Message, opts Options) []byte {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "# Conversation with %s\n\n", escape(opts.Contact))
	if len(msgs) == 0 {
		b.WriteString("_No messages._\n")
		return b.Bytes()
	}

	for _, m := range msgs {
		fmt.Fprintf(&b, "- **%s** %s: %s\n",
			m.Timestamp.In(loc).Format("2006-01-02 15:04:05"),
			escape(speaker(m, opts.Self)),
			body(m, opts))
	}
	return b.Bytes()
}

// HTML renders msgs as a standalone HTML page.
func HTML(msgs []*store.Message, opts Options) ([]byte, error) {
	var rendered bytes.Buffer
	if err := goldmark.Convert(Markdown(msgs, opts), &rendered); err != nil {
		return nil, fmt.Errorf("converting transcript: %w", err)
	}

	var page bytes.Buffer
	err := pageTemplate.Execute(&page, struct {
		Contact string
		Content template.HTML
	}{
		Contact: opts.Contact,
		Content: template.HTML(rendered.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering transcript page: %w", err)
	}
	return page.Bytes(), nil
}

// Render dispatches on f.
func Render(f Format, msgs []*store.Message, opts Options) ([]byte, error) {
	if f == FormatHTML {
		return HTML(msgs, opts)
	}
	return Markdown(msgs, opts), nil
}

func speaker(m *store.Message, self string) string {
	if self != "" && m.SenderID == self {
		return "me"
	}
	return m.SenderID
}

func body(m *store.Message, opts Options) string {
	if m.Kind == store.KindText {
		return escape(m.Text)
	}

	name := m.FileName
	if name == "" {
		name = m.MediaReference
	}
	link := "/api/messages/download/" + url.PathEscape(m.MediaReference)
	if opts.DownloadURL != nil {
		if abs, err := opts.DownloadURL(m.MediaReference); err == nil {
			link = abs
		}
	}
	return fmt.Sprintf("%s [%s](<%s>)", m.Kind, escape(name), link)
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`,
	`<`, `\<`, `>`, `\>`, `#`, `\#`, `|`, `\|`, `!`, `\!`,
	"\r\n", "  \n  ", "\n", "  \n  ",
)

// escape neutralizes Markdown syntax in user text. Newlines become hard line
// breaks inside the list item.
func escape(s string) string {
	return mdEscaper.Replace(s)
}

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Conversation with {{.Contact}}</title>
</head>
<body>
{{.Content}}
</body>
</html>
`))
