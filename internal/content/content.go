package content

import (
	"bytes"
	"html/template"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string.
// It is applied to every inbound display name and message body.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts markdown message content into sanitized HTML. It is
// the single normalization point for inbound content; the raw text is
// kept alongside and never modified.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Escape(input)
	}
	return policy.Sanitize(buf.String())
}

// SniffMime detects the mime type of an attachment from its leading
// bytes, falling back to application/octet-stream. The caller-declared
// type is never trusted.
func SniffMime(data []byte) string {
	t, err := filetype.Match(data)
	if err != nil || t == filetype.Unknown {
		return "application/octet-stream"
	}
	return t.MIME.Value
}
