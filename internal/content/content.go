package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy        = bluemonday.UGCPolicy()
	namePolicy    = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	mentionRegex  = regexp.MustCompile(`(?:^|[^\w@])@([a-zA-Z0-9._-]+)`)
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
)

// MaxMessageLength is the longest accepted message text in bytes.
const MaxMessageLength = 8192

// Sanitize removes unsafe HTML from message text.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// SanitizeName strips all markup from display names and room names.
func SanitizeName(input string) string {
	return strings.TrimSpace(namePolicy.Sanitize(input))
}

// Render converts markdown message text into sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateMessage checks message text before it is stored.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message cannot be empty")
	}
	if len(text) > MaxMessageLength {
		return errors.New("message is too long")
	}
	return nil
}

// Mentions returns the unique @names referenced in the text, in order of appearance.
func Mentions(text string) []string {
	matches := mentionRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		name := strings.TrimRight(m[1], ".")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// DetectBlob returns the type tag and MIME type for a binary payload.
// Unknown payloads are tagged "file" with application/octet-stream.
func DetectBlob(head []byte) (typeTag, mimeType string) {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "file", "application/octet-stream"
	}
	switch {
	case filetype.IsImage(head):
		typeTag = "image"
	case filetype.IsVideo(head):
		typeTag = "video"
	case filetype.IsAudio(head):
		typeTag = "audio"
	case filetype.IsDocument(head):
		typeTag = "document"
	case filetype.IsArchive(head):
		typeTag = "archive"
	default:
		typeTag = "file"
	}
	return typeTag, kind.MIME.Value
}
