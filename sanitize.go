package parley

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultMaxMessageLength caps stored message content, in bytes.
const DefaultMaxMessageLength = 100000

var senderCaser = cases.Title(language.English, cases.NoLower)

// NormalizeSender trims the name and upper-cases the first letter of each
// word, leaving existing capitals alone ("claude" → "Claude", "ChatGPT"
// stays "ChatGPT"). Returns "" for blank input.
func NormalizeSender(name string) string {
	return senderCaser.String(strings.TrimSpace(name))
}

// HTML-like constructs stripped from provider output before storage.
var (
	reScript    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reTag       = regexp.MustCompile(`(?s)<[^>]*>`)
	reJSScheme  = regexp.MustCompile(`(?i)javascript:`)
	reEventAttr = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// SanitizeContent strips control characters and HTML-like constructs from
// provider output and collapses the result to trimmed printable text.
// An empty result means the response was unusable and the caller should
// treat the call as a transient failure.
func SanitizeContent(content string) string {
	s := reScript.ReplaceAllString(content, "")
	s = reTag.ReplaceAllString(s, "")
	s = reJSScheme.ReplaceAllString(s, "")
	s = reEventAttr.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ValidateAppend normalizes a sender/content pair for storage. Both backends
// call this so validation behaves identically everywhere. maxLen <= 0 uses
// DefaultMaxMessageLength.
func ValidateAppend(sender, content string, maxLen int) (string, string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	normalized := NormalizeSender(sender)
	if normalized == "" {
		return "", "", &InputError{Reason: "sender must not be empty"}
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", "", &InputError{Reason: "content must not be empty"}
	}
	if len(trimmed) > maxLen {
		return "", "", &InputError{Reason: "content exceeds max message length"}
	}
	return normalized, trimmed, nil
}

// Fingerprint returns a short stable hash of content, stored in message
// metadata for duplicate inspection by external tooling.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:4])
}

// Credential patterns masked out of anything that reaches a log sink.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`pplx-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xai-[A-Za-z0-9]{20,}`),
}

// MaskCredentials replaces API-key-shaped substrings with a placeholder.
func MaskCredentials(s string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}
