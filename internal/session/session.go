// Package session implements the legacy content-prefix codec for session
// tags alongside the first-class session_id column it has been promoted to.
// Both representations are supported: new rows carry the tag in both
// places; rows written before the session_id column existed are decoded
// from the prefix alone.
package session

import "strings"

const (
	prefixOpen  = "[session:"
	prefixClose = "]"
)

// Encode prepends the legacy session prefix to content. Kept for
// bug-compatible readers that only understand the content convention; new
// writers should also populate the session_id column directly.
func Encode(content, tag string) string {
	if tag == "" {
		return content
	}
	return prefixOpen + tag + prefixClose + " " + content
}

// Decode splits a stored content value into its (tag, body). If content
// doesn't start with the legacy prefix, it is returned unchanged with a
// blank tag.
func Decode(content string) (tag, body string) {
	if !strings.HasPrefix(content, prefixOpen) {
		return "", content
	}
	closeIdx := strings.Index(content[len(prefixOpen):], prefixClose)
	if closeIdx < 0 {
		return "", content
	}
	closeIdx += len(prefixOpen)
	tag = content[len(prefixOpen):closeIdx]
	body = strings.TrimPrefix(content[closeIdx+1:], " ")
	return tag, body
}

// FilterSubstring returns the substring to match a session against stored
// content when only the legacy prefix is present (no session_id column
// value to compare against).
func FilterSubstring(tag string) string {
	return prefixOpen + tag + prefixClose
}
