// Package memory holds the assistant's layered memory: per-session
// transcripts, vector recall, the unified user profile with its markdown
// projection, importance-scored items, regex learning and global history.
package memory

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when an id does not name a stored entry.
	ErrNotFound = errors.New("memory: not found")
	// ErrClosed is returned for writes after the Writer has been closed.
	ErrClosed = errors.New("memory: writer closed")
	// ErrBadSession is returned for session ids that are not safe file names.
	ErrBadSession = errors.New("memory: invalid session id")
)

// containsFold reports whether s contains sub, ignoring case.
func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// clip shortens s to at most n runes for log fields.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
