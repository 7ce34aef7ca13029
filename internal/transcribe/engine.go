// Package transcribe streams meeting audio to a recognition engine and
// yields partial and final recognition results.
package transcribe

import (
	"context"
	"errors"
	"strings"
)

// ErrPermission marks recognizer failures caused by missing or rejected
// credentials. They are never retried.
var ErrPermission = errors.New("recognizer permission denied")

// IsPermission reports whether err is a permission failure.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// StreamOptions are the recognition request parameters.
type StreamOptions struct {
	// SessionID identifies the logical recognition session. It stays the
	// same across reconnects.
	SessionID        string
	SampleRate       int
	Channels         int
	Language         string
	IdentifyLanguage bool
	LanguageOptions  []string
	VocabularyName   string
	ContentRedaction string
	PIIEntityTypes   string
}

// SplitLanguageOptions parses a comma separated language list.
func SplitLanguageOptions(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Engine opens recognition streams.
type Engine interface {
	Name() string
	Open(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is one connection to a recognizer. Results is closed when the
// stream ends; Err then reports why, or nil after a clean Close.
type Stream interface {
	Send(ctx context.Context, chunk []byte) error
	Results() <-chan Result
	Err() error
	// Close signals the end of audio. Results still in flight are
	// delivered before Results is closed.
	Close() error
}
