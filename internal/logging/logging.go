// Package logging provides the category logger used across the participant.
// All logging must go through this package - it wraps a single logrus logger
// and tags every entry with its category.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryController = "Controller"
	CategoryPlatform   = "Platform"
	CategoryAudio      = "Audio"
	CategoryRecording  = "Recording"
	CategoryTranscribe = "Transcribe"
	CategorySegment    = "Segment"
	CategoryEvents     = "Events"
	CategoryStatus     = "Status"
	CategoryServer     = "Server"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, "info", "text")
)

func newLogger(out io.Writer, level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Init initializes logging with the given level ("debug", "info", ...) and
// format ("text" or "json").
func Init(level, format string) {
	SetOutput(os.Stderr, level, format)
}

// SetOutput replaces the underlying logger. Tests use it to capture output.
func SetOutput(out io.Writer, level, format string) {
	l := newLogger(out, level, format)
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Shutdown flushes pending output.
func Shutdown(ctx context.Context) {
	mu.RLock()
	out := logger.Out
	mu.RUnlock()
	if f, ok := out.(*os.File); ok {
		_ = f.Sync()
	}
}

func entry(category string) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithField("category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	entry(category).Debugf(msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	entry(category).Infof(msg, params...)
}

// Success logs a success message.
func Success(category, msg string, params ...interface{}) {
	entry(category).WithField("outcome", "success").Infof(msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	entry(category).Warnf(msg, params...)
}

// Fail logs a failure message.
func Fail(category, msg string, params ...interface{}) {
	entry(category).WithField("outcome", "fail").Errorf(msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	entry(category).Errorf(msg, params...)
}

// Catastrophe logs a catastrophe message.
func Catastrophe(category, msg string, params ...interface{}) {
	entry(category).WithField("outcome", "catastrophe").Errorf(msg, params...)
}
