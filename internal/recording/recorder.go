// Package recording persists the captured meeting audio as a WAV file and
// uploads it to durable storage when the session ends.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

// ErrClosed is returned by Write after Finalize.
var ErrClosed = errors.New("recorder closed")

// Options configure a Recorder.
type Options struct {
	Enabled    bool
	TempDir    string
	SampleRate int
	Channels   int
	Prefix     string
	Name       string
	CreatedAt  time.Time
	Uploader   Uploader
}

// Recorder appends raw PCM to a temporary file. A disabled recorder accepts
// and discards every chunk.
type Recorder struct {
	opts Options

	mu      sync.Mutex
	raw     *os.File
	written int64
	closed  bool
}

// NewRecorder creates the temporary raw file when recording is enabled.
func NewRecorder(opts Options) (*Recorder, error) {
	r := &Recorder{opts: opts}
	if !opts.Enabled {
		logging.Info(logging.CategoryRecording, "recording disabled")
		return r, nil
	}
	if opts.CreatedAt.IsZero() {
		r.opts.CreatedAt = time.Now().UTC()
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("create recording dir: %w", err)
		}
	}
	f, err := os.CreateTemp(opts.TempDir, "recording-*.raw")
	if err != nil {
		return nil, fmt.Errorf("create raw recording: %w", err)
	}
	r.raw = f
	logging.Info(logging.CategoryRecording, "recording to %s sampleRate=%d channels=%d", f.Name(), opts.SampleRate, opts.Channels)
	return r, nil
}

// Enabled reports whether audio is being captured.
func (r *Recorder) Enabled() bool {
	return r.opts.Enabled
}

// Write appends one PCM chunk.
func (r *Recorder) Write(chunk []byte) error {
	if !r.opts.Enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	n, err := r.raw.Write(chunk)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("write raw recording: %w", err)
	}
	return nil
}

// BytesWritten returns the raw PCM size captured so far.
func (r *Recorder) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Finalize converts the capture to WAV, uploads it and removes every local
// temporary. It returns the recording URL, or "" when recording is disabled
// or nothing could be uploaded. Upload failures are logged, not returned.
func (r *Recorder) Finalize(ctx context.Context) string {
	if !r.opts.Enabled {
		return ""
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ""
	}
	r.closed = true
	rawPath := r.raw.Name()
	written := r.written
	closeErr := r.raw.Close()
	r.mu.Unlock()

	defer removeQuietly(rawPath)

	if closeErr != nil {
		logging.Error(logging.CategoryRecording, "close raw recording: %v", closeErr)
		return ""
	}
	if written == 0 {
		logging.Warning(logging.CategoryRecording, "no audio captured, skipping upload")
		return ""
	}

	wavPath := rawPath[:len(rawPath)-len(filepath.Ext(rawPath))] + ".wav"
	defer removeQuietly(wavPath)

	size, err := ConvertToWAV(rawPath, wavPath, r.opts.SampleRate, r.opts.Channels)
	if err != nil {
		logging.Error(logging.CategoryRecording, "convert recording: %v", err)
		return ""
	}

	if r.opts.Uploader == nil {
		logging.Warning(logging.CategoryRecording, "no recording store configured, discarding %d bytes", size)
		return ""
	}

	f, err := os.Open(wavPath)
	if err != nil {
		logging.Error(logging.CategoryRecording, "open wav: %v", err)
		return ""
	}
	defer f.Close()

	key := Key(r.opts.Prefix, r.opts.Name, r.opts.CreatedAt)
	url, err := r.opts.Uploader.Upload(ctx, key, f)
	if err != nil {
		logging.Fail(logging.CategoryRecording, "recording upload failed key=%s: %v", key, err)
		return ""
	}
	logging.Success(logging.CategoryRecording, "recording uploaded url=%s bytes=%d", url, size)
	return url
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warning(logging.CategoryRecording, "remove temporary %s: %v", path, err)
	}
}
