package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captureUploader struct {
	key  string
	body []byte
	err  error
}

func (u *captureUploader) Upload(_ context.Context, key string, body io.Reader) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.key, u.body = key, b
	return "mem://" + key, nil
}

func TestWAVHeader(t *testing.T) {
	h := WAVHeader(3200, 16000, 1)
	if len(h) != 44 {
		t.Fatalf("header length = %d", len(h))
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[12:16]) != "fmt " || string(h[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q", h)
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", binary.LittleEndian.Uint32(h[4:8]), 3236},
		{"format", uint32(binary.LittleEndian.Uint16(h[20:22])), 1},
		{"channels", uint32(binary.LittleEndian.Uint16(h[22:24])), 1},
		{"sample rate", binary.LittleEndian.Uint32(h[24:28]), 16000},
		{"byte rate", binary.LittleEndian.Uint32(h[28:32]), 32000},
		{"block align", uint32(binary.LittleEndian.Uint16(h[32:34])), 2},
		{"bits", uint32(binary.LittleEndian.Uint16(h[34:36])), 16},
		{"data size", binary.LittleEndian.Uint32(h[40:44]), 3200},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	tests := []struct {
		prefix, name, want string
	}{
		{"lca-audio-wav", "Weekly Sync", "lca-audio-wav/Weekly-Sync-1700000000123.wav"},
		{"", "a/b", "a-b-1700000000123.wav"},
		{"p", "", "p/meeting-1700000000123.wav"},
		{"p", "!!!", "p/meeting-1700000000123.wav"},
	}
	for _, tt := range tests {
		if got := Key(tt.prefix, tt.name, at); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestRecorderFinalizeUploadsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	up := &captureUploader{}
	r, err := NewRecorder(Options{
		Enabled:    true,
		TempDir:    dir,
		SampleRate: 16000,
		Channels:   1,
		Prefix:     "rec",
		Name:       "standup",
		CreatedAt:  time.UnixMilli(42),
		Uploader:   up,
	})
	if err != nil {
		t.Fatal(err)
	}
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if err := r.Write(pcm[:4]); err != nil {
		t.Fatal(err)
	}
	if err := r.Write(pcm[4:]); err != nil {
		t.Fatal(err)
	}

	url := r.Finalize(context.Background())
	if url != "mem://rec/standup-42.wav" {
		t.Errorf("url = %q", url)
	}
	if len(up.body) != 44+len(pcm) {
		t.Fatalf("uploaded %d bytes", len(up.body))
	}
	if !bytes.Equal(up.body[44:], pcm) {
		t.Errorf("payload = %v", up.body[44:])
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temporaries left behind: %v", entries)
	}
	if err := r.Write(pcm); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Finalize = %v", err)
	}
	if again := r.Finalize(context.Background()); again != "" {
		t.Errorf("second Finalize = %q", again)
	}
}

func TestRecorderUploadFailureStillCleansUp(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(Options{
		Enabled:    true,
		TempDir:    dir,
		SampleRate: 8000,
		Channels:   1,
		Uploader:   &captureUploader{err: errors.New("access denied")},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = r.Write([]byte{1, 2})
	if url := r.Finalize(context.Background()); url != "" {
		t.Errorf("url = %q, want empty", url)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temporaries left behind: %v", entries)
	}
}

func TestDisabledRecorder(t *testing.T) {
	r, err := NewRecorder(Options{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write([]byte{1, 2}); err != nil {
		t.Errorf("Write = %v", err)
	}
	if r.BytesWritten() != 0 {
		t.Error("disabled recorder counted bytes")
	}
	if url := r.Finalize(context.Background()); url != "" {
		t.Errorf("url = %q", url)
	}
}

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	url, err := LocalUploader{Dir: dir}.Upload(context.Background(), "p/x.wav", strings.NewReader("data"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "/p/x.wav") {
		t.Errorf("url = %q", url)
	}
	b, err := os.ReadFile(filepath.Join(dir, "p", "x.wav"))
	if err != nil || string(b) != "data" {
		t.Errorf("file = %q, %v", b, err)
	}
}
