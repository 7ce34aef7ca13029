package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/audio"
	"github.com/LastBotInc/virtual-participant/internal/config"
	"github.com/LastBotInc/virtual-participant/internal/events"
	"github.com/LastBotInc/virtual-participant/internal/platform"
	"github.com/LastBotInc/virtual-participant/internal/session"
	"github.com/LastBotInc/virtual-participant/internal/status"
	"github.com/LastBotInc/virtual-participant/internal/transcribe"
)

// fakeAdapter is a scripted meeting surface.
type fakeAdapter struct {
	joinErr error

	speakers chan session.SpeakerChange
	messages chan session.Message
	audio    chan []byte
	ended    chan platform.EndReason

	mu     sync.Mutex
	sent   []string
	left   bool
	closed sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		speakers: make(chan session.SpeakerChange, 8),
		messages: make(chan session.Message, 8),
		audio:    make(chan []byte, 64),
		ended:    make(chan platform.EndReason, 1),
	}
}

func (a *fakeAdapter) Join(context.Context) (platform.JoinOutcome, error) {
	if a.joinErr != nil {
		return platform.JoinOutcome{}, a.joinErr
	}
	return platform.JoinOutcome{MeetingName: "Standup", Identity: "agent-test", JoinedAt: time.Now()}, nil
}

func (a *fakeAdapter) SpeakerChanges() <-chan session.SpeakerChange { return a.speakers }
func (a *fakeAdapter) Messages() <-chan session.Message { return a.messages }
func (a *fakeAdapter) Audio() <-chan []byte { return a.audio }

func (a *fakeAdapter) Send(_ context.Context, text string) error {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) WaitForEnd(ctx context.Context, timeout time.Duration) platform.EndReason {
	select {
	case r := <-a.ended:
		return r
	case <-time.After(timeout):
		return platform.EndTimeout
	case <-ctx.Done():
		return platform.EndCanceled
	}
}

func (a *fakeAdapter) Leave(context.Context) error {
	a.closed.Do(func() {
		a.mu.Lock()
		a.left = true
		a.mu.Unlock()
		close(a.speakers)
		close(a.messages)
		close(a.audio)
	})
	return nil
}

func (a *fakeAdapter) sentMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeAdapter) hasLeft() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.left
}

type fakeStream struct {
	results chan transcribe.Result
	chunks  chan []byte
	once    sync.Once
}

func (s *fakeStream) Send(_ context.Context, chunk []byte) error {
	select {
	case s.chunks <- chunk:
	default:
	}
	return nil
}

func (s *fakeStream) Results() <-chan transcribe.Result { return s.results }
func (s *fakeStream) Err() error { return nil }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type fakeEngine struct {
	openErr error

	mu      sync.Mutex
	streams []*fakeStream
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(context.Context, transcribe.StreamOptions) (transcribe.Stream, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeStream{results: make(chan transcribe.Result, 8), chunks: make(chan []byte, 256)}
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) stream(i int) *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < len(e.streams) {
		return e.streams[i]
	}
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *fakeSink) Publish(_ context.Context, _ string, body []byte) error {
	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

func (s *fakeSink) find(t events.Type) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.EventType == t {
			return ev, true
		}
	}
	return events.Event{}, false
}

type memUploader struct{}

func (memUploader) Upload(_ context.Context, key string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	return "mem://" + key, nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.SessionID = "sess-1"
	cfg.CallID = "call-1"
	cfg.MeetingID = "room-1"
	cfg.RecordingDir = t.TempDir()
	cfg.HeartbeatInterval = 0
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.MeetingTimeout = 10 * time.Second
	cfg.TranscribeRetryDelay = time.Millisecond
	cfg.ExitMessage = "bye"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runAsync(ctx context.Context, c *Controller) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func voice(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x11
	}
	return b
}

func TestWrongPasswordNeverActive(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.joinErr = platform.NewJoinError(platform.AccessDenied, errors.New("incorrect password"))
	sink := &fakeSink{}
	store, err := status.OpenSQLStore(context.Background(), "sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := New(testConfig(t), Deps{Adapter: adapter, Engine: &fakeEngine{}, Store: store, Sink: sink})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run should fail on join error")
	}

	state, reason := c.Status().State()
	if state != status.StateFailed || reason != status.ReasonWrongPassword {
		t.Errorf("status = %s %q", state, reason)
	}
	if c.Status().Reached(status.StateActive) {
		t.Error("session reached ACTIVE")
	}
	rec, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != status.StateFailed || rec.Reason != status.ReasonWrongPassword {
		t.Errorf("stored record = %+v", rec)
	}
	if got := sink.types(); len(got) != 0 {
		t.Errorf("events published after failed join: %v", got)
	}
}

func TestSessionEventOrder(t *testing.T) {
	adapter := newFakeAdapter()
	engine := &fakeEngine{}
	sink := &fakeSink{}
	c := New(testConfig(t), Deps{Adapter: adapter, Engine: engine, Sink: sink, Uploader: memUploader{}})
	done := runAsync(context.Background(), c)

	waitFor(t, "stream open", func() bool { return engine.stream(0) != nil })
	waitFor(t, "ACTIVE", func() bool { return c.Status().Reached(status.StateActive) })

	adapter.speakers <- session.SpeakerChange{Name: "Alice", Timestamp: time.Now()}
	waitFor(t, "speaker", func() bool { return c.Session().CurrentSpeaker() == "Alice" })

	adapter.audio <- voice(640)
	stream := engine.stream(0)
	<-stream.chunks
	stream.results <- transcribe.Result{
		ResultID: "r1",
		Items: []transcribe.Item{
			{Type: transcribe.ItemWord, Content: "hello", StartTime: 0.1, EndTime: 0.3},
			{Type: transcribe.ItemWord, Content: "world", StartTime: 0.4, EndTime: 0.6},
		},
	}
	waitFor(t, "segment event", func() bool {
		_, ok := sink.find(events.TypeAddTranscriptSegment)
		return ok
	})

	adapter.ended <- platform.EndMeetingEnded
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v", err)
	}

	got := sink.types()
	want := []events.Type{events.TypeStart, events.TypeAddTranscriptSegment, events.TypeAddRecordingURL, events.TypeAddCallCategory, events.TypeEnd}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	seg, _ := sink.find(events.TypeAddTranscriptSegment)
	if seg.Speaker != "Alice" || seg.Transcript != "hello world" || seg.CallID != "call-1" {
		t.Errorf("segment = %+v", seg)
	}
	rec, _ := sink.find(events.TypeAddRecordingURL)
	if rec.RecordingURL == "" {
		t.Error("recording url missing")
	}
	category, _ := sink.find(events.TypeAddCallCategory)
	if len(category.CallCategories) != 1 || category.CallCategories[0] != "ended-meeting-ended" {
		t.Errorf("categories = %v", category.CallCategories)
	}

	if state, _ := c.Status().State(); state != status.StateCompleted {
		t.Errorf("state = %s", state)
	}
	captions := c.Session().Captions()
	if len(captions) != 1 || captions[0].Speaker != "Alice" || captions[0].Text != "hello world" {
		t.Errorf("captions = %+v", captions)
	}
	if !adapter.hasLeft() {
		t.Error("adapter not left")
	}
}

func TestPauseAndResume(t *testing.T) {
	adapter := newFakeAdapter()
	engine := &fakeEngine{}
	sink := &fakeSink{}
	cfg := testConfig(t)
	cfg.RecordingEnabled = false
	c := New(cfg, Deps{Adapter: adapter, Engine: engine, Sink: sink})
	done := runAsync(context.Background(), c)

	waitFor(t, "stream open", func() bool { return engine.stream(0) != nil })

	adapter.messages <- session.Message{Sender: "Bob", Text: "pause_lma"}
	waitFor(t, "pause ack", func() bool {
		sent := adapter.sentMessages()
		return len(sent) > 0 && sent[len(sent)-1] == ackPaused
	})
	if c.Session().Active() {
		t.Fatal("session still active after pause")
	}

	adapter.audio <- voice(640)
	chunk := <-engine.stream(0).chunks
	if len(chunk) != 640 || !audio.IsSilent(chunk) {
		t.Errorf("paused chunk is not silence of equal length")
	}

	adapter.messages <- session.Message{Sender: "Bob", Text: "START_LMA"}
	waitFor(t, "second stream", func() bool { return engine.stream(1) != nil })
	waitFor(t, "resume ack", func() bool {
		sent := adapter.sentMessages()
		return len(sent) > 0 && sent[len(sent)-1] == ackResumed
	})
	if !c.Session().Active() {
		t.Fatal("session inactive after start")
	}
	waitFor(t, "CONTINUE event", func() bool {
		_, ok := sink.find(events.TypeContinue)
		return ok
	})

	adapter.audio <- voice(640)
	if chunk := <-engine.stream(1).chunks; audio.IsSilent(chunk) {
		t.Error("active chunk was silenced")
	}

	// 640 bytes of 16kHz mono went to the first stream before the restart
	engine.stream(1).results <- transcribe.Result{
		ResultID: "after-resume",
		Items:    []transcribe.Item{{Type: transcribe.ItemWord, Content: "again", StartTime: 0.1, EndTime: 0.3}},
	}
	waitFor(t, "segment after resume", func() bool {
		_, ok := sink.find(events.TypeAddTranscriptSegment)
		return ok
	})
	seg, _ := sink.find(events.TypeAddTranscriptSegment)
	if seg.StartTime == nil || seg.EndTime == nil || *seg.StartTime < 0.119 || *seg.EndTime < 0.319 {
		t.Errorf("segment times restarted after resume: %+v", seg)
	}

	adapter.messages <- session.Message{Sender: "Bob", Text: "END_LMA"}
	if err := waitRun(t, done); err != nil {
		t.Fatal(err)
	}
	sent := adapter.sentMessages()
	if sent[len(sent)-1] != "bye" {
		t.Errorf("last message = %q, want exit message", sent[len(sent)-1])
	}
	if state, _ := c.Status().State(); state != status.StateCompleted {
		t.Errorf("state = %s", state)
	}
	types := sink.types()
	if types[0] != events.TypeStart || types[len(types)-1] != events.TypeEnd {
		t.Errorf("events = %v", types)
	}
}

func TestSignalCompletesAndEmitsEnd(t *testing.T) {
	adapter := newFakeAdapter()
	engine := &fakeEngine{}
	sink := &fakeSink{}
	c := New(testConfig(t), Deps{Adapter: adapter, Engine: engine, Sink: sink, Uploader: memUploader{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)
	waitFor(t, "ACTIVE", func() bool { return c.Status().Reached(status.StateActive) })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatal(err)
	}
	if state, _ := c.Status().State(); state != status.StateCompleted {
		t.Errorf("state = %s", state)
	}
	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != events.TypeEnd {
		t.Errorf("events = %v, want END last", types)
	}
	if !adapter.hasLeft() {
		t.Error("adapter not left")
	}
}

func TestTranscriptionPermissionFailsSession(t *testing.T) {
	adapter := newFakeAdapter()
	sink := &fakeSink{}
	cfg := testConfig(t)
	cfg.RecordingEnabled = false
	c := New(cfg, Deps{Adapter: adapter, Engine: &fakeEngine{openErr: transcribe.ErrPermission}, Sink: sink})

	if err := waitRun(t, runAsync(context.Background(), c)); err != nil {
		t.Fatal(err)
	}
	state, reason := c.Status().State()
	if state != status.StateFailed || reason != status.ReasonPermissionDenied {
		t.Errorf("status = %s %q", state, reason)
	}
	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != events.TypeEnd {
		t.Errorf("events = %v, want END last", types)
	}
}
