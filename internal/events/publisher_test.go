package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/segment"
)

type fakeSink struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
	err    error
	calls  int
	closed bool
}

func (s *fakeSink) Publish(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.keys = append(s.keys, key)
	s.bodies = append(s.bodies, body)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) types(t *testing.T) []Type {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Type
	for _, b := range s.bodies {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		out = append(out, ev.EventType)
	}
	return out
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublisherPreservesOrder(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	p := NewPublisher(sink, "sess-1")

	_ = p.Publish(ctx, Start("call", Credentials{}))
	for i := 0; i < 20; i++ {
		_ = p.Publish(ctx, Segment("call", segment.Segment{SegmentID: "s", Text: "x", IsPartial: true}))
	}
	_ = p.Publish(ctx, Recording("call", "s3://b/k.wav"))
	_ = p.Publish(ctx, End("call"))
	closePublisher(t, p)

	types := sink.types(t)
	if len(types) != 23 {
		t.Fatalf("delivered %d events, want 23", len(types))
	}
	if types[0] != TypeStart || types[21] != TypeAddRecordingURL || types[22] != TypeEnd {
		t.Errorf("order = %v", types)
	}
	for _, k := range sink.keys {
		if k != "sess-1" {
			t.Errorf("partition key = %q", k)
		}
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestPublishAfterEnd(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher(&fakeSink{}, "s")
	if err := p.Publish(ctx, End("call")); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, Segment("call", segment.Segment{})); !errors.Is(err, ErrEnded) {
		t.Errorf("Publish after END = %v, want ErrEnded", err)
	}
	if !p.Ended() {
		t.Error("Ended() = false")
	}
	closePublisher(t, p)
}

func TestPublisherWithoutSinkIsNoop(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher(nil, "s")
	if err := p.Publish(ctx, Start("call", Credentials{})); err != nil {
		t.Errorf("Publish = %v", err)
	}
	closePublisher(t, p)
	if sent, _ := p.Stats(); sent != 0 {
		t.Errorf("sent = %d", sent)
	}
}

func TestPublishFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{err: errors.New("broker down")}
	p := NewPublisher(sink, "s")
	if err := p.Publish(ctx, Start("call", Credentials{})); err != nil {
		t.Fatalf("Publish = %v", err)
	}
	_ = p.Publish(ctx, End("call"))
	closePublisher(t, p)

	if sink.calls != 2 {
		t.Errorf("sink calls = %d, want 2", sink.calls)
	}
	if _, dropped := p.Stats(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestUnauthorizedDisablesPublishing(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{err: ErrUnauthorized}
	p := NewPublisher(sink, "s")
	_ = p.Publish(ctx, Start("call", Credentials{}))
	_ = p.Publish(ctx, Segment("call", segment.Segment{}))
	_ = p.Publish(ctx, End("call"))
	closePublisher(t, p)

	if sink.calls != 1 {
		t.Errorf("sink calls = %d, want 1 (no retries after access refused)", sink.calls)
	}
}

func TestSegmentWireFormat(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { now = func() time.Time { return time.Now().UTC() } }()

	ev := Segment("call-1", segment.Segment{
		SegmentID: "seg-1",
		Speaker:   "Alice",
		StartTime: 0,
		EndTime:   1.5,
		Text:      "hello world",
		IsPartial: false,
	})
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"EventType":  "ADD_TRANSCRIPT_SEGMENT",
		"CallId":     "call-1",
		"CreatedAt":  "2024-05-01T12:00:00Z",
		"Channel":    "CALLER",
		"SegmentId":  "seg-1",
		"Speaker":    "Alice",
		"StartTime":  0.0,
		"EndTime":    1.5,
		"Transcript": "hello world",
		"IsPartial":  false,
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}
	if _, ok := m["RecordingUrl"]; ok {
		t.Error("segment event should not carry RecordingUrl")
	}
	if _, ok := m["AccessToken"]; ok {
		t.Error("segment event should not carry credentials")
	}
}

func TestStartCarriesCredentials(t *testing.T) {
	ev := Start("call", Credentials{AccessToken: "a", IDToken: "i", RefreshToken: "r", AgentID: "agent"})
	body, _ := json.Marshal(ev)
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	if m["AccessToken"] != "a" || m["IdToken"] != "i" || m["RefreshToken"] != "r" || m["AgentId"] != "agent" {
		t.Errorf("START = %s", body)
	}
	if _, ok := m["StartTime"]; ok {
		t.Error("START should not carry StartTime")
	}
}
