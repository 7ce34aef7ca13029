package livekit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/LastBotInc/virtual-participant/internal/platform"
)

func TestChatRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	payload, err := encodeChat("END_LMA", at)
	if err != nil {
		t.Fatal(err)
	}
	text, got, err := decodeChat(payload)
	if err != nil {
		t.Fatal(err)
	}
	if text != "END_LMA" || !got.Equal(at) {
		t.Errorf("decoded %q at %v", text, got)
	}
}

func TestDecodeChatPlainText(t *testing.T) {
	text, _, err := decodeChat([]byte("  pause_lma \n"))
	if err != nil || text != "pause_lma" {
		t.Errorf("decodeChat = %q, %v", text, err)
	}
	if _, _, err := decodeChat([]byte("   ")); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, _, err := decodeChat([]byte("{broken")); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		err  string
		want platform.ErrorKind
	}{
		{"could not establish signal connection: 401 Unauthorized", platform.AccessDenied},
		{"invalid token: token is expired", platform.AccessDenied},
		{"twirp error not_found: room not found", platform.InvalidMeeting},
		{"http 404", platform.InvalidMeeting},
		{"dial tcp: connection refused", platform.Unknown},
	}
	for _, tt := range tests {
		err := classifyConnectError(errors.New(tt.err))
		if got := platform.KindOf(err); got != tt.want {
			t.Errorf("classifyConnectError(%q) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCountAttendees(t *testing.T) {
	if n := countAttendees([]string{"agent-recorder", "alice", "bob", "agent-bot"}); n != 2 {
		t.Errorf("countAttendees = %d, want 2", n)
	}
	if n := countAttendees(nil); n != 0 {
		t.Errorf("countAttendees(nil) = %d", n)
	}
}

func TestAloneWatch(t *testing.T) {
	w := aloneWatch{grace: 10 * time.Second}
	start := time.Unix(0, 0)

	if w.observe(0, start) {
		t.Fatal("alone immediately")
	}
	if w.observe(0, start.Add(5*time.Second)) {
		t.Fatal("alone before grace elapsed")
	}
	// someone returns, the clock restarts
	if w.observe(1, start.Add(6*time.Second)) {
		t.Fatal("not alone with an attendee")
	}
	if w.observe(0, start.Add(12*time.Second)) {
		t.Fatal("grace should restart after attendee returned")
	}
	if !w.observe(0, start.Add(22*time.Second)) {
		t.Fatal("expected alone after grace period")
	}
}

func TestSpeakerChangesAreDeduplicated(t *testing.T) {
	a := New(Config{Room: "r", SampleRate: 16000})
	now := time.Now()

	a.onActiveSpeakers([]string{"Alice", "Bob"}, now)
	a.onActiveSpeakers([]string{"Alice"}, now.Add(time.Second))
	a.onActiveSpeakers(nil, now.Add(2*time.Second))
	a.onActiveSpeakers([]string{"Bob"}, now.Add(3*time.Second))

	var got []string
	for len(a.speakers) > 0 {
		got = append(got, (<-a.speakers).Name)
	}
	if len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
		t.Errorf("speaker changes = %v", got)
	}
}

func TestChatAfterLeaveIsIgnored(t *testing.T) {
	a := New(Config{Room: "r", SampleRate: 16000})
	payload, _ := encodeChat("hello", time.Now())
	a.onChat("Alice", payload)

	msg := <-a.Messages()
	if msg.Sender != "Alice" || msg.Text != "hello" {
		t.Errorf("message = %+v", msg)
	}

	if err := a.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.onChat("Alice", payload)
	a.onActiveSpeakers([]string{"Carol"}, time.Now())
	if _, ok := <-a.Messages(); ok {
		t.Error("messages channel should be closed")
	}
	if _, ok := <-a.SpeakerChanges(); ok {
		t.Error("speaker channel should be closed")
	}
	if reason := a.WaitForEnd(context.Background(), time.Second); reason != platform.EndLeft {
		t.Errorf("WaitForEnd = %s, want %s", reason, platform.EndLeft)
	}
}

func TestBuildToken(t *testing.T) {
	a := New(Config{
		APIKey:      "key",
		APISecret:   "secretsecretsecretsecretsecretsecret",
		Room:        "standup",
		Identity:    "agent-lma",
		DisplayName: "Notetaker",
	})
	token, err := a.buildToken()
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.ParseAPIToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if verifier.Identity() != "agent-lma" || verifier.APIKey() != "key" {
		t.Errorf("identity/key = %s/%s", verifier.Identity(), verifier.APIKey())
	}
	if _, err := New(Config{Room: "r"}).buildToken(); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestWaitForEndTimeout(t *testing.T) {
	a := New(Config{Room: "r", SampleRate: 16000})
	if reason := a.WaitForEnd(context.Background(), 10*time.Millisecond); reason != platform.EndTimeout {
		t.Errorf("WaitForEnd = %s, want %s", reason, platform.EndTimeout)
	}
	a.end(platform.EndAlone)
	if reason := a.WaitForEnd(context.Background(), time.Second); reason != platform.EndAlone {
		t.Errorf("WaitForEnd = %s, want %s", reason, platform.EndAlone)
	}
}
