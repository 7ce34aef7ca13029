// Package session holds the Session aggregate shared by every task of one
// meeting attendance.
package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SpeakerChange is one report from the meeting surface that a different
// participant became the active speaker.
type SpeakerChange struct {
	Name      string
	Timestamp time.Time
}

// Caption is one finalized line of the local caption view.
type Caption struct {
	Speaker string
	Text    string
	At      time.Time
}

// Message is one inbound chat message.
type Message struct {
	Sender string
	Text   string
	At     time.Time
}

// Session is one attendance of the participant in one meeting.
type Session struct {
	ID          string
	CallID      string
	MeetingID   string
	MeetingName string
	DisplayName string
	CreatedAt   time.Time

	startedAt atomic.Pointer[time.Time]
	active    atomic.Bool

	mu       sync.RWMutex
	speakers []SpeakerChange
	messages []Message
	captions []Caption
}

// New creates a Session. Empty ids are generated.
func New(id, callID, meetingID, meetingName, displayName string) *Session {
	now := time.Now().UTC()
	if id == "" {
		id = uuid.NewString()
	}
	if meetingName == "" {
		meetingName = meetingID
	}
	if callID == "" {
		callID = DefaultCallID(meetingName, now)
	}
	s := &Session{
		ID:          id,
		CallID:      callID,
		MeetingID:   meetingID,
		MeetingName: meetingName,
		DisplayName: displayName,
		CreatedAt:   now,
	}
	s.active.Store(true)
	return s
}

// DefaultCallID derives a call identifier from the meeting name and a timestamp.
func DefaultCallID(name string, t time.Time) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "meeting"
	}
	return name + " - " + t.UTC().Format("2006-01-02-15:04:05.000")
}

// Active reports whether captured audio is forwarded downstream.
func (s *Session) Active() bool {
	return s.active.Load()
}

// SetActive flips the forwarding gate and reports whether it changed.
func (s *Session) SetActive(active bool) bool {
	return s.active.Swap(active) != active
}

// MarkStarted records the moment the participant joined.
func (s *Session) MarkStarted(t time.Time) {
	t = t.UTC()
	s.startedAt.Store(&t)
}

// StartedAt returns the join time, zero if not joined.
func (s *Session) StartedAt() time.Time {
	if t := s.startedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// RecordSpeaker appends a speaker change if the name differs from the
// current speaker. It reports whether an entry was appended.
func (s *Session) RecordSpeaker(change SpeakerChange) bool {
	if change.Name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.speakers); n > 0 && s.speakers[n-1].Name == change.Name {
		return false
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	s.speakers = append(s.speakers, change)
	return true
}

// CurrentSpeaker returns the most recent active speaker, or "" when nobody
// has spoken yet.
func (s *Session) CurrentSpeaker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.speakers); n > 0 {
		return s.speakers[n-1].Name
	}
	return ""
}

// SpeakerChanges returns a copy of the speaker change log.
func (s *Session) SpeakerChanges() []SpeakerChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpeakerChange, len(s.speakers))
	copy(out, s.speakers)
	return out
}

// AppendMessage records an inbound chat message.
func (s *Session) AppendMessage(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

// Messages returns a copy of the chat message log.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AppendCaption adds a finalized line to the caption view.
func (s *Session) AppendCaption(c Caption) {
	s.mu.Lock()
	s.captions = append(s.captions, c)
	s.mu.Unlock()
}

// Captions returns a copy of the caption view.
func (s *Session) Captions() []Caption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Caption, len(s.captions))
	copy(out, s.captions)
	return out
}
