// Package platform defines the capability surface every meeting platform
// adapter implements, so the session controller never depends on one
// platform's internals.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/session"
)

// ErrorKind classifies why a join failed.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	InvalidMeeting
	AccessDenied
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidMeeting:
		return "InvalidMeeting"
	case AccessDenied:
		return "AccessDenied"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// JoinError is returned by Adapter.Join.
type JoinError struct {
	Kind ErrorKind
	Err  error
}

func (e *JoinError) Error() string {
	if e.Err == nil {
		return "join failed: " + e.Kind.String()
	}
	return fmt.Sprintf("join failed (%s): %v", e.Kind, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// NewJoinError wraps err with kind.
func NewJoinError(kind ErrorKind, err error) *JoinError {
	return &JoinError{Kind: kind, Err: err}
}

// KindOf returns the kind of the JoinError in err's chain, or Unknown.
func KindOf(err error) ErrorKind {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Kind
	}
	return Unknown
}

// EndReason says why a meeting ended for the participant.
type EndReason string

const (
	EndMeetingEnded EndReason = "meeting-ended"
	EndRemoved      EndReason = "removed"
	EndAlone        EndReason = "alone"
	EndTimeout      EndReason = "timeout"
	EndLeft         EndReason = "left"
	EndCanceled     EndReason = "canceled"
)

// JoinOutcome describes a successful join.
type JoinOutcome struct {
	MeetingName string
	Identity    string
	JoinedAt    time.Time
}

// Adapter is implemented by every meeting platform. The channels returned by
// SpeakerChanges, Messages and Audio are closed after Leave.
type Adapter interface {
	// Join enters the meeting and sends the introduction message. Failures
	// are *JoinError.
	Join(ctx context.Context) (JoinOutcome, error)
	SpeakerChanges() <-chan session.SpeakerChange
	Messages() <-chan session.Message
	// Audio carries little-endian 16-bit PCM chunks at the session rate.
	Audio() <-chan []byte
	// Send posts text into the meeting chat.
	Send(ctx context.Context, text string) error
	// WaitForEnd blocks until the meeting ends, the participant is alone
	// for longer than the grace period, timeout elapses or ctx is done.
	WaitForEnd(ctx context.Context, timeout time.Duration) EndReason
	Leave(ctx context.Context) error
}
