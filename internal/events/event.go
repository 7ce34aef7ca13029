// Package events serializes lifecycle and transcript events and publishes
// them, in order, to the call event stream.
package events

import (
	"time"

	"github.com/LastBotInc/virtual-participant/internal/segment"
)

// Type is the EventType field of the wire format.
type Type string

const (
	TypeStart                Type = "START"
	TypeContinue             Type = "CONTINUE"
	TypeEnd                  Type = "END"
	TypeAddTranscriptSegment Type = "ADD_TRANSCRIPT_SEGMENT"
	TypeAddRecordingURL      Type = "ADD_S3_RECORDING_URL"
	TypeAddCallCategory      Type = "ADD_CALL_CATEGORY"
)

// ChannelCaller is the channel name every meeting segment is published on;
// the participant records the mixed meeting audio as a single speaker
// channel.
const ChannelCaller = "CALLER"

// Credentials are forwarded with START so the downstream consumer can link
// the call record back to the user who launched the participant.
type Credentials struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	AgentID      string
}

// Event is one message on the stream. Optional fields are omitted when
// they do not apply to the event type.
type Event struct {
	EventType Type   `json:"EventType"`
	CallID    string `json:"CallId"`
	SessionID string `json:"SessionId,omitempty"`
	CreatedAt string `json:"CreatedAt"`

	// ADD_TRANSCRIPT_SEGMENT
	Channel    string   `json:"Channel,omitempty"`
	SegmentID  string   `json:"SegmentId,omitempty"`
	Speaker    string   `json:"Speaker,omitempty"`
	StartTime  *float64 `json:"StartTime,omitempty"`
	EndTime    *float64 `json:"EndTime,omitempty"`
	Transcript string   `json:"Transcript,omitempty"`
	IsPartial  *bool    `json:"IsPartial,omitempty"`

	// ADD_S3_RECORDING_URL
	RecordingURL string `json:"RecordingUrl,omitempty"`

	// ADD_CALL_CATEGORY
	CallCategories []string `json:"CallCategories,omitempty"`

	// START
	AccessToken  string `json:"AccessToken,omitempty"`
	IDToken      string `json:"IdToken,omitempty"`
	RefreshToken string `json:"RefreshToken,omitempty"`
	AgentID      string `json:"AgentId,omitempty"`
}

var now = func() time.Time { return time.Now().UTC() }

func base(t Type, callID string) Event {
	return Event{
		EventType: t,
		CallID:    callID,
		CreatedAt: now().Format(time.RFC3339Nano),
	}
}

// Start builds the START event.
func Start(callID string, creds Credentials) Event {
	ev := base(TypeStart, callID)
	ev.AccessToken = creds.AccessToken
	ev.IDToken = creds.IDToken
	ev.RefreshToken = creds.RefreshToken
	ev.AgentID = creds.AgentID
	return ev
}

// Continue marks the resumption of transcription after a pause.
func Continue(callID string) Event {
	return base(TypeContinue, callID)
}

// End builds the terminal END event.
func End(callID string) Event {
	return base(TypeEnd, callID)
}

// Segment builds an ADD_TRANSCRIPT_SEGMENT event.
func Segment(callID string, seg segment.Segment) Event {
	ev := base(TypeAddTranscriptSegment, callID)
	start, end, partial := seg.StartTime, seg.EndTime, seg.IsPartial
	ev.Channel = ChannelCaller
	ev.SegmentID = seg.SegmentID
	ev.Speaker = seg.Speaker
	ev.StartTime = &start
	ev.EndTime = &end
	ev.Transcript = seg.Text
	ev.IsPartial = &partial
	return ev
}

// Recording builds an ADD_S3_RECORDING_URL event.
func Recording(callID, url string) Event {
	ev := base(TypeAddRecordingURL, callID)
	ev.RecordingURL = url
	return ev
}

// Category builds an ADD_CALL_CATEGORY event.
func Category(callID string, categories ...string) Event {
	ev := base(TypeAddCallCategory, callID)
	ev.CallCategories = categories
	return ev
}
