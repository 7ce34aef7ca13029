package status

import (
	"errors"
	"strings"

	"github.com/LastBotInc/virtual-participant/internal/platform"
)

// Failure reasons written to the status record.
const (
	ReasonWrongPassword    = "Wrong meeting password"
	ReasonInvalidMeetingID = "Invalid meeting ID"
	ReasonMeetingEnded     = "Meeting already ended"
	ReasonPermissionDenied = "Permission denied"
	ReasonJoinFailed       = "Failed to join meeting"
)

// ClassifyFailure maps the error that stopped a join or setup step to a
// failure reason.
func ClassifyFailure(err error) string {
	if err == nil {
		return ReasonJoinFailed
	}
	msg := strings.ToLower(err.Error())

	var joinErr *platform.JoinError
	if errors.As(err, &joinErr) {
		switch joinErr.Kind {
		case platform.InvalidMeeting:
			if containsAny(msg, "ended", "closed") {
				return ReasonMeetingEnded
			}
			return ReasonInvalidMeetingID
		case platform.AccessDenied:
			if containsAny(msg, "password", "passcode") {
				return ReasonWrongPassword
			}
			return ReasonPermissionDenied
		}
	}

	switch {
	case containsAny(msg, "password", "passcode"):
		return ReasonWrongPassword
	case containsAny(msg, "invalid meeting", "meeting id", "room not found", "does not exist"):
		return ReasonInvalidMeetingID
	case containsAny(msg, "already ended", "meeting has ended", "meeting ended", "room closed"):
		return ReasonMeetingEnded
	case containsAny(msg, "permission", "denied", "unauthorized", "forbidden", "rejected"):
		return ReasonPermissionDenied
	}
	return ReasonJoinFailed
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
