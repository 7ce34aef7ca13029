package platform

import "strings"

// Command is a reserved in-meeting control token.
type Command string

const (
	CommandNone  Command = ""
	CommandStart Command = "START_LMA"
	CommandPause Command = "PAUSE_LMA"
	CommandEnd   Command = "END_LMA"
)

// ParseCommand returns the command carried by a chat message. The token must
// be the whole message, ignoring surrounding whitespace and case.
func ParseCommand(text string) Command {
	switch Command(strings.ToUpper(strings.TrimSpace(text))) {
	case CommandStart:
		return CommandStart
	case CommandPause:
		return CommandPause
	case CommandEnd:
		return CommandEnd
	}
	return CommandNone
}
