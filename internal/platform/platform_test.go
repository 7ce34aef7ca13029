package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"START_LMA", CommandStart},
		{"  pause_lma\n", CommandPause},
		{"End_Lma", CommandEnd},
		{"please END_LMA now", CommandNone},
		{"", CommandNone},
		{"hello", CommandNone},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("wrong password")
	err := fmt.Errorf("join: %w", NewJoinError(AccessDenied, base))

	if got := KindOf(err); got != AccessDenied {
		t.Errorf("KindOf = %v, want AccessDenied", got)
	}
	if !errors.Is(err, base) {
		t.Error("JoinError should unwrap to its cause")
	}
	if got := KindOf(base); got != Unknown {
		t.Errorf("KindOf(plain) = %v, want Unknown", got)
	}
}

func TestJoinErrorMessage(t *testing.T) {
	err := NewJoinError(Timeout, nil)
	if err.Error() != "join failed: Timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}
