// Package audio carries meeting audio from per-participant decoders to the
// recorder and the recognizer as one continuous PCM stream.
package audio

// Tap receives decoded per-participant PCM before mixing.
// Frames are mono int16 at the session sample rate.
type Tap interface {
	OnFrame(participantID string, frame []int16)
}

// NoopTap discards every frame.
type NoopTap struct{}

func (NoopTap) OnFrame(string, []int16) {}

// TapFunc adapts a function to Tap.
type TapFunc func(participantID string, frame []int16)

func (f TapFunc) OnFrame(participantID string, frame []int16) { f(participantID, frame) }

// MultiTap fans a frame out to several taps in order.
type MultiTap []Tap

func (m MultiTap) OnFrame(participantID string, frame []int16) {
	for _, t := range m {
		t.OnFrame(participantID, frame)
	}
}
