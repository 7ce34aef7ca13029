package audio

import (
	"encoding/binary"
	"time"
)

// FrameDuration is the length of one mixed frame.
const FrameDuration = 20 * time.Millisecond

// SamplesPerFrame returns the mono sample count of one frame at rate.
func SamplesPerFrame(rate int) int {
	return rate * int(FrameDuration/time.Millisecond) / 1000
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Interleave duplicates mono samples across channels.
func Interleave(mono []int16, channels int) []int16 {
	if channels <= 1 {
		return mono
	}
	out := make([]int16, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

func clip(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
