package audio

// Gate returns chunk when active and a zero-filled chunk of the same length
// otherwise, so a paused session keeps the stream's timing.
func Gate(chunk []byte, active bool) []byte {
	if active {
		return chunk
	}
	return Silence(len(chunk))
}

// Silence returns n zero bytes.
func Silence(n int) []byte {
	return make([]byte, n)
}

// IsSilent reports whether every byte of chunk is zero.
func IsSilent(chunk []byte) bool {
	for _, b := range chunk {
		if b != 0 {
			return false
		}
	}
	return true
}
