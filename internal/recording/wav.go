package recording

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// WAVHeader returns the 44-byte RIFF/WAVE header for dataSize bytes of
// 16-bit PCM.
func WAVHeader(dataSize uint32, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	return h
}

// ConvertToWAV writes a WAV file at dst holding the raw PCM at src.
func ConvertToWAV(src, dst string, sampleRate, channels int) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open raw audio: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat raw audio: %w", err)
	}
	size := info.Size()
	if size > int64(^uint32(0))-36 {
		return 0, fmt.Errorf("raw audio too large for WAV: %d bytes", size)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create wav: %w", err)
	}

	if _, err := out.Write(WAVHeader(uint32(size), sampleRate, channels)); err != nil {
		out.Close()
		return 0, fmt.Errorf("write wav header: %w", err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, fmt.Errorf("write wav data: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close wav: %w", err)
	}
	return n + wavHeaderSize, nil
}
