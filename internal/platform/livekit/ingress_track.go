package livekit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/LastBotInc/virtual-participant/internal/audio"
	"github.com/LastBotInc/virtual-participant/internal/logging"
)

const opusRate = 48000

// IngressTrack decodes one participant's Opus track, resamples it from
// 48kHz to the session rate and hands fixed-size frames to the tap.
type IngressTrack struct {
	participantID string
	targetRate    int
	frameSamples  int
	decoder       *opus.Decoder
	resampler     *soxr.Resampler
	resamplerBuf  *bytes.Buffer
	resamplerMu   sync.Mutex
	inputBytesBuf []byte
	remaining     []int16
	tap           audio.Tap
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	firstRTPLogged bool
}

// NewIngressTrack creates the decoder and, when the session rate differs
// from 48kHz, the resampler.
func NewIngressTrack(participantID string, targetRate int, tap audio.Tap) (*IngressTrack, error) {
	decoder, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	t := &IngressTrack{
		participantID: participantID,
		targetRate:    targetRate,
		frameSamples:  audio.SamplesPerFrame(targetRate),
		decoder:       decoder,
		tap:           tap,
		inputBytesBuf: make([]byte, 0, 1920),
	}
	t.remaining = make([]int16, 0, t.frameSamples)

	if targetRate != opusRate {
		// the resampler writes into the same buffer we read from
		t.resamplerBuf = &bytes.Buffer{}
		t.resampler, err = soxr.New(t.resamplerBuf, float64(opusRate), float64(targetRate), 1, soxr.I16, soxr.HighQ)
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start reads RTP packets from track until Stop.
func (t *IngressTrack) Start(track *webrtc.TrackRemote) {
	t.wg.Add(1)
	go t.processTrack(track)
	logging.Info(logging.CategoryAudio, "started ingress track participant=%s", t.participantID)
}

// Stop halts the reader and releases the resampler.
func (t *IngressTrack) Stop() {
	t.cancel()
	t.wg.Wait()
	t.resamplerMu.Lock()
	if t.resampler != nil {
		t.resampler.Close()
		t.resampler = nil
	}
	t.resamplerMu.Unlock()
}

func (t *IngressTrack) processTrack(track *webrtc.TrackRemote) {
	defer t.wg.Done()

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	pcm48k := make([]int16, 5760) // up to 120ms @ 48kHz

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if t.ctx.Err() == nil {
				logging.Warning(logging.CategoryAudio, "failed to read RTP packet participant=%s: %v", t.participantID, err)
			}
			return
		}

		if !t.firstRTPLogged {
			t.firstRTPLogged = true
			logging.Info(logging.CategoryAudio, "received first RTP packet participant=%s size=%d", t.participantID, n)
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			logging.Warning(logging.CategoryAudio, "failed to unmarshal RTP packet participant=%s: %v", t.participantID, err)
			continue
		}
		if len(packet.Payload) == 0 {
			continue // DTX
		}

		count, err := t.decoder.Decode(packet.Payload, pcm48k)
		if err != nil {
			logging.Debug(logging.CategoryAudio, "failed to decode Opus participant=%s: %v", t.participantID, err)
			continue
		}
		if count == 0 {
			continue
		}

		samples, err := t.resample(pcm48k[:count])
		if err != nil {
			logging.Warning(logging.CategoryAudio, "failed to resample participant=%s: %v", t.participantID, err)
			continue
		}
		t.emit(samples)
	}
}

// emit splits samples into frames, carrying the remainder to the next call.
func (t *IngressTrack) emit(samples []int16) {
	if len(samples) == 0 {
		return
	}
	combined := append(t.remaining, samples...)
	for len(combined) >= t.frameSamples {
		frame := make([]int16, t.frameSamples)
		copy(frame, combined[:t.frameSamples])
		combined = combined[t.frameSamples:]
		if t.tap != nil {
			t.tap.OnFrame(t.participantID, frame)
		}
	}
	t.remaining = append(t.remaining[:0], combined...)
}

func (t *IngressTrack) resample(samples48k []int16) ([]int16, error) {
	t.resamplerMu.Lock()
	defer t.resamplerMu.Unlock()

	if t.resampler == nil {
		out := make([]int16, len(samples48k))
		copy(out, samples48k)
		return out, nil
	}

	inputSize := len(samples48k) * 2
	if cap(t.inputBytesBuf) < inputSize {
		t.inputBytesBuf = make([]byte, inputSize)
	}
	input := t.inputBytesBuf[:inputSize]
	for i, s := range samples48k {
		binary.LittleEndian.PutUint16(input[i*2:], uint16(s))
	}

	t.resamplerBuf.Reset()
	if _, err := t.resampler.Write(input); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	return audio.BytesToInt16(t.resamplerBuf.Bytes()), nil
}
