package audio

import (
	"context"
	"sync"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

// maxBufferedFrames bounds each participant's backlog.
const maxBufferedFrames = 10

// Mixer sums per-participant frames into one stream, emitting a frame every
// FrameDuration. Silence is emitted while nobody is sending audio so the
// output keeps wall-clock timing.
type Mixer struct {
	channels     int
	frameSamples int

	mu      sync.Mutex
	buffers map[string][]int16

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	droppedFrames int
}

// NewMixer creates a mixer for mono input at sampleRate, producing
// little-endian PCM with channels interleaved.
func NewMixer(sampleRate, channels int) *Mixer {
	if channels < 1 {
		channels = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mixer{
		channels:     channels,
		frameSamples: SamplesPerFrame(sampleRate),
		buffers:      make(map[string][]int16),
		out:          make(chan []byte, 50),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnFrame implements Tap.
func (m *Mixer) OnFrame(participantID string, frame []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.buffers[participantID], frame...)
	if limit := m.frameSamples * maxBufferedFrames; len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	m.buffers[participantID] = buf
}

// Remove drops a participant's pending audio.
func (m *Mixer) Remove(participantID string) {
	m.mu.Lock()
	delete(m.buffers, participantID)
	m.mu.Unlock()
}

// Output returns the mixed stream. It is closed by Stop.
func (m *Mixer) Output() <-chan []byte {
	return m.out
}

// Start begins emitting frames.
func (m *Mixer) Start() {
	m.wg.Add(1)
	go m.run()
	logging.Info(logging.CategoryAudio, "mixer started frameSamples=%d channels=%d", m.frameSamples, m.channels)
}

// Stop halts the mixer and closes the output channel.
func (m *Mixer) Stop() {
	m.cancel()
	m.wg.Wait()
	m.once.Do(func() { close(m.out) })
}

func (m *Mixer) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			if m.droppedFrames > 0 {
				logging.Warning(logging.CategoryAudio, "mixer dropped %d frames", m.droppedFrames)
			}
			return
		case <-ticker.C:
			frame := m.mixFrame()
			select {
			case m.out <- frame:
			default:
				m.droppedFrames++
				if m.droppedFrames == 1 {
					logging.Warning(logging.CategoryAudio, "audio consumer is falling behind, dropping frames")
				}
			}
		}
	}
}

// mixFrame takes one frame from every participant buffer and sums them with
// clipping.
func (m *Mixer) mixFrame() []byte {
	acc := make([]int32, m.frameSamples)

	m.mu.Lock()
	for id, buf := range m.buffers {
		n := len(buf)
		if n > m.frameSamples {
			n = m.frameSamples
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(buf[i])
		}
		m.buffers[id] = buf[n:]
	}
	m.mu.Unlock()

	mixed := make([]int16, m.frameSamples)
	for i, v := range acc {
		mixed[i] = clip(v)
	}
	return Int16ToBytes(Interleave(mixed, m.channels))
}
