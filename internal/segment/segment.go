// Package segment turns recognition batches into speaker-attributed
// transcript segments.
//
// Attribution keeps a history of (speaker, start) boundaries. A boundary is
// added whenever the speaker reported for a batch differs from the speaker of
// the previous batch, using the start time of the batch's last item, since
// the meeting surface reports speakers about one batch behind the audio.
// Items are assigned to the latest boundary at or before their start time.
// The history is cleared after every final batch.
package segment

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/LastBotInc/virtual-participant/internal/logging"
	"github.com/LastBotInc/virtual-participant/internal/transcribe"
)

// UnknownSpeaker labels items recognized before any speaker was reported.
const UnknownSpeaker = "Unknown"

// Segment is a contiguous run of transcript text attributed to one speaker.
type Segment struct {
	SegmentID string
	ResultID  string
	Speaker   string
	StartTime float64
	EndTime   float64
	Text      string
	IsPartial bool
}

type boundary struct {
	speaker string
	start   float64
}

// Engine reassembles recognition batches into segments. It is safe for
// concurrent use.
type Engine struct {
	namespace uuid.UUID

	mu          sync.Mutex
	history     []boundary
	lastSpeaker string
	hasLast     bool
	finalized   map[string]struct{}
}

// NewEngine creates an engine whose segment ids are scoped to callID.
func NewEngine(callID string) *Engine {
	return &Engine{
		namespace: uuid.NewSHA1(uuid.NameSpaceURL, []byte("segment:"+callID)),
		finalized: make(map[string]struct{}),
	}
}

// Process attributes the items of one batch to speakers. speaker is the
// participant the meeting surface currently reports as talking.
//
// A final batch whose ResultID was already processed returns nil.
func (e *Engine) Process(result transcribe.Result, speaker string) []Segment {
	if speaker == "" {
		speaker = UnknownSpeaker
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if result.ResultID != "" {
		if _, done := e.finalized[result.ResultID]; done {
			logging.Debug(logging.CategorySegment, "skipping finalized result resultID=%s", result.ResultID)
			return nil
		}
	}

	items := result.Items
	if len(items) == 0 {
		if !result.IsPartial {
			e.finalize(result.ResultID)
		}
		return nil
	}

	if !e.hasLast || speaker != e.lastSpeaker {
		e.history = append(e.history, boundary{
			speaker: speaker,
			start:   items[len(items)-1].StartTime,
		})
		e.lastSpeaker = speaker
		e.hasLast = true
	}

	var order []string
	byKey := make(map[string]*Segment)

	for _, item := range items {
		b := e.history[lookup(e.history, item.StartTime)]
		key := b.speaker + "\x00" + strconv.FormatFloat(b.start, 'f', -1, 64)

		seg, ok := byKey[key]
		if !ok {
			seg = &Segment{
				SegmentID: e.segmentID(result.ResultID, b),
				ResultID:  result.ResultID,
				Speaker:   b.speaker,
				StartTime: b.start,
				EndTime:   item.EndTime,
				Text:      item.Content,
				IsPartial: result.IsPartial,
			}
			byKey[key] = seg
			order = append(order, key)
			continue
		}

		if item.Type != transcribe.ItemPunctuation {
			seg.Text += " "
		}
		seg.Text += item.Content
		if item.EndTime > seg.EndTime {
			seg.EndTime = item.EndTime
		}
	}

	segments := make([]Segment, 0, len(order))
	for _, key := range order {
		segments = append(segments, *byKey[key])
	}

	if !result.IsPartial {
		e.finalize(result.ResultID)
	}

	return segments
}

// Reset clears the speaker history so the next batch starts attribution from
// scratch.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.lastSpeaker = ""
	e.hasLast = false
}

// HistoryLen returns the number of speaker boundaries currently held.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

func (e *Engine) finalize(resultID string) {
	if resultID != "" {
		e.finalized[resultID] = struct{}{}
	}
	e.history = nil
	e.lastSpeaker = ""
	e.hasLast = false
}

func (e *Engine) segmentID(resultID string, b boundary) string {
	name := fmt.Sprintf("%s|%s|%s", resultID, b.speaker, strconv.FormatFloat(b.start, 'f', -1, 64))
	return uuid.NewSHA1(e.namespace, []byte(name)).String()
}

// lookup returns the index of the last boundary whose start is <= t. Times
// before the first boundary resolve to index 0.
func lookup(history []boundary, t float64) int {
	i := sort.Search(len(history), func(i int) bool {
		return history[i].start > t
	})
	if i == 0 {
		return 0
	}
	return i - 1
}
