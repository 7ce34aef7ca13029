package transcribe

import "strings"

// ItemType distinguishes spoken words from punctuation marks.
type ItemType string

const (
	ItemWord        ItemType = "pronunciation"
	ItemPunctuation ItemType = "punctuation"
)

// Item is one timed token of a recognition result. Times are seconds from
// the start of the audio stream.
type Item struct {
	Type      ItemType
	Content   string
	StartTime float64
	EndTime   float64
}

// Result is one recognition batch. Partial results are superseded by later
// results with the same ResultID.
type Result struct {
	ResultID  string
	IsPartial bool
	StartTime float64
	EndTime   float64
	Items     []Item
	// Channel is set by engines that identify channels, e.g. "ch_0".
	Channel string
	// Transcript is the engine's rendering of the whole batch.
	Transcript string
}

// Text joins the items of a result the way the caption view shows them.
func (r Result) Text() string {
	if len(r.Items) == 0 {
		return strings.TrimSpace(r.Transcript)
	}
	var sb strings.Builder
	for i, item := range r.Items {
		if item.Type != ItemPunctuation && i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(item.Content)
	}
	return sb.String()
}
