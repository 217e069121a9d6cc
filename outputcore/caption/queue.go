// Package caption implements the outbound caption queue and the SEI
// splicer that injects queued captions into video packets on the way to
// the backend, per spec §4.2.
//
// Two independent queues share one mutex: a line queue of plain-text
// caption lines rendered through a CEA-608 frame builder, and a byte
// queue of raw 3-byte CEA-708 cc_data triples rendered directly. Both
// feed the same SEI builder (see sei.go).
package caption

import (
	"container/list"
	"sync"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

// Text is one queued caption line awaiting injection.
type Text struct {
	Text            string
	DisplayDuration float64 // seconds
}

// Triplet is one raw CEA-708/608 cc_data entry: 3 bytes as carried in an
// A/53 cc_data_pkt.
type Triplet struct {
	B0, B1, B2 byte
}

// Queue holds the two caption sources for a single Output. The
// LastRawCaptionTs field that the reference implementation this is
// modeled on keeps as a process-wide variable is, here, a field of the
// per-Output Queue — the spec explicitly calls that global out as a bug
// to fix (see DESIGN.md).
type Queue struct {
	mu sync.Mutex

	lines *list.List // of *Text

	bytes []Triplet

	captionTimestamp  float64
	lastRawCaptionTs  float64
}

// NewQueue returns an empty caption queue.
func NewQueue() *Queue {
	return &Queue{lines: list.New()}
}

// PushText appends a caption line to the line queue. text is truncated to
// packet.CaptionLineBytes bytes, matching the fixed-size line buffer of
// the reference caption_text struct.
func (q *Queue) PushText(text string, displayDuration time.Duration) {
	if len(text) > packet.CaptionLineBytes {
		text = text[:packet.CaptionLineBytes]
	}
	q.mu.Lock()
	q.lines.PushBack(&Text{Text: text, DisplayDuration: displayDuration.Seconds()})
	q.mu.Unlock()
}

// PushCEA708Raw appends raw 3-byte cc_data triples to the byte queue.
func (q *Queue) PushCEA708Raw(triplets ...Triplet) {
	q.mu.Lock()
	q.bytes = append(q.bytes, triplets...)
	q.mu.Unlock()
}

// Reset clears the byte queue and resets lastRawCaptionTs. Called when
// the output (re)starts, mirroring the line's "reset caption byte-queue"
// step in actualStart.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.bytes = q.bytes[:0]
	q.lastRawCaptionTs = 0
	q.mu.Unlock()
}

// pendingLine returns the head of the line queue without removing it, or
// nil if empty.
func (q *Queue) pendingLine() *Text {
	if q.lines.Len() == 0 {
		return nil
	}
	return q.lines.Front().Value.(*Text)
}

// popLine removes and returns the head of the line queue.
func (q *Queue) popLine() *Text {
	front := q.lines.Front()
	q.lines.Remove(front)
	return front.Value.(*Text)
}

// drainBytes removes and returns every currently queued raw triplet.
func (q *Queue) drainBytes() []Triplet {
	drained := q.bytes
	q.bytes = nil
	return drained
}
