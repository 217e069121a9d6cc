// Package interleave implements the packet interleaver (spec §4.3): it
// orders packets across one video track and N audio tracks by rebased
// DTS, enforces startup alignment, and dispatches packets one at a time
// once the opposing stream has overtaken the head.
package interleave

import (
	"sync"
	"sync/atomic"

	"github.com/outputcore/engine/outputcore/packet"
)

// Dispatcher is what a dispatched packet is handed to. Caption injection
// on video packets has already run by then: Buffer calls its
// CaptionInjector hook before Dispatch rather than baking SEI knowledge
// into this package.
type Dispatcher interface {
	Dispatch(pkt *packet.Encoded)
}

// CaptionInjector is the narrow capability the interleaver needs from
// outputcore/caption, kept as an interface here so this package has no
// import-time dependency on the caption package.
type CaptionInjector interface {
	InjectInto(pkt *packet.Encoded) (*packet.Encoded, bool)
}

// Buffer is the ordered interleave buffer plus the bookkeeping spec §4.3
// describes: receipt tracking, per-track offsets, and the two running
// high-water marks used to gate dispatch.
type Buffer struct {
	mu sync.Mutex

	packets []*packet.Encoded

	numAudioTracks int

	receivedVideo bool
	receivedAudio bool
	started       bool

	videoOffset  int64
	audioOffsets []int64

	highestVideoTs int64
	highestAudioTs int64

	audioEncoders []packet.EncoderRef

	// totalFrames is read by TotalFrames without taking b.mu, since the
	// dispatch callback it's read from (Output.routeToDelayOrBackend) runs
	// synchronously inside popAndDispatchLocked, while b.mu is held.
	totalFrames atomic.Int64

	captions CaptionInjector
}

// NewBuffer returns an empty interleave buffer for a single video track
// and numAudioTracks audio tracks, with encoder identities used to map
// incoming audio packets to track indices.
func NewBuffer(audioEncoders []packet.EncoderRef, captions CaptionInjector) *Buffer {
	return &Buffer{
		numAudioTracks: len(audioEncoders),
		audioOffsets:   make([]int64, len(audioEncoders)),
		audioEncoders:  append([]packet.EncoderRef(nil), audioEncoders...),
		captions:       captions,
	}
}

// TotalFrames returns the number of video frames dispatched so far.
// Lock-free: called from inside the dispatch callback while b.mu is
// still held by the Interleave call that triggered it.
func (b *Buffer) TotalFrames() int64 {
	return b.totalFrames.Load()
}

// trackIndexLocked resolves an audio packet's track index by identity-
// matching its producing encoder against the configured audio encoders,
// per spec §4.3 step 2 ("track-index determined by encoder identity, not
// a wire field").
func (b *Buffer) trackIndexLocked(enc packet.EncoderRef) int {
	for i, e := range b.audioEncoders {
		if e == enc {
			return i
		}
	}
	return 0
}

// Interleave receives one packet from a producer and runs the full
// receive path of spec §4.3: warm-up gating, rebasing, ordered insertion,
// high-water-mark update, and (on the audio/video receipt edge, or once
// already started) startup alignment or dispatch.
func (b *Buffer) Interleave(pkt *packet.Encoded, active bool, dispatch Dispatcher) {
	if !active {
		return
	}

	b.mu.Lock()

	if pkt.Kind == packet.Audio {
		pkt.TrackIdx = b.trackIndexLocked(pkt.Encoder)
	}
	pkt.RecomputeDTSUsec()

	// Warm-up rule: until the first video keyframe has arrived, audio
	// cannot be usefully decoded. Drop any leading non-keyframe video and
	// evict already-buffered audio that precedes it.
	if !b.receivedVideo && pkt.Kind == packet.Video && !pkt.Keyframe {
		b.evictAudioBeforeLocked(pkt.DTSUsec)
		b.mu.Unlock()
		return
	}

	wasStarted := b.receivedAudio && b.receivedVideo

	if pkt.Kind == packet.Video {
		b.receivedVideo = true
	} else {
		b.receivedAudio = true
	}

	if wasStarted {
		b.applyOffsetLocked(pkt)
	}

	b.insertLocked(pkt)
	b.setHigherTsLocked(pkt)

	firstAlignment := !wasStarted && b.receivedAudio && b.receivedVideo

	if firstAlignment {
		b.alignLocked()
	}

	for {
		if len(b.packets) == 0 {
			break
		}
		head := b.packets[0]
		if !b.hasHigherOpposingTsLocked(head) {
			break
		}
		b.popAndDispatchLocked(dispatch)
	}

	b.mu.Unlock()
}

func (b *Buffer) evictAudioBeforeLocked(dtsUsec int64) {
	kept := b.packets[:0]
	for _, p := range b.packets {
		if p.Kind == packet.Audio && p.DTSUsec < dtsUsec {
			continue
		}
		kept = append(kept, p)
	}
	b.packets = kept
}

func (b *Buffer) applyOffsetLocked(pkt *packet.Encoded) {
	var offset int64
	if pkt.Kind == packet.Video {
		offset = b.videoOffset
	} else {
		offset = b.audioOffsets[pkt.TrackIdx]
	}
	pkt.DTS -= offset
	pkt.PTS -= offset
	pkt.RecomputeDTSUsec()
}

// insertLocked inserts pkt into the ordered buffer at the first index
// where the existing entry's DTSUsec is strictly greater, or equal with
// the incoming packet being video (ties resolve video-first).
func (b *Buffer) insertLocked(pkt *packet.Encoded) {
	i := 0
	for ; i < len(b.packets); i++ {
		existing := b.packets[i]
		if existing.DTSUsec > pkt.DTSUsec {
			break
		}
		if existing.DTSUsec == pkt.DTSUsec && pkt.Kind == packet.Video {
			break
		}
	}
	b.packets = append(b.packets, nil)
	copy(b.packets[i+1:], b.packets[i:])
	b.packets[i] = pkt
}

func (b *Buffer) setHigherTsLocked(pkt *packet.Encoded) {
	if pkt.Kind == packet.Video {
		if pkt.DTSUsec > b.highestVideoTs {
			b.highestVideoTs = pkt.DTSUsec
		}
	} else {
		if pkt.DTSUsec > b.highestAudioTs {
			b.highestAudioTs = pkt.DTSUsec
		}
	}
}

func (b *Buffer) hasHigherOpposingTsLocked(pkt *packet.Encoded) bool {
	if pkt.Kind == packet.Video {
		return b.highestAudioTs > pkt.DTSUsec
	}
	return b.highestVideoTs > pkt.DTSUsec
}

// alignLocked runs the one-shot startup alignment described in spec
// §4.3: prune premature packets, pick the start index, record per-track
// offsets, rebase everything still buffered, and re-sort.
func (b *Buffer) alignLocked() {
	pruneStart, ok := b.pruneStartIdxLocked()
	if !ok {
		// A track has nothing buffered yet: reset receipt flags so
		// warm-up runs again once the missing track catches up.
		b.receivedVideo = false
		b.receivedAudio = false
		return
	}

	startIdx := pruneStart
	if startIdx == 0 {
		startIdx = b.interleavedStartIdxLocked()
	}

	if startIdx > 0 {
		b.packets = append([]*packet.Encoded(nil), b.packets[startIdx:]...)
	}

	firstVideo := b.firstOfKindLocked(packet.Video, 0)
	missing := firstVideo == nil
	for i := 0; i < b.numAudioTracks && !missing; i++ {
		missing = b.firstOfKindLocked(packet.Audio, i) == nil
	}
	if missing {
		// A track is missing post-prune: reset receipt flags so warm-up
		// runs again once the missing track catches up.
		b.receivedVideo = false
		b.receivedAudio = false
		return
	}
	b.videoOffset = firstVideo.PTS
	for i := 0; i < b.numAudioTracks; i++ {
		if first := b.firstOfKindLocked(packet.Audio, i); first != nil {
			b.audioOffsets[i] = first.DTS
		}
	}

	b.highestVideoTs -= packet.DTSUsecOf(b.videoOffset, firstVideo.TimebaseNum, firstVideo.TimebaseDen)
	if b.numAudioTracks > 0 {
		if first := b.firstOfKindLocked(packet.Audio, 0); first != nil {
			b.highestAudioTs -= packet.DTSUsecOf(b.audioOffsets[0], first.TimebaseNum, first.TimebaseDen)
		}
	}

	for _, p := range b.packets {
		b.applyOffsetLocked(p)
	}

	b.resortLocked()
	b.started = true
}

// pruneStartIdxLocked implements prune_premature_packets: if the first
// audio packet of any track lags the first video packet by more than one
// video-frame duration, everything up to and including the latest
// lagging head must be discarded. ok is false when a track's first
// packet is not yet buffered at all (caller should reset and retry).
func (b *Buffer) pruneStartIdxLocked() (idx int, ok bool) {
	videoIdx, firstVideo := b.firstIdxOfKindLocked(packet.Video, 0)
	if videoIdx < 0 {
		return 0, false
	}

	maxIdx := videoIdx
	var maxDiff int64
	frameDur := packet.DTSUsecOf(1, firstVideo.TimebaseNum, firstVideo.TimebaseDen)

	for i := 0; i < b.numAudioTracks; i++ {
		audioIdx, firstAudio := b.firstIdxOfKindLocked(packet.Audio, i)
		if audioIdx < 0 {
			return 0, false
		}
		if audioIdx > maxIdx {
			maxIdx = audioIdx
		}
		diff := firstAudio.DTSUsec - firstVideo.DTSUsec
		if diff > maxDiff {
			maxDiff = diff
		}
	}

	if maxDiff > frameDur {
		return maxIdx + 1, true
	}
	return 0, true
}

// interleavedStartIdxLocked picks the index of the audio packet whose
// DTS is closest to the first video packet's, clamped to never exceed
// the first video packet's own index (video stays the leader).
func (b *Buffer) interleavedStartIdxLocked() int {
	videoIdx, firstVideo := b.firstIdxOfKindLocked(packet.Video, 0)
	if videoIdx < 0 {
		return 0
	}

	closest := int64(1) << 62
	idx := 0
	for i, p := range b.packets {
		if p.Kind != packet.Audio {
			continue
		}
		diff := p.DTSUsec - firstVideo.DTSUsec
		if diff < 0 {
			diff = -diff
		}
		if diff < closest {
			closest = diff
			idx = i
		}
	}
	if videoIdx < idx {
		return videoIdx
	}
	return idx
}

func (b *Buffer) firstIdxOfKindLocked(kind packet.Kind, trackIdx int) (int, *packet.Encoded) {
	for i, p := range b.packets {
		if p.Kind != kind {
			continue
		}
		if kind == packet.Audio && p.TrackIdx != trackIdx {
			continue
		}
		return i, p
	}
	return -1, nil
}

func (b *Buffer) firstOfKindLocked(kind packet.Kind, trackIdx int) *packet.Encoded {
	_, p := b.firstIdxOfKindLocked(kind, trackIdx)
	return p
}

func (b *Buffer) resortLocked() {
	packets := b.packets
	b.packets = nil
	for _, p := range packets {
		b.insertLocked(p)
	}
}

func (b *Buffer) popAndDispatchLocked(dispatch Dispatcher) {
	head := b.packets[0]
	b.packets = b.packets[1:]

	out := head
	if head.Kind == packet.Video {
		b.totalFrames.Add(1)
		if b.captions != nil {
			if injected, ok := b.captions.InjectInto(head); ok {
				out = injected
			}
		}
	}
	dispatch.Dispatch(out)
}

// Reset clears all state, used when an output (re)starts.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = nil
	b.receivedAudio = false
	b.receivedVideo = false
	b.started = false
	b.videoOffset = 0
	for i := range b.audioOffsets {
		b.audioOffsets[i] = 0
	}
	b.highestVideoTs = 0
	b.highestAudioTs = 0
	b.totalFrames.Store(0)
}
