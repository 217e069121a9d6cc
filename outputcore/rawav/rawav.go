// Package rawav implements the pause-gated raw video callback and the
// raw-audio resampling window (spec §4.4), used by outputs that are not
// Encoded: the video side drops frames during a pause, and the audio
// side rebuffers arbitrarily-sized input blocks into fixed
// packet.AudioOutputFrames-sized blocks stamped on a single
// timeline with the video start.
package rawav

import (
	"github.com/outputcore/engine/outputcore/packet"
	"github.com/outputcore/engine/outputcore/clockpause"
)

// VideoFrame is one raw video frame handed to the gate.
type VideoFrame struct {
	TimestampNs uint64
	Payload     []byte
}

// VideoSink receives frames that pass the pause gate.
type VideoSink interface {
	RawVideo(frame *VideoFrame)
}

// VideoGate drops raw video frames that fall inside a pause window and
// counts the ones that pass through.
type VideoGate struct {
	pause       *clockpause.PauseData
	totalFrames uint64
}

// NewVideoGate returns a gate backed by the given pause ledger.
func NewVideoGate(pause *clockpause.PauseData) *VideoGate {
	return &VideoGate{pause: pause}
}

// TotalFrames returns the number of frames dispatched so far.
func (g *VideoGate) TotalFrames() uint64 { return g.totalFrames }

// Push runs one raw video frame through the pause gate: if the frame
// falls within an active pause window it is dropped, otherwise it is
// forwarded to sink and totalFrames is bumped.
func (g *VideoGate) Push(frame *VideoFrame, sink VideoSink) {
	g.pause.SetLastVideoTs(frame.TimestampNs)
	if g.pause.Paused() {
		return
	}
	g.totalFrames++
	sink.RawVideo(frame)
}

// AudioBlock is one fixed-size emitted block, stamped with its output
// timestamp.
type AudioBlock struct {
	MixIdx      int
	TimestampNs uint64
	Planes      [][]byte
}

// AudioSink receives emitted audio blocks. The core routes to whichever
// of the two methods the backend declares (spec §4.4); a backend that
// only implements single-mix audio simply ignores MixIdx.
type AudioSink interface {
	RawAudio(block *AudioBlock)
}

// planeRing is a per-plane byte ring for one mix.
type planeRing struct {
	buf []byte
}

func (r *planeRing) push(data []byte) { r.buf = append(r.buf, data...) }

func (r *planeRing) pop(n int) []byte {
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}

// AudioWindow rebuffers input audio of arbitrary block size into fixed
// packet.AudioOutputFrames blocks for one raw audio mix, per spec
// §4.4.
type AudioWindow struct {
	mixIdx         int
	sampleRate     uint32
	bytesPerSample int
	numPlanes      int

	pause *clockpause.PauseData

	videoStartTs  uint64
	haveStart     bool
	audioStartTs  uint64
	totalFrames   uint64

	planes []planeRing
}

// NewAudioWindow returns an audio window for one mix. bytesPerSample is
// the per-sample, per-plane byte width (e.g. 4 for planar float32).
func NewAudioWindow(mixIdx int, sampleRate uint32, numPlanes, bytesPerSample int, pause *clockpause.PauseData) *AudioWindow {
	return &AudioWindow{
		mixIdx:         mixIdx,
		sampleRate:     sampleRate,
		bytesPerSample: bytesPerSample,
		numPlanes:      numPlanes,
		pause:          pause,
		planes:         make([]planeRing, numPlanes),
	}
}

// framesToNs converts a frame count at sampleRate into nanoseconds.
func framesToNs(sampleRate uint32, frames uint64) uint64 {
	if sampleRate == 0 {
		return 0
	}
	return frames * 1_000_000_000 / uint64(sampleRate)
}

// Push feeds one arbitrarily-sized input block (one byte slice per
// plane, all the same length) stamped at timestampNs, truncating any
// portion preceding the latched video start and draining any now-full
// fixed-size blocks to sink.
func (w *AudioWindow) Push(timestampNs uint64, planes [][]byte, sink AudioSink) {
	if !w.haveStart {
		w.videoStartTs = w.pause.LastVideoTs()
		if w.videoStartTs == 0 {
			return
		}
		w.haveStart = true
		w.audioStartTs = timestampNs
	}

	blockEndNs := timestampNs
	if len(planes) > 0 {
		frames := len(planes[0]) / max(w.bytesPerSample, 1)
		blockEndNs = timestampNs + framesToNs(w.sampleRate, uint64(frames))
	}
	if blockEndNs < w.videoStartTs {
		return
	}

	cutoffNs := uint64(0)
	if timestampNs < w.videoStartTs {
		cutoffNs = w.videoStartTs - timestampNs
	}
	cutoffFrames := int(cutoffNs * uint64(w.sampleRate) / 1_000_000_000)

	for i, plane := range planes {
		start := cutoffFrames * w.bytesPerSample
		if start > len(plane) {
			start = len(plane)
		}
		w.planes[i].push(plane[start:])
	}

	blockBytes := packet.AudioOutputFrames * w.bytesPerSample
	for {
		ready := true
		for i := 0; i < w.numPlanes; i++ {
			if len(w.planes[i].buf) < blockBytes {
				ready = false
				break
			}
		}
		if !ready {
			break
		}

		out := make([][]byte, w.numPlanes)
		for i := 0; i < w.numPlanes; i++ {
			out[i] = w.planes[i].pop(blockBytes)
		}

		ts := w.audioStartTs + framesToNs(w.sampleRate, w.totalFrames) + w.pause.Offset()
		w.totalFrames += packet.AudioOutputFrames
		sink.RawAudio(&AudioBlock{MixIdx: w.mixIdx, TimestampNs: ts, Planes: out})
	}
}
