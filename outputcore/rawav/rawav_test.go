package rawav

import (
	"testing"

	"github.com/outputcore/engine/outputcore/packet"
	"github.com/outputcore/engine/outputcore/clockpause"
)

type videoRecorder struct {
	frames []*VideoFrame
}

func (r *videoRecorder) RawVideo(f *VideoFrame) { r.frames = append(r.frames, f) }

func TestVideoGate_DropsDuringPause(t *testing.T) {
	p := &clockpause.PauseData{}
	g := NewVideoGate(p)
	rec := &videoRecorder{}

	g.Push(&VideoFrame{TimestampNs: 1000}, rec)
	p.StartPause(2000)
	g.Push(&VideoFrame{TimestampNs: 2500}, rec)
	p.EndPause(3000)
	g.Push(&VideoFrame{TimestampNs: 3500}, rec)

	if len(rec.frames) != 2 {
		t.Fatalf("got %d frames, want 2 (one dropped during pause)", len(rec.frames))
	}
	if g.TotalFrames() != 2 {
		t.Fatalf("TotalFrames = %d, want 2", g.TotalFrames())
	}
}

type audioRecorder struct {
	blocks []*AudioBlock
}

func (r *audioRecorder) RawAudio(b *AudioBlock) { r.blocks = append(r.blocks, b) }

func TestAudioWindow_EmitsFixedBlocks(t *testing.T) {
	p := &clockpause.PauseData{}
	p.SetLastVideoTs(1000) // latch video start at ts=1000 (0 means not yet latched)

	const sampleRate = 48000
	const bytesPerSample = 4
	w := NewAudioWindow(0, sampleRate, 1, bytesPerSample, p)
	rec := &audioRecorder{}

	// Feed one big block of 2*AudioOutputFrames frames; expect exactly two
	// emitted fixed-size blocks.
	frames := packet.AudioOutputFrames * 2
	plane := make([]byte, frames*bytesPerSample)
	w.Push(1000, [][]byte{plane}, rec)

	if len(rec.blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(rec.blocks))
	}
	if len(rec.blocks[0].Planes[0]) != packet.AudioOutputFrames*bytesPerSample {
		t.Fatalf("block size = %d, want %d", len(rec.blocks[0].Planes[0]), packet.AudioOutputFrames*bytesPerSample)
	}
	if rec.blocks[1].TimestampNs <= rec.blocks[0].TimestampNs {
		t.Fatal("block timestamps must be strictly increasing")
	}
}

func TestAudioWindow_TruncatesBeforeVideoStart(t *testing.T) {
	p := &clockpause.PauseData{}
	p.SetLastVideoTs(20_000_000) // video starts at 20ms

	const sampleRate = 48000
	const bytesPerSample = 4
	w := NewAudioWindow(0, sampleRate, 1, bytesPerSample, p)
	rec := &audioRecorder{}

	// Audio block starting well before the video start and ending after
	// it; the portion before videoStartTs must be cut.
	frames := packet.AudioOutputFrames * 3
	plane := make([]byte, frames*bytesPerSample)
	w.Push(0, [][]byte{plane}, rec)

	if len(rec.blocks) == 0 {
		t.Fatal("expected at least one emitted block after truncation")
	}
}

func TestAudioWindow_WaitsForVideoStart(t *testing.T) {
	p := &clockpause.PauseData{} // lastVideo == 0, no start latched yet
	w := NewAudioWindow(0, 48000, 1, 4, p)
	rec := &audioRecorder{}

	plane := make([]byte, packet.AudioOutputFrames*4)
	w.Push(1000, [][]byte{plane}, rec)

	if len(rec.blocks) != 0 {
		t.Fatal("audio window must wait for a latched video start timestamp")
	}
}
