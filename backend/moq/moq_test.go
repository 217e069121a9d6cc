package moq

import (
	"encoding/binary"
	"testing"

	"github.com/outputcore/engine/outputcore/packet"
)

func TestObjectHeader_Layout(t *testing.T) {
	h := objectHeader(TrackVideo, 7, true)
	if len(h) != 6 {
		t.Fatalf("header length = %d, want 6", len(h))
	}
	if h[0] != TrackVideo {
		t.Errorf("track = %d, want %d", h[0], TrackVideo)
	}
	if h[1] != 1 {
		t.Errorf("keyframe flag = %d, want 1", h[1])
	}
	if got := binary.BigEndian.Uint32(h[2:]); got != 7 {
		t.Errorf("group id = %d, want 7", got)
	}
}

func TestObjectHeader_NonKeyframeClearsFlag(t *testing.T) {
	h := objectHeader(TrackAudio, 0, false)
	if h[0] != TrackAudio {
		t.Errorf("track = %d, want %d", h[0], TrackAudio)
	}
	if h[1] != 0 {
		t.Errorf("keyframe flag = %d, want 0", h[1])
	}
}

func TestBackend_FlagsExcludesCanPause(t *testing.T) {
	b := New(Config{Addr: ":0"})
	flags := b.Flags()
	if flags.Has(packet.FlagCanPause) {
		t.Error("moq backend should not declare FlagCanPause")
	}
	if !flags.Has(packet.FlagVideo) || !flags.Has(packet.FlagAudio) || !flags.Has(packet.FlagEncoded) {
		t.Errorf("flags = %v, missing expected bits", flags)
	}
}
