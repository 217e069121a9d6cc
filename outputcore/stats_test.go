package outputcore

import (
	"testing"

	"github.com/outputcore/engine/outputcore/packet"
)

type fakeCounterBackend struct {
	bytes     uint64
	dropped   int
	congest   float64
	connectMs int64
}

func (b *fakeCounterBackend) Create(map[string]any, Host) (any, error) { return nil, nil }
func (b *fakeCounterBackend) Destroy(any)                              {}
func (b *fakeCounterBackend) Start(any) bool                           { return true }
func (b *fakeCounterBackend) Stop(any, uint64)                         {}
func (b *fakeCounterBackend) Flags() packet.Flag                       { return packet.FlagEncoded }
func (b *fakeCounterBackend) EncodedVideoCodecs() string                { return "" }
func (b *fakeCounterBackend) EncodedAudioCodecs() string                { return "" }

func (b *fakeCounterBackend) GetTotalBytes(any) uint64    { return b.bytes }
func (b *fakeCounterBackend) GetDroppedFrames(any) int    { return b.dropped }
func (b *fakeCounterBackend) GetCongestion(any) float64   { return b.congest }
func (b *fakeCounterBackend) GetConnectTimeMs(any) int64  { return b.connectMs }

func TestStats_PopulatesFromOptionalCapabilities(t *testing.T) {
	backend := &fakeCounterBackend{bytes: 4096, dropped: 3, congest: 1.5, connectMs: 42}
	o := New(Config{ID: "x", Backend: backend}, nil)

	s := o.Stats()
	if s.TotalBytes != 4096 {
		t.Errorf("TotalBytes = %d, want 4096", s.TotalBytes)
	}
	if s.DroppedFrames != 3 {
		t.Errorf("DroppedFrames = %d, want 3", s.DroppedFrames)
	}
	if s.Congestion != 1 {
		t.Errorf("Congestion = %v, want clamped to 1", s.Congestion)
	}
	if s.ConnectTimeMs != 42 {
		t.Errorf("ConnectTimeMs = %d, want 42", s.ConnectTimeMs)
	}
}

func TestStats_ZeroValueWhenBackendLacksCapabilities(t *testing.T) {
	o := New(Config{ID: "x"}, nil)
	s := o.Stats()
	if s.TotalBytes != 0 || s.DroppedFrames != 0 || s.Congestion != 0 || s.ConnectTimeMs != 0 {
		t.Errorf("expected zero-value counters with no backend, got %+v", s)
	}
}

func TestClampCongestion(t *testing.T) {
	cases := map[float64]float64{-1: 0, 0: 0, 0.5: 0.5, 1: 1, 2: 1}
	for in, want := range cases {
		if got := clampCongestion(in); got != want {
			t.Errorf("clampCongestion(%v) = %v, want %v", in, got, want)
		}
	}
}
