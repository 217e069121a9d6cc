package clockpause

import "testing"

type fakeClock struct {
	now      uint64
	interval uint64
}

func (f *fakeClock) Now() uint64                 { return f.now }
func (f *fakeClock) VideoFrameIntervalNs() uint64 { return f.interval }
func (f *fakeClock) TotalFrames() uint64          { return 0 }
func (f *fakeClock) LaggedFrames() uint64         { return 0 }

func TestPauseLedger_StartEndIdempotent(t *testing.T) {
	p := &PauseData{}
	if !p.CanStartPause() {
		t.Fatal("fresh ledger should allow starting a pause")
	}
	if p.CanStopPause() {
		t.Fatal("fresh ledger should not allow stopping a pause")
	}

	p.StartPause(1000)
	if p.CanStartPause() {
		t.Fatal("should not be able to start a pause while paused")
	}
	if !p.CanStopPause() {
		t.Fatal("should be able to stop an in-progress pause")
	}

	p.EndPause(1500)
	if p.Offset() != 500 {
		t.Fatalf("offset = %d, want 500", p.Offset())
	}

	// Idempotent: a second EndPause before the next StartPause must not
	// double-count the offset.
	p.EndPause(9000)
	if p.Offset() != 500 {
		t.Fatalf("offset after redundant EndPause = %d, want 500", p.Offset())
	}

	if !p.CanStartPause() {
		t.Fatal("should be able to start a new pause after resume")
	}
}

func TestPauseLedger_AccumulatesAcrossPauses(t *testing.T) {
	p := &PauseData{}
	p.StartPause(100)
	p.EndPause(300) // +200
	p.StartPause(1000)
	p.EndPause(1050) // +50
	if got := p.Offset(); got != 250 {
		t.Fatalf("offset = %d, want 250", got)
	}
}

func TestClosestFrameTs_SnapsToFrameTick(t *testing.T) {
	clock := &fakeClock{now: 1_000_000_333, interval: 333_333}
	p := &PauseData{}
	p.SetLastVideoTs(1_000_000_000)

	ts := ClosestFrameTs(clock, p)
	// (now - last + 2I) / I, rounded, times I, plus last.
	delta := int64(clock.now) - int64(1_000_000_000) + 2*int64(clock.interval)
	wantTicks := roundDiv(delta, int64(clock.interval))
	want := uint64(int64(1_000_000_000) + wantTicks*int64(clock.interval))
	if ts != want {
		t.Fatalf("ClosestFrameTs = %d, want %d", ts, want)
	}
}

func TestClosestFrameTs_ZeroIntervalFallsBackToNow(t *testing.T) {
	clock := &fakeClock{now: 42, interval: 0}
	p := &PauseData{}
	if got := ClosestFrameTs(clock, p); got != 42 {
		t.Fatalf("ClosestFrameTs = %d, want 42", got)
	}
}
