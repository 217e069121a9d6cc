package outputcore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

// fakeEncodedBackend is a minimal Backend that begins/ends data capture
// synchronously from Start/Stop, the way filemux does, and records
// every packet handed to it via EncodedSink.
type fakeEncodedBackend struct {
	mu      sync.Mutex
	host    Host
	started bool
	stopped bool
	packets []*packet.Encoded
}

func (b *fakeEncodedBackend) Create(map[string]any, Host) (any, error) { return nil, nil }
func (b *fakeEncodedBackend) Destroy(any)                              {}

func (b *fakeEncodedBackend) Start(any) bool {
	b.started = true
	b.host.BeginDataCapture()
	return true
}

func (b *fakeEncodedBackend) Stop(any, uint64) {
	b.stopped = true
	b.host.EndDataCapture()
}

func (b *fakeEncodedBackend) Flags() packet.Flag        { return packet.FlagEncoded | packet.FlagVideo | packet.FlagAudio }
func (b *fakeEncodedBackend) EncodedVideoCodecs() string { return "" }
func (b *fakeEncodedBackend) EncodedAudioCodecs() string { return "" }

func (b *fakeEncodedBackend) EncodedPacket(state any, pkt *packet.Encoded) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = append(b.packets, pkt)
}

func (b *fakeEncodedBackend) dispatched() []*packet.Encoded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packet.Encoded(nil), b.packets...)
}

func videoPkt(pts int64, keyframe bool) *packet.Encoded {
	return &packet.Encoded{
		Kind: packet.Video, DTS: pts, PTS: pts,
		TimebaseNum: 1, TimebaseDen: 30, Keyframe: keyframe,
	}
}

func audioPkt(dts int64, enc packet.EncoderRef) *packet.Encoded {
	return &packet.Encoded{
		Kind: packet.Audio, DTS: dts, PTS: dts,
		TimebaseNum: 1, TimebaseDen: 48000, Encoder: enc,
	}
}

// newStartedOutput builds an Output bound to a fakeEncodedBackend,
// wires the backend through Create/SetBackendState the way a real
// caller does, and starts it so it reaches the active data-capturing
// state before the caller feeds it packets.
func newStartedOutput(t *testing.T, videoEnc, audioEnc packet.EncoderRef) (*Output, *fakeEncodedBackend) {
	t.Helper()
	backend := &fakeEncodedBackend{}
	o := New(Config{
		ID:            "test",
		Flags:         packet.FlagEncoded | packet.FlagVideo | packet.FlagAudio,
		VideoEncoder:  videoEnc,
		AudioEncoders: []packet.EncoderRef{audioEnc},
		Backend:       backend,
	}, nil)

	state, err := backend.Create(nil, o.Host())
	if err != nil {
		t.Fatalf("backend.Create: %v", err)
	}
	backend.host = o.Host()
	o.SetBackendState(state)

	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.Active() {
		t.Fatal("output should be active after Start")
	}
	return o, backend
}

// TestOutput_InterleaveDispatchesToBackend drives a full video+audio
// sequence through Output.Interleave end to end. This is the path that
// used to deadlock: routeToDelayOrBackend re-entering the interleave
// buffer's mutex via TotalFrames on the very first dispatched packet.
func TestOutput_InterleaveDispatchesToBackend(t *testing.T) {
	videoEnc := packet.NewEncoderRef(1)
	audioEnc := packet.NewEncoderRef(2)
	o, backend := newStartedOutput(t, videoEnc, audioEnc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Interleave(videoPkt(30, true))
		o.Interleave(audioPkt(48000, audioEnc))
		o.Interleave(videoPkt(31, true))
		o.Interleave(audioPkt(49600, audioEnc))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Interleave did not return; deadlocked on the interleave buffer mutex")
	}

	if len(backend.dispatched()) == 0 {
		t.Fatal("expected at least one packet dispatched to the backend")
	}
	if got := o.TotalFrames(); got == 0 {
		t.Fatalf("TotalFrames() = %d, want > 0 after a video frame dispatched", got)
	}
}

// TestOutput_StopTearsDownAndStopsAccepting exercises the stop half of
// the lifecycle: Stop -> backend.Stop -> EndDataCapture -> Idle, and
// confirms packets fed after Stop are dropped rather than dispatched.
func TestOutput_StopTearsDownAndStopsAccepting(t *testing.T) {
	videoEnc := packet.NewEncoderRef(1)
	audioEnc := packet.NewEncoderRef(2)
	o, backend := newStartedOutput(t, videoEnc, audioEnc)

	o.Interleave(videoPkt(0, true))
	o.Interleave(audioPkt(0, audioEnc))

	o.Stop()

	if !backend.stopped {
		t.Fatal("Stop should have called backend.Stop")
	}
	if o.Active() {
		t.Fatal("output should not be active after Stop")
	}
	if o.State() != "idle" {
		t.Fatalf("State() = %q, want idle after teardown", o.State())
	}

	before := len(backend.dispatched())
	o.Interleave(videoPkt(1, true))
	if len(backend.dispatched()) != before {
		t.Fatal("Interleave after Stop should not reach the backend")
	}
}

// TestOutput_DestroyIsIdempotent confirms Destroy can be called more
// than once and force-stops an active output.
func TestOutput_DestroyIsIdempotent(t *testing.T) {
	videoEnc := packet.NewEncoderRef(1)
	audioEnc := packet.NewEncoderRef(2)
	o, backend := newStartedOutput(t, videoEnc, audioEnc)

	o.Destroy()
	if !backend.stopped {
		t.Fatal("Destroy on an active output should force-stop the backend")
	}
	o.Destroy() // must not block or panic the second time
}

// TestOutput_ValidateRejectsMissingVideoEncoder confirms Start surfaces
// a ConfigError rather than an event when an Encoded+video output has
// no bound video encoder.
func TestOutput_ValidateRejectsMissingVideoEncoder(t *testing.T) {
	o := New(Config{
		ID:      "bad",
		Flags:   packet.FlagEncoded | packet.FlagVideo,
		Backend: &fakeEncodedBackend{},
	}, nil)

	err := o.Start()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}
