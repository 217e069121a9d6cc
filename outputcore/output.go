package outputcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outputcore/engine/outputcore/caption"
	"github.com/outputcore/engine/outputcore/clockpause"
	"github.com/outputcore/engine/outputcore/delay"
	"github.com/outputcore/engine/outputcore/interleave"
	"github.com/outputcore/engine/outputcore/packet"
	"github.com/outputcore/engine/outputcore/rawav"
	"github.com/outputcore/engine/outputcore/reconnect"
)

// lifecycleState is the primary Idle→Starting→Active→Stopping→Idle state
// (spec §4.7). Paused/Reconnecting/DelayActive/DelayCapturing are
// orthogonal atomics tracked separately, matching the reference's single
// bitmask-on-one-object design without forcing Go callers to do bit
// arithmetic.
type lifecycleState int32

const (
	stateIdle lifecycleState = iota
	stateStarting
	stateActive
	stateStopping
)

// Config is the static description of an Output, corresponding to spec
// §3's Output attributes that do not change across a Start/Stop cycle.
type Config struct {
	ID   string
	Name string

	Flags packet.Flag

	VideoEncoder  packet.EncoderRef
	AudioEncoders []packet.EncoderRef // len <= MaxAudioMixes

	DelaySec     int
	DelayPreserve bool

	Reconnect reconnect.Config

	Backend Backend
	Clock   clockpause.HostClock
	Log     *slog.Logger

	// Encoders, if set, is consulted by BeginDataCapture to pair this
	// output's video encoder with the first active, unpaired audio
	// encoder registered in the pool (spec §4.7). Pairing only marks that
	// record paired; audio delivery is not held back until video arrives.
	// Outputs with a fixed, caller-assigned pairing can leave this nil.
	Encoders *EncoderPool

	// RawAudio describes the sample layout of each raw audio mix, one
	// entry per track in AudioEncoders, consulted by RawAudio to size its
	// rebuffering window. Unused when Flags has FlagEncoded.
	RawAudio []RawAudioFormat
}

// RawAudioFormat describes one raw audio mix's sample layout, used by
// the raw A/V path of spec §4.4.
type RawAudioFormat struct {
	SampleRate     uint32
	NumPlanes      int
	BytesPerSample int
}

// Output is the top-level lifecycle state machine of spec §4.7: it wires
// producer callbacks through the interleaver/caption/raw-av/delay stages
// into a Backend, and drives reconnect on disconnect.
type Output struct {
	cfg Config
	log *slog.Logger

	events EventSink

	state atomic.Int32 // lifecycleState

	active         atomic.Bool
	reconnecting   atomic.Bool
	paused         atomic.Bool
	dataActive     atomic.Bool
	delayActive    atomic.Bool
	delayCapturing atomic.Bool

	mu        sync.Mutex // guards stopCode/lastError/backendState/stoppingCh
	stopCode  packet.StopCode
	lastError string

	backendState any
	host         *outputHost

	interleaveBuf *interleave.Buffer
	captions      *caption.Queue
	pauseLedgers  []*clockpause.PauseData // index 0 = video, 1..N = audio tracks
	delayShim     *delay.Shim

	// videoGate and audioWindows drive the raw A/V path (spec §4.4) for
	// outputs that don't declare FlagEncoded; nil/empty otherwise.
	videoGate    *rawav.VideoGate
	audioWindows []*rawav.AudioWindow

	reconnectCtrl *reconnect.Controller
	reconnectCancel context.CancelFunc

	stoppingCh chan struct{} // closed when teardown completes; recreated on each Start

	totalFrames atomic.Int64
}

// New constructs an idle Output from cfg. If events is nil, a
// DefaultEventSink logging through cfg.Log is used.
func New(cfg Config, events EventSink) *Output {
	if events == nil {
		events = NewDefaultEventSink(cfg.Log)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "output", "id", cfg.ID, "name", cfg.Name)

	o := &Output{
		cfg:           cfg,
		log:           log,
		events:        events,
		captions:      caption.NewQueue(),
		reconnectCtrl: reconnect.NewController(cfg.Reconnect),
		stoppingCh:    closedChan(),
	}

	pauseLedgers := make([]*clockpause.PauseData, 1+len(cfg.AudioEncoders))
	for i := range pauseLedgers {
		pauseLedgers[i] = &clockpause.PauseData{}
	}
	o.pauseLedgers = pauseLedgers

	o.interleaveBuf = interleave.NewBuffer(cfg.AudioEncoders, captionInjectorAdapter{o.captions})

	if cfg.DelaySec > 0 && cfg.Flags.Has(packet.FlagEncoded) {
		o.delayShim = delay.NewShim(time.Duration(cfg.DelaySec)*time.Second, dispatchFunc(o.dispatchToBackend))
	}

	o.resetRawState()

	o.host = &outputHost{o: o}
	return o
}

// resetRawState (re)builds the raw A/V path state off Flags.FlagEncoded
// (spec §4.4), discarding any frames buffered mid-window from a prior
// run. Called once from New and again on every ActualStart.
func (o *Output) resetRawState() {
	if o.cfg.Flags.Has(packet.FlagEncoded) {
		return
	}
	o.videoGate = nil
	o.audioWindows = nil

	if o.cfg.Flags.Has(packet.FlagVideo) {
		o.videoGate = rawav.NewVideoGate(o.pauseLedgers[0])
	}
	if o.cfg.Flags.Has(packet.FlagAudio) {
		for i, format := range o.cfg.RawAudio {
			if i >= len(o.pauseLedgers)-1 {
				break
			}
			o.audioWindows = append(o.audioWindows, rawav.NewAudioWindow(i, format.SampleRate, format.NumPlanes, format.BytesPerSample, o.pauseLedgers[1+i]))
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// captionInjectorAdapter satisfies interleave.CaptionInjector without
// interleave importing the caption package.
type captionInjectorAdapter struct{ q *caption.Queue }

func (c captionInjectorAdapter) InjectInto(p *packet.Encoded) (*packet.Encoded, bool) {
	return caption.InjectInto(c.q, p)
}

type dispatchFunc func(p *packet.Encoded)

func (f dispatchFunc) Dispatch(p *packet.Encoded) { f(p) }

// State returns the primary lifecycle state, for diagnostics.
func (o *Output) State() string {
	switch lifecycleState(o.state.Load()) {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateActive:
		return "active"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (o *Output) Active() bool         { return o.active.Load() }
func (o *Output) Paused() bool         { return o.paused.Load() }
func (o *Output) Reconnecting() bool   { return o.reconnecting.Load() }
func (o *Output) DataActive() bool     { return o.dataActive.Load() }
func (o *Output) TotalFrames() int64   { return o.totalFrames.Load() }

// LastError returns the most recently recorded error message, falling
// back across producer encoders is the caller's responsibility (spec
// §7); the core only ever stores its own lastError slot here.
func (o *Output) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

func (o *Output) setLastError(msg string) {
	o.mu.Lock()
	o.lastError = msg
	o.mu.Unlock()
}

// validate implements spec §7's configuration-error taxonomy: returned,
// logged, never surfaced as an event.
func (o *Output) validate() error {
	if o.cfg.Flags.Has(packet.FlagVideo) && o.cfg.Flags.Has(packet.FlagEncoded) && !o.cfg.VideoEncoder.Valid() {
		return &ConfigError{Field: "videoEncoder", Err: ErrNoVideoEncoder}
	}
	if o.cfg.Flags.Has(packet.FlagAudio) && o.cfg.Flags.Has(packet.FlagEncoded) && len(o.cfg.AudioEncoders) == 0 {
		return &ConfigError{Field: "audioEncoders", Err: ErrNoAudioEncoder}
	}
	if o.cfg.Flags.Has(packet.FlagService) {
		// Service binding is an external collaborator (spec §1 out of
		// scope); presence is assumed validated by the caller before Start.
	}
	if o.cfg.Backend == nil {
		return &ConfigError{Field: "backend", Err: fmt.Errorf("no backend bound")}
	}
	return nil
}

// Start implements spec §4.7's start(): validate, then either enter the
// delay-buffered path or call ActualStart directly.
func (o *Output) Start() error {
	if err := o.validate(); err != nil {
		o.log.Error("start validation failed", "error", err)
		return err
	}

	if o.cfg.DelaySec > 0 && o.cfg.Flags.Has(packet.FlagEncoded) {
		o.delayActive.Store(true)
		o.log.Info("delay buffer engaged", "delay_sec", o.cfg.DelaySec)
	}

	return o.ActualStart()
}

// ActualStart implements spec §4.7's actualStart(): wait for any
// in-flight teardown to finish, clear error state, invoke the backend,
// and transition to Starting.
func (o *Output) ActualStart() error {
	<-o.stoppingCh // wait for stoppingEvent latch

	o.mu.Lock()
	o.stopCode = packet.StopSuccess
	o.lastError = ""
	o.stoppingCh = make(chan struct{})
	o.mu.Unlock()

	o.state.Store(int32(stateStarting))
	o.events.OnStarting()

	o.captions.Reset()
	o.interleaveBuf.Reset()
	o.resetRawState()

	if !o.cfg.Backend.Start(o.currentBackendState()) {
		o.finishTeardown(packet.StopConnectFailed)
		return ErrBackendStartFailed
	}
	return nil
}

func (o *Output) currentBackendState() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backendState
}

// BeginDataCapture implements spec §4.7's BeginDataCapture: called by
// the backend once it is ready to receive packets. Wires producer
// callbacks, marks the output active, and emits activate plus either
// start or reconnect_success.
func (o *Output) BeginDataCapture() {
	wasReconnecting := o.reconnecting.Load()

	o.dataActive.Store(true)
	o.active.Store(true)
	o.state.Store(int32(stateActive))

	if o.cfg.Encoders != nil && o.cfg.VideoEncoder.Valid() {
		if audio, ok := o.cfg.Encoders.PairAudio(); ok {
			o.log.Debug("paired video encoder with audio encoder", "audio_ref_valid", audio.Valid())
		}
	}

	if o.cfg.Flags.Has(packet.FlagEncoded) {
		if o.cfg.DelaySec > 0 {
			o.delayCapturing.Store(true)
		}
	} else {
		o.log.Debug("raw a/v path active", "video_gate", o.videoGate != nil, "audio_mixes", len(o.audioWindows))
	}

	o.events.OnActivate()
	if wasReconnecting {
		o.reconnecting.Store(false)
		o.reconnectCtrl.Stop()
		o.events.OnReconnectSuccess()
	} else {
		o.events.OnStart()
	}
}

// Interleave feeds one encoded packet through the delay shim (if any)
// and the interleaver, eventually reaching the backend. This is the
// producer-facing half of the §2 flow for Encoded outputs.
func (o *Output) Interleave(pkt *packet.Encoded) {
	active := o.active.Load() && !o.paused.Load()
	o.interleaveBuf.Interleave(pkt, active, dispatchFunc(o.routeToDelayOrBackend))
}

func (o *Output) routeToDelayOrBackend(p *packet.Encoded) {
	o.totalFrames.Store(o.interleaveBuf.TotalFrames())
	if o.delayShim != nil && o.delayActive.Load() {
		o.delayShim.Push(p)
		return
	}
	o.dispatchToBackend(p)
}

func (o *Output) dispatchToBackend(p *packet.Encoded) {
	sink, ok := o.cfg.Backend.(EncodedSink)
	if !ok {
		return
	}
	sink.EncodedPacket(o.currentBackendState(), p)
}

// RawVideo feeds one raw video frame through the pause gate (spec §4.4),
// the producer-facing entry point for outputs that don't declare
// FlagEncoded. No-op if this output carries no video or isn't active.
func (o *Output) RawVideo(timestampNs uint64, payload []byte) {
	if o.videoGate == nil || !o.active.Load() {
		return
	}
	o.videoGate.Push(&rawav.VideoFrame{TimestampNs: timestampNs, Payload: payload}, rawVideoSink{o})
}

type rawVideoSink struct{ o *Output }

func (s rawVideoSink) RawVideo(frame *rawav.VideoFrame) {
	s.o.totalFrames.Store(int64(s.o.videoGate.TotalFrames()))
	sink, ok := s.o.cfg.Backend.(RawVideoSink)
	if !ok {
		return
	}
	sink.RawVideoFrame(s.o.currentBackendState(), frame.TimestampNs, frame.Payload)
}

// RawAudio feeds one arbitrarily-sized raw audio block for mix mixIdx
// through its rebuffering window (spec §4.4). No-op if mixIdx names no
// configured mix or the output isn't active.
func (o *Output) RawAudio(mixIdx int, timestampNs uint64, planes [][]byte) {
	if mixIdx < 0 || mixIdx >= len(o.audioWindows) || !o.active.Load() {
		return
	}
	o.audioWindows[mixIdx].Push(timestampNs, planes, rawAudioSink{o})
}

type rawAudioSink struct{ o *Output }

// RawAudio routes an emitted block to whichever capability the backend
// implements, preferring MultiMixRawAudioSink when the output declares
// FlagMultiTrack and the backend supports it (spec §4.4).
func (s rawAudioSink) RawAudio(block *rawav.AudioBlock) {
	if multi, ok := s.o.cfg.Backend.(MultiMixRawAudioSink); ok && s.o.cfg.Flags.Has(packet.FlagMultiTrack) {
		multi.RawAudio2(s.o.currentBackendState(), block.MixIdx, block.TimestampNs, block.Planes)
		return
	}
	if single, ok := s.o.cfg.Backend.(RawAudioSink); ok {
		single.RawAudio(s.o.currentBackendState(), block.TimestampNs, block.Planes)
	}
}

// CanPause reports whether this output supports pausing at all.
func (o *Output) CanPause() bool { return o.cfg.Flags.Has(packet.FlagCanPause) }

// Pause implements spec §4.7's Pause: all-or-nothing across every
// track's pause ledger, using the identical closestFrameTs for each so
// every track's pause boundary lands at the same instant.
func (o *Output) Pause(pause bool) error {
	if !o.CanPause() || !o.active.Load() {
		return ErrPauseUnsupported
	}
	if pause == o.paused.Load() {
		return nil // no-op if already in the requested state
	}

	for _, p := range o.pauseLedgers {
		if pause && !p.CanStartPause() {
			return ErrPauseRefused
		}
		if !pause && !p.CanStopPause() {
			return ErrPauseRefused
		}
	}

	ts := clockpause.ClosestFrameTs(o.cfg.Clock, o.pauseLedgers[0])
	for _, p := range o.pauseLedgers {
		if pause {
			p.StartPause(ts)
		} else {
			p.EndPause(ts)
		}
	}

	o.paused.Store(pause)
	if pause {
		o.events.OnPause()
	} else {
		o.events.OnUnpause()
	}
	return nil
}

// SignalStop implements spec §4.5's entry point: a backend reports a
// runtime disconnect or terminal failure. If reconnect applies, the
// data-capture pipeline is torn down without emitting stop and a retry
// cycle begins; otherwise this is a normal stop.
func (o *Output) SignalStop(code packet.StopCode) {
	if o.reconnectCtrl.CanReconnect(code) {
		if o.delayActive.Load() {
			o.log.Debug("reconnect with delay buffer preserved")
		}
		o.teardownDataCapture()
		o.startReconnect()
		return
	}
	o.stop(false, code)
}

func (o *Output) startReconnect() {
	o.reconnecting.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.reconnectCancel = cancel
	o.mu.Unlock()

	go func() {
		giveUp, err := o.reconnectCtrl.Start(ctx, actualStarter{o}, o.events)
		if giveUp {
			o.reconnecting.Store(false)
			if !o.cfg.DelayPreserve {
				o.delayActive.Store(false)
			}
			o.finishTeardown(packet.StopDisconnected)
			return
		}
		if err != nil {
			o.log.Debug("reconnect wait canceled", "error", err)
			return
		}
	}()
}

type actualStarter struct{ o *Output }

func (a actualStarter) ActualStart() error { return a.o.ActualStart() }

// Stop implements spec §4.7's stop(): if currently reconnecting, this is
// a force-stop; otherwise a graceful asynchronous stop via the backend.
func (o *Output) Stop() {
	if o.reconnecting.Load() {
		o.ForceStop()
		return
	}
	o.stop(false, packet.StopSuccess)
}

// ForceStop implements spec §4.7's force stop: ignores any in-flight
// stopping latch, passes ts=0, and drops the delay buffer's contents
// immediately rather than draining it.
func (o *Output) ForceStop() {
	if o.delayShim != nil {
		o.delayShim.Close()
	}
	o.stop(true, packet.StopSuccess)
}

func (o *Output) stop(force bool, code packet.StopCode) {
	o.mu.Lock()
	reconnectCancel := o.reconnectCancel
	o.mu.Unlock()
	if reconnectCancel != nil {
		reconnectCancel()
	}
	o.reconnectCtrl.Stop()

	o.state.Store(int32(stateStopping))
	o.events.OnStopping()

	o.mu.Lock()
	o.stopCode = code
	o.mu.Unlock()

	ts := uint64(time.Now().UnixNano())
	if force {
		ts = 0
	}
	o.cfg.Backend.Stop(o.currentBackendState(), ts)
	// EndDataCapture is expected to be invoked asynchronously by the
	// backend once it has actually stopped; finishTeardown runs then,
	// reading the code recorded here via currentStopCode.
}

// EndDataCapture implements spec §4.7's backend→core EndDataCapture: the
// backend has finished its stop and no longer needs producer callbacks.
// Tears down data capture and latches stoppingCh.
func (o *Output) EndDataCapture() {
	o.teardownDataCapture()
	o.finishTeardown(o.currentStopCode())
}

func (o *Output) currentStopCode() packet.StopCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopCode
}

func (o *Output) teardownDataCapture() {
	o.dataActive.Store(false)
	o.delayCapturing.Store(false)
	o.active.Store(false)
	o.events.OnDeactivate()
}

// finishTeardown is the terminal step of spec §4.7's EndDataCapture
// background thread: emits stop, clears active state, and signals
// stoppingCh so any blocked ActualStart/Destroy proceeds.
func (o *Output) finishTeardown(code packet.StopCode) {
	o.mu.Lock()
	o.stopCode = code
	lastErr := o.lastError
	stoppingCh := o.stoppingCh
	o.mu.Unlock()

	o.state.Store(int32(stateIdle))
	select {
	case <-stoppingCh:
		// already signaled (re-entrant call); nothing to do
	default:
		close(stoppingCh)
	}
	o.events.OnStop(code, lastErr)
}

// Destroy implements spec §4.7's destroy: force-stop if active, wait for
// teardown, and release resources. Safe to call more than once.
func (o *Output) Destroy() {
	if o.active.Load() {
		o.ForceStop()
	}
	<-o.stoppingCh
	if o.delayShim != nil {
		o.delayShim.Close()
	}
	o.cfg.Backend.Destroy(o.currentBackendState())
}

// outputHost implements the Host capability backends call into.
type outputHost struct{ o *Output }

func (h *outputHost) BeginDataCapture()      { h.o.BeginDataCapture() }
func (h *outputHost) EndDataCapture()        { h.o.EndDataCapture() }
func (h *outputHost) SignalStop(code packet.StopCode) { h.o.SignalStop(code) }
func (h *outputHost) SetLastError(msg string) { h.o.setLastError(msg) }

// Host returns the capability object to pass to Backend.Create.
func (o *Output) Host() Host { return o.host }

// SetBackendState records the state returned by Backend.Create.
func (o *Output) SetBackendState(state any) {
	o.mu.Lock()
	o.backendState = state
	o.mu.Unlock()
}
