package outputcore

import "github.com/outputcore/engine/outputcore/packet"

// Backend is the contract an output backend plug-in implements (spec
// §4.8): a file muxer, an RTMP/SRT/MoQ streamer, or any other sink the
// core drives. Every method takes the opaque state the backend returned
// from Create.
type Backend interface {
	// Create returns backend-private state for a new output instance.
	// Host returns to the core on the backend's own terms (signalStop,
	// setLastError, beginDataCapture, endDataCapture).
	Create(settings map[string]any, host Host) (state any, err error)
	Destroy(state any)

	Start(state any) bool
	Stop(state any, ts uint64)

	// Flags declares what this backend consumes/produces; EncodedVideoCodecs
	// and EncodedAudioCodecs are comma-separated whitelists, empty meaning
	// "any".
	Flags() packet.Flag
	EncodedVideoCodecs() string
	EncodedAudioCodecs() string
}

// EncodedSink is implemented by backends that declare FlagEncoded.
type EncodedSink interface {
	EncodedPacket(state any, pkt *packet.Encoded)
}

// RawVideoSink is implemented by backends that consume raw video.
type RawVideoSink interface {
	RawVideoFrame(state any, timestampNs uint64, payload []byte)
}

// RawAudioSink is implemented by backends with a single audio mix.
type RawAudioSink interface {
	RawAudio(state any, timestampNs uint64, planes [][]byte)
}

// MultiMixRawAudioSink is implemented by backends that carry more than
// one raw audio mix (spec §4.4's rawAudio2 shape). The core prefers this
// over RawAudioSink when both are implemented and FlagMultiTrack is set.
type MultiMixRawAudioSink interface {
	RawAudio2(state any, mixIdx int, timestampNs uint64, planes [][]byte)
}

// Updatable is implemented by backends whose settings can change while
// running.
type Updatable interface {
	Update(state any, settings map[string]any)
	IsReadyToUpdate(state any) bool
}

// DefaultsProvider supplies default settings shown before the backend
// has ever run.
type DefaultsProvider interface {
	GetDefaults() map[string]any
}

// PropertyLister exposes a description of configurable properties, used
// by a host-side settings UI (out of scope here beyond the accessor).
type PropertyLister interface {
	GetProperties(state any) []Property
}

// Property is a single configurable backend setting descriptor.
type Property struct {
	Name        string
	Label       string
	Type        string
	Description string
}

// ByteCounter is implemented by backends that can report bytes written.
type ByteCounter interface {
	GetTotalBytes(state any) uint64
}

// DroppedFrameCounter is implemented by backends that can report frames
// dropped on the wire (e.g. due to congestion).
type DroppedFrameCounter interface {
	GetDroppedFrames(state any) int
}

// Congestable is implemented by backends exposing a [0,1] congestion
// estimate; the core clamps out-of-range values.
type Congestable interface {
	GetCongestion(state any) float64
}

// ConnectTimer is implemented by backends that can report how long the
// initial connection took.
type ConnectTimer interface {
	GetConnectTimeMs(state any) int64
}

// Host is the set of calls a backend makes back into the core (spec
// §4.8 "Backend calls into core"). The core implements this and hands
// it to Backend.Create.
type Host interface {
	BeginDataCapture()
	EndDataCapture()
	SignalStop(code packet.StopCode)
	SetLastError(msg string)
}
