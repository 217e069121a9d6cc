// Package packet holds the wire-level types shared across the output
// core: the encoded packet shape, capability flags, and stop codes. It
// has no dependencies on the rest of the core so every component
// (interleaver, caption splicer, delay shim, raw A/V path, and the
// output state machine itself) can depend on it without a cycle, the
// same role the teacher repo's media package plays for VideoFrame and
// AudioFrame.
package packet

import "fmt"

// Kind distinguishes the two elementary stream types the interleaver
// reasons about.
type Kind int

// Packet kinds.
const (
	Video Kind = iota
	Audio
)

func (k Kind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// Flag is a capability bit describing what an Output (or the backend it
// drives) supports.
type Flag uint32

// Output capability flags.
const (
	FlagVideo Flag = 1 << iota
	FlagAudio
	FlagEncoded
	FlagService
	FlagMultiTrack
	FlagCanPause
	FlagForceEncoder
)

// Has reports whether all bits of want are set in f.
func (f Flag) Has(want Flag) bool { return f&want == want }

// StopCode is surfaced on the "stop" event. The core itself originates
// StopSuccess and StopDisconnected, plus StopConnectFailed when a
// backend's Start reports failure; the rest are backend in origin and
// passed through unmodified.
type StopCode int

// Stop codes.
const (
	StopSuccess StopCode = iota
	StopBadPath
	StopConnectFailed
	StopInvalidStream
	StopError
	StopDisconnected
	StopUnsupported
	StopNoSpace
	StopEncodeError
)

func (c StopCode) String() string {
	switch c {
	case StopSuccess:
		return "success"
	case StopBadPath:
		return "bad_path"
	case StopConnectFailed:
		return "connect_failed"
	case StopInvalidStream:
		return "invalid_stream"
	case StopError:
		return "error"
	case StopDisconnected:
		return "disconnected"
	case StopUnsupported:
		return "unsupported"
	case StopNoSpace:
		return "no_space"
	case StopEncodeError:
		return "encode_error"
	default:
		return fmt.Sprintf("stop_code(%d)", int(c))
	}
}

// MaxAudioMixes bounds the number of simultaneous audio tracks/mixes an
// Output may carry.
const MaxAudioMixes = 6

// AudioOutputFrames is the fixed block size, in samples, that the raw
// audio window emits to the backend.
const AudioOutputFrames = 1024

// CaptionLineBytes caps the length of a queued caption line.
const CaptionLineBytes = 32

// EncoderRef identifies a producing encoder by identity. Two EncoderRefs
// compare equal iff they name the same encoder; the zero value names no
// encoder.
type EncoderRef struct {
	id uint64
}

// NewEncoderRef returns a distinct EncoderRef for the given stable id.
func NewEncoderRef(id uint64) EncoderRef { return EncoderRef{id: id} }

// Valid reports whether the ref names a real encoder.
func (e EncoderRef) Valid() bool { return e.id != 0 }

// Encoded is one coded access unit produced by an encoder and bound for
// a backend, possibly by way of the interleaver and caption injector.
type Encoded struct {
	Kind     Kind
	TrackIdx int

	DTS, PTS                 int64
	TimebaseNum, TimebaseDen uint32

	// DTSUsec is DTS rebased to microseconds: dts * 1e6 * num / den.
	// Computed by DTSUsecOf / RecomputeDTSUsec, not set by hand.
	DTSUsec int64

	Keyframe bool
	// Priority ranks the packet's importance to the decoder; 0 is a
	// keyframe or otherwise mandatory unit, >1 is droppable. Caption
	// injection is only attempted at priority <= 1.
	Priority int

	Payload []byte
	Encoder EncoderRef
}

// DTSUsecOf converts a dts value expressed in timebaseNum/timebaseDen
// units into microseconds.
func DTSUsecOf(dts int64, timebaseNum, timebaseDen uint32) int64 {
	if timebaseDen == 0 {
		return 0
	}
	return dts * 1_000_000 * int64(timebaseNum) / int64(timebaseDen)
}

// RecomputeDTSUsec fills in p.DTSUsec from p.DTS and the packet's timebase.
func (p *Encoded) RecomputeDTSUsec() {
	p.DTSUsec = DTSUsecOf(p.DTS, p.TimebaseNum, p.TimebaseDen)
}

// FrameTimestamp returns the packet's presentation timestamp converted to
// seconds via its timebase, used for caption-injection scheduling.
func (p *Encoded) FrameTimestamp() float64 {
	if p.TimebaseDen == 0 {
		return 0
	}
	return float64(p.PTS) * float64(p.TimebaseNum) / float64(p.TimebaseDen)
}

// Clone returns a shallow copy of p with its own Payload backing array,
// used where a packet's ownership must transfer without aliasing the
// original buffer (e.g. caption injection, or handing one packet to
// several outputs).
func (p *Encoded) Clone() *Encoded {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}
