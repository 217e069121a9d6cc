// Package filemux implements an MPEG-TS file backend for outputcore: an
// Encoded-path Backend that wraps each packet.Encoded in a PES header,
// splits it across 188-byte transport stream packets, and periodically
// repeats PAT/PMT, writing the result to a file.
package filemux

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/outputcore/engine/backend/tsmux"
	"github.com/outputcore/engine/outputcore"
	"github.com/outputcore/engine/outputcore/packet"
)

// Config configures a filemux Backend. Zero-value fields take tsmux's
// defaults.
type Config struct {
	Path            string
	VideoPID        uint16
	AudioPID        uint16
	PMTPID          uint16
	VideoStreamType uint8
	AudioStreamType uint8
	// PATPMTInterval is how many elementary packets pass between PAT/PMT
	// repeats, matching the reference muxer's table-repetition cadence.
	PATPMTInterval int
}

func (c Config) muxConfig() tsmux.Config {
	return tsmux.Config{
		VideoPID:        c.VideoPID,
		AudioPID:        c.AudioPID,
		PMTPID:          c.PMTPID,
		VideoStreamType: c.VideoStreamType,
		AudioStreamType: c.AudioStreamType,
	}
}

func (c Config) patPmtInterval() int {
	if c.PATPMTInterval == 0 {
		return 40
	}
	return c.PATPMTInterval
}

// Backend is an outputcore.Backend that muxes Encoded packets into an
// MPEG-TS file.
type Backend struct {
	cfg Config
}

// New returns a filemux Backend. settings passed to Create may override
// cfg.Path with a "path" string entry.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// countingWriter tallies bytes written to an *os.File for ByteCounter.
type countingWriter struct {
	f       *os.File
	written *atomic.Uint64
}

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written.Add(uint64(n))
	return n, err
}

type fileState struct {
	f    *os.File
	w    countingWriter
	mu   sync.Mutex
	mux  *tsmux.Muxer
	host outputcore.Host

	patPmtCountdown int

	bytesWritten  atomic.Uint64
	droppedFrames atomic.Int64
	connectTimeMs atomic.Int64
}

// Create opens the output file and returns backend state.
func (b *Backend) Create(settings map[string]any, host outputcore.Host) (any, error) {
	path := b.cfg.Path
	if p, ok := settings["path"].(string); ok && p != "" {
		path = p
	}
	if path == "" {
		return nil, fmt.Errorf("filemux: no output path configured")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("filemux: create %s: %w", path, err)
	}

	st := &fileState{
		f:    f,
		mux:  tsmux.NewMuxer(b.cfg.muxConfig()),
		host: host,
	}
	st.w = countingWriter{f: f, written: &st.bytesWritten}
	return st, nil
}

// Destroy closes the output file.
func (b *Backend) Destroy(state any) {
	st := state.(*fileState)
	st.f.Close()
}

// Start writes the initial PAT/PMT pair and signals the core that data
// capture may begin.
func (b *Backend) Start(state any) bool {
	st := state.(*fileState)
	st.mu.Lock()
	err := st.mux.WritePAT(st.w)
	if err == nil {
		err = st.mux.WritePMT(st.w)
	}
	st.mu.Unlock()
	if err != nil {
		st.host.SetLastError(err.Error())
		return false
	}
	st.host.BeginDataCapture()
	return true
}

// Stop flushes and tells the core data capture has ended.
func (b *Backend) Stop(state any, ts uint64) {
	st := state.(*fileState)
	st.f.Sync()
	st.host.EndDataCapture()
}

// Flags declares this backend as a full Encoded, pausable audio+video
// sink.
func (b *Backend) Flags() packet.Flag {
	return packet.FlagVideo | packet.FlagAudio | packet.FlagEncoded | packet.FlagCanPause
}

func (b *Backend) EncodedVideoCodecs() string { return "h264" }
func (b *Backend) EncodedAudioCodecs() string { return "aac" }

// EncodedPacket implements outputcore.EncodedSink: it wraps pkt in a PES
// header, segments it into transport stream packets on the track's PID,
// and repeats PAT/PMT on the configured cadence.
func (b *Backend) EncodedPacket(state any, pkt *packet.Encoded) {
	st := state.(*fileState)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.patPmtCountdown <= 0 {
		if err := st.mux.WritePAT(st.w); err == nil {
			err = st.mux.WritePMT(st.w)
		}
		st.patPmtCountdown = b.cfg.patPmtInterval()
	}
	st.patPmtCountdown--

	pid := st.mux.AudioPID()
	streamID := uint8(tsmux.StreamIDAudio)
	if pkt.Kind == packet.Video {
		pid = st.mux.VideoPID()
		streamID = tsmux.StreamIDVideo
	}

	pes := tsmux.BuildPES(streamID, pkt)
	if err := st.mux.WriteElementary(st.w, pid, pes, pkt.Keyframe); err != nil {
		st.droppedFrames.Add(1)
		st.host.SetLastError(err.Error())
	}
}

// GetTotalBytes implements outputcore.ByteCounter.
func (b *Backend) GetTotalBytes(state any) uint64 {
	return state.(*fileState).bytesWritten.Load()
}

// GetDroppedFrames implements outputcore.DroppedFrameCounter.
func (b *Backend) GetDroppedFrames(state any) int {
	return int(state.(*fileState).droppedFrames.Load())
}

// GetConnectTimeMs implements outputcore.ConnectTimer. A file sink has
// no real connect latency; it reports zero once Start has run.
func (b *Backend) GetConnectTimeMs(state any) int64 {
	return state.(*fileState).connectTimeMs.Load()
}
