// Package srt implements an SRT push backend for outputcore: it dials a
// remote SRT listener and writes an MPEG-TS-muxed packet.Encoded stream
// to it, the output-direction counterpart of the teacher's ingest-side
// srt.Caller, which dials out and reads.
package srt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/outputcore/engine/backend/tsmux"
	"github.com/outputcore/engine/outputcore"
	"github.com/outputcore/engine/outputcore/packet"
)

// srtLatencyNs mirrors the ingest side's 120ms SRT latency setting.
const srtLatencyNs = 120_000_000

const dialTimeout = 10 * time.Second

// Config configures an srt Backend.
type Config struct {
	Address  string
	StreamID string

	VideoPID        uint16
	AudioPID        uint16
	PMTPID          uint16
	VideoStreamType uint8
	AudioStreamType uint8
	PATPMTInterval  int
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

// Backend is an outputcore.Backend that pushes Encoded packets to a
// remote SRT listener as an MPEG-TS stream.
type Backend struct {
	cfg Config
}

// New returns an srt Backend. settings passed to Create may override
// cfg.Address with an "address" string entry.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// connWriter adapts *srtgo.Conn to io.Writer while tallying bytes.
type connWriter struct {
	conn    *srtgo.Conn
	written *atomic.Uint64
}

func (w connWriter) Write(p []byte) (int, error) {
	n, err := w.conn.Write(p)
	w.written.Add(uint64(n))
	return n, err
}

type connState struct {
	conn *srtgo.Conn
	w    connWriter
	mu   sync.Mutex
	mux  *tsmux.Muxer
	host outputcore.Host

	patPmtCountdown int

	bytesWritten  atomic.Uint64
	droppedFrames atomic.Int64
	connectTimeMs atomic.Int64
}

// Create dials the remote SRT listener synchronously, matching the
// ingest-side Caller's bounded dial-with-timeout behavior.
func (b *Backend) Create(settings map[string]any, host outputcore.Host) (any, error) {
	addr := b.cfg.Address
	if a, ok := settings["address"].(string); ok && a != "" {
		addr = a
	}
	if addr == "" {
		return nil, fmt.Errorf("srt: no address configured")
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if b.cfg.StreamID != "" {
		cfg.StreamID = b.cfg.StreamID
	}

	start := time.Now()
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", addr, res.err)
		}
		st := &connState{
			conn: res.conn,
			mux:  tsmux.NewMuxer(b.cfg.muxConfig()),
			host: host,
		}
		st.connectTimeMs.Store(time.Since(start).Milliseconds())
		st.w = connWriter{conn: res.conn, written: &st.bytesWritten}
		return st, nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("srt: dial %s timed out after %s", addr, dialTimeout)
	}
}

// Destroy closes the SRT connection.
func (b *Backend) Destroy(state any) {
	state.(*connState).conn.Close()
}

// Start writes the initial PAT/PMT pair and signals the core that data
// capture may begin.
func (b *Backend) Start(state any) bool {
	st := state.(*connState)
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

// Stop tells the core data capture has ended. The connection itself is
// torn down in Destroy.
func (b *Backend) Stop(state any, ts uint64) {
	state.(*connState).host.EndDataCapture()
}

// Flags declares this backend as a full Encoded, pausable audio+video
// sink.
func (b *Backend) Flags() packet.Flag {
	return packet.FlagVideo | packet.FlagAudio | packet.FlagEncoded | packet.FlagCanPause
}

func (b *Backend) EncodedVideoCodecs() string { return "h264" }
func (b *Backend) EncodedAudioCodecs() string { return "aac" }

// EncodedPacket implements outputcore.EncodedSink, muxing pkt into the
// same MPEG-TS stream filemux writes to disk, over the SRT connection.
func (b *Backend) EncodedPacket(state any, pkt *packet.Encoded) {
	st := state.(*connState)
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
		st.host.SignalStop(packet.StopDisconnected)
	}
}

// GetTotalBytes implements outputcore.ByteCounter.
func (b *Backend) GetTotalBytes(state any) uint64 {
	return state.(*connState).bytesWritten.Load()
}

// GetDroppedFrames implements outputcore.DroppedFrameCounter.
func (b *Backend) GetDroppedFrames(state any) int {
	return int(state.(*connState).droppedFrames.Load())
}

// GetConnectTimeMs implements outputcore.ConnectTimer.
func (b *Backend) GetConnectTimeMs(state any) int64 {
	return state.(*connState).connectTimeMs.Load()
}
