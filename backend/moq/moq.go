// Package moq implements a QUIC-transport backend for outputcore: each
// packet.Encoded becomes one object written to its own unidirectional
// QUIC stream, carrying a small fixed header (track, keyframe flag,
// group id) ahead of the payload, the same one-object-per-stream shape the
// teacher's MoQ session writer uses for video/audio/caption delivery.
package moq

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/outputcore/engine/outputcore"
	"github.com/outputcore/engine/outputcore/packet"
)

// Track identifiers, mirroring the teacher's TrackIDVideo/TrackIDAudio
// convention of small fixed integers rather than negotiated names.
const (
	TrackVideo uint8 = iota
	TrackAudio
)

// Config configures a moq Backend.
type Config struct {
	Addr      string
	TLSConfig *tls.Config
	Log       *slog.Logger
}

// Backend is an outputcore.Backend that accepts a single QUIC
// connection and fans encoded packets out to it as one uni-stream per
// packet.
type Backend struct {
	cfg Config
	log *slog.Logger
}

// New returns a moq Backend listening on cfg.Addr once Create runs.
func New(cfg Config) *Backend {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Backend{cfg: cfg, log: log.With("component", "moq-backend")}
}

type connState struct {
	ln   *quic.Listener
	host outputcore.Host

	mu      sync.Mutex
	conn    *quic.Conn
	groupID uint32

	cancel context.CancelFunc

	bytesWritten  atomic.Uint64
	droppedFrames atomic.Int64
	connectMs     atomic.Int64
}

// Create starts listening on cfg.Addr; the accept loop runs in the
// background and begins data capture once the first connection arrives.
func (b *Backend) Create(settings map[string]any, host outputcore.Host) (any, error) {
	addr := b.cfg.Addr
	if a, ok := settings["addr"].(string); ok && a != "" {
		addr = a
	}
	if b.cfg.TLSConfig == nil {
		return nil, fmt.Errorf("moq: no TLS config configured")
	}

	ln, err := quic.ListenAddr(addr, b.cfg.TLSConfig, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("moq: listen %s: %w", addr, err)
	}

	return &connState{ln: ln, host: host}, nil
}

// Destroy closes the listener and any live connection.
func (b *Backend) Destroy(state any) {
	st := state.(*connState)
	st.ln.Close()
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(0, "output destroyed")
	}
}

// Start launches the accept loop. BeginDataCapture fires once a
// connection is accepted, not here, since the core is meant to start
// receiving packets only once a subscriber is actually present.
func (b *Backend) Start(state any) bool {
	st := state.(*connState)
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	go b.acceptLoop(ctx, st)
	return true
}

func (b *Backend) acceptLoop(ctx context.Context, st *connState) {
	start := time.Now()
	conn, err := st.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Error("accept failed", "error", err)
			st.host.SetLastError(err.Error())
			st.host.SignalStop(packet.StopConnectFailed)
		}
		return
	}

	st.mu.Lock()
	st.conn = conn
	st.mu.Unlock()
	st.connectMs.Store(time.Since(start).Milliseconds())

	b.log.Info("subscriber connected", "remote", conn.RemoteAddr().String())
	st.host.BeginDataCapture()

	<-conn.Context().Done()
	b.log.Info("subscriber disconnected")
	st.host.SignalStop(packet.StopDisconnected)
}

// Stop cancels the accept loop and closes any live connection.
func (b *Backend) Stop(state any, ts uint64) {
	st := state.(*connState)
	if st.cancel != nil {
		st.cancel()
	}
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(0, "output stopped")
	}
	st.host.EndDataCapture()
}

// Flags declares this as a full Encoded audio+video sink; MoQ has no
// native pause concept so FlagCanPause is left unset.
func (b *Backend) Flags() packet.Flag {
	return packet.FlagVideo | packet.FlagAudio | packet.FlagEncoded
}

func (b *Backend) EncodedVideoCodecs() string { return "h264" }
func (b *Backend) EncodedAudioCodecs() string { return "aac" }

// EncodedPacket implements outputcore.EncodedSink: it opens a fresh
// unidirectional stream per packet, writes the fixed object header, then
// the payload, then closes the stream — one object per stream, matching
// the teacher's per-frame uni-stream writer loops.
func (b *Backend) EncodedPacket(state any, pkt *packet.Encoded) {
	st := state.(*connState)

	st.mu.Lock()
	conn := st.conn
	if pkt.Kind == packet.Video && pkt.Keyframe {
		st.groupID++
	}
	groupID := st.groupID
	st.mu.Unlock()

	if conn == nil {
		st.droppedFrames.Add(1)
		return
	}

	track := TrackAudio
	if pkt.Kind == packet.Video {
		track = TrackVideo
	}

	stream, err := conn.OpenUniStreamSync(context.Background())
	if err != nil {
		st.droppedFrames.Add(1)
		return
	}

	header := objectHeader(track, groupID, pkt.Keyframe)
	n, err := stream.Write(header)
	if err == nil {
		var m int
		m, err = stream.Write(pkt.Payload)
		n += m
	}
	stream.Close()
	st.bytesWritten.Add(uint64(n))
	if err != nil {
		st.droppedFrames.Add(1)
	}
}

// objectHeader packs track id, group id, and a keyframe flag into a
// fixed 6-byte prefix ahead of the payload.
func objectHeader(track uint8, groupID uint32, keyframe bool) []byte {
	h := make([]byte, 6)
	h[0] = track
	if keyframe {
		h[1] = 1
	}
	binary.BigEndian.PutUint32(h[2:], groupID)
	return h
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
	return state.(*connState).connectMs.Load()
}
