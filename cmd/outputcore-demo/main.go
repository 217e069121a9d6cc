package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outputcore/engine/backend/filemux"
	"github.com/outputcore/engine/backend/moq"
	"github.com/outputcore/engine/certs"
	"github.com/outputcore/engine/outputcore"
	"github.com/outputcore/engine/outputcore/packet"
	"github.com/outputcore/engine/outputcore/reconnect"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	filePath := envOr("OUTPUT_FILE", "recording.ts")
	moqAddr := envOr("MOQ_ADDR", ":4443")

	slog.Info("outputcore-demo starting", "version", version, "file", filePath, "moq", moqAddr)

	encoders := outputcore.NewEncoderPool()
	registry := outputcore.NewRegistry(nil)

	videoEnc := encoders.Register(packet.Video)
	audioEnc := encoders.Register(packet.Audio)

	g, ctx := errgroup.WithContext(ctx)

	recording, err := newOutput("recording", filemux.New(filemux.Config{Path: filePath}), videoEnc, audioEnc, encoders)
	if err != nil {
		slog.Error("failed to build recording output", "error", err)
		os.Exit(1)
	}
	registry.Register(recording)

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}, NextProtos: []string{"moq-demo"}}

	live, err := newOutput("live", moq.New(moq.Config{Addr: moqAddr, TLSConfig: tlsConfig}), videoEnc, audioEnc, encoders)
	if err != nil {
		slog.Error("failed to build live output", "error", err)
		os.Exit(1)
	}
	registry.Register(live)

	g.Go(func() error {
		if err := recording.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		recording.Stop()
		return nil
	})

	g.Go(func() error {
		if err := live.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		live.Stop()
		return nil
	})

	g.Go(func() error {
		return produceDemoFrames(ctx, recording, live)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newOutput(id string, backend outputcore.Backend, videoEnc, audioEnc packet.EncoderRef, encoders *outputcore.EncoderPool) (*outputcore.Output, error) {
	o := outputcore.New(outputcore.Config{
		ID:            id,
		Name:          id,
		Flags:         backend.Flags(),
		VideoEncoder:  videoEnc,
		AudioEncoders: []packet.EncoderRef{audioEnc},
		Reconnect:     reconnect.NewConfig(5, 2),
		Backend:       backend,
		Encoders:      encoders,
	}, nil)
	state, err := backend.Create(nil, o.Host())
	if err != nil {
		return nil, err
	}
	o.SetBackendState(state)
	return o, nil
}

// produceDemoFrames feeds a small synthetic stream of video packets
// (keyframes where the millisecond PTS is a multiple of 1000) and
// fixed-rate audio packets through both outputs' Interleave
// entry points, standing in for a real encoder pipeline.
func produceDemoFrames(ctx context.Context, outputs ...*outputcore.Output) error {
	videoTick := time.NewTicker(33 * time.Millisecond)
	defer videoTick.Stop()
	audioTick := time.NewTicker(21 * time.Millisecond)
	defer audioTick.Stop()

	var videoPTS, audioPTS int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-videoTick.C:
			pkt := &packet.Encoded{
				Kind: packet.Video, DTS: videoPTS, PTS: videoPTS,
				TimebaseNum: 1, TimebaseDen: 1000, Keyframe: videoPTS%1000 == 0,
				Payload: make([]byte, 4+rand.Intn(256)),
			}
			pkt.RecomputeDTSUsec()
			for _, o := range outputs {
				o.Interleave(pkt.Clone())
			}
			videoPTS += 33
		case <-audioTick.C:
			pkt := &packet.Encoded{
				Kind: packet.Audio, DTS: audioPTS, PTS: audioPTS,
				TimebaseNum: 1, TimebaseDen: 1000,
				Payload: make([]byte, 128),
			}
			pkt.RecomputeDTSUsec()
			for _, o := range outputs {
				o.Interleave(pkt.Clone())
			}
			audioPTS += 21
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
