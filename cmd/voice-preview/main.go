// Command voice-preview asks the provider to speak one line with one voice
// and writes the synthesized PCM to a file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/room4-2/memoir-dialog/config"
	"github.com/room4-2/memoir-dialog/doubao"
	"github.com/room4-2/memoir-dialog/persona"
)

func main() {
	speaker := flag.String("speaker", "", "voice id (default DOUBAO_SPEAKER)")
	text := flag.String("text", "", "text to speak (default: the voice's preview text)")
	out := flag.String("out", "preview.pcm", "output file for 24 kHz PCM16 mono audio")
	timeout := flag.Duration("timeout", 15*time.Second, "maximum time to wait for synthesis")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *speaker == "" {
		*speaker = cfg.DefaultSpeaker
	}
	if *text == "" {
		*text = cfg.Content.PreviewFor(*speaker)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		audio []byte
	)
	finished := make(chan struct{})
	var once sync.Once

	p := persona.Persona{
		Voice:        *speaker,
		RecorderName: cfg.DefaultRecorderName,
		Mode:         persona.ModeNormal,
		City:         cfg.DefaultCity,
		Output:       persona.DefaultOutputFormat,
		Style:        persona.StyleFor(persona.ModeNormal, cfg.Content),
	}
	client := doubao.NewClient(cfg.Doubao, p, doubao.Handler{
		OnAudio: func(pcm []byte) {
			mu.Lock()
			audio = append(audio, pcm...)
			mu.Unlock()
		},
		OnEvent: func(event uint32, _ map[string]any) {
			if event == doubao.EventTTSEnded {
				once.Do(func() { close(finished) })
			}
		},
	}, doubao.WithLogger(logger))

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	loopDone := make(chan error, 1)
	go func() { loopDone <- client.ReceiveLoop(ctx) }()

	logger.Info("requesting preview", "speaker", *speaker, "text", *text)
	if err := client.SayHello(ctx, *text); err != nil {
		logger.Error("failed to request preview", "error", err)
		os.Exit(1)
	}

	select {
	case <-finished:
	case err := <-loopDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("receive loop ended", "error", err)
		}
	case <-ctx.Done():
		logger.Warn("preview did not finish in time")
	}

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFinish()
	client.FinishSession(finishCtx)
	client.FinishConnection(finishCtx)

	mu.Lock()
	defer mu.Unlock()
	if err := os.WriteFile(*out, audio, 0o644); err != nil {
		logger.Error("failed to write audio", "error", err)
		os.Exit(1)
	}
	logger.Info("preview written", "file", *out, "bytes", len(audio))
}
