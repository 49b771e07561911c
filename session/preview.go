package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/doubao"
	"github.com/room4-2/memoir-dialog/messages"
	"github.com/room4-2/memoir-dialog/observe"
	"github.com/room4-2/memoir-dialog/persona"
)

// replayChunkSize is 200ms of 24 kHz PCM16 mono.
const replayChunkSize = 9600

// PreviewOptions configure voice previews.
type PreviewOptions struct {
	Provider doubao.Config
	Content  persona.Content
	Defaults Defaults

	Timeout  time.Duration // wait for the end of synthesis
	MaxAudio int           // audio above this size is relayed but not cached

	Cache    AudioCache    // nil disables caching
	CacheTTL time.Duration // non-positive disables caching

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Preview speaks one line with one voice and relays only the audio.
type Preview struct {
	ID      string
	Conn    *websocket.Conn
	Speaker string
	Text    string

	opts *PreviewOptions
	log  *slog.Logger

	writeMu sync.Mutex
}

// NewPreview applies the default voice and the voice's preview text.
func NewPreview(id string, conn *websocket.Conn, speaker, text string, opts *PreviewOptions) *Preview {
	if speaker == "" {
		speaker = opts.Defaults.Speaker
	}
	if text == "" {
		text = opts.Content.PreviewFor(speaker)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Preview{
		ID:      id,
		Conn:    conn,
		Speaker: speaker,
		Text:    text,
		opts:    opts,
		log:     logger.With("preview", id, "voice", speaker),
	}
}

// Run relays the preview audio followed by a done message and closes the
// connection. It returns an error only when the provider is unreachable.
func (p *Preview) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.Conn.Close()

	// The client sends nothing; a read error means it went away.
	go func() {
		for {
			if _, _, err := p.Conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	key := previewCacheKey(p.Speaker, p.Text)
	if audio, ok := p.cached(ctx, key); ok {
		p.replay(audio)
		p.send(messages.NewDoneMessage())
		return nil
	}

	buf := NewAudioBuffer(p.opts.MaxAudio)
	finished := make(chan struct{})
	var finishOnce sync.Once

	client := doubao.NewClient(p.opts.Provider, p.persona(), doubao.Handler{
		OnAudio: func(pcm []byte) {
			p.send(messages.NewAudioMessage(pcm))
			_ = buf.Append(pcm)
		},
		OnEvent: func(event uint32, _ map[string]any) {
			if event == doubao.EventTTSEnded {
				finishOnce.Do(func() { close(finished) })
			}
		},
	}, doubao.WithLogger(p.log), doubao.WithMetrics(p.opts.Metrics))

	if err := client.Connect(ctx); err != nil {
		p.send(messages.NewStatusMessage(messages.StatusError, "failed to connect to the dialogue service"))
		return err
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		if err := client.ReceiveLoop(recvCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("preview receive loop failed", "error", err)
		}
	}()

	if err := client.SayHello(ctx, p.Text); err != nil {
		p.log.Warn("failed to request preview", "error", err)
	}

	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()

	complete := false
	select {
	case <-finished:
		complete = true
	case <-timer.C:
		p.log.Warn("preview timed out", "timeout", p.opts.Timeout)
	case <-recvDone:
	case <-ctx.Done():
	}

	cancelRecv()
	<-recvDone

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelFinish()
	client.FinishSession(finishCtx)
	client.FinishConnection(finishCtx)
	client.Close()

	if ctx.Err() == nil {
		p.send(messages.NewDoneMessage())
	}

	if complete && !buf.Overflowed() {
		p.store(key, buf.Flush())
	}
	return nil
}

func (p *Preview) persona() persona.Persona {
	return persona.Persona{
		Voice:        p.Speaker,
		RecorderName: p.opts.Defaults.RecorderName,
		Mode:         persona.ModeNormal,
		City:         p.opts.Defaults.City,
		Output:       persona.DefaultOutputFormat,
		Style:        persona.StyleFor(persona.ModeNormal, p.opts.Content),
		StrictAudit:  p.opts.Defaults.StrictAudit,
	}
}

// cacheEnabled reports whether previews are read from and written to the
// cache. A non-positive TTL turns caching off.
func (p *Preview) cacheEnabled() bool {
	return p.opts.Cache != nil && p.opts.CacheTTL > 0
}

func (p *Preview) cached(ctx context.Context, key string) ([]byte, bool) {
	if !p.cacheEnabled() {
		return nil, false
	}
	audio, ok, err := p.opts.Cache.Get(ctx, key)
	if err != nil {
		p.log.Warn("preview cache read failed", "error", err)
		return nil, false
	}
	p.opts.Metrics.RecordPreviewCache(ctx, ok && len(audio) > 0)
	return audio, ok && len(audio) > 0
}

func (p *Preview) store(key string, audio []byte) {
	if !p.cacheEnabled() || len(audio) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.opts.Cache.Set(ctx, key, audio, p.opts.CacheTTL); err != nil {
		p.log.Warn("preview cache write failed", "error", err)
	}
}

func (p *Preview) replay(audio []byte) {
	for start := 0; start < len(audio); start += replayChunkSize {
		end := min(start+replayChunkSize, len(audio))
		if err := p.send(messages.NewAudioMessage(audio[start:end])); err != nil {
			return
		}
	}
}

func (p *Preview) send(msg messages.ServerMessage) error {
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}
