package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/doubao"
	"github.com/room4-2/memoir-dialog/messages"
	"github.com/room4-2/memoir-dialog/observe"
	"github.com/room4-2/memoir-dialog/persona"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	persistTimeout  = 5 * time.Second
	maxMessageSize  = 512 * 1024
)

// Defaults fill in parameters the caller leaves empty.
type Defaults struct {
	Speaker      string
	RecorderName string
	City         string
	StrictAudit  bool
}

// Deps is everything dialogue sessions share. Nil collaborators disable
// the feature they back.
type Deps struct {
	Provider  doubao.Config
	Content   persona.Content
	Defaults  Defaults
	Persister Persister
	Profiles  ProfileLookup
	Openings  OpeningProvider
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// KeepAlivePeriod is the ping interval on the end-user connection; zero
	// disables pings.
	KeepAlivePeriod time.Duration
}

// DialogSession bridges one end-user websocket to one provider session.
type DialogSession struct {
	ID         string
	Params     Params
	ClientConn *websocket.Conn
	CreatedAt  time.Time

	deps    *Deps
	log     *slog.Logger
	persona persona.Persona
	client  *doubao.Client

	// writeChan feeds writePump, the only writer of ClientConn.
	writeChan  chan messages.ServerMessage
	writerDone chan struct{}

	mu           sync.RWMutex
	writerClosed bool

	lastActivity atomic.Int64 // unix nanoseconds

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewDialogSession prepares a session. Nothing happens until Run.
func NewDialogSession(id string, clientConn *websocket.Conn, params Params, deps *Deps) *DialogSession {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)
	if params.ConversationID != "" {
		logger = logger.With("conversation", params.ConversationID)
	}

	clientConn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	ds := &DialogSession{
		ID:         id,
		Params:     params,
		ClientConn: clientConn,
		CreatedAt:  now,
		deps:       deps,
		log:        logger,
		writeChan:  make(chan messages.ServerMessage, writeBufferSize),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	ds.lastActivity.Store(now.UnixNano())
	return ds
}

// Run serves the session until the end user stops or disconnects, or the
// provider ends the session. It always tears everything down before
// returning. The only error returned is a failed provider connect.
func (ds *DialogSession) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, ds.Close)
	defer stop()
	defer close(ds.done)

	ds.deps.Metrics.DialogStarted(ds.ctx)
	defer ds.deps.Metrics.DialogEnded(context.WithoutCancel(ds.ctx))

	go ds.writePump()

	ds.persona = ds.resolvePersona(ds.ctx)
	ds.client = doubao.NewClient(ds.deps.Provider, ds.persona, ds.providerHandler(),
		doubao.WithLogger(ds.log),
		doubao.WithMetrics(ds.deps.Metrics),
	)

	if err := ds.client.Connect(ds.ctx); err != nil {
		ds.queueMessage(messages.NewStatusMessage(messages.StatusError, "failed to connect to the dialogue service"))
		ds.stopWriter()
		_ = ds.ClientConn.Close()
		ds.cancel()
		return err
	}
	ds.queueMessage(messages.NewStatusMessage(messages.StatusConnected, ""))
	ds.log.Info("dialog started",
		"mode", string(ds.persona.Mode),
		"voice", ds.persona.Voice,
		"provider_session", ds.client.SessionID(),
	)

	recvCtx, cancelRecv := context.WithCancel(ds.ctx)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		err := ds.client.ReceiveLoop(recvCtx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			ds.log.Warn("provider receive loop failed", "error", err)
		}
		// Unblock the main loop when the provider side ends first.
		_ = ds.ClientConn.SetReadDeadline(time.Now())
	}()

	opening := ds.openings().Opening(ds.ctx, ds.persona.Mode, ds.Params)
	if err := ds.client.SayHello(ds.ctx, opening); err != nil {
		ds.log.Warn("failed to send opening", "error", err)
	}

	ds.readLoop()

	cancelRecv()
	<-recvDone
	ds.teardown()
	return nil
}

func (ds *DialogSession) providerHandler() doubao.Handler {
	return doubao.Handler{
		OnAudio: func(pcm []byte) {
			ds.queueMessage(messages.NewAudioMessage(pcm))
		},
		OnText: func(kind doubao.TextKind, text string) {
			ds.queueMessage(messages.NewTextMessage(string(kind), text))
		},
		OnEvent: func(event uint32, payload map[string]any) {
			ds.queueMessage(messages.NewEventMessage(event, payload))
		},
		OnUtterance: ds.persistUtterance,
	}
}

// resolvePersona applies defaults and forces profile collection for users
// whose baseline profile is incomplete.
func (ds *DialogSession) resolvePersona(ctx context.Context) persona.Persona {
	def := ds.deps.Defaults
	p := persona.Persona{
		Voice:        firstNonEmpty(ds.Params.Speaker, def.Speaker),
		RecorderName: firstNonEmpty(ds.Params.RecorderName, def.RecorderName),
		Mode:         ds.Params.Mode,
		City:         def.City,
		Output:       persona.DefaultOutputFormat,
		Topic:        ds.Params.Topic,
		Context:      ds.Params.Context,
		StrictAudit:  def.StrictAudit,
	}

	if ds.Params.UserID != "" && ds.deps.Profiles != nil && p.Mode != persona.ModeProfileCollection {
		profile, err := ds.deps.Profiles.LookupProfile(ctx, ds.Params.UserID)
		switch {
		case err != nil:
			ds.log.Warn("profile lookup failed, keeping requested mode", "user", ds.Params.UserID, "error", err)
		case !profile.Completed:
			p.Mode = persona.ModeProfileCollection
		default:
			p.Nickname = profile.Nickname
			if profile.City != "" {
				p.City = profile.City
			}
		}
	}

	p.Style = persona.StyleFor(p.Mode, ds.deps.Content)
	return p
}

func (ds *DialogSession) openings() OpeningProvider {
	if ds.deps.Openings != nil {
		return ds.deps.Openings
	}
	return ContentOpenings{Content: ds.deps.Content, Logger: ds.log}
}

func (ds *DialogSession) persistUtterance(role doubao.Role, text string) {
	if ds.Params.ConversationID == "" || ds.deps.Persister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ds.ctx), persistTimeout)
	defer cancel()

	err := ds.deps.Persister.SaveUtterance(ctx, Utterance{
		ConversationID: ds.Params.ConversationID,
		Role:           role,
		Content:        text,
	})
	if err != nil {
		ds.deps.Metrics.RecordUtterance(ctx, string(role), "error")
		ds.log.Error("failed to persist utterance", "role", string(role), "error", err)
		return
	}
	ds.deps.Metrics.RecordUtterance(ctx, string(role), "ok")
}

// readLoop forwards end-user messages until stop, disconnect or an upstream
// transport failure.
func (ds *DialogSession) readLoop() {
	for {
		messageType, data, err := ds.ClientConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ds.log.Debug("client connection closed", "error", err)
			}
			return
		}
		ds.touch()

		// Binary frames carry raw PCM.
		if messageType == websocket.BinaryMessage {
			if !ds.forwardAudio(data) {
				return
			}
			continue
		}

		msg, err := messages.ParseClientMessage(data)
		if err != nil {
			ds.deps.Metrics.RecordIgnoredMessage(ds.ctx, "invalid_json")
			ds.log.Warn("ignoring malformed client message", "error", err)
			continue
		}

		switch msg.Type {
		case messages.TypeAudio:
			pcm, err := msg.Audio()
			if err != nil {
				ds.deps.Metrics.RecordIgnoredMessage(ds.ctx, "bad_audio")
				ds.log.Warn("ignoring audio message", "error", err)
				continue
			}
			if !ds.forwardAudio(pcm) {
				return
			}

		case messages.TypeStart:
			// Streaming starts on connect.

		case messages.TypeStop:
			ds.log.Info("client requested stop")
			return

		default:
			ds.deps.Metrics.RecordIgnoredMessage(ds.ctx, "unknown_type")
			ds.log.Warn("ignoring unknown client message", "type", msg.Type)
		}
	}
}

// forwardAudio reports false when the provider can no longer take audio.
func (ds *DialogSession) forwardAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	if err := ds.client.SendAudio(pcm); err != nil {
		ds.log.Warn("failed to forward audio, ending session", "error", err)
		return false
	}
	return true
}

// teardown persists an unfinished user turn, finishes the provider session,
// flushes pending messages and closes the end-user connection.
func (ds *DialogSession) teardown() {
	ds.client.FlushTurns()

	finishCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ds.client.FinishSession(finishCtx)
	ds.client.FinishConnection(finishCtx)
	ds.client.Close()

	ds.stopWriter()
	_ = ds.ClientConn.Close()
	ds.cancel()
	ds.log.Info("dialog ended", "duration", time.Since(ds.CreatedAt).Round(time.Millisecond))
}

// writePump handles all outgoing messages in a single goroutine
func (ds *DialogSession) writePump() {
	defer close(ds.writerDone)

	var ping <-chan time.Time
	if ds.deps.KeepAlivePeriod > 0 {
		ticker := time.NewTicker(ds.deps.KeepAlivePeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg, ok := <-ds.writeChan:
			if !ok {
				// Channel closed, say goodbye
				_ = ds.ClientConn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return
			}
			if err := ds.write(msg); err != nil {
				ds.log.Debug("client write failed", "error", err)
				return
			}

		case <-ping:
			if err := ds.ClientConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (ds *DialogSession) write(msg messages.ServerMessage) error {
	data, err := messages.Encode(msg)
	if err != nil {
		ds.log.Error("failed to encode message", "type", msg.MessageType(), "error", err)
		return nil
	}
	if err := ds.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ds.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage hands a message to the writer. It blocks while the queue is
// full and returns immediately once the writer has stopped.
func (ds *DialogSession) queueMessage(msg messages.ServerMessage) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.writerClosed {
		return
	}
	select {
	case ds.writeChan <- msg:
	case <-ds.writerDone:
	}
}

// stopWriter lets the writer drain the queue and waits for it.
func (ds *DialogSession) stopWriter() {
	ds.mu.Lock()
	if !ds.writerClosed {
		ds.writerClosed = true
		close(ds.writeChan)
	}
	ds.mu.Unlock()
	<-ds.writerDone
}

func (ds *DialogSession) touch() {
	ds.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the end user last sent anything.
func (ds *DialogSession) LastActivity() time.Time {
	return time.Unix(0, ds.lastActivity.Load())
}

// Close asks a running session to end. Run performs the actual teardown.
func (ds *DialogSession) Close() {
	ds.stopOnce.Do(func() {
		ds.cancel()
		_ = ds.ClientConn.SetReadDeadline(time.Now())
	})
}

// Done is closed once Run has returned.
func (ds *DialogSession) Done() <-chan struct{} {
	return ds.done
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
