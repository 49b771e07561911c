package doubao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/observe"
	"github.com/room4-2/memoir-dialog/persona"
)

const (
	DefaultURL        = "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"
	DefaultResourceID = "volc.speech.dialog"
	DefaultAppKey     = "PlgvMymc7f3tQnJ6"

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultRecvTimeout  = 30
	endSmoothWindowMS   = 1500
)

var (
	// ErrNotStarted is returned when audio or greetings are sent before the
	// session handshake completed, or after teardown began.
	ErrNotStarted = errors.New("doubao: session not started")

	// ErrClosed is returned by writes on a closed client.
	ErrClosed = errors.New("doubao: client closed")
)

// Config holds provider credentials and transport settings.
type Config struct {
	URL        string
	AppID      string
	AccessKey  string
	ResourceID string
	AppKey     string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// EchoMatch selects greeting-echo matching; EchoSimilarity is the fuzzy
	// threshold in (0, 1].
	EchoMatch      EchoMatch
	EchoSimilarity float64
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ResourceID == "" {
		c.ResourceID = DefaultResourceID
	}
	if c.AppKey == "" {
		c.AppKey = DefaultAppKey
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Handler receives everything the provider sends. Nil fields are skipped.
// Callbacks run on the ReceiveLoop goroutine, in frame order.
type Handler struct {
	OnAudio     func(pcm []byte)
	OnText      func(kind TextKind, text string)
	OnEvent     func(event uint32, payload map[string]any)
	OnUtterance func(role Role, text string)
}

// State is the client's position in the connection/session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnectionStarted
	StateSessionStarted
	StateStreaming
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnectionStarted:
		return "connection_started"
	case StateSessionStarted:
		return "session_started"
	case StateStreaming:
		return "streaming"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records connection and frame metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// Client owns one provider connection carrying one dialogue session.
//
// SendAudio must not be called concurrently with itself. ReceiveLoop is the
// only reader of the connection and runs alongside the caller's send path.
type Client struct {
	cfg     Config
	persona persona.Persona
	handler Handler

	dialer    *websocket.Dialer
	log       *slog.Logger
	metrics   *observe.Metrics
	sessionID string
	interp    *Interpreter

	state atomic.Int32

	// writeMu serializes writes and guards conn.
	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(cfg Config, p persona.Persona, h Handler, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		persona: p,
		handler: h,
		dialer:  websocket.DefaultDialer,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.log = c.log.With("provider_session", c.sessionID)
	c.interp = NewInterpreter(cfg.EchoMatch, cfg.EchoSimilarity)
	return c
}

// SessionID returns the provider session id.
func (c *Client) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Connect dials the provider, starts the connection and starts the session.
// On failure the transport is closed and the client must not be used for
// streaming.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("doubao: connect in state %s", c.State())
	}

	start := time.Now()
	err := c.handshake(ctx)
	if err != nil {
		c.metrics.RecordConnect(ctx, "error", time.Since(start))
		c.log.Error("doubao: connect failed", "error", err)
		c.Close()
		return err
	}

	c.metrics.RecordConnect(ctx, "ok", time.Since(start))
	c.log.Info("doubao: session started", "voice", c.persona.Voice, "mode", string(c.persona.Mode))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("X-Api-App-ID", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessKey)
	header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	header.Set("X-Api-App-Key", c.cfg.AppKey)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("doubao: dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("doubao: dial %s: %w", c.cfg.URL, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	// Unblock handshake reads when the caller gives up.
	stop := context.AfterFunc(dialCtx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := EncodeJSONControlFrame(EventStartConnection, "", struct{}{})
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("doubao: start connection: %w", err)
	}
	if err := c.expectAck(conn, "start connection"); err != nil {
		return err
	}
	c.setState(StateConnectionStarted)

	frame, err = EncodeJSONControlFrame(EventStartSession, c.sessionID, buildSessionConfig(c.persona))
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("doubao: start session: %w", err)
	}
	if err := c.expectAck(conn, "start session"); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("doubao: clear read deadline: %w", err)
	}
	c.setState(StateSessionStarted)
	return nil
}

// expectAck reads one frame and rejects provider errors and failure events.
func (c *Client) expectAck(conn *websocket.Conn, step string) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("doubao: %s: read ack: %w", step, err)
	}

	f := DecodeFrame(data)
	switch {
	case f.IsEmpty():
		return fmt.Errorf("doubao: %s: empty ack", step)
	case f.MessageType == ServerError:
		return fmt.Errorf("doubao: %s: provider error %d: %s", step, f.ErrorCode, f.Text())
	case f.Event == EventConnectionFailed, f.Event == EventSessionFailed:
		return fmt.Errorf("doubao: %s: event %d: %s", step, f.Event, f.Text())
	}

	c.log.Debug("doubao: ack", "step", step, "event", f.Event, "type", f.MessageType.String())
	return nil
}

// SendAudio streams one chunk of PCM16LE mono audio. It blocks until the
// transport accepts the frame or the write timeout expires.
func (c *Client) SendAudio(pcm []byte) error {
	switch c.State() {
	case StateSessionStarted:
		c.state.CompareAndSwap(int32(StateSessionStarted), int32(StateStreaming))
	case StateStreaming:
	default:
		return ErrNotStarted
	}

	frame, err := EncodeAudioFrame(c.sessionID, pcm)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("doubao: send audio: %w", err)
	}
	return nil
}

type sayHelloPayload struct {
	Content string `json:"content"`
}

// SayHello asks the provider to speak text as the opening utterance. The
// first response delta echoing it is not relayed.
func (c *Client) SayHello(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s := c.State(); s != StateSessionStarted && s != StateStreaming {
		return ErrNotStarted
	}

	frame, err := EncodeJSONControlFrame(EventSayHello, c.sessionID, sayHelloPayload{Content: text})
	if err != nil {
		return err
	}

	// Armed before the write so an early echo cannot slip through.
	c.interp.ArmGreeting(text)
	if err := c.write(frame); err != nil {
		c.interp.ArmGreeting("")
		return fmt.Errorf("doubao: say hello: %w", err)
	}
	return nil
}

// ReceiveLoop reads and dispatches provider frames until the session ends,
// the transport fails or ctx is cancelled. It returns nil when the provider
// finishes the session or closes normally, and ctx.Err() on cancellation.
func (c *Client) ReceiveLoop(ctx context.Context) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	// A past read deadline unblocks ReadMessage but keeps the connection
	// writable for the finish frames.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if s := c.State(); s == StateEnding || s == StateClosed {
				return nil
			}
			return fmt.Errorf("doubao: receive: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		f := DecodeFrame(data)
		if f.IsEmpty() {
			c.metrics.RecordDecodeFailure(ctx)
			c.log.Debug("doubao: skipped undecodable frame", "bytes", len(data))
			continue
		}
		c.metrics.RecordFrame(ctx, f.MessageType.String())

		if c.dispatch(f) {
			c.log.Info("doubao: session ended by provider", "event", f.Event)
			return nil
		}
	}
}

// dispatch routes one frame to the handler and reports whether the session
// terminated.
func (c *Client) dispatch(f Frame) bool {
	switch f.MessageType {
	case ServerAck:
		if f.JSON == nil && len(f.Payload) > 0 && c.handler.OnAudio != nil {
			c.guard("audio", func() { c.handler.OnAudio(f.Payload) })
		}

	case FullServerResponse:
		payload := f.Object()
		if payload == nil {
			payload = map[string]any{}
		}
		if c.handler.OnEvent != nil {
			c.guard("event", func() { c.handler.OnEvent(f.Event, payload) })
		}

		return c.deliver(c.interp.Interpret(f.Event, payload))

	case ServerError:
		c.log.Warn("doubao: provider error", "code", f.ErrorCode, "message", f.Text())
	}
	return false
}

// deliver hands signals to the handler and reports whether one of them
// ends the session.
func (c *Client) deliver(sigs []Signal) bool {
	stop := false
	for _, sig := range sigs {
		switch sig.Kind {
		case SignalText:
			if c.handler.OnText != nil {
				c.guard("text", func() { c.handler.OnText(sig.TextKind, sig.Text) })
			}
		case SignalUtterance:
			if c.handler.OnUtterance != nil {
				c.guard("utterance", func() { c.handler.OnUtterance(sig.Role, sig.Text) })
			}
		case SignalStop:
			stop = true
		}
	}
	return stop
}

// FlushTurns delivers a user turn that was recognized but never closed by
// the provider. Call it only after ReceiveLoop has returned.
func (c *Client) FlushTurns() {
	c.deliver(c.interp.Flush())
}

func (c *Client) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("doubao: callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// FinishSession asks the provider to end the session. Failures are logged
// and discarded.
func (c *Client) FinishSession(ctx context.Context) {
	c.finish(ctx, EventFinishSession, c.sessionID)
}

// FinishConnection asks the provider to end the connection. Failures are
// logged and discarded.
func (c *Client) FinishConnection(ctx context.Context) {
	c.finish(ctx, EventFinishConnection, "")
}

func (c *Client) finish(ctx context.Context, event uint32, sessionID string) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateEnding)

	if ctx.Err() != nil {
		return
	}
	frame, err := EncodeJSONControlFrame(event, sessionID, struct{}{})
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		c.log.Debug("doubao: finish frame not sent", "event", event, "error", err)
	}
}

// Close closes the transport. It is idempotent and safe after a failed
// Connect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if c.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
		c.conn = nil
	})
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}
