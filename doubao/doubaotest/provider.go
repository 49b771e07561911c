// Package doubaotest runs an in-process stand-in for the realtime dialogue
// provider, for tests of code built on the doubao client.
package doubaotest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/doubao"
)

// Provider is a websocket server speaking the provider's binary framing.
// Each accepted connection is handed to the script.
type Provider struct {
	srv *httptest.Server

	mu      sync.Mutex
	headers []http.Header
}

// NewProvider starts a provider running script for every connection. The
// server is closed when the test finishes.
func NewProvider(t testing.TB, script func(c *Conn)) *Provider {
	t.Helper()
	p := &Provider{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.headers = append(p.headers, r.Header.Clone())
		p.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(&Conn{ws: ws})
	}))
	t.Cleanup(p.srv.Close)
	return p
}

// URL returns the ws:// address of the provider.
func (p *Provider) URL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

// Headers returns the handshake headers of every connection so far.
func (p *Provider) Headers() []http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]http.Header(nil), p.headers...)
}

// Conn is one accepted client connection.
type Conn struct {
	ws *websocket.Conn

	// SessionID is filled in by Handshake from the StartSession frame.
	SessionID string
}

// Read returns the next decoded client frame.
func (c *Conn) Read() (doubao.Frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return doubao.Frame{}, err
	}
	return doubao.DecodeFrame(data), nil
}

// ReadEvent reads frames until one carries event, skipping everything else.
func (c *Conn) ReadEvent(event uint32) (doubao.Frame, error) {
	for {
		f, err := c.Read()
		if err != nil {
			return f, err
		}
		if f.Event == event {
			return f, nil
		}
	}
}

// Handshake answers StartConnection and StartSession with success events and
// returns the StartSession frame.
func (c *Conn) Handshake() (doubao.Frame, error) {
	if _, err := c.ReadEvent(doubao.EventStartConnection); err != nil {
		return doubao.Frame{}, err
	}
	if err := c.SendEvent(doubao.EventConnectionStarted, map[string]any{}); err != nil {
		return doubao.Frame{}, err
	}

	f, err := c.ReadEvent(doubao.EventStartSession)
	if err != nil {
		return f, err
	}
	c.SessionID = f.SessionID
	return f, c.SendEvent(doubao.EventSessionStarted, map[string]any{"dialog_id": "dialog-1"})
}

// SendEvent sends a full server response carrying event and a JSON payload.
func (c *Conn) SendEvent(event uint32, payload any) error {
	data, err := EncodeServerEvent(event, c.SessionID, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendAudio sends synthesized PCM as a server ack frame.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.SendRaw(EncodeServerAudio(c.SessionID, pcm))
}

// SendError sends an error-response frame.
func (c *Conn) SendError(code uint32, message string) error {
	return c.SendRaw(EncodeServerError(code, message))
}

// SendRaw writes bytes as one binary message.
func (c *Conn) SendRaw(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// DrainUntilClosed reads until the client goes away and returns every frame
// seen on the way.
func (c *Conn) DrainUntilClosed() []doubao.Frame {
	var frames []doubao.Frame
	for {
		f, err := c.Read()
		if err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}

// EncodeServerEvent builds a gzip-compressed JSON full server response.
func EncodeServerEvent(event uint32, sessionID string, payload any) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	header := doubao.EncodeHeader(doubao.FullServerResponse, doubao.FlagWithEvent, doubao.SerializationJSON, doubao.CompressionGzip)
	return frame(header[:], &event, sessionID, gzipBytes(body)), nil
}

// EncodeServerAudio builds the ack frame the provider uses for audio.
func EncodeServerAudio(sessionID string, pcm []byte) []byte {
	event := uint32(352)
	header := doubao.EncodeHeader(doubao.ServerAck, doubao.FlagWithEvent, doubao.SerializationNone, doubao.CompressionGzip)
	return frame(header[:], &event, sessionID, gzipBytes(pcm))
}

// EncodeServerError builds an error-response frame.
func EncodeServerError(code uint32, message string) []byte {
	header := doubao.EncodeHeader(doubao.ServerError, doubao.FlagNone, doubao.SerializationJSON, doubao.CompressionNone)
	buf := append([]byte(nil), header[:]...)
	buf = binary.BigEndian.AppendUint32(buf, code)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(message)))
	return append(buf, message...)
}

func frame(header []byte, event *uint32, sessionID string, payload []byte) []byte {
	buf := append([]byte(nil), header...)
	if event != nil {
		buf = binary.BigEndian.AppendUint32(buf, *event)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sessionID)))
	buf = append(buf, sessionID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func gzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}
