package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/doubao"
	"github.com/room4-2/memoir-dialog/doubao/doubaotest"
	"github.com/room4-2/memoir-dialog/persona"
)

type wireMessage struct {
	Type     string         `json:"type"`
	TextType string         `json:"text_type"`
	Content  string         `json:"content"`
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Data     string         `json:"data"`
	Event    uint32         `json:"event"`
	Payload  map[string]any `json:"payload"`
}

type memoryPersister struct {
	mu    sync.Mutex
	saved []Utterance
}

func (p *memoryPersister) SaveUtterance(_ context.Context, u Utterance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, u)
	return nil
}

func (p *memoryPersister) all() []Utterance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Utterance(nil), p.saved...)
}

type staticProfiles struct {
	profile Profile
	err     error
}

func (s staticProfiles) LookupProfile(context.Context, string) (Profile, error) {
	return s.profile, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testDeps(providerURL string) *Deps {
	return &Deps{
		Provider: doubao.Config{
			URL:          providerURL,
			AppID:        "app",
			AccessKey:    "secret",
			DialTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Content: persona.DefaultContent(),
		Defaults: Defaults{
			Speaker:      "zh_female_vv_jupiter_bigtts",
			RecorderName: "小安",
			City:         "北京",
		},
		Logger: testLogger(),
	}
}

type gateway struct {
	url  string
	runs chan error
}

// newGateway serves one DialogSession per websocket connection.
func newGateway(t *testing.T, deps *Deps) *gateway {
	t.Helper()
	g := &gateway{runs: make(chan error, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ds := NewDialogSession("test", conn, ParseParams(r.URL.Query()), deps)
		g.runs <- ds.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	g.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return g
}

func (g *gateway) dial(t *testing.T, q url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url+"?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *gateway) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-g.runs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (wireMessage, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg, nil
}

// readUntilClosed collects messages until the gateway closes the connection.
func readUntilClosed(t *testing.T, conn *websocket.Conn) []wireMessage {
	t.Helper()
	var msgs []wireMessage
	for {
		msg, err := readMessage(t, conn)
		if err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func TestDialog_EndToEnd(t *testing.T) {
	t.Parallel()

	const greeting = "欢迎回来，今天想聊点什么？"
	synth := []byte{1, 2, 3, 4}
	provider := make(chan []doubao.Frame, 1)

	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.Handshake(); err != nil {
			return
		}
		if _, err := c.ReadEvent(doubao.EventSayHello); err != nil {
			return
		}
		// The greeting echo is not relayed.
		_ = c.SendEvent(doubao.EventTTSSentenceStart, map[string]any{})
		_ = c.SendEvent(doubao.EventChatResponse, map[string]any{"content": greeting})
		_ = c.SendEvent(doubao.EventTTSEnded, map[string]any{})

		if _, err := c.ReadEvent(doubao.EventTaskRequest); err != nil {
			return
		}
		// No ASR-ended event: synthesis start closes the user turn.
		_ = c.SendEvent(doubao.EventASRResponse, map[string]any{"results": []any{map[string]any{"text": "你好", "is_interim": false}}})
		_ = c.SendEvent(doubao.EventTTSSentenceStart, map[string]any{})
		_ = c.SendEvent(doubao.EventChatResponse, map[string]any{"content": "你好，很高兴认识你"})
		_ = c.SendAudio(synth)
		_ = c.SendEvent(doubao.EventTTSEnded, map[string]any{})
		provider <- c.DrainUntilClosed()
	})

	persister := &memoryPersister{}
	deps := testDeps(p.URL())
	deps.Persister = persister
	g := newGateway(t, deps)

	conn := g.dial(t, url.Values{"conversation_id": {"conv-1"}, "greeting": {greeting}})

	first, err := readMessage(t, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != "status" || first.Status != "connected" {
		t.Fatalf("first message = %+v, want status connected", first)
	}

	audio := base64.StdEncoding.EncodeToString(make([]byte, 640))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","data":"`+audio+`"}`)); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	relayed := []wireMessage{first}
	for {
		msg, err := readMessage(t, conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		relayed = append(relayed, msg)
		if msg.Type == "event" && msg.Event == doubao.EventTTSEnded && len(filterRelay(relayed)) == 3 {
			break
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	relayed = append(relayed, readUntilClosed(t, conn)...)

	if err := g.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	want := []string{"status:connected", "asr:你好", "response:你好，很高兴认识你"}
	got := filterRelay(relayed)
	if len(got) != len(want) {
		t.Fatalf("relay = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("relay[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	var sawAudio bool
	for _, m := range relayed {
		if m.Type == "audio" && m.Data == base64.StdEncoding.EncodeToString(synth) {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Error("synthesized audio was not relayed")
	}

	saved := persister.all()
	if len(saved) != 2 {
		t.Fatalf("persisted %d utterances, want 2: %+v", len(saved), saved)
	}
	if saved[0] != (Utterance{ConversationID: "conv-1", Role: doubao.RoleUser, Content: "你好"}) {
		t.Errorf("user utterance = %+v", saved[0])
	}
	if saved[1] != (Utterance{ConversationID: "conv-1", Role: doubao.RoleAssistant, Content: "你好，很高兴认识你"}) {
		t.Errorf("assistant utterance = %+v", saved[1])
	}

	select {
	case frames := <-provider:
		var finishSession, finishConnection bool
		for _, f := range frames {
			finishSession = finishSession || f.Event == doubao.EventFinishSession
			finishConnection = finishConnection || f.Event == doubao.EventFinishConnection
		}
		if !finishSession || !finishConnection {
			t.Errorf("provider did not receive finish frames: %+v", frames)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provider connection was not closed")
	}
}

// filterRelay keeps status and text messages in a comparable form.
func filterRelay(msgs []wireMessage) []string {
	var out []string
	for _, m := range msgs {
		switch m.Type {
		case "status":
			out = append(out, "status:"+m.Status)
		case "text":
			out = append(out, m.TextType+":"+m.Content)
		}
	}
	return out
}

func TestDialog_NoPersistenceWithoutConversationID(t *testing.T) {
	t.Parallel()

	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.Handshake(); err != nil {
			return
		}
		if _, err := c.ReadEvent(doubao.EventSayHello); err != nil {
			return
		}
		_ = c.SendEvent(doubao.EventASRResponse, map[string]any{"results": []any{map[string]any{"text": "你好"}}})
		_ = c.SendEvent(doubao.EventASREnded, map[string]any{})
		_ = c.SendEvent(doubao.EventSessionFinished, map[string]any{})
		c.DrainUntilClosed()
	})

	persister := &memoryPersister{}
	deps := testDeps(p.URL())
	deps.Persister = persister
	g := newGateway(t, deps)

	conn := g.dial(t, url.Values{})
	msgs := readUntilClosed(t, conn)
	if err := g.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	got := filterRelay(msgs)
	if len(got) != 2 || got[1] != "asr:你好" {
		t.Errorf("relay = %v", got)
	}
	if saved := persister.all(); len(saved) != 0 {
		t.Errorf("persisted %+v without a conversation id", saved)
	}
}

func TestDialog_PendingUserTurnPersistedOnEnd(t *testing.T) {
	t.Parallel()

	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.Handshake(); err != nil {
			return
		}
		if _, err := c.ReadEvent(doubao.EventSayHello); err != nil {
			return
		}
		_ = c.SendEvent(doubao.EventASRResponse, map[string]any{"results": []any{map[string]any{"text": "我想说说我的童年"}}})
		_ = c.SendEvent(doubao.EventSessionFinished, map[string]any{})
		c.DrainUntilClosed()
	})

	persister := &memoryPersister{}
	deps := testDeps(p.URL())
	deps.Persister = persister
	g := newGateway(t, deps)

	conn := g.dial(t, url.Values{"conversation_id": {"conv-2"}})
	readUntilClosed(t, conn)
	if err := g.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	saved := persister.all()
	want := Utterance{ConversationID: "conv-2", Role: doubao.RoleUser, Content: "我想说说我的童年"}
	if len(saved) != 1 || saved[0] != want {
		t.Errorf("persisted %+v, want [%+v]", saved, want)
	}
}

// sessionStart runs a session against a provider that records the session
// config and opening, then ends the session.
func sessionStart(t *testing.T, deps *Deps, q url.Values) (config map[string]any, opening string) {
	t.Helper()

	type start struct {
		config  map[string]any
		opening string
	}
	got := make(chan start, 1)
	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		f, err := c.Handshake()
		if err != nil {
			return
		}
		hello, err := c.ReadEvent(doubao.EventSayHello)
		if err != nil {
			return
		}
		text, _ := hello.Object()["content"].(string)
		got <- start{config: f.Object(), opening: text}
		_ = c.SendEvent(doubao.EventSessionFinished, map[string]any{})
		c.DrainUntilClosed()
	})
	deps.Provider.URL = p.URL()

	g := newGateway(t, deps)
	conn := g.dial(t, q)
	readUntilClosed(t, conn)
	if err := g.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	select {
	case s := <-got:
		return s.config, s.opening
	case <-time.After(5 * time.Second):
		t.Fatal("provider saw no session")
		return nil, ""
	}
}

func dialogField(t *testing.T, config map[string]any, key string) string {
	t.Helper()
	dialog, ok := config["dialog"].(map[string]any)
	if !ok {
		t.Fatalf("session config has no dialog: %v", config)
	}
	v, _ := dialog[key].(string)
	return v
}

func TestDialog_IncompleteProfileForcesCollection(t *testing.T) {
	t.Parallel()

	deps := testDeps("")
	deps.Profiles = staticProfiles{profile: Profile{Completed: false, City: "成都"}}

	config, opening := sessionStart(t, deps, url.Values{"user_id": {"u1"}, "mode": {"normal"}, "greeting": {"早上好"}})

	if opening != deps.Content.ProfileOpening {
		t.Errorf("opening = %q, want the profile collection opening", opening)
	}
	if role := dialogField(t, config, "system_role"); !strings.Contains(role, "信息收集完成") {
		t.Errorf("system_role is not the profile collection role: %q", role)
	}
	if style := dialogField(t, config, "speaking_style"); style != deps.Content.ProfileSpeakingStyle {
		t.Errorf("speaking_style = %q", style)
	}
}

func TestDialog_CompletedProfilePersonalizes(t *testing.T) {
	t.Parallel()

	deps := testDeps("")
	deps.Profiles = staticProfiles{profile: Profile{Completed: true, Nickname: "张爷爷", City: "上海"}}

	config, opening := sessionStart(t, deps, url.Values{"user_id": {"u1"}, "greeting": {"早上好"}, "speaker": {"zh_male_yunzhou_jupiter_bigtts"}})

	if opening != "早上好" {
		t.Errorf("opening = %q, want the supplied greeting", opening)
	}
	if role := dialogField(t, config, "system_role"); !strings.Contains(role, "张爷爷") {
		t.Errorf("system_role does not carry the nickname: %q", role)
	}
	location, _ := config["dialog"].(map[string]any)["location"].(map[string]any)
	if location["city"] != "上海" {
		t.Errorf("location = %v, want 上海", location)
	}
	tts, _ := config["tts"].(map[string]any)
	if tts["speaker"] != "zh_male_yunzhou_jupiter_bigtts" {
		t.Errorf("speaker = %v", tts["speaker"])
	}
}

func TestDialog_ProfileLookupFailureKeepsMode(t *testing.T) {
	t.Parallel()

	deps := testDeps("")
	deps.Profiles = staticProfiles{err: errors.New("db down")}

	config, opening := sessionStart(t, deps, url.Values{"user_id": {"u1"}})

	if role := dialogField(t, config, "system_role"); strings.Contains(role, "信息收集完成") {
		t.Error("lookup failure switched to profile collection")
	}
	if bot := dialogField(t, config, "bot_name"); bot != "小安" {
		t.Errorf("bot_name = %q, want the default recorder name", bot)
	}
	fallbacks := deps.Content.FallbackGreetings
	var isFallback bool
	for _, f := range fallbacks {
		isFallback = isFallback || f == opening
	}
	if !isFallback {
		t.Errorf("opening = %q, want a fallback greeting", opening)
	}
}

func TestDialog_ConnectFailureReportsError(t *testing.T) {
	t.Parallel()

	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.ReadEvent(doubao.EventStartConnection); err != nil {
			return
		}
		_ = c.SendEvent(doubao.EventConnectionFailed, map[string]any{"error": "bad credentials"})
		c.DrainUntilClosed()
	})
	g := newGateway(t, testDeps(p.URL()))

	conn := g.dial(t, url.Values{})
	msgs := readUntilClosed(t, conn)
	if err := g.wait(t); err == nil {
		t.Error("Run succeeded against a failing provider")
	}

	if len(msgs) != 1 || msgs[0].Type != "status" || msgs[0].Status != "error" || msgs[0].Message == "" {
		t.Errorf("messages = %+v, want a single status error", msgs)
	}
}

func TestDialog_ConnectFailureCancelsContext(t *testing.T) {
	t.Parallel()

	sessions := make(chan *DialogSession, 1)
	deps := testDeps("ws://127.0.0.1:1/")
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ds := NewDialogSession("unreachable", conn, Params{}, deps)
		_ = ds.Run(context.Background())
		sessions <- ds
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readUntilClosed(t, conn)

	select {
	case ds := <-sessions:
		if ds.ctx.Err() == nil {
			t.Error("session context still live after a failed connect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDialog_IgnoresBadClientMessages(t *testing.T) {
	t.Parallel()

	audio := make(chan []byte, 1)
	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.Handshake(); err != nil {
			return
		}
		f, err := c.ReadEvent(doubao.EventTaskRequest)
		if err != nil {
			return
		}
		audio <- f.Payload
		c.DrainUntilClosed()
	})
	g := newGateway(t, testDeps(p.URL()))

	conn := g.dial(t, url.Values{})
	if msg, err := readMessage(t, conn); err != nil || msg.Status != "connected" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	for _, raw := range []string{
		`not json`,
		`{"data":"x"}`,
		`{"type":"dance"}`,
		`{"type":"audio","data":"***"}`,
		`{"type":"start"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write %s: %v", raw, err)
		}
	}
	// Binary frames are raw PCM.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{7, 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case pcm := <-audio:
		if len(pcm) != 2 || pcm[0] != 7 {
			t.Errorf("provider got %v", pcm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session stopped forwarding after bad messages")
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	readUntilClosed(t, conn)
	if err := g.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestDialog_CloseEndsSession(t *testing.T) {
	t.Parallel()

	p := doubaotest.NewProvider(t, func(c *doubaotest.Conn) {
		if _, err := c.Handshake(); err != nil {
			return
		}
		c.DrainUntilClosed()
	})

	sessions := make(chan *DialogSession, 1)
	deps := testDeps(p.URL())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ds := NewDialogSession("closing", conn, Params{}, deps)
		sessions <- ds
		_ = ds.Run(context.Background())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ds := <-sessions
	if msg, err := readMessage(t, conn); err != nil || msg.Status != "connected" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	ds.Close()
	ds.Close()

	select {
	case <-ds.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not end the session")
	}
	readUntilClosed(t, conn)
}
