package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/config"
	"github.com/room4-2/memoir-dialog/persona"
)

// wsConn returns the client end of a websocket held open by a test server.
func wsConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testConfig() *config.Config {
	return &config.Config{
		MaxSessions:         1,
		SessionTimeout:      time.Hour,
		DefaultSpeaker:      "zh_female_vv_jupiter_bigtts",
		DefaultRecorderName: "小安",
		DefaultCity:         "北京",
		PreviewTimeout:      time.Second,
		MaxPreviewAudio:     1024,
		Content:             persona.DefaultContent(),
	}
}

func TestManager_SessionLimit(t *testing.T) {
	m := NewManager(testConfig(), WithLogger(testLogger()))
	ctx := context.Background()

	s, err := m.CreateSession(ctx, wsConn(t), Params{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got, ok := m.GetSession(s.ID); !ok || got != s {
		t.Error("session not registered")
	}

	if _, err := m.CreateSession(ctx, wsConn(t), Params{}); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("second CreateSession = %v, want ErrSessionLimit", err)
	}

	m.RemoveSession(ctx, s.ID)
	m.RemoveSession(ctx, s.ID)
	if n := m.GetActiveSessionCount(); n != 0 {
		t.Errorf("active sessions = %d after remove", n)
	}

	if _, err := m.CreateSession(ctx, wsConn(t), Params{}); err != nil {
		t.Errorf("CreateSession after remove: %v", err)
	}
}

func TestManager_CleanupInactiveSessions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 10
	cfg.SessionTimeout = time.Nanosecond
	m := NewManager(cfg, WithLogger(testLogger()))
	ctx := context.Background()

	for range 3 {
		if _, err := m.CreateSession(ctx, wsConn(t), Params{}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(time.Millisecond)

	m.CleanupInactiveSessions(ctx)
	if n := m.GetActiveSessionCount(); n != 0 {
		t.Errorf("active sessions = %d after cleanup", n)
	}
}

func TestManager_WiresCollaborators(t *testing.T) {
	persister := &memoryPersister{}
	pool := &fakePool{greeting: "池子里的"}
	profiles := staticProfiles{profile: Profile{Completed: true}}

	m := NewManager(testConfig(),
		WithPersister(persister),
		WithProfileLookup(profiles),
		WithGreetingPool(pool),
		WithLogger(testLogger()),
	)

	if m.deps.Persister != persister || m.deps.Profiles == nil {
		t.Error("collaborators not wired into session deps")
	}
	got := m.deps.Openings.Opening(context.Background(), persona.ModeNormal, Params{UserID: "u1"})
	if got != "池子里的" {
		t.Errorf("opening = %q, want the pool greeting", got)
	}
	if m.Redis() != nil || m.preview.Cache != nil {
		t.Error("redis enabled without RedisURL")
	}
	if m.preview.Defaults.Speaker != "zh_female_vv_jupiter_bigtts" {
		t.Errorf("preview defaults = %+v", m.preview.Defaults)
	}
}

func TestManager_ShutdownWaitsBounded(t *testing.T) {
	m := NewManager(testConfig(), WithLogger(testLogger()))
	if _, err := m.CreateSession(context.Background(), wsConn(t), Params{}); err != nil {
		t.Fatal(err)
	}

	// The session never ran, so only the deadline ends the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	m.Shutdown(ctx)
	if time.Since(start) > 2*time.Second {
		t.Error("Shutdown ignored its deadline")
	}
	if n := m.GetActiveSessionCount(); n != 0 {
		t.Errorf("active sessions = %d after shutdown", n)
	}
}
