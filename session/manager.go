package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/memoir-dialog/config"
	"github.com/room4-2/memoir-dialog/observe"
)

// ErrSessionLimit is returned by CreateSession at the configured maximum.
var ErrSessionLimit = errors.New("maximum sessions reached")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPersister stores finalized utterances.
func WithPersister(p Persister) ManagerOption {
	return func(m *Manager) { m.deps.Persister = p }
}

// WithProfileLookup enables forced profile collection.
func WithProfileLookup(l ProfileLookup) ManagerOption {
	return func(m *Manager) { m.deps.Profiles = l }
}

// WithGreetingPool draws opening lines from per-user candidates.
func WithGreetingPool(g GreetingPool) ManagerOption {
	return func(m *Manager) { m.pool = g }
}

// WithMetrics records dialog and preview metrics.
func WithMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.deps.Metrics = mt }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithRedisClient uses an existing client instead of dialing RedisURL.
func WithRedisClient(c *redis.Client) ManagerOption {
	return func(m *Manager) { m.redis = c }
}

// Manager manages all dialogue sessions
type Manager struct {
	sessions map[string]*DialogSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	log      *slog.Logger

	deps    *Deps
	pool    GreetingPool
	preview *PreviewOptions
}

// NewManager creates a session manager. Redis is optional: when RedisURL
// is empty or unreachable the session mirror and preview cache are off.
func NewManager(cfg *config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*DialogSession),
		config:   cfg,
		log:      slog.Default(),
		deps: &Deps{
			Provider: cfg.Doubao,
			Content:  cfg.Content,
			Defaults: Defaults{
				Speaker:      cfg.DefaultSpeaker,
				RecorderName: cfg.DefaultRecorderName,
				City:         cfg.DefaultCity,
				StrictAudit:  cfg.StrictAudit,
			},
			KeepAlivePeriod: cfg.KeepAlivePeriod,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.deps.Logger = m.log
	m.deps.Openings = ContentOpenings{Content: cfg.Content, Pool: m.pool, Logger: m.log}

	if m.redis == nil && cfg.RedisURL != "" {
		m.redis = connectRedis(cfg, m.log)
	}

	m.preview = &PreviewOptions{
		Provider: cfg.Doubao,
		Content:  cfg.Content,
		Defaults: m.deps.Defaults,
		Timeout:  cfg.PreviewTimeout,
		MaxAudio: cfg.MaxPreviewAudio,
		CacheTTL: cfg.PreviewCacheTTL,
		Metrics:  m.deps.Metrics,
		Logger:   m.log,
	}
	if m.redis != nil && cfg.PreviewCacheTTL > 0 {
		m.preview.Cache = NewRedisAudioCache(m.redis)
	}
	return m
}

func connectRedis(cfg *config.Config, logger *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Redis unavailable, continue without it
		logger.Warn("redis unavailable, running without session mirror and preview cache", "addr", cfg.RedisURL, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// CreateSession registers a new dialogue session. The caller runs it and
// removes it afterwards.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn, params Params) (*DialogSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrSessionLimit
	}

	sessionID := uuid.New().String()
	session := NewDialogSession(sessionID, clientConn, params, sm.deps)

	sm.storeSession(ctx, sessionID, session)
	return session, nil
}

// NewPreview creates a voice preview. Previews are short-lived and not
// counted against MaxSessions.
func (sm *Manager) NewPreview(conn *websocket.Conn, speaker, text string) *Preview {
	return NewPreview(uuid.New().String(), conn, speaker, text, sm.preview)
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *DialogSession) {
	sm.sessions[sessionID] = session

	if sm.redis != nil {
		sm.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":      session.CreatedAt.Format(time.RFC3339),
			"last_activity":   session.LastActivity().Format(time.RFC3339),
			"status":          "active",
			"conversation_id": session.Params.ConversationID,
			"user_id":         session.Params.UserID,
			"mode":            string(session.Params.Mode),
			"voice":           session.Params.Speaker,
		})
		sm.redis.SAdd(ctx, "active_sessions", sessionID)
		sm.redis.Expire(ctx, "session:"+sessionID, sm.config.SessionTimeout)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*DialogSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return
	}

	session.Close()
	sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) {
	delete(sm.sessions, sessionID)

	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, "active_sessions", sessionID)
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes sessions whose end user has been silent
// longer than SessionTimeout.
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			sm.log.Info("closing inactive session", "session", id)
			session.Close()
			sm.forget(ctx, id)
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions and waits for their teardown until ctx
// expires.
func (sm *Manager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	sessions := make([]*DialogSession, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		session.Close()
		sessions = append(sessions, session)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !waitAll(ctx, sessions) {
		sm.log.Warn("shutdown timed out waiting for sessions")
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}

func waitAll(ctx context.Context, sessions []*DialogSession) bool {
	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Redis returns the client backing the mirror and cache, or nil.
func (sm *Manager) Redis() *redis.Client {
	return sm.redis
}
