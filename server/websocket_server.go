package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/memoir-dialog/config"
	"github.com/room4-2/memoir-dialog/messages"
	"github.com/room4-2/memoir-dialog/observe"
	"github.com/room4-2/memoir-dialog/session"
)

const (
	DialogPath  = "/api/realtime/dialog"
	PreviewPath = "/api/realtime/preview"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithDatabase reports database health on /health.
func WithDatabase(p Pinger) Option {
	return func(s *Server) { s.database = p }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	database       Pinger
	log            *slog.Logger
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		log:            slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DialogPath, s.handleDialog)
	mux.HandleFunc(PreviewPath, s.handlePreview)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", observe.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info("server starting",
		"port", s.config.Port,
		"dialog", DialogPath,
		"preview", PreviewPath,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends every dialogue session and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.sessionManager.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleDialog(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "path", DialogPath, "error", err)
		return
	}

	params := session.ParseParams(r.URL.Query())
	ds, err := s.sessionManager.CreateSession(r.Context(), conn, params)
	if err != nil {
		s.log.Warn("failed to create session", "error", err)
		s.reject(conn, err.Error())
		return
	}
	defer s.sessionManager.RemoveSession(context.WithoutCancel(r.Context()), ds.ID)

	s.log.Info("session created", "session", ds.ID, "conversation", params.ConversationID, "mode", string(params.Mode))
	if err := ds.Run(r.Context()); err != nil {
		s.log.Error("session failed", "session", ds.ID, "error", err)
		return
	}
	s.log.Info("session closed", "session", ds.ID)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "path", PreviewPath, "error", err)
		return
	}

	q := r.URL.Query()
	p := s.sessionManager.NewPreview(conn, strings.TrimSpace(q.Get("speaker")), strings.TrimSpace(q.Get("text")))
	if err := p.Run(r.Context()); err != nil {
		s.log.Error("preview failed", "preview", p.ID, "voice", p.Speaker, "error", err)
	}
}

// reject sends a status error and closes the connection.
func (s *Server) reject(conn *websocket.Conn, reason string) {
	defer conn.Close()

	data, err := messages.Encode(messages.NewStatusMessage(messages.StatusError, reason))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
		time.Now().Add(time.Second))
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Sessions: s.sessionManager.GetActiveSessionCount(),
		Database: "disabled",
		Redis:    "disabled",
	}
	if s.database != nil {
		resp.Database = "ok"
		if err := s.database.Ping(ctx); err != nil {
			resp.Database = "unavailable"
			resp.Status = "degraded"
		}
	}
	if rdb := s.sessionManager.Redis(); rdb != nil {
		resp.Redis = "ok"
		if err := rdb.Ping(ctx).Err(); err != nil {
			resp.Redis = "unavailable"
		}
	}

	body, err := sonic.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write(body)
}
