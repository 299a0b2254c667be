// Package dashboard serves the HTTP surface of a fieldbook process: edit
// lock entry and release, backups, attachment listings, reconciliation,
// the discovery index, a websocket event stream and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/sync"
)

// SessionCookie identifies a browser across requests. Lock ownership is
// tracked per session.
const SessionCookie = "fieldbook_session"

// Backend is the set of coordinator hooks the HTTP layer calls.
type Backend interface {
	BeforeRequest(endpoint string)
	Status(ctx context.Context) *coordinator.Status
	EnterEdit(ctx context.Context, session string) (lock.Decision, error)
	ExitEdit(ctx context.Context, session string) (bool, error)
	Unlock(ctx context.Context, session string) error
	ManualBackup(ctx context.Context) (*backup.Snapshot, error)
	ListBackups(dest string) ([]backup.Entry, error)
	LastBackups() backup.Times
	Attachments(ctx context.Context, customerID int64) (*coordinator.Attachments, error)
	SyncAll(ctx context.Context) (*sync.Summary, error)
	RebuildIndex(ctx context.Context) (int, error)
	NewFilesToday(ctx context.Context) ([]string, error)
	Subscribe(fn func(coordinator.Event)) func()
}

// Config holds configuration for the server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:5000".
	Addr   string
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:5000",
		Logger: slog.Default(),
	}
}

// Server is the HTTP server.
type Server struct {
	backend Backend
	config  *Config
	router  chi.Router
	hub     *Hub

	listener    net.Listener
	server      *http.Server
	unsubscribe func()
	done        chan struct{}
}

// NewServer builds the router over backend.
func NewServer(backend Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		config:  config,
		hub:     NewHub(config.Logger),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.session)

	r.Get("/health", s.hook("health", s.handleHealth))
	r.Get("/dashboard", s.hook("dashboard", s.handleStatus))
	r.Get("/status", s.hook("status", s.handleStatus))

	r.Post("/lock/enter", s.hook("lock_enter", s.handleEnter))
	r.Post("/lock/exit", s.hook("lock_exit", s.handleExit))
	r.Post("/unlock", s.hook("unlock", s.handleUnlock))

	r.Post("/backup", s.hook("backup", s.handleBackup))
	r.Get("/backups", s.hook("backups", s.handleBackups))

	r.Get("/customers/{id}/attachments", s.hook("customer_attachments", s.handleAttachments))
	r.Post("/sync/all", s.hook("sync_all", s.handleSyncAll))
	r.Post("/files/index", s.hook("files_index", s.handleIndex))
	r.Get("/files/new-today", s.hook("files_new_today", s.handleNewFiles))

	r.Get("/ws", s.hub.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// hook runs the per-request coordinator hook before h. endpoint names the
// route for the daily backup check.
func (s *Server) hook(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.backend.BeforeRequest(endpoint)
		h(w, r)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.config.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type sessionKey struct{}

// session assigns a random session id cookie on first contact.
func (s *Server) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

func sessionID(r *http.Request) string {
	id, _ := r.Context().Value(sessionKey{}).(string)
	return id
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()
	s.unsubscribe = s.backend.Subscribe(s.hub.Publish)

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.config.Logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.config.Logger.Info("stopping http server")
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	<-s.done
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}
