package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vigilcam/vigil/internal/auth"
	"github.com/vigilcam/vigil/internal/capture"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/dispatch"
	"github.com/vigilcam/vigil/internal/geoip"
	"github.com/vigilcam/vigil/internal/ratelimit"
	"github.com/vigilcam/vigil/internal/ws"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB               database.DBTX
	Pinger           Pinger
	Storage          capture.ObjectStorage
	JWTSecret        string
	BaseURL          string
	SpoolDir         string
	ArchiveDir       string
	MaxChunkBytes    int64
	Geo              *geoip.Resolver
	Hub              *ws.Hub
	SessionForgetter capture.SessionForgetter
}

type Server struct {
	router           chi.Router
	pinger           Pinger
	hub              *ws.Hub
	authHandler      *auth.Handler
	captureHandler   *capture.Handler
	responderHandler *dispatch.ResponderHandler
	wsHandler        *ws.Handler
	db               database.DBTX
}

func New(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	secureCookies := hasHTTPS(baseURL)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(slogMiddleware)
	r.Use(securityHeaders(hasHTTPS(baseURL)))

	s := &Server{
		router: r,
		pinger: cfg.Pinger,
		hub:    cfg.Hub,
		db:     cfg.DB,
	}

	s.authHandler = auth.NewHandler(cfg.DB, cfg.JWTSecret, secureCookies)

	s.captureHandler = capture.NewHandler(cfg.DB, cfg.Storage, cfg.SpoolDir, cfg.ArchiveDir, cfg.MaxChunkBytes)
	if cfg.Geo != nil {
		s.captureHandler.SetGeoResolver(cfg.Geo)
	}
	if cfg.Hub != nil {
		s.captureHandler.SetBroadcaster(cfg.Hub)
		s.wsHandler = ws.NewHandler(cfg.Hub, s.authHandler)
	}
	if cfg.SessionForgetter != nil {
		s.captureHandler.SetSessionForgetter(cfg.SessionForgetter)
	}

	s.responderHandler = dispatch.NewResponderHandler(cfg.DB)

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	authLimiter := ratelimit.NewLimiter(0.5, 5)
	s.router.Route("/api/auth", func(r chi.Router) {
		r.Use(authLimiter.Middleware)
		r.Post("/register", s.authHandler.Register)
		r.Post("/login", s.authHandler.Login)
		r.Post("/refresh", s.authHandler.Refresh)
		r.Post("/logout", s.authHandler.Logout)
	})

	// Device-facing ingest surface, authenticated by device key.
	ingestLimiter := ratelimit.NewLimiter(5, 20)
	s.router.Route("/api/capture", func(r chi.Router) {
		r.Use(ingestLimiter.Middleware)
		r.Use(auth.DeviceMiddleware(s.db))
		r.Post("/sessions", s.captureHandler.CreateSession)
		r.Post("/sessions/{id}/chunks", s.captureHandler.IngestChunk)
		r.Post("/sessions/{id}/finalize", s.captureHandler.FinalizeSession)
	})

	// Operator console surface, authenticated by JWT.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authHandler.Middleware)

		r.Route("/api/device-keys", func(r chi.Router) {
			r.Post("/", auth.CreateDeviceKey(s.db))
			r.Get("/", auth.ListDeviceKeys(s.db))
			r.Delete("/{id}", auth.RevokeDeviceKey(s.db))
		})

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.captureHandler.ListSessions)
			r.Get("/{id}", s.captureHandler.GetSession)
			r.Get("/{id}/chunks/{seq}/playback", s.captureHandler.ChunkPlaybackURL)
		})

		r.Route("/api/responders", func(r chi.Router) {
			r.Post("/", s.responderHandler.Create)
			r.Get("/", s.responderHandler.List)
			r.Delete("/{id}", s.responderHandler.Deactivate)
		})
	})

	if s.wsHandler != nil {
		// Token auth happens inside Serve; browsers cannot set headers
		// on WebSocket dials.
		s.router.Get("/ws/alerts", s.wsHandler.Serve)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	monitors := 0
	if s.hub != nil {
		monitors = s.hub.ClientCount()
	}
	fmt.Fprintf(w, `{"status":"ok","monitors":%d}`, monitors)
}
