package server

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/reelgate/reelgate/internal/auth"
	"github.com/reelgate/reelgate/internal/content"
	"github.com/reelgate/reelgate/internal/database"
	"github.com/reelgate/reelgate/internal/ratelimit"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB               database.DBTX
	Pinger           Pinger
	Storage          content.ObjectStorage
	JWTSecret        string
	BaseURL          string
	S3PublicEndpoint string
}

type Server struct {
	router         chi.Router
	pinger         Pinger
	authHandler    *auth.Handler
	contentHandler *content.Handler
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.S3PublicEndpoint,
	}))

	s := &Server{router: r, pinger: cfg.Pinger}

	if cfg.DB != nil {
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET is required; set the environment variable")
		}

		s.authHandler = auth.NewHandler(cfg.DB, cfg.JWTSecret)
		s.contentHandler = content.NewHandler(cfg.DB, cfg.Storage)
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.authHandler == nil {
		return
	}

	authLimiter := ratelimit.NewLimiter(0.5, 5)
	s.router.Route("/api/auth", func(r chi.Router) {
		r.Use(authLimiter.Middleware)
		r.Post("/register", s.authHandler.Register)
		r.Post("/login", s.authHandler.Login)
	})

	// Descriptor resolution works for guests too; a valid token only enriches
	// the result.
	s.router.With(s.authHandler.OptionalMiddleware).
		Get("/api/watch-descriptor/{identifier}", s.contentHandler.Descriptor)

	unlockLimiter := ratelimit.NewLimiter(1, 5)
	s.router.Route("/api/watch", func(r chi.Router) {
		r.Use(s.authHandler.Middleware)
		r.Use(unlockLimiter.Middleware)
		r.Post("/{identifier}/unlock", s.contentHandler.Unlock)
	})

	s.router.With(s.authHandler.Middleware).
		Get("/api/wallet/balance", s.contentHandler.Balance)
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
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
