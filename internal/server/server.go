package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/config"
	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/storage"
	"github.com/michaelbrown/gradebox/internal/terminal"
)

// limiterIdle is how long an IP's limiter survives without traffic.
const limiterIdle = 10 * time.Minute

// Server is the HTTP and websocket front of the grading engine.
type Server struct {
	cfg       *config.Config
	grading   *grading.Service
	terminals *terminal.Registry
	auth      *auth.Authenticator
	limiter   *RateLimiter
	log       zerolog.Logger
	router    chi.Router
	http      *http.Server
	stop      context.CancelFunc
}

// New creates a new Server.
func New(cfg *config.Config, svc *grading.Service, terminals *terminal.Registry, authn *auth.Authenticator, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		grading:   svc,
		terminals: terminals,
		auth:      authn,
		limiter:   NewRateLimiter(cfg.Limits),
		log:       log.With().Str("component", "server").Logger(),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/quiz/{code}", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(reject, storage.RoleStudent))

			r.Get("/submission", s.handleGetSubmission)
			r.Post("/submission", s.handleFinalize)
			r.Get("/scores", s.handleScores)
			r.With(s.limiter.Middleware).Post("/{problem}", s.handleSubmit)
		})

		r.With(s.auth.Middleware(reject, storage.RoleTeacher)).Get("/submissions", s.handleListSubmissions)
	})

	// Token is checked before the upgrade.
	r.Get("/terminal", s.handleTerminal)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger is middleware.Logger writing through zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.limiter.StartCleanup(ctx, limiterIdle)

	s.log.Info().Str("addr", addr).Msg("gradebox server starting")
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Live terminal programs are
// killed first so that no sandbox outlives the process.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Int("terminals", s.terminals.Len()).Msg("shutting down server")
	s.terminals.CloseAll()
	if s.stop != nil {
		s.stop()
	}
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
