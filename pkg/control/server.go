package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/internal/metrics"
)

const (
	// DefaultHost is the loopback bind address of the control API.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the default control API port.
	DefaultPort = 8089
)

// Config holds the control API settings.
type Config struct {
	// Host is the bind address. Defaults to DefaultHost; anything other
	// than a loopback address exposes the API to the network, so the
	// auth secret should be set in that case.
	Host string

	// Port is the TCP port to listen on. Defaults to DefaultPort.
	Port int

	// AuthSecret enables bearer-token authentication on the /v1 routes
	// when non-empty. Must be at least MinSecretLength characters.
	AuthSecret string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server is the local management API server.
type Server struct {
	server       *http.Server
	agent        Agent
	authSecret   string
	host         string
	port         int
	shutdownOnce sync.Once
}

// NewServer creates the control API server.
//
// Parameters:
//   - cfg: bind address and auth settings, zero values filled with defaults
//   - agent: the running agent the API reads from and posts work to
//
// Returns: a server ready for Start, or an error when the configuration
// is unusable.
func NewServer(cfg Config, agent Agent) (*Server, error) {
	if agent == nil {
		return nil, fmt.Errorf("control: agent is required")
	}
	cfg.applyDefaults()
	if cfg.AuthSecret != "" && len(cfg.AuthSecret) < MinSecretLength {
		return nil, fmt.Errorf("control: auth secret must be at least %d characters", MinSecretLength)
	}

	s := &Server{
		agent:      agent,
		authSecret: cfg.AuthSecret,
		host:       cfg.Host,
		port:       cfg.Port,
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

// Handler builds the control API router.
//
// Routes:
//   - GET  /healthz       - liveness probe
//   - GET  /metrics       - Prometheus registry (404 when disabled)
//   - GET  /v1/status     - agent state snapshot
//   - GET  /v1/events     - queued inform events
//   - GET  /v1/transfers  - pending downloads and uploads
//   - POST /v1/notify     - trigger a value-change check
//   - POST /v1/inform     - enqueue an event code and start a session
//   - POST /v1/command    - reload or stop the daemon
//
// The /v1 routes require a bearer token when an auth secret is set.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.authSecret != "" {
			r.Use(bearerAuth(s.authSecret))
		}

		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/transfers", s.handleTransfers)
		r.Post("/notify", s.handleNotify)
		r.Post("/inform", s.handleInform)
		r.Post("/command", s.handleCommand)
	})

	return r
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		logger.Info("Control API listening",
			"addr", s.server.Addr,
			"auth", s.authSecret != "")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("control API server error: %w", err)
	}
}

// Stop gracefully shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		logger.Debug("Shutting down control API")
		err = s.server.Shutdown(ctx)
	})
	return err
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// bearerAuth validates the Authorization header against the shared
// secret before letting a request through.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				unauthorized(w, r, "missing bearer token")
				return
			}

			if _, err := validateToken(secret, token); err != nil {
				unauthorized(w, r, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken pulls the token out of a Bearer Authorization
// header. Returns false when the header is absent or not Bearer.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	return parts[1], true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		}

		// Probe endpoints log at DEBUG to keep scrape noise out of the logs
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			logger.Debug("Control API request", logArgs...)
		} else {
			logger.Info("Control API request", logArgs...)
		}
	})
}
