// Package connreq implements the connection-request listener that lets
// the ACS wake the agent.
//
// TR-069 reverses the usual direction for this one interaction: the ACS
// issues a short HTTP GET against the CPE, and an authenticated request
// is answered with an empty 200 plus a "6 CONNECTION REQUEST" event for
// the session engine. Authentication is Digest by default (Basic when
// configured) with a five-minute nonce window and stale re-challenges;
// when no credentials are configured authentication is bypassed.
//
// The listener doubles as the transport for the local command side
// channel: a request carrying the X-Agent-Command header runs a
// whitelisted diagnostic command and returns its output as JSON. The
// channel stays off unless local.command_enable is set.
package connreq

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cpeworks/cwmpd/internal/auth"
	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/internal/metrics"
)

const (
	// Realm identifies the listener in Basic and Digest challenges.
	Realm = "realm@cwmpd"

	// CommandHeader carries a side-channel command, either a literal
	// command line or a JSON object (see ParseCommand).
	CommandHeader = "X-Agent-Command"

	// opaque is echoed back by digest clients; it carries no state.
	opaque = "cwmpd"
)

// Config holds the listener settings, derived from the local section of
// the agent configuration.
type Config struct {
	// Port is the TCP port to listen on, bound on all interfaces.
	Port int

	// Username and Password protect the listener. When both are empty
	// authentication is bypassed.
	Username string
	Password string

	// DigestAuth selects Digest authentication; false means Basic.
	DigestAuth bool

	// CommandEnable turns on the command side channel.
	CommandEnable bool

	// NonceWindow is how long an issued digest nonce stays fresh.
	// Zero means auth.DefaultNonceWindow.
	NonceWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.NonceWindow <= 0 {
		c.NonceWindow = auth.DefaultNonceWindow
	}
}

// Server is the connection-request listener.
//
// Every reply carries Connection: close; the ACS opens a fresh
// connection per request, so there is nothing to keep alive.
type Server struct {
	server  *http.Server
	notify  func()
	metrics metrics.AgentMetrics
	nonces  *auth.NonceStore

	username      string
	password      string
	digest        bool
	commandEnable bool

	port         int
	shutdownOnce sync.Once
}

// NewServer creates the listener in a stopped state. Call Start to begin
// serving.
//
// Parameters:
//   - cfg: Listener settings (port, credentials, auth scheme)
//   - notify: Called once per accepted connection request, on the request
//     goroutine. It must not block; the usual wiring enqueues the event
//     and kicks a buffered channel.
//   - m: Metrics sink, may be nil
//
// Returns a configured but not yet started Server.
func NewServer(cfg Config, notify func(), m metrics.AgentMetrics) *Server {
	cfg.applyDefaults()

	s := &Server{
		notify:        notify,
		metrics:       m,
		nonces:        auth.NewNonceStore(cfg.NonceWindow),
		username:      cfg.Username,
		password:      cfg.Password,
		digest:        cfg.DigestAuth,
		commandEnable: cfg.CommandEnable,
		port:          cfg.Port,
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// Reads get one minute. The write side stays unbounded because
		// side-channel commands may run for minutes before the response
		// goes out.
		ReadTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the listener's HTTP handler tree. Exposed so tests can
// serve it through httptest; the normal entry point is Start.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// The connection-request path is whatever the device advertises in
	// its ConnectionRequestURL parameter, so every path is served.
	r.HandleFunc("/", s.handle)
	r.HandleFunc("/*", s.handle)
	return r
}

// Start runs the listener and blocks until the context is cancelled or
// the server fails.
//
// Parameters:
//   - ctx: Controls the listener lifecycle. Cancellation triggers
//     graceful shutdown.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener fails to start
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Connection request listener ready",
			"port", s.port,
			"auth", s.authScheme(),
			"command_channel", s.commandEnable,
		)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("connection request listener failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once and
// concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("connection request listener shutdown: %w", err)
		} else {
			logger.Info("Connection request listener stopped")
		}
	})
	return shutdownErr
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// clientIP strips the port from a RemoteAddr value.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// handle serves one request on the listener.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	lc := &logger.LogContext{ClientIP: clientIP(r.RemoteAddr)}
	ctx := logger.WithContext(r.Context(), lc)

	logger.DebugCtx(ctx, "Connection request received",
		"method", r.Method,
		"path", r.URL.Path,
	)

	ok, stale := s.authenticate(r)
	if !ok {
		logger.WarnCtx(ctx, "Connection request authorization failed")
		s.challenge(w, stale)
		s.record(http.StatusUnauthorized)
		return
	}

	if values := r.Header.Values(CommandHeader); len(values) > 0 {
		s.handleCommand(w, r, values[0])
		return
	}

	// A connection request proper is a bare GET.
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusConflict)
		s.record(http.StatusConflict)
		return
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
	s.record(http.StatusOK)

	logger.InfoCtx(ctx, "ACS initiated connection")
	if s.notify != nil {
		s.notify()
	}
}

// authenticate checks the request against the configured credentials.
// stale reports that the request carried a digest nonce this server no
// longer recognizes, so the re-challenge should say stale=true.
func (s *Server) authenticate(r *http.Request) (ok, stale bool) {
	if s.username == "" && s.password == "" {
		return true, false
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return false, false
	}
	creds, err := auth.ParseAuthorization(header)
	if err != nil {
		return false, false
	}

	if !s.digest {
		return auth.VerifyBasic(creds, s.username, s.password), false
	}

	if creds.Scheme != auth.SchemeDigest {
		return false, false
	}
	if !s.nonces.Valid(creds.Params["nonce"]) {
		return false, true
	}
	return auth.VerifyDigest(creds, r.Method, r.RequestURI, s.username, s.password), false
}

// challenge writes the 401 response with a fresh WWW-Authenticate header.
func (s *Server) challenge(w http.ResponseWriter, stale bool) {
	if s.digest {
		w.Header().Set("WWW-Authenticate", auth.DigestChallenge(Realm, s.nonces.Issue(), opaque, stale))
	} else {
		w.Header().Set("WWW-Authenticate", auth.BasicChallenge(Realm))
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusUnauthorized)
}

// handleCommand runs one side-channel command and replies with its JSON
// result. The channel answers 403 when disabled, 400 for unparseable or
// rejected commands, and 200 with a CommandResult otherwise; a nonzero
// exit code is still a 200.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, header string) {
	if !s.commandEnable {
		writeCommandError(w, http.StatusForbidden, "Command channel disabled")
		return
	}

	cmd, err := ParseCommand(header)
	if err != nil {
		logger.Warn("Unparseable side-channel command", "error", err)
		writeCommandError(w, http.StatusBadRequest, "Invalid command format")
		return
	}

	logger.Info("Running side-channel command",
		"command", cmd.Command,
		"timeout", cmd.Timeout,
		"user", cmd.User,
		"remote_addr", r.RemoteAddr,
	)

	result, err := RunCommand(r.Context(), cmd)
	if err != nil {
		logger.Warn("Side-channel command failed", "command", cmd.Command, "error", err)
		writeCommandError(w, http.StatusBadRequest, "Command execution failed")
		return
	}

	logger.Info("Side-channel command finished",
		"command", cmd.Command,
		"exit_code", result.ExitCode,
		"duration_ms", result.ExecutionTimeMS,
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) authScheme() string {
	if s.username == "" && s.password == "" {
		return "none"
	}
	if s.digest {
		return auth.SchemeDigest
	}
	return auth.SchemeBasic
}

func (s *Server) record(status int) {
	if s.metrics != nil {
		s.metrics.RecordConnectionRequest(status)
	}
}

func writeCommandError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
