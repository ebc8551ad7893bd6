// ABOUTME: Loopback HTTP control server that lets the agent poll for work.
// ABOUTME: Token-authenticated health/poll/result endpoints backed by a FIFO queue.

package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/queue"
)

// Version is reported by the health endpoint so agents can detect
// incompatible controllers.
const Version = "0.3.0"

// TokenHeader is the custom header carrying the bridge token.
const TokenHeader = "X-Bridge-Token"

// PortRangeSize is the number of contiguous candidate ports tried by Start
// and scanned by discovery. Both sides must agree on it.
const PortRangeSize = 10

// ErrPortRangeExhausted is returned by Start when no port in the candidate
// range can be bound. The caller uses it to select the fallback transport.
var ErrPortRangeExhausted = errors.New("no free port in bridge range")

// ResultHandler is invoked for every structurally valid inbound result.
type ResultHandler func(msg *bridge.Message)

// Server is the controller's HTTP control surface. It binds to loopback
// only, owns the pending-message queue, and authenticates every endpoint
// except health with a per-instance random token.
type Server struct {
	logger *slog.Logger
	queue  *queue.Queue
	token  string

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	port     int
	stopped  bool
	onResult []ResultHandler
}

// NewServer creates a server with a fresh random token. The token lives for
// the server's lifetime; restarting produces a new one.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating bridge token: %w", err)
	}

	return &Server{
		logger: logger.With("component", "control"),
		queue:  queue.New(),
		token:  token,
	}, nil
}

// newToken returns a 32-character lowercase hex string from crypto/rand.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// PortCandidates enumerates the contiguous candidate range starting at
// preferred. Deterministic on purpose: a run against a blocked port always
// retries the same sequence.
func PortCandidates(preferred int) []int {
	ports := make([]int, PortRangeSize)
	for i := range ports {
		ports[i] = preferred + i
	}
	return ports
}

// Start binds the first free port in the candidate range and begins serving.
// It returns the bound port, or ErrPortRangeExhausted when every candidate
// is taken, which the caller treats as "use the file transport".
func (s *Server) Start(preferredPort int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return 0, errors.New("server already started")
	}

	var listener net.Listener
	var bound int
	for _, port := range PortCandidates(preferredPort) {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			s.logger.Debug("port unavailable", "port", port, "error", err)
			continue
		}
		listener = ln
		bound = port
		break
	}
	if listener == nil {
		return 0, fmt.Errorf("%w: tried %d ports from %d", ErrPortRangeExhausted, PortRangeSize, preferredPort)
	}

	s.listener = listener
	s.port = bound
	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server exited", "error", err)
		}
	}()

	s.logger.Info("control server listening", "port", bound)
	return bound, nil
}

// Token returns the per-instance bridge token.
func (s *Server) Token() string {
	return s.token
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Enqueue appends a message for the agent's next poll.
func (s *Server) Enqueue(msg *bridge.Message) {
	s.queue.Enqueue(msg)
}

// OnResult registers a handler for inbound results. Handlers run
// synchronously in registration order inside the /result request.
func (s *Server) OnResult(h ResultHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = append(s.onResult, h)
}

// Stop closes the listener. Idempotent: a second call is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.httpSrv == nil {
		s.stopped = true
		return nil
	}
	s.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down control server: %w", err)
	}
	return nil
}

// routes builds the handler tree with CORS and auth applied.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/poll", s.requireToken(s.handlePoll))
	mux.HandleFunc("/result", s.requireToken(s.handleResult))
	return s.withCORS(mux)
}

// withCORS answers preflight requests and stamps permissive CORS headers on
// everything else. The agent runs inside a browser page, so the token
// header must be allowlisted or the poll requests never leave the page.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects requests whose token header does not match the
// server's current token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TokenHeader) != s.token {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok":    false,
				"error": "Unauthorized",
			})
			return
		}
		next(w, r)
	}
}

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	OK      bool    `json:"ok"`
	Token   string  `json:"token"`
	Port    int     `json:"port"`
	Version string  `json:"version"`
	BaseURL *string `json:"baseUrl"`
}

// handleHealth handles GET /health. Unauthenticated: it doubles as the
// credential bootstrap for discovery, so the token is included in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	port := s.Port()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	s.writeJSON(w, http.StatusOK, healthResponse{
		OK:      true,
		Token:   s.token,
		Port:    port,
		Version: Version,
		BaseURL: &baseURL,
	})
}

// pollResponse is the JSON body of GET /poll.
type pollResponse struct {
	Messages []*bridge.Message `json:"messages"`
}

// handlePoll handles GET /poll. Draining happens while building the
// response, so each message is delivered to exactly one poll. An empty
// queue yields an empty array, never an error.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	msgs := s.queue.DrainAll()
	if len(msgs) > 0 {
		s.logger.Debug("delivered queued messages", "count", len(msgs))
	}
	s.writeJSON(w, http.StatusOK, pollResponse{Messages: msgs})
}

// resultRequest is the JSON body of POST /result.
type resultRequest struct {
	Message *bridge.Message `json:"message"`
}

// handleResult handles POST /result. The body must contain a structurally
// valid message; anything else is a 400 and never reaches the handlers.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "Invalid message",
		})
		return
	}
	if err := req.Message.Validate(); err != nil {
		s.logger.Warn("rejected malformed result", "error", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "Invalid message",
		})
		return
	}

	s.mu.Lock()
	handlers := make([]ResultHandler, len(s.onResult))
	copy(handlers, s.onResult)
	s.mu.Unlock()

	for _, h := range handlers {
		h(req.Message)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
