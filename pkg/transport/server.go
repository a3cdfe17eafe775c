// Package transport moves signed envelopes between agents over HTTP.
// The server accepts inbound messages and always answers with a signed
// envelope; the client resolves peers through the registry and
// verifies every response signature.
package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/hivemesh-dev/hivemesh/pkg/observability"
	"github.com/hivemesh-dev/hivemesh/pkg/registry"
	"github.com/hivemesh-dev/hivemesh/pkg/security"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// Processor executes verified task requests. Satisfied by both
// protocol.Dispatcher and protocol.InstrumentedDispatcher.
type Processor interface {
	Identity() *protocol.Identity
	Process(ctx context.Context, e *protocol.Envelope, senderKey ed25519.PublicKey) protocol.Outcome
}

// ServerConfig configures the message server.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string
	// RateLimit is the per-sender requests-per-second budget
	// (default: 50).
	RateLimit float64
	// RateBurst is the per-sender burst size (default: 100).
	RateBurst int
	// MaxBodyBytes bounds inbound request bodies (default: 1MB).
	MaxBodyBytes int64
}

// Server is the inbound side of the transport. Every inbound message,
// valid or not, receives a signed envelope in response so that peers
// can always authenticate what this node said.
type Server struct {
	processor  Processor
	registry   registry.Registry
	limiter    *security.RateLimiter
	maxBody    int64
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer creates a message server for the given processor and
// registry.
func NewServer(cfg ServerConfig, processor Processor, reg registry.Registry, logger *log.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		processor: processor,
		registry:  reg,
		limiter:   security.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		maxBody:   cfg.MaxBodyBytes,
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the transport routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.instrument("/v1/messages", s.handleMessage))
	mux.HandleFunc("POST /v1/agents", s.instrument("/v1/agents", s.handleRegister))
	mux.HandleFunc("GET /v1/agents/{id}", s.instrument("/v1/agents/{id}", s.handleGetAgent))
	mux.HandleFunc("GET /v1/agents", s.instrument("/v1/agents", s.handleListAgents))
	mux.HandleFunc("GET /v1/capabilities", s.instrument("/v1/capabilities", s.handleCapabilities))
	return mux
}

// Start starts the server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Printf("transport listening on %s as %s", s.httpServer.Addr, s.identity().ID())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) identity() *protocol.Identity {
	return s.processor.Identity()
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		observability.RecordHTTPRequest(r.Method, path, strconv.Itoa(sw.status), time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// handleMessage is the message ingress. The check order matches the
// dispatch contract: rate limit, sender key lookup, then signature and
// everything after it inside the engine.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var e protocol.Envelope
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		s.writeFailure(w, &protocol.Envelope{}, protocol.KindInvalidMessageFormat,
			fmt.Sprintf("decoding envelope: %v", err), false)
		return
	}

	if !s.limiter.Allow(e.From) {
		s.logger.Printf("rate limited sender %s", e.From)
		s.writeFailure(w, &e, protocol.KindRateLimited, "message rate limit exceeded", true)
		return
	}

	senderKey, err := s.registry.GetPublicKey(ctx, e.From)
	switch {
	case err == nil:
		observability.RecordRegistryLookup("hit")
	case errors.Is(err, registry.ErrNotFound):
		// Unknown sender: dispatch proceeds with a nil key and fails
		// signature verification, indistinguishable from a forgery.
		observability.RecordRegistryLookup("miss")
		senderKey = nil
	default:
		observability.RecordRegistryLookup("error")
		s.logger.Printf("registry lookup for %s failed: %v", e.From, err)
		s.writeFailure(w, &e, protocol.KindResourceUnavailable, "registry unavailable", true)
		return
	}

	if e.Type == protocol.MessageTaskRequest {
		outcome := s.processor.Process(ctx, &e, senderKey)
		s.writeOutcome(w, &e, outcome)
		return
	}
	s.handleControlMessage(ctx, w, &e, senderKey)
}

// handleControlMessage answers the non-task message types: capability
// discovery, liveness, and profile exchange.
func (s *Server) handleControlMessage(ctx context.Context, w http.ResponseWriter, e *protocol.Envelope, senderKey ed25519.PublicKey) {
	identity := s.identity()

	payload, err := identity.ProcessMessage(e, senderKey)
	if err != nil {
		kind := protocol.KindOf(err)
		if kind == protocol.KindInvalidSignature {
			observability.RecordSignatureFailure(string(e.From))
		}
		s.writeFailure(w, e, kind, err.Error(), false)
		return
	}

	var response *protocol.Envelope
	switch p := payload.(type) {
	case *protocol.CapabilityQuery:
		response, err = identity.NewCapabilityResponse(e.From, p.Capabilities...)
	case *protocol.AgentIdentityPayload:
		// A profile announcement doubles as registration.
		if regErr := s.registry.Register(ctx, &registry.Record{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			PublicKey:    p.PublicKey,
			Capabilities: p.Capabilities,
		}); regErr != nil {
			s.logger.Printf("registering announced profile %s failed: %v", p.ID, regErr)
			s.writeFailure(w, e, protocol.KindResourceUnavailable, "registry unavailable", true)
			return
		}
		response, err = identity.NewAgentIdentity(e.From)
	default:
		// Heartbeats and task lifecycle notifications are acknowledged
		// with a heartbeat.
		response, err = identity.NewHeartbeat(e.From)
	}
	if err != nil {
		s.writeFailure(w, e, protocol.KindProcessingFailed, err.Error(), false)
		return
	}

	observability.RecordMessage(string(e.Type), "ok")
	s.writeEnvelope(w, http.StatusOK, response)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var record registry.Record
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(r.Context(), &record); err != nil {
		status := http.StatusBadRequest
		var protoErr *protocol.Error
		if !errors.As(err, &protoErr) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := protocol.AgentID(r.PathValue("id"))
	record, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []*registry.Record{}
	}
	observability.SetActivePeers(len(records))
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.identity().Capabilities())
}

// writeOutcome sends the signed task_result or task_error for a
// dispatch outcome, with the HTTP status derived from the error kind.
func (s *Server) writeOutcome(w http.ResponseWriter, e *protocol.Envelope, outcome protocol.Outcome) {
	status := http.StatusOK
	metricStatus := "ok"
	if outcome.Failed() {
		kind := protocol.ErrorKind(outcome.Error.Error)
		status = kind.HTTPStatus()
		metricStatus = outcome.Error.Error
		if kind == protocol.KindInvalidSignature {
			observability.RecordSignatureFailure(string(e.From))
		}
	}
	observability.RecordMessage(string(e.Type), metricStatus)

	response, err := s.identity().Factory().NewEnvelope(e.From, outcome.Payload())
	if err != nil {
		s.logger.Printf("signing response for task %s failed: %v", outcome.TaskID, err)
		http.Error(w, "response signing failed", http.StatusInternalServerError)
		return
	}
	s.writeEnvelope(w, status, response)
}

// writeFailure sends a signed task_error envelope for a failure
// detected before dispatch.
func (s *Server) writeFailure(w http.ResponseWriter, e *protocol.Envelope, kind protocol.ErrorKind, message string, retry bool) {
	observability.RecordMessage(string(e.Type), string(kind))

	taskErr := protocol.TaskError{
		TaskID:  e.TaskID(),
		Error:   string(kind),
		Message: message,
		Retry:   retry,
	}
	to := e.From
	if to == "" {
		to = s.identity().ID()
	}
	response, err := s.identity().NewTaskError(to, taskErr)
	if err != nil {
		s.logger.Printf("signing error response failed: %v", err)
		http.Error(w, "response signing failed", http.StatusInternalServerError)
		return
	}
	s.writeEnvelope(w, kind.HTTPStatus(), response)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, e *protocol.Envelope) {
	writeJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
