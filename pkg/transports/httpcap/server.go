// Package httpcap carries capability invocations between realms over HTTP.
// The server side exposes a realm's local handlers; the dispatcher side is
// the bridge.Dispatcher used for descriptors with network endpoints. Trace
// context travels in headers, params and results as JSON bodies, so the
// envelope a caller sees is identical for local and remote invocations.
package httpcap

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/realmbridge/realmbridge/pkg/bridge"
	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// Trace context propagation headers.
const (
	HeaderTraceID        = "X-Trace-Id"
	HeaderSpanID         = "X-Span-Id"
	HeaderParentSpanID   = "X-Parent-Span-Id"
	HeaderCallerIdentity = "X-Caller-Identity"
)

// invokeRequest is the wire shape of an invocation body.
type invokeRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// Server exposes a realm's capability handlers over HTTP.
type Server struct {
	realm string
	log   *telemetry.Logger

	mu       sync.RWMutex
	handlers map[string]bridge.Handler
}

// NewServer creates a capability server for one realm. tel may be nil for a
// no-op telemetry stack.
func NewServer(realm string, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Server{
		realm:    realm,
		log:      tel.Logger.NewComponentLogger("httpcap").WithRealm(realm),
		handlers: make(map[string]bridge.Handler),
	}
}

// Handle registers a handler under a capability name.
func (s *Server) Handle(name string, h bridge.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Router builds the chi router for this server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/capabilities/{name}/invoke", s.handleInvoke)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "realm": s.realm})
}

// handleInvoke decodes the request, rebuilds the trace context from headers,
// and runs the named handler. Business failures come back as a failed
// envelope with status 200; only a malformed request is an HTTP error.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	tc := bridge.TraceContext{
		TraceID:            r.Header.Get(HeaderTraceID),
		SpanID:             r.Header.Get(HeaderSpanID),
		ParentSpanID:       r.Header.Get(HeaderParentSpanID),
		CallerIdentity:     r.Header.Get(HeaderCallerIdentity),
		AuthorizationToken: r.Header.Get("Authorization"),
	}
	if err := bridge.ValidateContext(tc); err != nil {
		writeJSON(w, http.StatusBadRequest, bridge.Failure(bridge.KindOf(err), err.Error()))
		return
	}

	var req invokeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, bridge.Failure(bridge.ErrorKindInvocation, "malformed request body: "+err.Error()))
			return
		}
	}

	s.mu.RLock()
	h, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusOK, bridge.Failure(bridge.ErrorKindNotFound, "no handler for capability "+name))
		return
	}

	result, err := h.Invoke(r.Context(), req.Params, tc)
	if err != nil {
		s.log.WithError(err).WithTraceID(tc.TraceID).WithField("capability", name).Warn("handler failed")
		result = bridge.Failure(bridge.KindOf(err), err.Error())
	}
	if result == nil {
		result = bridge.Failure(bridge.ErrorKindInvocation, "handler for "+name+" returned no result")
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
