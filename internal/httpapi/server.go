// Package httpapi exposes the mirror over HTTP: notifications in, manual
// resyncs, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
)

const defaultMaxBodyBytes = 1 << 20

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type ctxKey struct{}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	MaxBodyBytes int64
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Server routes HTTP requests to a mirror handler.
type Server struct {
	handler *events.Handler
	cfg     ServerConfig
	schemas *schemas
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router.
func NewServer(handler *events.Handler, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{handler: handler, cfg: cfg, schemas: sch, logger: cfg.Logger}
	r := chi.NewRouter()
	r.Use(requestID, s.observe, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/resync", s.handleResync)
	r.Post("/events", s.handleEvent)

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID propagates or assigns the request id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// observe counts every request by route pattern and status.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.Request(route, strconv.Itoa(status))
	})
}

type resyncRequest struct {
	Path string `json:"path"`
}

type outcomeResponse struct {
	Outcome mirror.Outcome `json:"outcome"`
}

// handleResync answers POST only; any other method is refused with 403.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusForbidden, "forbidden", "resync requires POST", id)
		return
	}
	body, ok := s.readBody(w, r, id)
	if !ok {
		return
	}
	if err := validate(s.schemas.resync, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
		return
	}
	var req resyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
		return
	}

	out, err := s.handler.Resync(r.Context(), req.Path)
	if err != nil {
		s.logger.Error("resync failed", "request", id, "key", req.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), id)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: out})
}

// handleEvent applies one storage notification. A failure answers 500 so
// the sender redelivers.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r.Context())
	body, ok := s.readBody(w, r, id)
	if !ok {
		return
	}
	if err := validate(s.schemas.notification, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
		return
	}
	var n events.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
		return
	}
	typ, err := events.ParseType(string(n.Type))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
		return
	}
	n.Type = typ
	if n.ID == "" {
		n.ID = id
	}

	out, err := s.handler.HandleNotification(r.Context(), n)
	if err != nil {
		s.logger.Error("notification failed", "request", id, "notification", n.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), id)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: out})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, id string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", id)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", id)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}
