// Package admin implements the ristbond control-plane HTTP API: a plain
// JSON surface for inspecting link state, reading and writing the weight
// vector, reading the current bitrate target, and streaming live events —
// the ConnectRPC-free replacement for the teacher's generated RPC surface.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"connectrpc.com/grpchealth"

	"github.com/dantte-lp/ristbond/internal/dispatch"
)

// ErrDecodeWeights indicates the request body for POST /v1/weights was not
// a valid JSON array of numbers.
var ErrDecodeWeights = errors.New("admin: request body must be a JSON array of weights")

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("admin: panic recovered in handler")

// LinksSource exposes the dispatcher's current link snapshot.
type LinksSource interface {
	Envelope() dispatch.MetricsEnvelope
}

// WeightsHandle is the narrow read/write seam onto the dispatcher's weight
// vector that the admin surface needs; it never sees the dispatcher's
// scheduler or output registry directly.
type WeightsHandle interface {
	SetWeights(weights []float64) error
	GetWeights() []float64
}

// EventSource lets the admin surface subscribe to weight-vector commits for
// the SSE stream.
type EventSource interface {
	Subscribe(cb func(dispatch.WeightsChangedEvent)) dispatch.Unsubscribe
}

// BitrateSource exposes the bitrate controller's current target.
type BitrateSource interface {
	CurrentKbps() int
}

// Server is a thin adapter between the admin HTTP API and the dispatcher
// and bitrate controller: it never implements bonding logic itself, only
// translates requests into calls against the handles it is given.
type Server struct {
	links   LinksSource
	weights WeightsHandle
	events  EventSource
	bitrate BitrateSource
	logger  *slog.Logger
}

// Option configures optional Server parameters.
type Option func(*Server)

// WithLogger attaches a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Server and returns its http.Handler, mirroring the
// teacher's New(mgr, logger, opts...) (path, handler) constructor shape,
// adapted to a full mux rather than a single RPC path.
func New(links LinksSource, weights WeightsHandle, events EventSource, bitrate BitrateSource, opts ...Option) http.Handler {
	s := &Server{
		links:   links,
		weights: weights,
		events:  events,
		bitrate: bitrate,
		logger:  slog.Default().With(slog.String("component", "admin")),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/links", s.handleGetLinks)
	mux.HandleFunc("POST /v1/weights", s.handlePostWeights)
	mux.HandleFunc("GET /v1/weights", s.handleGetWeights)
	mux.HandleFunc("GET /v1/bitrate", s.handleGetBitrate)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	checker := grpchealth.NewStaticChecker("ristbond.admin.v1")
	mux.Handle(grpchealth.NewHandler(checker))

	return loggingMiddleware(s.logger, recoveryMiddleware(s.logger, mux))
}

// linkSnapshot is the per-link JSON shape returned by GET /v1/links,
// reassembled from the parallel arrays in dispatch.MetricsEnvelope.
type linkSnapshot struct {
	Index            int     `json:"index"`
	Weight           float64 `json:"weight"`
	EWMADeliveredPPS float64 `json:"ewma_delivered_pps"`
	EWMARtxRate      float64 `json:"ewma_rtx_rate"`
	EWMARttMillis    float64 `json:"ewma_rtt_ms"`
	Health           string  `json:"health"`
}

type linksResponse struct {
	Links          []linkSnapshot `json:"links"`
	CommittedAt    time.Time      `json:"committed_at"`
	PacketsForward uint64         `json:"packets_forwarded"`
	PacketsDropped uint64         `json:"packets_dropped"`
}

// handleGetLinks serves the current link snapshot assembled from the
// dispatcher's metrics envelope.
func (s *Server) handleGetLinks(w http.ResponseWriter, r *http.Request) {
	env := s.links.Envelope()

	resp := linksResponse{
		Links:          make([]linkSnapshot, len(env.Weights)),
		CommittedAt:    env.CommittedAt,
		PacketsForward: env.PacketsForward,
		PacketsDropped: env.PacketsDropped,
	}
	for i := range env.Weights {
		snap := linkSnapshot{Index: i, Weight: env.Weights[i]}
		if i < len(env.EWMADelivered) {
			snap.EWMADeliveredPPS = env.EWMADelivered[i]
		}
		if i < len(env.EWMARtxRate) {
			snap.EWMARtxRate = env.EWMARtxRate[i]
		}
		if i < len(env.EWMARttMillis) {
			snap.EWMARttMillis = env.EWMARttMillis[i]
		}
		if i < len(env.Health) {
			snap.Health = env.Health[i]
		}
		resp.Links[i] = snap
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetWeights serves the dispatcher's current weight vector.
func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Weights []float64 `json:"weights"`
	}{Weights: s.weights.GetWeights()})
}

// handlePostWeights decodes a JSON array of weights and applies it via
// SetWeights. Per spec, a validation failure is rejected with 400 and
// never mutates dispatcher state — SetWeights itself holds that guarantee,
// this handler only needs to not apply a partially-decoded body.
func (s *Server) handlePostWeights(w http.ResponseWriter, r *http.Request) {
	var weights []float64
	if err := json.NewDecoder(r.Body).Decode(&weights); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrDecodeWeights, err))
		return
	}

	if err := s.weights.SetWeights(weights); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Weights []float64 `json:"weights"`
	}{Weights: weights})
}

// handleGetBitrate serves the controller's current bitrate target. Direction
// is not retained by the controller between ticks, so only the committed
// kbps value is reported here.
func (s *Server) handleGetBitrate(w http.ResponseWriter, r *http.Request) {
	if s.bitrate == nil {
		writeJSON(w, http.StatusOK, struct {
			Kbps int `json:"kbps"`
		}{})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Kbps int `json:"kbps"`
	}{Kbps: s.bitrate.CurrentKbps()})
}

// sseEvent is the JSON payload written for each Server-Sent Event.
type sseEvent struct {
	Type        string    `json:"type"`
	Weights     []float64 `json:"weights,omitempty"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
	Health      []string  `json:"health,omitempty"`
}

// handleEvents streams weights_changed events as they are committed by the
// dispatcher, plus periodic health snapshots whenever any link's health
// state differs from what was last sent, so a connected client learns about
// failover without polling GET /v1/links.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("admin: streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	out := make(chan sseEvent, 16)

	var unsub dispatch.Unsubscribe
	if s.events != nil {
		unsub = s.events.Subscribe(func(ev dispatch.WeightsChangedEvent) {
			select {
			case out <- sseEvent{Type: "weights_changed", Weights: ev.Weights, CommittedAt: ev.CommittedAt}:
			default:
				s.logger.Warn("admin: dropped weights_changed event, SSE client too slow")
			}
		})
		defer unsub()
	}

	lastHealth := s.currentHealth()
	healthTicker := time.NewTicker(time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-out:
			if !writeSSE(w, ev) {
				return
			}
			flusher.Flush()
		case <-healthTicker.C:
			current := s.currentHealth()
			if healthChanged(lastHealth, current) {
				lastHealth = current
				if !writeSSE(w, sseEvent{Type: "health_changed", Health: current}) {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func (s *Server) currentHealth() []string {
	if s.links == nil {
		return nil
	}
	env := s.links.Envelope()
	health := make([]string, len(env.Health))
	copy(health, env.Health)
	return health
}

func healthChanged(prev, current []string) bool {
	if len(prev) != len(current) {
		return true
	}
	for i := range prev {
		if prev[i] != current[i] {
			return true
		}
	}
	return false
}

func writeSSE(w http.ResponseWriter, ev sseEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err == nil
}

// -------------------------------------------------------------------------
// JSON helpers
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// -------------------------------------------------------------------------
// Middleware
// -------------------------------------------------------------------------

// loggingMiddleware logs every request with its path, status, and duration,
// mirroring the teacher's LoggingInterceptor at Info for success and Warn
// for 4xx/5xx responses.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", duration),
		}
		level := slog.LevelInfo
		if sw.status >= 400 {
			level = slog.LevelWarn
		}
		logger.LogAttrs(r.Context(), level, "admin request completed", attrs...)
	})
}

// recoveryMiddleware recovers from panics in request handlers, logging the
// panic value and stack trace at Error level and returning a 500 rather
// than crashing the admin server, mirroring the teacher's RecoveryInterceptor.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered in admin handler",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(buf[:n])),
				)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", r.URL.Path, ErrPanicRecovered))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}
