// Package server exposes the capture service over HTTP: a websocket ingest
// endpoint for live PCM16 audio, a stats endpoint, health probes, and the
// Prometheus scrape surface.
//
// The ingest protocol on GET /v1/stream is binary-in, JSON-out: the client
// streams little-endian PCM16 frames as binary websocket messages and
// receives typed JSON events back (interim text, chunk finalizations,
// segment status changes). A text message {"type":"stop"} ends the session
// gracefully, draining the pipeline before the close handshake.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/health"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/observe"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/resilience"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/session"
)

const (
	// defaultStopTimeout bounds the pipeline drain when a stream ends: the
	// final interim pass, the flush, and the dispatcher queue all have to
	// finish inside it.
	defaultStopTimeout = 30 * time.Second

	// readHeaderTimeout bounds the initial request line and headers. Read
	// and write timeouts stay off the http.Server itself; a capture stream
	// legitimately idles between frames.
	readHeaderTimeout = 10 * time.Second
)

// Config holds the HTTP server tunables.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8090". Required.
	ListenAddr string

	// StopTimeout bounds the session drain when a stream ends or drops.
	// Defaults to 30s.
	StopTimeout time.Duration
}

// Deps are the collaborators the server fronts.
type Deps struct {
	// Sessions manages the single-active capture session.
	Sessions *session.Manager

	// Bus is the event source for the websocket out-stream.
	Bus *events.Bus

	// Health serves /healthz and /readyz.
	Health *health.Handler

	// Metrics records request and pipeline metrics. Nil falls back to
	// observe.DefaultMetrics.
	Metrics *observe.Metrics

	// BreakerStates optionally reports circuit breaker state per engine
	// backend for /v1/stats. Nil omits the field.
	BreakerStates func() map[string]resilience.State
}

func (d Deps) validate() error {
	var errs []error
	if d.Sessions == nil {
		errs = append(errs, errors.New("server: session manager must not be nil"))
	}
	if d.Bus == nil {
		errs = append(errs, errors.New("server: event bus must not be nil"))
	}
	if d.Health == nil {
		errs = append(errs, errors.New("server: health handler must not be nil"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the HTTP front of the capture service.
type Server struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics
	log     *slog.Logger

	httpSrv   *http.Server
	ln        net.Listener
	startedAt time.Time
}

// New builds a Server with its routes. Nothing listens until Start.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("server: listen address must not be empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		metrics:   deps.Metrics,
		log:       slog.Default(),
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
	deps.Health.Register(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the full route tree, middleware included. Used by tests to
// serve the API without binding a port.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start binds the listen address and begins serving in the background. The
// bind itself is synchronous so a bad address fails here, not in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()

	s.log.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, ":0" resolved. Empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight plain HTTP
// requests. Hijacked websocket streams are not waited on; the caller stops
// the active session, which unblocks them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ---- /v1/stats --------------------------------------------------------------

type sessionStatsBody struct {
	SessionID         string `json:"session_id"`
	StartedAt         string `json:"started_at"`
	BytesIngested     uint64 `json:"bytes_ingested"`
	Speaking          bool   `json:"speaking"`
	BufferedMs        int64  `json:"buffered_ms"`
	ChunksEmitted     uint64 `json:"chunks_emitted"`
	InterimIssued     uint64 `json:"interim_issued"`
	InterimSkipped    uint64 `json:"interim_skipped"`
	QueueDepth        int    `json:"queue_depth"`
	SegmentsSubmitted uint64 `json:"segments_submitted"`
	SegmentsReplayed  uint64 `json:"segments_replayed"`
	SegmentsCompleted uint64 `json:"segments_completed"`
	SegmentsFailed    uint64 `json:"segments_failed"`
}

type statsBody struct {
	UptimeSeconds float64           `json:"uptime_seconds"`
	Active        bool              `json:"active"`
	Session       *sessionStatsBody `json:"session,omitempty"`
	Breakers      map[string]string `json:"breakers,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := statsBody{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Active:        s.deps.Sessions.IsActive(),
	}

	if sess := s.deps.Sessions.ActiveSession(); sess != nil {
		st := sess.Stats()
		body.Session = &sessionStatsBody{
			SessionID:         st.SessionID,
			StartedAt:         st.StartedAt.UTC().Format(time.RFC3339),
			BytesIngested:     st.BytesIngested,
			Speaking:          st.Chunker.Speaking,
			BufferedMs:        st.Chunker.BufferedDuration.Milliseconds(),
			ChunksEmitted:     st.Chunker.ChunksEmitted,
			InterimIssued:     st.Interim.Issued,
			InterimSkipped:    st.Interim.Skipped,
			QueueDepth:        st.Dispatch.QueueDepth,
			SegmentsSubmitted: st.Dispatch.Submitted,
			SegmentsReplayed:  st.Dispatch.Replayed,
			SegmentsCompleted: st.Dispatch.Completed,
			SegmentsFailed:    st.Dispatch.Failed,
		}
	}

	if s.deps.BreakerStates != nil {
		states := s.deps.BreakerStates()
		body.Breakers = make(map[string]string, len(states))
		for name, state := range states {
			body.Breakers[name] = state.String()
		}
	}

	writeJSONResponse(w, http.StatusOK, body)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
