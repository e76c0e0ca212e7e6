// Package api exposes the Registry's control surface (spec §6) over HTTP:
// add/remove/start/stop a stream, list statuses, trigger a recording, and
// query recording history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opennvr/nvrd/pkg/nvrerrors"
	"github.com/opennvr/nvrd/pkg/recording"
	"github.com/opennvr/nvrd/pkg/registry"
	"github.com/opennvr/nvrd/pkg/rtsp"
	"github.com/opennvr/nvrd/pkg/store"
)

// Defaults carries the process-wide fallback values applied to an
// add_stream request whenever it omits a field (spec §6
// default_pre_roll_s/default_post_roll_s/default_segment_duration_s).
type Defaults struct {
	PreRollSeconds         uint32
	PostRollSeconds        uint32
	SegmentDurationSeconds uint32
}

// Server is the HTTP front-end for one Registry and its metadata Store.
type Server struct {
	registry   *registry.Registry
	store      *store.Store
	logger     *slog.Logger
	httpServer *http.Server
	defaults   Defaults
}

// NewServer builds an API server. store may be nil if recording history
// queries are not needed (e.g. in tests driving the registry directly).
// defaults fills any zero-valued pre-roll/post-roll/segment-duration field
// on an incoming add_stream request.
func NewServer(reg *registry.Registry, st *store.Store, logger *slog.Logger, defaults Defaults) *Server {
	return &Server{registry: reg, store: st, logger: logger, defaults: defaults}
}

// Start begins serving on addr. It returns once the listener is up or an
// immediate bind error occurs; the server itself runs in a goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/streams/", s.handleStreamByName)
	mux.HandleFunc("/api/recordings", s.handleRecordings)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting control API", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control API server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping control API")
	return s.httpServer.Shutdown(ctx)
}

// handleStreams handles GET (list_streams) and POST (add_stream).
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.registry.ListStreams())
	case http.MethodPost:
		var req addStreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		cfg := req.toStreamConfig()
		s.applyDefaults(&cfg)
		if _, err := s.registry.AddStream(cfg); err != nil {
			writeRegistryError(w, err)
			return
		}
		if cfg.Enabled {
			if err := s.registry.StartStream(cfg.Name); err != nil {
				writeRegistryError(w, err)
				return
			}
		}
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamByName handles per-stream operations: /api/streams/{name},
// /api/streams/{name}/start, /stop, /trigger.
func (s *Server) handleStreamByName(w http.ResponseWriter, r *http.Request) {
	name, op := splitStreamPath(r.URL.Path)
	if name == "" {
		http.Error(w, "stream name required", http.StatusBadRequest)
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		status, err := s.registry.GetStatus(name)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case op == "" && r.Method == http.MethodDelete:
		if err := s.registry.RemoveStream(name); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case op == "start" && r.Method == http.MethodPost:
		if err := s.registry.StartStream(name); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case op == "stop" && r.Method == http.MethodPost:
		if err := s.registry.StopStream(name); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case op == "trigger" && r.Method == http.MethodPost:
		var v recording.Verdict
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if v.At.IsZero() {
			v.At = time.Now()
		}
		v.Triggered = true
		if err := s.registry.TriggerRecording(name, v); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unknown stream operation", http.StatusNotFound)
	}
}

// handleRecordings answers recording-history queries against the
// metadata store (spec §5 query_recordings).
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "recording history unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	filter := recording.Filter{StreamName: q.Get("stream")}
	if since := q.Get("since"); since != "" {
		if sec, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = time.Unix(sec, 0)
		}
	}
	if until := q.Get("until"); until != "" {
		if sec, err := strconv.ParseInt(until, 10, 64); err == nil {
			filter.Until = time.Unix(sec, 0)
		}
	}

	results, err := s.store.QueryRecordings(r.Context(), filter)
	if err != nil {
		s.logger.Error("query recordings failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("control API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type addStreamRequest struct {
	Name                       string  `json:"name"`
	URL                        string  `json:"url"`
	Transport                  string  `json:"transport"`
	Enabled                    bool    `json:"enabled"`
	PreRollSeconds             uint32  `json:"pre_roll_seconds"`
	PostRollSeconds            uint32  `json:"post_roll_seconds"`
	SegmentDurationSeconds     uint32  `json:"segment_duration_seconds"`
	DetectionIntervalKeyframes uint32  `json:"detection_interval_keyframes"`
	DetectionThreshold         float64 `json:"detection_threshold"`
	ModelLocator               string  `json:"model_locator"`
	RecordAudio                bool    `json:"record_audio"`
}

func (req addStreamRequest) toStreamConfig() registry.StreamConfig {
	transport := rtsp.TransportTCP
	if req.Transport == "udp" {
		transport = rtsp.TransportUDP
	}
	return registry.StreamConfig{
		Name:                       req.Name,
		URL:                        req.URL,
		Protocol:                   transport,
		Enabled:                    req.Enabled,
		PreRollSeconds:             req.PreRollSeconds,
		PostRollSeconds:            req.PostRollSeconds,
		SegmentDurationSeconds:     req.SegmentDurationSeconds,
		DetectionIntervalKeyframes: req.DetectionIntervalKeyframes,
		DetectionThreshold:         req.DetectionThreshold,
		ModelLocator:               req.ModelLocator,
		RecordAudio:                req.RecordAudio,
	}
}

// applyDefaults fills any field the request left at its zero value with the
// server's process-wide defaults (spec §6).
func (s *Server) applyDefaults(cfg *registry.StreamConfig) {
	if cfg.PreRollSeconds == 0 {
		cfg.PreRollSeconds = s.defaults.PreRollSeconds
	}
	if cfg.PostRollSeconds == 0 {
		cfg.PostRollSeconds = s.defaults.PostRollSeconds
	}
	if cfg.SegmentDurationSeconds == 0 {
		cfg.SegmentDurationSeconds = s.defaults.SegmentDurationSeconds
	}
}

func splitStreamPath(path string) (name, op string) {
	const prefix = "/api/streams/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if nvrerrors.Is(err, nvrerrors.KindConfiguration) {
		status = http.StatusBadRequest
	}
	if nvrerrors.Is(err, nvrerrors.KindResourceExhaustion) {
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, nvrerrors.ErrNotFound) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
