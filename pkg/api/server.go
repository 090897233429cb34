// Package api exposes the daemon's local control and query surface over
// HTTP: status, events, tracking control, manual sync, waypoint capture and
// the push path for the coarse provider. It binds to loopback by default.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/acquisition"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/syncer"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
)

// Server is the daemon's HTTP facade.
type Server struct {
	controller *acquisition.Controller
	engine     *syncer.Engine
	store      *store.Store
	events     *telem.Store
	metrics    *metrics.Metrics
	push       *acquisition.PushSource
	logger     *logx.Logger
	httpServer *http.Server
}

// New builds the API server for the given address.
func New(addr string, controller *acquisition.Controller, engine *syncer.Engine,
	st *store.Store, events *telem.Store, m *metrics.Metrics,
	push *acquisition.PushSource, logger *logx.Logger,
) *Server {
	s := &Server{
		controller: controller,
		engine:     engine,
		store:      st,
		events:     events,
		metrics:    m,
		push:       push,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Post("/tracking/start", s.handleTrackingStart)
	r.Post("/tracking/stop", s.handleTrackingStop)
	r.Post("/track", s.handleNewTrack)
	r.Post("/sync", s.handleSync)
	r.Post("/waypoint", s.handleWaypoint)
	r.Post("/position", s.handlePosition)
	r.Post("/fix", s.handleFix)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api_listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the API gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Tracking            bool         `json:"tracking"`
	SyncState           syncer.State `json:"sync_state"`
	Track               *pkg.Track   `json:"track,omitempty"`
	UnsyncedCount       int          `json:"unsynced_count"`
	SecondsSinceLastFix *float64     `json:"seconds_since_last_fix,omitempty"`

	// Degraded marks a response whose store-backed fields could not be
	// read; their zero values are placeholders, not facts.
	Degraded bool `json:"degraded,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Tracking:  s.controller.Running(),
		SyncState: s.engine.State(),
	}
	if track, err := s.store.CurrentTrack(); err == nil {
		resp.Track = track
	} else {
		s.logger.Warn("status_track_query_failed", "error", err)
		resp.Degraded = true
	}
	if count, err := s.store.UnsyncedCount(); err == nil {
		resp.UnsyncedCount = count
	} else {
		s.logger.Warn("status_backlog_query_failed", "error", err)
		resp.Degraded = true
	}
	if elapsed, ok := s.controller.ElapsedSinceLastFix(); ok {
		secs := elapsed.Seconds()
		resp.SecondsSinceLastFix = &secs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.events.Events(limit),
	})
}

func (s *Server) handleTrackingStart(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Start()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"tracking": true})
	case errors.Is(err, pkg.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, pkg.ErrNoProviderAvailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleTrackingStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"tracking": false})
}

func (s *Server) handleNewTrack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	// An empty body is fine: the track gets an auto-generated name.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	track, err := s.store.StartTrack(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, track)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.engine.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (s *Server) handleWaypoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment  string `json:"comment"`
		ImageRef string `json:"image_ref"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	fix, err := s.controller.CaptureOnce(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, errors.New("no acceptable fix within timeout"))
		return
	case errors.Is(err, pkg.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err)
		return
	case errors.Is(err, pkg.ErrNoProviderAvailable):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	default:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	pos := pkg.FromFix(*fix)
	pos.Comment = req.Comment
	pos.ImageRef = req.ImageRef
	if _, err := s.store.Append(&pos); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.engine.Trigger()
	writeJSON(w, http.StatusCreated, pos)
}

type positionRequest struct {
	Time      int64    `json:"time"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Speed     *float64 `json:"speed"`
	Bearing   *float64 `json:"bearing"`
	Accuracy  *float64 `json:"accuracy"`
	Provider  string   `json:"provider"`
	Comment   string   `json:"comment"`
	ImageRef  string   `json:"image_ref"`
}

func (req *positionRequest) fix() pkg.Fix {
	ts := time.Now().UTC()
	if req.Time != 0 {
		ts = time.Unix(req.Time, 0).UTC()
	}
	return pkg.Fix{
		Time:      ts,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Bearing:   req.Bearing,
		Accuracy:  req.Accuracy,
		Provider:  req.Provider,
	}
}

// handlePosition is the manual entry path: the record bypasses the filter
// and is appended as-is.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Provider == "" {
		req.Provider = "manual"
	}

	pos := pkg.FromFix(req.fix())
	pos.Comment = req.Comment
	pos.ImageRef = req.ImageRef
	if _, err := s.store.Append(&pos); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.engine.Trigger()
	writeJSON(w, http.StatusCreated, pos)
}

// handleFix feeds a fix into the coarse provider; it goes through the
// acceptance filter like any other raw fix.
func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.push.Offer(req.fix())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "fix offered"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
