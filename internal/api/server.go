package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"authguard/internal/config"
	"authguard/internal/engine"
	"authguard/internal/model"
	"authguard/internal/notify"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	Status() engine.Status
	Stats() model.SecurityStats
	RecentEvents(limit int) []model.SecurityEvent
	ActiveAlerts() []model.SecurityAlert
	AlertHistory(limit int) []model.SecurityAlert
	AcknowledgeAlert(id string) bool
	ActiveSessions() []model.SecuritySession
	IsOriginBlocked(origin string) bool
	IsDeviceBlocked(id string) bool
	BlockedOrigins() []model.BlockEntry
	BlockedDevices() []model.BlockEntry
	Fingerprint(id string) (model.DeviceFingerprint, bool)
	PurgeFingerprint(id string) bool
	UnblockOrigin(origin string) bool
	UnblockDevice(id string) bool
	Subscribe(fn notify.Subscriber) func()
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	metrics http.Handler
	logger  *slog.Logger
	version string
	done    <-chan struct{}
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Engine     engine.Status `json:"engine"`
	Ingest     ingestStatus  `json:"ingest"`
	Detection  detection     `json:"detection"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	Syslog   bool `json:"syslog"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
}

type detection struct {
	BruteForceWindow    string `json:"brute_force_window"`
	BruteForceThreshold int    `json:"brute_force_threshold"`
	ClusterWindow       string `json:"cluster_window"`
	ClusterThreshold    int    `json:"cluster_threshold"`
}

type changeResponse struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}

// NewServer builds the API. metrics may be nil, in which case /metrics is 404.
func NewServer(cfg *config.Manager, eng Engine, metrics http.Handler, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, engine: eng, metrics: metrics, logger: logger, version: version}
}

func (s *Server) Routes() http.Handler {
	apiCfg := s.cfg.Get().API
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if apiCfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(rateLimitByIP(apiCfg.RequestsPerMinute, apiCfg.TrustProxy))

	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleActiveAlerts)
		r.Get("/history", s.handleAlertHistory)
		r.Post("/{id}/ack", s.handleAcknowledge)
	})
	r.Get("/sessions", s.handleSessions)
	r.Route("/blocks", func(r chi.Router) {
		r.Get("/origins", s.handleBlockedOrigins)
		r.Get("/origins/{addr}", s.handleOriginBlocked)
		r.Get("/devices", s.handleBlockedDevices)
		r.Get("/devices/{id}", s.handleDeviceBlocked)
	})
	r.Get("/fingerprints/{id}", s.handleFingerprint)
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdminToken(func() string { return s.cfg.Get().API.AdminToken }))
		r.Delete("/fingerprints/{id}", s.handlePurgeFingerprint)
		r.Delete("/blocks/origins/{addr}", s.handleUnblockOrigin)
		r.Delete("/blocks/devices/{id}", s.handleUnblockDevice)
	})
	r.Get("/ws", s.handleStream)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func Start(ctx context.Context, cfg *config.Manager, eng Engine, metrics http.Handler, logger *slog.Logger, version string) *http.Server {
	if cfg == nil || eng == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, eng, metrics, logger, version)
	server.done = ctx.Done()

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Engine:     s.engine.Status(),
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			Syslog:   cfg.Ingest.Syslog.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		Detection: detection{
			BruteForceWindow:    cfg.Detection.BruteForceWindow.String(),
			BruteForceThreshold: cfg.Detection.BruteForceThreshold,
			ClusterWindow:       cfg.Alerts.ClusterWindow.String(),
			ClusterThreshold:    cfg.Alerts.ClusterThreshold,
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, s.cfg.Get().Notify.RecentEvents)
	if !ok {
		return
	}
	list := s.engine.RecentEvents(limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.ActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	list := s.engine.AlertHistory(limit)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, changeResponse{ID: id, Changed: s.engine.AcknowledgeAlert(id)})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.ActiveSessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) handleBlockedOrigins(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.BlockedOrigins()
	writeJSON(w, http.StatusOK, map[string]any{"origins": list, "count": len(list)})
}

func (s *Server) handleBlockedDevices(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.BlockedDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": list, "count": len(list)})
}

func (s *Server) handleOriginBlocked(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	writeJSON(w, http.StatusOK, map[string]any{"origin": addr, "blocked": s.engine.IsOriginBlocked(addr)})
}

func (s *Server) handleDeviceBlocked(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "blocked": s.engine.IsDeviceBlocked(id)})
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.engine.Fingerprint(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "fingerprint not found")
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

func (s *Server) handlePurgeFingerprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed := s.engine.PurgeFingerprint(id)
	if changed {
		s.logger.Info("fingerprint purged", "device_id", id, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, http.StatusOK, changeResponse{ID: id, Changed: changed})
}

func (s *Server) handleUnblockOrigin(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	changed := s.engine.UnblockOrigin(addr)
	if changed {
		s.logger.Info("origin unblocked", "origin", addr, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, http.StatusOK, changeResponse{ID: addr, Changed: changed})
}

func (s *Server) handleUnblockDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed := s.engine.UnblockDevice(id)
	if changed {
		s.logger.Info("device unblocked", "device_id", id, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, http.StatusOK, changeResponse{ID: id, Changed: changed})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// parseLimit reads ?limit=. A missing value yields def; zero means no limit.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
