package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"attack-feed/internal/client"
	"attack-feed/internal/feed"
	"attack-feed/internal/hub"
	"attack-feed/internal/model"
	"attack-feed/internal/sink"
	"attack-feed/internal/util"
)

var (
	ErrDiagnosticsUnavailable = errors.New("elasticsearch is not configured")
	ErrInvalidTime            = errors.New("invalid time parameter")
)

const defaultSummaryWindow = 24 * time.Hour

// StatusSource exposes the poll engine state. Implemented by feed.Engine.
type StatusSource interface {
	Snapshot() feed.Snapshot
}

// Diagnostics runs the ad-hoc index queries. Implemented by client.ESClient.
type Diagnostics interface {
	AttackSummary(ctx context.Context, index string, since, until time.Time) (*model.AttackSummary, error)
	ClusterHealth(ctx context.Context) (*model.ClusterHealth, error)
	IndexStats(ctx context.Context, index string) (*model.IndexStats, error)
}

// StatsCache is the fallback for daily statistics before the engine has any.
type StatsCache interface {
	TodayStats(ctx context.Context) (*model.TodayStats, error)
}

type HubStats interface {
	Stats() hub.Stats
}

type ArchiveStats interface {
	Stats() sink.Stats
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// FeedStatus is the payload of GET /api/v1/feed/status.
type FeedStatus struct {
	Engine      feed.Snapshot `json:"engine"`
	Connections hub.Stats     `json:"connections"`
	Archive     *sink.Stats   `json:"archive,omitempty"`
}

// FeedHandler serves the read-only feed API.
type FeedHandler struct {
	engine  StatusSource
	diag    Diagnostics
	cache   StatsCache
	hub     HubStats
	archive ArchiveStats
	index   string
	now     func() time.Time
	logger  *zap.Logger
}

type FeedHandlerOption func(*FeedHandler)

// WithDiagnostics enables the summary, cluster and index endpoints against index.
func WithDiagnostics(d Diagnostics, index string) FeedHandlerOption {
	return func(h *FeedHandler) {
		h.diag = d
		h.index = index
	}
}

func WithStatsCache(c StatsCache) FeedHandlerOption {
	return func(h *FeedHandler) { h.cache = c }
}

func WithArchiveStats(a ArchiveStats) FeedHandlerOption {
	return func(h *FeedHandler) { h.archive = a }
}

func NewFeedHandler(engine StatusSource, connections HubStats, logger *zap.Logger, opts ...FeedHandlerOption) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &FeedHandler{
		engine: engine,
		hub:    connections,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes mounts the feed API on router.
func (h *FeedHandler) RegisterRoutes(router chi.Router) {
	router.Get("/feed/status", h.GetStatus)
	router.Get("/stats/today", h.GetTodayStats)
	router.Get("/summary", h.GetSummary)
	router.Get("/cluster/health", h.GetClusterHealth)
	router.Get("/index/stats", h.GetIndexStats)
}

func (h *FeedHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "attack-feed",
		"mode":    snap.Mode,
	})
}

func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := FeedStatus{
		Engine:      h.engine.Snapshot(),
		Connections: h.hub.Stats(),
	}
	if h.archive != nil {
		st := h.archive.Stats()
		status.Archive = &st
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Feed status retrieved successfully"))
}

func (h *FeedHandler) GetTodayStats(w http.ResponseWriter, r *http.Request) {
	if stats := h.engine.Snapshot().TodayStats; stats != nil {
		h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Today stats retrieved successfully"))
		return
	}

	if h.cache != nil {
		stats, err := h.cache.TodayStats(r.Context())
		if err != nil {
			h.logger.Warn("Failed to read cached today stats", util.ErrorField(err))
		} else if stats != nil {
			h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Today stats retrieved from cache"))
			return
		}
	}

	empty := model.TodayStats{Countries: []model.CountryCount{}}
	h.respondWithJSON(w, http.StatusOK, successResponse(empty, "No statistics collected yet"))
}

// GetSummary accepts since and until as RFC 3339, epoch milliseconds, or a duration
// back from now ("6h"). since defaults to 24h ago; until defaults to open-ended.
func (h *FeedHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, ErrDiagnosticsUnavailable, "Summary unavailable")
		return
	}
	startTime := time.Now()
	now := h.now()

	since, err := parseTimeParam(r.URL.Query().Get("since"), now, now.Add(-defaultSummaryWindow))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid since parameter")
		return
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"), now, time.Time{})
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid until parameter")
		return
	}

	summary, err := h.diag.AttackSummary(r.Context(), h.indexParam(r), since, until)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get attack summary")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(summary, summary.Interpretation))
	h.logger.Debug("Attack summary served",
		util.Int64("total_hits", summary.TotalHits),
		util.String("threat_level", string(summary.ThreatLevel)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *FeedHandler) GetClusterHealth(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, ErrDiagnosticsUnavailable, "Cluster health unavailable")
		return
	}
	health, err := h.diag.ClusterHealth(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get cluster health")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(health, "Cluster health retrieved successfully"))
}

func (h *FeedHandler) GetIndexStats(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, ErrDiagnosticsUnavailable, "Index stats unavailable")
		return
	}
	stats, err := h.diag.IndexStats(r.Context(), h.indexParam(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get index stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Index stats retrieved successfully"))
}

func (h *FeedHandler) indexParam(r *http.Request) string {
	if idx := strings.TrimSpace(r.URL.Query().Get("index")); idx != "" {
		return idx
	}
	return h.index
}

func parseTimeParam(raw string, now, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
}

func (h *FeedHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *FeedHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *FeedHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrElasticsearch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
