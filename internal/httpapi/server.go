// Package httpapi exposes an aggcache Engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ryhazerus/aggcache"
	"github.com/ryhazerus/aggcache/source"
)

// Engine is the part of *aggcache.Engine the handlers use.
type Engine interface {
	GetAggregate(ctx context.Context, q aggcache.QuerySpec, class aggcache.TTLClass) ([]source.Row, error)
	DefaultClass(q aggcache.QuerySpec) aggcache.TTLClass
	Invalidate(ctx context.Context, pattern string) (int, error)
	InvalidateClient(ctx context.Context, clientID string) (int, error)
	RefreshAll(ctx context.Context) aggcache.RefreshReport
	Targets() []aggcache.RefreshTarget
}

// Handler serves the aggcache HTTP API.
type Handler struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHandler creates a Handler. A nil gatherer leaves /metrics unrouted.
func NewHandler(engine Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, gatherer: gatherer, logger: logger}
}

// Routes returns the router with all endpoints and middleware mounted.
func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(Logger(h.logger))

	router.Get("/healthz", h.health)
	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Get("/aggregates/{view}", h.getAggregate)
		r.Post("/invalidate", h.invalidate)
		r.Post("/refresh", h.refresh)
		r.Get("/refresh", h.targets)
	})
	return router
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type aggregateResponse struct {
	View     string       `json:"view"`
	ClientID string       `json:"clientId"`
	Platform string       `json:"platform"`
	Period   string       `json:"period"`
	TTL      string       `json:"ttl"`
	Rows     []source.Row `json:"rows"`
}

// getAggregate handles GET /v1/aggregates/{view}.
func (h *Handler) getAggregate(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := aggcache.QuerySpec{
		View:     chi.URLParam(r, "view"),
		ClientID: params.Get("clientId"),
		Platform: aggcache.Platform(params.Get("platform")),
		Period:   aggcache.Period(params.Get("period")),
		Start:    params.Get("startDate"),
		End:      params.Get("endDate"),
	}
	if f := params.Get("filters"); f != "" {
		q.Filters = strings.Split(f, ",")
	}
	q = q.Normalize()

	class := h.engine.DefaultClass(q)
	if v := params.Get("ttl"); v != "" {
		c, err := aggcache.ParseTTLClass(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		class = c
	}

	rows, err := h.engine.GetAggregate(r.Context(), q, class)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aggregateResponse{
		View:     q.View,
		ClientID: q.ClientID,
		Platform: string(q.Platform),
		Period:   string(q.Period),
		TTL:      strings.ToLower(class.String()),
		Rows:     rows,
	})
}

type invalidateRequest struct {
	Pattern  string `json:"pattern,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// invalidate handles POST /v1/invalidate.
func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if (req.Pattern == "") == (req.ClientID == "") {
		h.respondError(w, http.StatusBadRequest, "exactly one of pattern or clientId is required")
		return
	}

	var (
		n   int
		err error
	)
	if req.ClientID != "" {
		n, err = h.engine.InvalidateClient(r.Context(), req.ClientID)
	} else {
		n, err = h.engine.Invalidate(r.Context(), req.Pattern)
	}
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

type targetResponse struct {
	Name            string     `json:"name"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt"`
	RequestedAt     *time.Time `json:"requestedAt,omitempty"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
}

type refreshResponse struct {
	Targets        []targetResponse `json:"targets"`
	OverallSuccess bool             `json:"overallSuccess"`
	DurationMs     int64            `json:"durationMs"`
	Simulated      bool             `json:"simulated"`
}

func toTargetResponses(targets []aggcache.RefreshTarget) []targetResponse {
	out := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		tr := targetResponse{
			Name:            t.Name,
			LastRefreshedAt: t.LastRefreshedAt,
			Status:          t.Status.String(),
		}
		if !t.RequestedAt.IsZero() {
			at := t.RequestedAt
			tr.RequestedAt = &at
		}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		out = append(out, tr)
	}
	return out
}

// refresh handles POST /v1/refresh. A pass with failed targets still
// answers 200; callers inspect overallSuccess.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	report := h.engine.RefreshAll(r.Context())
	h.respondJSON(w, http.StatusOK, refreshResponse{
		Targets:        toTargetResponses(report.Targets),
		OverallSuccess: report.OverallSuccess,
		DurationMs:     report.DurationMs(),
		Simulated:      report.Simulated,
	})
}

// targets handles GET /v1/refresh.
func (h *Handler) targets(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"targets": toTargetResponses(h.engine.Targets())})
}

func (h *Handler) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, aggcache.ErrUnknownView):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, aggcache.ErrInvalidQuery), errors.Is(err, aggcache.ErrEmptyPattern):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, aggcache.ErrUpstream):
		h.logger.Error("Aggregate read failed",
			zap.String("path", r.URL.Path),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		h.respondError(w, http.StatusBadGateway, "aggregate unavailable")
	default:
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
		"code":    status,
	})
}
