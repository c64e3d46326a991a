package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-telecom/kestrel/internal/detector"
	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store    domain.ActivityStore
	cache    domain.Cache
	bus      domain.EventBus
	detector *detector.Detector
	custom   *rules.CustomEngine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(store domain.ActivityStore, cache domain.Cache, bus domain.EventBus, det *detector.Detector, custom *rules.CustomEngine, version string) *Handler {
	return &Handler{
		store:    store,
		cache:    cache,
		bus:      bus,
		detector: det,
		custom:   custom,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetAssessment handles GET /subscribers/{id}/assessment.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID := chi.URLParam(r, "id")

	if subscriberID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subscriber id is required",
		})
		return
	}

	assessment, err := h.detector.Assess(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "assessment cancelled",
			})
			return
		}
		slog.Error("assessment failed", "subscriber_id", subscriberID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "assessment failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// InvalidateAssessment handles DELETE /subscribers/{id}/assessment.
func (h *Handler) InvalidateAssessment(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "id")

	if subscriberID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subscriber id is required",
		})
		return
	}

	h.detector.Invalidate(r.Context(), subscriberID)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "assessment invalidated",
	})
}

// BatchRequest is the request body for POST /assess/batch.
type BatchRequest struct {
	SubscriberIDs []string `json:"subscriberIds"`
}

// BatchResponse is the response for POST /assess/batch.
type BatchResponse struct {
	Assessments []*domain.RiskAssessment `json:"assessments"`
	Requested   int                      `json:"requested"`
	Completed   int                      `json:"completed"`
}

// AssessBatch handles POST /assess/batch.
func (h *Handler) AssessBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.SubscriberIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subscriberIds is required",
		})
		return
	}

	assessments := h.detector.AssessBatch(r.Context(), req.SubscriberIDs)

	writeJSON(w, http.StatusOK, BatchResponse{
		Assessments: assessments,
		Requested:   len(req.SubscriberIDs),
		Completed:   len(assessments),
	})
}

// ActivityRequest is the request body for POST /activity.
type ActivityRequest struct {
	Records []domain.ActivityRecord `json:"records"`
}

// IngestActivity handles POST /activity. Fresh activity invalidates any
// memoized assessment for the affected subscribers.
func (h *Handler) IngestActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "records is required",
		})
		return
	}

	subscribers := make(map[string]bool)
	for i := range req.Records {
		rec := &req.Records[i]
		if rec.SubscriberID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "every record needs a subscriberId",
			})
			return
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.StartTime.IsZero() {
			rec.StartTime = time.Now().UTC()
		}
		if rec.EndTime.IsZero() {
			rec.EndTime = rec.StartTime.Add(time.Duration(rec.Duration) * time.Second)
		}
		subscribers[rec.SubscriberID] = true
	}

	if err := h.store.SaveActivity(ctx, req.Records); err != nil {
		slog.Error("failed to save activity", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save activity",
		})
		return
	}

	for id := range subscribers {
		h.detector.Invalidate(ctx, id)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"saved":       len(req.Records),
		"subscribers": len(subscribers),
	})
}

// ListCustomRules handles GET /rules/custom.
func (h *Handler) ListCustomRules(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListCustomRules(r.Context())
	if err != nil {
		slog.Error("failed to list custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list custom rules",
		})
		return
	}

	loaded := 0
	if h.custom != nil {
		loaded = h.custom.RuleCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  configs,
		"count":  len(configs),
		"loaded": loaded,
	})
}

// CreateCustomRuleRequest is the request body for POST /rules/custom.
type CreateCustomRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Enabled     bool    `json:"enabled"`
}

// CreateCustomRule handles POST /rules/custom. The expression is validated
// against the CEL environment before the rule is persisted.
func (h *Handler) CreateCustomRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCustomRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	rule := &domain.CustomRuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Score:       req.Score,
		Confidence:  req.Confidence,
		Enabled:     req.Enabled,
	}

	if h.custom != nil {
		if err := h.custom.ValidateRule(rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid expression: " + err.Error(),
			})
			return
		}
	}

	if err := h.store.SaveCustomRule(ctx, rule); err != nil {
		slog.Error("failed to save custom rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("custom rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/custom/reload to apply changes.",
	})
}

// DeleteCustomRule handles DELETE /rules/custom/{id}.
func (h *Handler) DeleteCustomRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if err := h.store.DeleteCustomRule(ctx, ruleID); err != nil {
		slog.Error("failed to delete custom rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	// Auto-reload so deleted rules stop firing immediately.
	if h.custom != nil {
		if err := h.reloadCustomRules(r); err != nil {
			slog.Error("failed to reload custom rules after delete", "error", err)
		}
	}

	slog.Info("custom rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadCustomRules handles POST /rules/custom/reload: hot-reloads the
// enabled rules from the store into the CEL engine.
func (h *Handler) ReloadCustomRules(w http.ResponseWriter, r *http.Request) {
	if h.custom == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "custom rule engine not available",
		})
		return
	}

	if err := h.reloadCustomRules(r); err != nil {
		slog.Error("failed to reload custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("custom rules reloaded", "count", h.custom.RuleCount())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   h.custom.RuleCount(),
	})
}

func (h *Handler) reloadCustomRules(r *http.Request) error {
	configs, err := h.store.ListCustomRules(r.Context())
	if err != nil {
		return err
	}
	return h.custom.LoadRules(configs)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
