package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/audit"
	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/models"
	"ratelimit-gateway/internal/policy"
	redisrepo "ratelimit-gateway/internal/repository/redis"
	"ratelimit-gateway/internal/repository/scylla"
	"ratelimit-gateway/internal/util"
)

// Response is the admin API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// AdminHandler exposes window inspection, counter resets and policy
// management.
type AdminHandler struct {
	limiter  *limiter.Limiter
	store    *redisrepo.WindowStore
	policies scylla.PolicyRepository // nil when the policy store is disabled
	resolver *policy.Resolver
	audit    *audit.Recorder // nil when audit sinks are disabled
	logger   *zap.Logger
}

func NewAdminHandler(lim *limiter.Limiter, store *redisrepo.WindowStore,
	policies scylla.PolicyRepository, resolver *policy.Resolver,
	auditRec *audit.Recorder, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		limiter:  lim,
		store:    store,
		policies: policies,
		resolver: resolver,
		audit:    auditRec,
		logger:   logger,
	}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/limits", func(r chi.Router) {
		r.Get("/{clientID}", h.GetWindow)
		r.Delete("/{clientID}", h.ResetWindow)
	})
	router.Route("/policies", func(r chi.Router) {
		r.Get("/", h.ListPolicies)
		r.Get("/{clientID}", h.GetPolicy)
		r.Put("/{clientID}", h.UpsertPolicy)
		r.Delete("/{clientID}", h.DeletePolicy)
	})
	router.Get("/stats", h.Stats)
}

// GetWindow returns a client's live window counters and effective policy.
func (h *AdminHandler) GetWindow(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("client id is required"), "Client ID is required")
		return
	}

	now := time.Now()
	info, err := h.store.Info(r.Context(), clientID, now.UnixMilli(), h.limiter.Window().Milliseconds())
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to read window state")
		return
	}

	resolution := h.resolver.Resolve(r.Context(), clientID, limiter.TierStandard)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"window":       info,
		"tier":         resolution.Tier,
		"limit":        resolution.Limit,
		"limit_source": resolution.Source,
	}, "Window state retrieved"))
}

// ResetWindow clears a client's counters in the store and the local fallback.
func (h *AdminHandler) ResetWindow(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("client id is required"), "Client ID is required")
		return
	}

	if err := h.limiter.ResetClient(r.Context(), clientID); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to reset window")
		return
	}

	h.logger.Info("window counters reset by admin", util.String("client_id", clientID))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Window counters reset"))
}

// GetPolicy returns a client's persisted policy override.
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if h.policies == nil {
		h.respondWithError(w, http.StatusNotImplemented, errors.New("policy store disabled"), "Policy store is not enabled")
		return
	}

	clientID := chi.URLParam(r, "clientID")
	persisted, err := h.policies.GetPolicy(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, scylla.ErrPolicyNotFound) {
			h.respondWithError(w, http.StatusNotFound, err, "No policy override for client")
			return
		}
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to get policy")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(persisted, "Policy retrieved"))
}

// ListPolicies returns every persisted policy override.
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policies == nil {
		h.respondWithError(w, http.StatusNotImplemented, errors.New("policy store disabled"), "Policy store is not enabled")
		return
	}

	policies, err := h.policies.ListPolicies(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to list policies")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	}, "Policies retrieved"))
}

type upsertPolicyRequest struct {
	Tier          string `json:"tier"`
	LimitOverride int64  `json:"limit_override"`
	Note          string `json:"note"`
}

// UpsertPolicy creates or replaces a client's policy override.
func (h *AdminHandler) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	if h.policies == nil {
		h.respondWithError(w, http.StatusNotImplemented, errors.New("policy store disabled"), "Policy store is not enabled")
		return
	}

	clientID := chi.URLParam(r, "clientID")

	var req upsertPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.LimitOverride < 0 {
		h.respondWithError(w, http.StatusBadRequest, errors.New("limit_override must not be negative"), "Invalid limit override")
		return
	}

	persisted := &models.RateLimitPolicy{
		ClientID:      clientID,
		Tier:          limiter.ParseTier(req.Tier).String(),
		LimitOverride: req.LimitOverride,
		Note:          req.Note,
	}
	if err := h.policies.UpsertPolicy(r.Context(), persisted); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to upsert policy")
		return
	}

	h.resolver.Invalidate(clientID)
	h.respondWithJSON(w, http.StatusOK, successResponse(persisted, "Policy upserted"))
}

// DeletePolicy removes a client's policy override.
func (h *AdminHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if h.policies == nil {
		h.respondWithError(w, http.StatusNotImplemented, errors.New("policy store disabled"), "Policy store is not enabled")
		return
	}

	clientID := chi.URLParam(r, "clientID")
	if err := h.policies.DeletePolicy(r.Context(), clientID); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to delete policy")
		return
	}

	h.resolver.Invalidate(clientID)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Policy deleted"))
}

// Stats reports limiter and audit pipeline counters.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"limiter": h.limiter.Stats(),
	}

	if active, err := h.store.ActiveClients(r.Context()); err == nil {
		stats["active_clients"] = active
	}
	if h.audit != nil {
		stats["audit_events_dropped"] = h.audit.Dropped()
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats retrieved"))
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
