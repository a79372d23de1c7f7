package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/models"
	"ratelimit-gateway/internal/policy"
	"ratelimit-gateway/internal/repository/scylla"
)

type fakeWindowStore struct {
	mu     sync.Mutex
	resets []string
}

func (s *fakeWindowStore) Take(ctx context.Context, clientID string, nowMs, windowMs, limit int64) (limiter.TakeResult, error) {
	return limiter.TakeResult{}, nil
}

func (s *fakeWindowStore) Counts(ctx context.Context, clientID string, nowMs, windowMs int64) (int64, int64, error) {
	return 0, 0, nil
}

func (s *fakeWindowStore) Reset(ctx context.Context, clientID string, nowMs, windowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, clientID)
	return nil
}

func (s *fakeWindowStore) Ping(ctx context.Context) error { return nil }

type fakePolicyRepo struct {
	mu       sync.Mutex
	policies map[string]*models.RateLimitPolicy
}

func newFakePolicyRepo() *fakePolicyRepo {
	return &fakePolicyRepo{policies: make(map[string]*models.RateLimitPolicy)}
}

func (r *fakePolicyRepo) GetPolicy(ctx context.Context, clientID string) (*models.RateLimitPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[clientID]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, scylla.ErrPolicyNotFound
}

func (r *fakePolicyRepo) UpsertPolicy(ctx context.Context, p *models.RateLimitPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ClientID] = p
	return nil
}

func (r *fakePolicyRepo) DeletePolicy(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, clientID)
	return nil
}

func (r *fakePolicyRepo) ListPolicies(ctx context.Context) ([]*models.RateLimitPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.RateLimitPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakePolicyRepo) HealthCheck(ctx context.Context) error { return nil }

func newAdminRouter(repo scylla.PolicyRepository, windowStore *fakeWindowStore) chi.Router {
	lim := limiter.New(limiter.Config{
		StandardLimit: 100,
		PremiumLimit:  1000,
		Window:        time.Minute,
	}, limiter.BreakerConfig{}, windowStore, zap.NewNop())

	resolver := policy.NewResolver(repo, policy.Defaults{
		StandardLimit: 100,
		PremiumLimit:  1000,
	}, time.Minute, zap.NewNop())

	h := NewAdminHandler(lim, nil, repo, resolver, nil, zap.NewNop())
	router := chi.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response envelope: %v", err)
	}
	return resp
}

func TestGetPolicyNotFound(t *testing.T) {
	router := newAdminRouter(newFakePolicyRepo(), &fakeWindowStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policies/client-a", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Success {
		t.Error("success = true on a 404")
	}
}

func TestUpsertAndGetPolicy(t *testing.T) {
	repo := newFakePolicyRepo()
	router := newAdminRouter(repo, &fakeWindowStore{})

	body, _ := json.Marshal(map[string]interface{}{
		"tier":           "premium",
		"limit_override": 250,
		"note":           "partner integration",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/policies/client-a", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, want 200", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); !resp.Success {
		t.Errorf("upsert success = false: %s", resp.Error)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policies/client-a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}

	stored := repo.policies["client-a"]
	if stored == nil {
		t.Fatal("policy was not persisted")
	}
	if stored.Tier != "premium" || stored.LimitOverride != 250 {
		t.Errorf("persisted policy = %q/%d, want premium/250", stored.Tier, stored.LimitOverride)
	}
}

func TestUpsertPolicyNormalizesUnknownTier(t *testing.T) {
	repo := newFakePolicyRepo()
	router := newAdminRouter(repo, &fakeWindowStore{})

	body, _ := json.Marshal(map[string]interface{}{"tier": "gold"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/policies/client-a", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := repo.policies["client-a"].Tier; got != "standard" {
		t.Errorf("tier = %q, want standard", got)
	}
}

func TestUpsertPolicyRejectsNegativeOverride(t *testing.T) {
	router := newAdminRouter(newFakePolicyRepo(), &fakeWindowStore{})

	body, _ := json.Marshal(map[string]interface{}{"limit_override": -10})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/policies/client-a", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpsertPolicyRejectsMalformedBody(t *testing.T) {
	router := newAdminRouter(newFakePolicyRepo(), &fakeWindowStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/policies/client-a", bytes.NewReader([]byte("{not json"))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeletePolicy(t *testing.T) {
	repo := newFakePolicyRepo()
	repo.policies["client-a"] = &models.RateLimitPolicy{ClientID: "client-a", Tier: "premium"}
	router := newAdminRouter(repo, &fakeWindowStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/policies/client-a", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := repo.policies["client-a"]; ok {
		t.Error("policy still present after delete")
	}
}

func TestListPolicies(t *testing.T) {
	repo := newFakePolicyRepo()
	repo.policies["client-a"] = &models.RateLimitPolicy{ClientID: "client-a", Tier: "premium"}
	repo.policies["client-b"] = &models.RateLimitPolicy{ClientID: "client-b", Tier: "standard", LimitOverride: 10}
	router := newAdminRouter(repo, &fakeWindowStore{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policies/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %s", resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data has unexpected shape: %T", resp.Data)
	}
	if count, _ := data["count"].(float64); count != 2 {
		t.Errorf("count = %v, want 2", data["count"])
	}
}

func TestPolicyEndpointsWithoutStore(t *testing.T) {
	lim := limiter.New(limiter.Config{
		StandardLimit: 100,
		PremiumLimit:  1000,
		Window:        time.Minute,
	}, limiter.BreakerConfig{}, &fakeWindowStore{}, zap.NewNop())
	resolver := policy.NewResolver(nil, policy.Defaults{StandardLimit: 100, PremiumLimit: 1000}, time.Minute, zap.NewNop())

	h := NewAdminHandler(lim, nil, nil, resolver, nil, zap.NewNop())
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/policies/client-a", nil))
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", method, rec.Code)
		}
	}
}

func TestResetWindow(t *testing.T) {
	store := &fakeWindowStore{}
	router := newAdminRouter(newFakePolicyRepo(), store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/limits/client-a", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(store.resets) != 1 || store.resets[0] != "client-a" {
		t.Errorf("store resets = %v, want [client-a]", store.resets)
	}
}
