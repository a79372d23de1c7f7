package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/bucketing"
	"ratelimit-gateway/internal/models"
)

// ErrPolicyNotFound reports that a client has no persisted override.
var ErrPolicyNotFound = errors.New("rate limit policy not found")

// PolicyRepository persists per-client rate-limit policy overrides.
type PolicyRepository interface {
	GetPolicy(ctx context.Context, clientID string) (*models.RateLimitPolicy, error)
	UpsertPolicy(ctx context.Context, policy *models.RateLimitPolicy) error
	DeletePolicy(ctx context.Context, clientID string) error
	ListPolicies(ctx context.Context) ([]*models.RateLimitPolicy, error)
	HealthCheck(ctx context.Context) error
}

type policyRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

func NewPolicyRepository(client *ScyllaClient, bm *bucketing.BucketingManager, logger *zap.Logger) PolicyRepository {
	return &policyRepository{
		client:    client,
		bucketing: bm,
		logger:    logger,
	}
}

func (r *policyRepository) GetPolicy(ctx context.Context, clientID string) (*models.RateLimitPolicy, error) {
	bucket := r.bucketing.ClientBucket(clientID)

	policy := &models.RateLimitPolicy{Bucket: bucket}
	err := r.client.Prepared.GetPolicy.WithContext(ctx).Bind(bucket, clientID).Scan(
		&policy.ClientID,
		&policy.Tier,
		&policy.LimitOverride,
		&policy.Note,
		&policy.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get rate limit policy: %w", err)
	}
	return policy, nil
}

func (r *policyRepository) UpsertPolicy(ctx context.Context, policy *models.RateLimitPolicy) error {
	bucket := r.bucketing.ClientBucket(policy.ClientID)
	policy.Bucket = bucket
	policy.UpdatedAt = time.Now().UTC()

	err := r.client.Prepared.UpsertPolicy.WithContext(ctx).Bind(
		bucket,
		policy.ClientID,
		policy.Tier,
		policy.LimitOverride,
		policy.Note,
		policy.UpdatedAt,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit policy: %w", err)
	}

	r.logger.Info("rate limit policy upserted",
		zap.String("client_id", policy.ClientID),
		zap.String("tier", policy.Tier),
		zap.Int64("limit_override", policy.LimitOverride))
	return nil
}

func (r *policyRepository) DeletePolicy(ctx context.Context, clientID string) error {
	bucket := r.bucketing.ClientBucket(clientID)

	err := r.client.Prepared.DeletePolicy.WithContext(ctx).Bind(bucket, clientID).Exec()
	if err != nil {
		return fmt.Errorf("failed to delete rate limit policy: %w", err)
	}

	r.logger.Info("rate limit policy deleted", zap.String("client_id", clientID))
	return nil
}

// ListPolicies walks every client partition. Overrides are admin-curated and
// few; the scan stays cheap.
func (r *policyRepository) ListPolicies(ctx context.Context) ([]*models.RateLimitPolicy, error) {
	policies := make([]*models.RateLimitPolicy, 0)

	for bucket := 0; bucket < r.bucketing.ClientBucketCount(); bucket++ {
		iter := r.client.Prepared.ListPolicies.WithContext(ctx).Bind(bucket).Iter()

		var p models.RateLimitPolicy
		for iter.Scan(&p.ClientID, &p.Tier, &p.LimitOverride, &p.Note, &p.UpdatedAt) {
			copied := p
			copied.Bucket = bucket
			policies = append(policies, &copied)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to list rate limit policies: %w", err)
		}
	}
	return policies, nil
}

func (r *policyRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
