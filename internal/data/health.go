package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"RelayCore/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
)

// breakerConfigCacheTTL bounds how stale an admin-edited breaker config can
// be observed by the hot path.
const breakerConfigCacheTTL = 5 * time.Minute

// HealthRepo implements biz.HealthRepo: circuit snapshots live in the shared
// cache, breaker configs in MySQL behind an expirable in-process LRU.
type HealthRepo struct {
	db     *gorm.DB
	cache  CacheClient
	cfgLRU *expirable.LRU[int64, biz.BreakerConfig]
	logger *log.Helper
}

// NewHealthRepo creates a new health repository.
func NewHealthRepo(db *gorm.DB, cache CacheClient, logger log.Logger) *HealthRepo {
	return &HealthRepo{
		db:     db,
		cache:  cache,
		cfgLRU: expirable.NewLRU[int64, biz.BreakerConfig](1024, nil, breakerConfigCacheTTL),
		logger: log.NewHelper(logger),
	}
}

func healthKey(providerID int64) string {
	return BuildCacheKey(CacheKeyHealth, strconv.FormatInt(providerID, 10))
}

// SaveSnapshot writes the health entry to the shared cache with a 24h TTL so
// a restarted process or a peer instance can rehydrate it.
func (r *HealthRepo) SaveSnapshot(ctx context.Context, h *biz.ProviderHealth) error {
	if err := r.cache.Set(ctx, healthKey(h.ProviderID), h, TTLHealthSnapshot); err != nil {
		return fmt.Errorf("failed to persist health snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns (nil, nil) when no snapshot exists.
func (r *HealthRepo) LoadSnapshot(ctx context.Context, providerID int64) (*biz.ProviderHealth, error) {
	var h biz.ProviderHealth
	err := r.cache.Get(ctx, healthKey(providerID), &h)
	if errors.Is(err, ErrCacheNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// LoadBreakerConfig returns the provider's breaker config. Results are cached
// in-process for five minutes. Any load failure, including a missing row,
// falls back to the hard-coded default so a configuration fault never blocks
// requests.
func (r *HealthRepo) LoadBreakerConfig(ctx context.Context, providerID int64) biz.BreakerConfig {
	if cfg, ok := r.cfgLRU.Get(providerID); ok {
		return cfg
	}

	var row CircuitBreakerConfigRow
	err := r.db.WithContext(ctx).Where("provider_id = ?", providerID).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warnw("msg", "failed to load breaker config (using default)",
				"provider_id", providerID, "error", err)
		}
		r.cfgLRU.Add(providerID, biz.DefaultBreakerConfig)
		return biz.DefaultBreakerConfig
	}

	cfg := biz.BreakerConfig{
		FailureThreshold:         row.FailureThreshold,
		OpenDuration:             time.Duration(row.OpenDurationSeconds) * time.Second,
		HalfOpenSuccessThreshold: row.HalfOpenSuccessThreshold,
	}
	if cfg.FailureThreshold == 0 || cfg.OpenDuration <= 0 || cfg.HalfOpenSuccessThreshold == 0 {
		r.logger.Warnw("msg", "malformed breaker config row (using default)", "provider_id", providerID)
		cfg = biz.DefaultBreakerConfig
	}

	r.cfgLRU.Add(providerID, cfg)
	return cfg
}

// InvalidateBreakerConfig drops the cached config after an admin edit.
func (r *HealthRepo) InvalidateBreakerConfig(providerID int64) {
	r.cfgLRU.Remove(providerID)
}
