package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"RelayCore/internal/conf"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// stickyEntry is the JSON blob behind sticky:{sessionID}.
type stickyEntry struct {
	ProviderID int64     `json:"provider_id"`
	PinnedAt   time.Time `json:"pinned_at"`
}

// SessionRepo implements biz.SessionRepo: sticky pins as JSON blobs with a
// sliding TTL, scoped membership as ZSETs scored by last-activity time under
// sessions:{scope}:{id}. Earlier deployments stored membership as flat SETs;
// reads normalize that representation to the ZSET in place.
type SessionRepo struct {
	cache  CacheClient
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Helper
}

func NewSessionRepo(cache CacheClient, rdb *redis.Client, c *conf.Routing, logger log.Logger) *SessionRepo {
	ttl := TTLSticky
	if c != nil && c.SessionTTL != nil && c.SessionTTL.AsDuration() > 0 {
		ttl = c.SessionTTL.AsDuration()
	}
	return &SessionRepo{
		cache:  cache,
		rdb:    rdb,
		ttl:    ttl,
		logger: log.NewHelper(logger),
	}
}

func stickyKey(sessionID string) string {
	return BuildCacheKey(CacheKeySticky, sessionID)
}

func sessionsKey(scope model.SubjectRef) string {
	return BuildCacheKey(CacheKeySessions, string(scope.Type), strconv.FormatInt(scope.ID, 10))
}

func providerScope(providerID int64) model.SubjectRef {
	return model.SubjectRef{Type: model.SubjectProvider, ID: providerID}
}

func (r *SessionRepo) GetSticky(ctx context.Context, sessionID string) (int64, bool, error) {
	var entry stickyEntry
	err := r.cache.Get(ctx, stickyKey(sessionID), &entry)
	if errors.Is(err, ErrCacheNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return entry.ProviderID, true, nil
}

func (r *SessionRepo) PinSticky(ctx context.Context, sessionID string, providerID int64) error {
	entry := stickyEntry{ProviderID: providerID, PinnedAt: time.Now()}
	return r.cache.Set(ctx, stickyKey(sessionID), entry, r.ttl)
}

func (r *SessionRepo) ConcurrentCount(ctx context.Context, scope model.SubjectRef, now time.Time) (int64, error) {
	if r.rdb == nil {
		return 0, ErrCacheUnavailable
	}
	key := sessionsKey(scope)
	if err := r.normalizeMembership(ctx, key, now); err != nil {
		return 0, err
	}

	// Lazy cleanup: prune members whose last activity fell out of the
	// affinity window, then count what remains.
	horizon := strconv.FormatInt(now.Add(-r.ttl).Unix(), 10)
	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", horizon)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count sessions for %s %d: %w", scope.Type, scope.ID, err)
	}
	return card.Val(), nil
}

// normalizeMembership migrates a legacy flat-SET membership key to the ZSET
// representation, scoring every member at now.
func (r *SessionRepo) normalizeMembership(ctx context.Context, key string, now time.Time) error {
	kind, err := r.rdb.Type(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("inspect membership key %s: %w", key, err)
	}
	if kind != "set" {
		return nil
	}

	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read legacy membership %s: %w", key, err)
	}
	r.logger.Infof("migrating legacy session set %s (%d members) to scored form", key, len(members))

	zs := make([]redis.Z, 0, len(members))
	score := float64(now.Unix())
	for _, m := range members {
		zs = append(zs, redis.Z{Score: score, Member: m})
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(zs) > 0 {
		pipe.ZAdd(ctx, key, zs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("migrate legacy membership %s: %w", key, err)
	}
	return nil
}

func (r *SessionRepo) TrackRequest(ctx context.Context, providerID int64, requestID string, now time.Time) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}
	key := sessionsKey(providerScope(providerID))
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: requestID})
	// The set self-destructs if the process dies before untracking.
	pipe.Expire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track request %s on provider %d: %w", requestID, providerID, err)
	}
	return nil
}

func (r *SessionRepo) UntrackRequest(ctx context.Context, providerID int64, requestID string) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}
	if err := r.rdb.ZRem(ctx, sessionsKey(providerScope(providerID)), requestID).Err(); err != nil {
		return fmt.Errorf("untrack request %s on provider %d: %w", requestID, providerID, err)
	}
	return nil
}

func (r *SessionRepo) TouchSession(ctx context.Context, sessionID string, scopes []model.SubjectRef, now time.Time) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}
	if len(scopes) == 0 {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	for _, scope := range scopes {
		key := sessionsKey(scope)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: sessionID})
		pipe.Expire(ctx, key, 2*r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}
