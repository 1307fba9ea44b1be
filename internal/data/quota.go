package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// quotaCacheRepo implements biz.QuotaCacheRepo on raw Redis counters. All
// mutations go through INCRBYFLOAT so concurrent writers never lose updates.
type quotaCacheRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewQuotaCacheRepo creates the Redis-backed spend counter store.
func NewQuotaCacheRepo(rdb *redis.Client, logger log.Logger) biz.QuotaCacheRepo {
	return &quotaCacheRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// subjectKey renders a subject as a key segment: "key:7", "provider:42".
func subjectKey(subject model.SubjectRef) string {
	return fmt.Sprintf("%s:%d", subject.Type, subject.ID)
}

// costKey builds the scalar counter key for a window, embedding the window
// boundary so parallel windows never collide.
func costKey(subject model.SubjectRef, window model.QuotaWindow, now time.Time) string {
	var boundary string
	switch window {
	case model.WindowDaily, model.WindowWeekly:
		boundary = model.WindowStart(window, now).Format("20060102")
	case model.WindowMonthly:
		boundary = model.WindowStart(window, now).Format("200601")
	default: // total
		boundary = "all"
	}
	return BuildCacheKey(CacheKeyCost, string(window), subjectKey(subject), boundary)
}

// hourBucketKey builds one hourly bucket key of the 5h rolling window.
func hourBucketKey(subject model.SubjectRef, unixHour int64) string {
	return BuildCacheKey(CacheKeyCost, string(model.Window5h), subjectKey(subject), strconv.FormatInt(unixHour, 10))
}

// rollingBucketKeys lists the bucket keys covering [now-5h, now], oldest
// first. Six buckets: the partial oldest hour plus five full ones.
func rollingBucketKeys(subject model.SubjectRef, now time.Time) []string {
	newest := now.Unix() / 3600
	oldest := now.Add(-model.RollingWindow5h).Unix() / 3600
	keys := make([]string, 0, newest-oldest+1)
	for h := oldest; h <= newest; h++ {
		keys = append(keys, hourBucketKey(subject, h))
	}
	return keys
}

func (r *quotaCacheRepo) GetWindowSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, now time.Time) (float64, bool, error) {
	if r.rdb == nil {
		return 0, false, ErrCacheUnavailable
	}

	if window == model.Window5h {
		keys := rollingBucketKeys(subject, now)
		vals, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return 0, false, fmt.Errorf("mget 5h buckets for %s: %w", subjectKey(subject), err)
		}
		sum := 0.0
		found := false
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			found = true
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				r.logger.Warnf("malformed 5h bucket value %q for %s: %v", s, subjectKey(subject), err)
				continue
			}
			sum += f
		}
		return sum, found, nil
	}

	val, err := r.rdb.Get(ctx, costKey(subject, window, now)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s counter for %s: %w", window, subjectKey(subject), err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed %s counter for %s: %w", window, subjectKey(subject), err)
	}
	return f, true, nil
}

func (r *quotaCacheRepo) AddSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, amount float64, now time.Time) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}

	var key string
	var ttl time.Duration
	if window == model.Window5h {
		key = hourBucketKey(subject, now.Unix()/3600)
		ttl = TTLHourBucket
	} else {
		key = costKey(subject, window, now)
		ttl = model.WindowTTL(window, now)
	}

	pipe := r.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr %s counter for %s: %w", window, subjectKey(subject), err)
	}
	return nil
}

func (r *quotaCacheRepo) SetWindowSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, now time.Time) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}
	if window == model.Window5h {
		return fmt.Errorf("5h rolling window is bucketed and cannot be overwritten as a scalar")
	}
	key := costKey(subject, window, now)
	if err := r.rdb.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), model.WindowTTL(window, now)).Err(); err != nil {
		return fmt.Errorf("set %s counter for %s: %w", window, subjectKey(subject), err)
	}
	return nil
}
