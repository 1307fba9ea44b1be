package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const scanBatch = 200

// ReconcileRepo implements biz.ReconcileRepo: raw counter access for drift
// checks and repairs, plus the audit history table.
type ReconcileRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *log.Helper
}

func NewReconcileRepo(db *gorm.DB, rdb *redis.Client, logger log.Logger) *ReconcileRepo {
	return &ReconcileRepo{
		db:     db,
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// ListCheckSubjects enumerates every subject with a configured quota limit or
// payment account; those are the subjects whose counters matter.
func (r *ReconcileRepo) ListCheckSubjects(ctx context.Context) ([]model.SubjectRef, error) {
	type subjectRow struct {
		SubjectType model.SubjectType
		SubjectID   int64
	}

	seen := make(map[model.SubjectRef]struct{})
	var out []model.SubjectRef
	add := func(rows []subjectRow) {
		for _, row := range rows {
			ref := model.SubjectRef{Type: row.SubjectType, ID: row.SubjectID}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}

	var limitRows []subjectRow
	if err := r.db.WithContext(ctx).Model(&QuotaLimit{}).
		Distinct("subject_type", "subject_id").Find(&limitRows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	add(limitRows)

	var accountRows []subjectRow
	if err := r.db.WithContext(ctx).Model(&PaymentAccount{}).
		Distinct("subject_type", "subject_id").Find(&accountRows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	add(accountRows)

	var providerIDs []int64
	if err := r.db.WithContext(ctx).Model(&Provider{}).
		Where("limit_5h > 0 OR limit_weekly > 0 OR limit_monthly > 0").
		Pluck("id", &providerIDs).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	for _, id := range providerIDs {
		ref := model.SubjectRef{Type: model.SubjectProvider, ID: id}
		if _, ok := seen[ref]; !ok {
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out, nil
}

func (r *ReconcileRepo) GetCachedValue(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, now time.Time) (*float64, error) {
	if r.rdb == nil {
		return nil, ErrCacheUnavailable
	}

	if window == model.Window5h {
		keys := rollingBucketKeys(subject, now)
		vals, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("read 5h buckets for %s: %w", subjectKey(subject), err)
		}
		sum := 0.0
		found := false
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				continue
			}
			found = true
			sum += f
		}
		if !found {
			return nil, nil
		}
		return &sum, nil
	}

	val, err := r.rdb.Get(ctx, costKey(subject, window, now)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s counter for %s: %w", window, subjectKey(subject), err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed %s counter for %s: %w", window, subjectKey(subject), err)
	}
	return &f, nil
}

func (r *ReconcileRepo) SetCachedValue(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, now time.Time) error {
	if r.rdb == nil {
		return ErrCacheUnavailable
	}
	if window == model.Window5h {
		return fmt.Errorf("5h rolling window is bucketed and cannot be overwritten as a scalar")
	}
	key := costKey(subject, window, now)
	if err := r.rdb.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), model.WindowTTL(window, now)).Err(); err != nil {
		return fmt.Errorf("overwrite %s counter for %s: %w", window, subjectKey(subject), err)
	}
	return nil
}

func (r *ReconcileRepo) Purge5hBuckets(ctx context.Context, subject model.SubjectRef) error {
	pattern := BuildCacheKey(CacheKeyCost, string(model.Window5h), subjectKey(subject), "*")
	deleted, err := r.deleteByPattern(ctx, pattern)
	if err != nil {
		return err
	}
	r.logger.Infof("purged %d 5h buckets for %s", deleted, subjectKey(subject))
	return nil
}

func (r *ReconcileRepo) DeleteAllCostKeys(ctx context.Context) (int64, error) {
	return r.deleteByPattern(ctx, BuildCacheKey(CacheKeyCost, "*"))
}

// deleteByPattern SCANs and deletes matching keys in batches; never KEYS.
func (r *ReconcileRepo) deleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if r.rdb == nil {
		return 0, ErrCacheUnavailable
	}
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete batch for %s: %w", pattern, err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (r *ReconcileRepo) SaveHistory(ctx context.Context, run *biz.ReconcileRun) error {
	row := &ConsistencyHistory{
		Trigger:           run.Trigger,
		Checked:           run.Checked,
		InconsistentCount: run.InconsistentCount,
		FixedCount:        run.FixedCount,
		TotalAbsDiff:      run.TotalAbsDiff,
		AvgDiffRate:       run.AvgDiffRate,
	}
	if len(run.Items) > 0 {
		details, err := json.Marshal(run.Items)
		if err != nil {
			r.logger.Warnf("failed to marshal reconciliation details: %v (row persisted without details)", err)
		} else {
			s := string(details)
			row.Details = &s
		}
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}
