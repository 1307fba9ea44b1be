package biz

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"RelayCore/internal/conf"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// ErrReconcileInFlight means a reconciliation pass is already running; the
// trigger is skipped, not queued.
var ErrReconcileInFlight = errors.New(409, "RECONCILE_IN_FLIGHT", "a reconciliation pass is already running")

// ReconcileRepo is the cache-side surface of the reconciler plus its audit
// trail.
type ReconcileRepo interface {
	// ListCheckSubjects enumerates the subjects with spend activity worth
	// checking (ledger-derived).
	ListCheckSubjects(ctx context.Context) ([]model.SubjectRef, error)
	// GetCachedValue reads the raw cached counter for the window containing
	// now; nil means the cache holds no entry.
	GetCachedValue(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, now time.Time) (*float64, error)
	// SetCachedValue overwrites a scalar counter with the window-correct
	// TTL. Rejects the 5h window.
	SetCachedValue(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, now time.Time) error
	// Purge5hBuckets deletes the subject's hour buckets; the rolling window
	// rehydrates lazily from the ledger.
	Purge5hBuckets(ctx context.Context, subject model.SubjectRef) error
	// DeleteAllCostKeys removes every cached cost counter, returning the
	// number of keys deleted.
	DeleteAllCostKeys(ctx context.Context) (int64, error)
	// SaveHistory appends one audit row per pass.
	SaveHistory(ctx context.Context, run *ReconcileRun) error
}

// ReconcileRun is one pass's audit record.
type ReconcileRun struct {
	Trigger           model.ReconcileTrigger
	Checked           int
	InconsistentCount int
	FixedCount        int
	TotalAbsDiff      float64
	AvgDiffRate       float64
	Items             []model.ConsistencyCheckItem
}

// CheckRequest scopes one reconciliation pass. Empty Subjects means every
// subject with ledger activity; empty Windows means all five.
type CheckRequest struct {
	Subjects      []model.SubjectRef
	Windows       []model.QuotaWindow
	ThresholdUSD  float64
	ThresholdRate float64
}

// ConsistencyReconciler compares cached counters against the ledger and
// repairs drift.
type ConsistencyReconciler struct {
	repo   ReconcileRepo
	ledger LedgerRepo

	thresholdUSD  float64
	thresholdRate float64

	inFlight atomic.Bool

	nowFn  func() time.Time
	logger *log.Helper
}

func NewConsistencyReconciler(repo ReconcileRepo, ledger LedgerRepo, c *conf.Reconcile, logger log.Logger) *ConsistencyReconciler {
	thresholdUSD := 0.01
	thresholdRate := 5.0
	if c != nil {
		if c.ThresholdUsd > 0 {
			thresholdUSD = c.ThresholdUsd
		}
		if c.ThresholdRate > 0 {
			thresholdRate = c.ThresholdRate
		}
	}
	return &ConsistencyReconciler{
		repo:          repo,
		ledger:        ledger,
		thresholdUSD:  thresholdUSD,
		thresholdRate: thresholdRate,
		nowFn:         time.Now,
		logger:        log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *ConsistencyReconciler) SetNowFunc(now func() time.Time) {
	r.nowFn = now
}

// CheckAll runs one reconciliation pass. Only one pass runs at a time; a
// concurrent trigger returns ErrReconcileInFlight.
func (r *ConsistencyReconciler) CheckAll(ctx context.Context, req *CheckRequest) (*model.ConsistencyCheckResult, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return nil, ErrReconcileInFlight
	}
	defer r.inFlight.Store(false)
	return r.checkLocked(ctx, req)
}

func (r *ConsistencyReconciler) checkLocked(ctx context.Context, req *CheckRequest) (*model.ConsistencyCheckResult, error) {
	if req == nil {
		req = &CheckRequest{}
	}
	thresholdUSD := req.ThresholdUSD
	if thresholdUSD <= 0 {
		thresholdUSD = r.thresholdUSD
	}
	thresholdRate := req.ThresholdRate
	if thresholdRate <= 0 {
		thresholdRate = r.thresholdRate
	}
	windows := req.Windows
	if len(windows) == 0 {
		windows = model.AllWindows
	}

	subjects := req.Subjects
	if len(subjects) == 0 {
		var err error
		subjects, err = r.repo.ListCheckSubjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate check subjects: %w", err)
		}
	}

	result := &model.ConsistencyCheckResult{StartedAt: r.nowFn()}
	rateSum := 0.0
	rateCount := 0

	for _, subject := range subjects {
		for _, window := range windows {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			item, err := r.checkOne(ctx, subject, window, thresholdUSD, thresholdRate)
			if err != nil {
				r.logger.Warnf("consistency check failed for %s:%d window %s: %v (skipped)",
					subject.Type, subject.ID, window, err)
				continue
			}
			result.Items = append(result.Items, item)
			result.Checked++
			if item.Status != model.StatusConsistent {
				result.InconsistentCount++
				result.TotalAbsDiff += math.Abs(item.Difference)
			}
			if item.DatabaseValue > 0 {
				rateSum += item.DifferenceRate
				rateCount++
			}
		}
	}

	if rateCount > 0 {
		result.AvgDiffRate = rateSum / float64(rateCount)
	}
	result.FinishedAt = r.nowFn()
	return result, nil
}

// checkOne computes the cached and authoritative values independently and
// classifies the pair.
func (r *ConsistencyReconciler) checkOne(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, thresholdUSD, thresholdRate float64) (model.ConsistencyCheckItem, error) {
	now := r.nowFn()
	item := model.ConsistencyCheckItem{Subject: subject, Window: window}

	cached, err := r.repo.GetCachedValue(ctx, subject, window, now)
	if err != nil {
		return item, err
	}
	item.RedisValue = cached

	dbValue, err := r.ledger.SumCostInRange(ctx, subject, model.WindowStart(window, now), now)
	if err != nil {
		return item, err
	}
	item.DatabaseValue = dbValue

	switch {
	case cached == nil && dbValue == 0:
		item.Status = model.StatusConsistent
	case cached == nil:
		item.Difference = -dbValue
		item.DifferenceRate = 100
		item.Status = model.StatusRedisMissing
	default:
		item.Difference = *cached - dbValue
		if dbValue > 0 {
			item.DifferenceRate = math.Abs(item.Difference) / dbValue * 100
		} else if *cached > 0 {
			item.Status = model.StatusDatabaseMissing
			item.DifferenceRate = 100
			return item, nil
		}
		if math.Abs(item.Difference) >= thresholdUSD || item.DifferenceRate >= thresholdRate {
			item.Status = model.StatusInconsistent
		} else {
			item.Status = model.StatusConsistent
		}
	}
	return item, nil
}

// CheckAndFix runs one check pass and repairs every drifted item before
// releasing the in-flight guard, so no other pass can interleave between the
// check and the fix.
func (r *ConsistencyReconciler) CheckAndFix(ctx context.Context, req *CheckRequest) (*model.ConsistencyCheckResult, int, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return nil, 0, ErrReconcileInFlight
	}
	defer r.inFlight.Store(false)

	result, err := r.checkLocked(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	fixed := r.FixAll(ctx, result)
	r.recordHistory(ctx, runFromResult(model.TriggerManual, result, fixed))
	return result, fixed, nil
}

// FixItem repairs one drifted pair: scalar windows are overwritten from the
// ledger; the 5h rolling window is repaired by purging its hour buckets and
// letting the read path rehydrate from the ledger.
func (r *ConsistencyReconciler) FixItem(ctx context.Context, item *model.ConsistencyCheckItem) error {
	now := r.nowFn()
	if item.Window == model.Window5h {
		return r.repo.Purge5hBuckets(ctx, item.Subject)
	}

	authoritative, err := r.ledger.SumCostInRange(ctx, item.Subject, model.WindowStart(item.Window, now), now)
	if err != nil {
		return fmt.Errorf("recompute %s for %s:%d: %w", item.Window, item.Subject.Type, item.Subject.ID, err)
	}
	return r.repo.SetCachedValue(ctx, item.Subject, item.Window, authoritative, now)
}

// FixAll repairs every non-consistent item in the result, returning how many
// were fixed. Per-item failures are logged and skipped.
func (r *ConsistencyReconciler) FixAll(ctx context.Context, result *model.ConsistencyCheckResult) int {
	fixed := 0
	for i := range result.Items {
		item := &result.Items[i]
		if item.Status == model.StatusConsistent {
			continue
		}
		if err := r.FixItem(ctx, item); err != nil {
			r.logger.Warnf("fix failed for %s:%d window %s: %v",
				item.Subject.Type, item.Subject.ID, item.Window, err)
			continue
		}
		fixed++
	}
	return fixed
}

// GlobalRebuild deletes every cached cost counter, relying on lazy
// rehydration from the ledger. Destructive; requires the explicit confirm
// flag and is never run automatically.
func (r *ConsistencyReconciler) GlobalRebuild(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, errors.New(400, "REBUILD_NOT_CONFIRMED", "global rebuild requires explicit confirmation")
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return 0, ErrReconcileInFlight
	}
	defer r.inFlight.Store(false)

	deleted, err := r.repo.DeleteAllCostKeys(ctx)
	if err != nil {
		return deleted, err
	}
	r.logger.Warnf("global cost counter rebuild: %d keys deleted", deleted)
	r.recordHistory(ctx, &ReconcileRun{Trigger: model.TriggerManual, FixedCount: int(deleted)})
	return deleted, nil
}

// RunScheduled is the scheduler entry point: one check pass, one audit row,
// and when autoFix is set a follow-up fix pass with its own audit row.
func (r *ConsistencyReconciler) RunScheduled(ctx context.Context, autoFix bool) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Info("scheduled reconciliation skipped: pass already in flight")
		return
	}
	defer r.inFlight.Store(false)

	result, err := r.checkLocked(ctx, nil)
	if err != nil {
		r.logger.Errorf("scheduled reconciliation failed: %v", err)
		return
	}
	r.logger.Infof("scheduled reconciliation: %d checked, %d inconsistent, total drift %.6f",
		result.Checked, result.InconsistentCount, result.TotalAbsDiff)
	r.recordHistory(ctx, runFromResult(model.TriggerScheduled, result, 0))

	if autoFix && result.InconsistentCount > 0 {
		fixed := r.FixAll(ctx, result)
		r.logger.Infof("auto-fix pass: %d of %d repaired", fixed, result.InconsistentCount)
		r.recordHistory(ctx, runFromResult(model.TriggerAutoFix, result, fixed))
	}
}

func (r *ConsistencyReconciler) recordHistory(ctx context.Context, run *ReconcileRun) {
	if err := r.repo.SaveHistory(ctx, run); err != nil {
		r.logger.Warnf("failed to persist reconciliation history: %v", err)
	}
}

func runFromResult(trigger model.ReconcileTrigger, result *model.ConsistencyCheckResult, fixed int) *ReconcileRun {
	run := &ReconcileRun{
		Trigger:           trigger,
		Checked:           result.Checked,
		InconsistentCount: result.InconsistentCount,
		FixedCount:        fixed,
		TotalAbsDiff:      result.TotalAbsDiff,
		AvgDiffRate:       result.AvgDiffRate,
	}
	for _, item := range result.Items {
		if item.Status != model.StatusConsistent {
			run.Items = append(run.Items, item)
		}
	}
	return run
}
