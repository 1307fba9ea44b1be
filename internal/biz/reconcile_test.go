package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"RelayCore/internal/conf"
	"RelayCore/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconcileRepo struct {
	mu         sync.Mutex
	subjects   []model.SubjectRef
	cached     map[string]float64
	purged     []model.SubjectRef
	history    []*ReconcileRun
	deleted    int64
	entered    chan struct{}
	block      chan struct{}
	fixEntered chan struct{}
	fixBlock   chan struct{}
}

func newFakeReconcileRepo() *fakeReconcileRepo {
	return &fakeReconcileRepo{cached: make(map[string]float64)}
}

func (f *fakeReconcileRepo) seed(subject model.SubjectRef, window model.QuotaWindow, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[cacheKey(subject, window)] = v
}

func (f *fakeReconcileRepo) ListCheckSubjects(_ context.Context) ([]model.SubjectRef, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subjects, nil
}

func (f *fakeReconcileRepo) GetCachedValue(_ context.Context, subject model.SubjectRef, window model.QuotaWindow, _ time.Time) (*float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cached[cacheKey(subject, window)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeReconcileRepo) SetCachedValue(_ context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, _ time.Time) error {
	if f.fixEntered != nil {
		f.fixEntered <- struct{}{}
	}
	if f.fixBlock != nil {
		<-f.fixBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[cacheKey(subject, window)] = value
	return nil
}

func (f *fakeReconcileRepo) Purge5hBuckets(_ context.Context, subject model.SubjectRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, subject)
	delete(f.cached, cacheKey(subject, model.Window5h))
	return nil
}

func (f *fakeReconcileRepo) DeleteAllCostKeys(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.cached)) + f.deleted
	f.cached = make(map[string]float64)
	return n, nil
}

func (f *fakeReconcileRepo) SaveHistory(_ context.Context, run *ReconcileRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, run)
	return nil
}

func setupReconciler(t *testing.T) (*ConsistencyReconciler, *fakeReconcileRepo, *fakeLedger, *testClock) {
	t.Helper()
	repo := newFakeReconcileRepo()
	ledger := &fakeLedger{}
	clock := newTestClock(time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC))
	r := NewConsistencyReconciler(repo, ledger, &conf.Reconcile{ThresholdUsd: 0.01, ThresholdRate: 5.0}, discardLogger())
	r.SetNowFunc(clock.Now)
	return r, repo, ledger, clock
}

func TestCheckAll_FlagsDriftBeyondThresholds(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 95)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	result, err := r.CheckAll(context.Background(), &CheckRequest{
		Subjects: []model.SubjectRef{key},
		Windows:  []model.QuotaWindow{model.WindowDaily},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	item := result.Items[0]
	assert.Equal(t, model.StatusInconsistent, item.Status)
	assert.Equal(t, -5.0, item.Difference)
	assert.InDelta(t, 5.0, item.DifferenceRate, 1e-9, "a 5 USD drift on 100 is exactly the 5%% rate threshold")
	assert.Equal(t, 1, result.InconsistentCount)
	assert.Equal(t, 5.0, result.TotalAbsDiff)
}

func TestCheckAll_SmallRelativeDriftStillTripsAbsoluteThreshold(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	// 0.05%% relative drift, but 0.5 USD absolute.
	repo.seed(key, model.WindowMonthly, 999.5)
	ledger.addRow(key, 1000, clock.Now().Add(-time.Hour))

	result, err := r.CheckAll(context.Background(), &CheckRequest{
		Subjects: []model.SubjectRef{key},
		Windows:  []model.QuotaWindow{model.WindowMonthly},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInconsistent, result.Items[0].Status)
}

func TestCheckAll_TinyDriftIsConsistent(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 100.005)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	result, err := r.CheckAll(context.Background(), &CheckRequest{
		Subjects: []model.SubjectRef{key},
		Windows:  []model.QuotaWindow{model.WindowDaily},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConsistent, result.Items[0].Status)
	assert.Zero(t, result.InconsistentCount)
}

func TestCheckAll_ClassifiesMissingSides(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	missing := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	orphan := model.SubjectRef{Type: model.SubjectKey, ID: 2}
	idle := model.SubjectRef{Type: model.SubjectKey, ID: 3}
	ledger.addRow(missing, 40, clock.Now().Add(-time.Hour))
	repo.seed(orphan, model.WindowDaily, 12)

	result, err := r.CheckAll(context.Background(), &CheckRequest{
		Subjects: []model.SubjectRef{missing, orphan, idle},
		Windows:  []model.QuotaWindow{model.WindowDaily},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 3)

	assert.Equal(t, model.StatusRedisMissing, result.Items[0].Status)
	assert.Equal(t, -40.0, result.Items[0].Difference)
	assert.Equal(t, 100.0, result.Items[0].DifferenceRate)

	assert.Equal(t, model.StatusDatabaseMissing, result.Items[1].Status)
	assert.Equal(t, 12.0, result.Items[1].Difference)

	assert.Equal(t, model.StatusConsistent, result.Items[2].Status,
		"no cache entry and no ledger rows is clean, not missing")
}

func TestCheckAll_ConcurrentTriggerIsRejected(t *testing.T) {
	r, repo, _, _ := setupReconciler(t)
	repo.entered = make(chan struct{}, 1)
	repo.block = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.CheckAll(context.Background(), nil)
		firstDone <- err
	}()
	<-repo.entered // the first pass holds the guard

	_, err := r.CheckAll(context.Background(), nil)
	assert.True(t, kerrors.Is(err, ErrReconcileInFlight))

	close(repo.block)
	require.NoError(t, <-firstDone)
	repo.entered = nil

	_, err = r.CheckAll(context.Background(), nil)
	assert.NoError(t, err, "the guard releases once the pass finishes")
}

func TestCheckAndFix_RepairsAndAudits(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 90)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	result, fixed, err := r.CheckAndFix(context.Background(), &CheckRequest{
		Subjects: []model.SubjectRef{key},
		Windows:  []model.QuotaWindow{model.WindowDaily},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.InconsistentCount)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, 100.0, repo.cached[cacheKey(key, model.WindowDaily)])

	require.Len(t, repo.history, 1)
	assert.Equal(t, model.TriggerManual, repo.history[0].Trigger)
	assert.Equal(t, 1, repo.history[0].FixedCount)
}

func TestCheckAndFix_HoldsGuardThroughFixPhase(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 90)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))
	repo.fixEntered = make(chan struct{}, 1)
	repo.fixBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, _, err := r.CheckAndFix(context.Background(), &CheckRequest{
			Subjects: []model.SubjectRef{key},
			Windows:  []model.QuotaWindow{model.WindowDaily},
		})
		done <- err
	}()
	<-repo.fixEntered // the check finished; the fix phase is underway

	_, err := r.CheckAll(context.Background(), nil)
	assert.True(t, kerrors.Is(err, ErrReconcileInFlight),
		"no pass may start between the check and its fixes")

	close(repo.fixBlock)
	require.NoError(t, <-done)
	repo.fixEntered = nil
	repo.fixBlock = nil

	_, err = r.CheckAll(context.Background(), &CheckRequest{Subjects: []model.SubjectRef{key}})
	assert.NoError(t, err, "the guard releases once check and fix both finish")
}

func TestFixItem_ScalarWindowOverwritesFromLedger(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 95)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	err := r.FixItem(context.Background(), &model.ConsistencyCheckItem{
		Subject: key,
		Window:  model.WindowDaily,
		Status:  model.StatusInconsistent,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, repo.cached[cacheKey(key, model.WindowDaily)])
}

func TestFixItem_RollingWindowPurgesBuckets(t *testing.T) {
	r, repo, _, _ := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.Window5h, 7)

	err := r.FixItem(context.Background(), &model.ConsistencyCheckItem{
		Subject: key,
		Window:  model.Window5h,
		Status:  model.StatusInconsistent,
	})
	require.NoError(t, err)
	require.Len(t, repo.purged, 1)
	assert.Equal(t, key, repo.purged[0])
	_, ok := repo.cached[cacheKey(key, model.Window5h)]
	assert.False(t, ok, "the rolling counter rebuilds lazily from the ledger")
}

func TestFixAll_SkipsConsistentItems(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 95)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	result := &model.ConsistencyCheckResult{Items: []model.ConsistencyCheckItem{
		{Subject: key, Window: model.WindowDaily, Status: model.StatusInconsistent},
		{Subject: key, Window: model.WindowMonthly, Status: model.StatusConsistent},
	}}
	fixed := r.FixAll(context.Background(), result)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, 100.0, repo.cached[cacheKey(key, model.WindowDaily)])
}

func TestGlobalRebuild_RequiresConfirmation(t *testing.T) {
	r, repo, _, _ := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.seed(key, model.WindowDaily, 95)

	_, err := r.GlobalRebuild(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, int32(400), kerrors.FromError(err).Code)
	assert.Equal(t, 95.0, repo.cached[cacheKey(key, model.WindowDaily)], "nothing deleted without confirm")

	deleted, err := r.GlobalRebuild(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, repo.cached)
	require.Len(t, repo.history, 1, "a destructive rebuild leaves an audit row")
}

func TestRunScheduled_WritesAuditRowsAndAutoFixes(t *testing.T) {
	r, repo, ledger, clock := setupReconciler(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	repo.subjects = []model.SubjectRef{key}
	repo.seed(key, model.WindowDaily, 90)
	ledger.addRow(key, 100, clock.Now().Add(-time.Hour))

	r.RunScheduled(context.Background(), true)

	require.Len(t, repo.history, 2)
	assert.Equal(t, model.TriggerScheduled, repo.history[0].Trigger)
	assert.Zero(t, repo.history[0].FixedCount)
	assert.Equal(t, model.TriggerAutoFix, repo.history[1].Trigger)
	assert.GreaterOrEqual(t, repo.history[1].FixedCount, 1)

	assert.Equal(t, 100.0, repo.cached[cacheKey(key, model.WindowDaily)])
}
