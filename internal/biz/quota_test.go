package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"RelayCore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuotaCache struct {
	mu      sync.Mutex
	values  map[string]float64
	sets    map[string]float64
	adds    int
	readErr error
}

func newFakeQuotaCache() *fakeQuotaCache {
	return &fakeQuotaCache{
		values: make(map[string]float64),
		sets:   make(map[string]float64),
	}
}

func cacheKey(subject model.SubjectRef, window model.QuotaWindow) string {
	return fmt.Sprintf("%s:%s:%d", window, subject.Type, subject.ID)
}

func (f *fakeQuotaCache) seed(subject model.SubjectRef, window model.QuotaWindow, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[cacheKey(subject, window)] = v
}

func (f *fakeQuotaCache) GetWindowSpend(_ context.Context, subject model.SubjectRef, window model.QuotaWindow, _ time.Time) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, false, f.readErr
	}
	v, ok := f.values[cacheKey(subject, window)]
	return v, ok, nil
}

func (f *fakeQuotaCache) AddSpend(_ context.Context, subject model.SubjectRef, window model.QuotaWindow, amount float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[cacheKey(subject, window)] += amount
	f.adds++
	return nil
}

func (f *fakeQuotaCache) SetWindowSpend(_ context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if window == model.Window5h {
		return errors.New("rolling window has no scalar counter")
	}
	f.values[cacheKey(subject, window)] = value
	f.sets[cacheKey(subject, window)] = value
	return nil
}

type ledgerRow struct {
	subject model.SubjectRef
	cost    float64
	at      time.Time
}

type fakeLedger struct {
	mu       sync.Mutex
	rows     []ledgerRow
	inserted []*RequestRecord
	sumErr   error
}

func (f *fakeLedger) addRow(subject model.SubjectRef, cost float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, ledgerRow{subject: subject, cost: cost, at: at})
}

func (f *fakeLedger) InsertRequestLog(_ context.Context, rec *RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeLedger) SumCostInRange(_ context.Context, subject model.SubjectRef, start, end time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sumErr != nil {
		return 0, f.sumErr
	}
	var sum float64
	for _, r := range f.rows {
		if r.subject != subject {
			continue
		}
		if !start.IsZero() && r.at.Before(start) {
			continue
		}
		if r.at.After(end) {
			continue
		}
		sum += r.cost
	}
	return sum, nil
}

type fakePayment struct {
	mu        sync.Mutex
	limits    map[model.SubjectRef]map[model.QuotaWindow]float64
	accounts  map[model.SubjectRef]*PaymentAccountInfo
	debits    map[model.SubjectRef]float64
	limitsErr error
}

func newFakePayment() *fakePayment {
	return &fakePayment{
		limits:   make(map[model.SubjectRef]map[model.QuotaWindow]float64),
		accounts: make(map[model.SubjectRef]*PaymentAccountInfo),
		debits:   make(map[model.SubjectRef]float64),
	}
}

func (f *fakePayment) GetPackageLimits(_ context.Context, subject model.SubjectRef) (map[model.QuotaWindow]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitsErr != nil {
		return nil, f.limitsErr
	}
	return f.limits[subject], nil
}

func (f *fakePayment) GetPaymentAccount(_ context.Context, subject model.SubjectRef) (*PaymentAccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[subject], nil
}

func (f *fakePayment) DebitBalance(_ context.Context, subject model.SubjectRef, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits[subject] += amount
	return nil
}

func setupQuota(t *testing.T) (*QuotaLedgerUseCase, *fakeQuotaCache, *fakeLedger, *fakePayment, *testClock) {
	t.Helper()
	cache := newFakeQuotaCache()
	ledger := &fakeLedger{}
	payment := newFakePayment()
	clock := newTestClock(time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC))
	uc := NewQuotaLedgerUseCase(cache, ledger, payment, nil, discardLogger())
	uc.SetNowFunc(clock.Now)
	return uc, cache, ledger, payment, clock
}

func TestCheckSubject_NoLimitsIsUncapped(t *testing.T) {
	uc, _, _, _, _ := setupQuota(t)

	verdict := uc.CheckSubject(context.Background(), model.SubjectRef{Type: model.SubjectKey, ID: 1})
	assert.True(t, verdict.Allowed)
	assert.True(t, math.IsInf(verdict.PackageHeadroom, 1))
	assert.False(t, verdict.Degraded)
}

func TestCheckSubject_RejectsAtLimit(t *testing.T) {
	uc, cache, _, payment, _ := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 42}
	payment.limits[key] = map[model.QuotaWindow]float64{model.Window5h: 10}
	cache.seed(key, model.Window5h, 10)

	verdict := uc.CheckSubject(context.Background(), key)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, model.ExcludeQuota5h, verdict.Reason)
}

func TestCheckSubject_ReportsNarrowestBreachedWindow(t *testing.T) {
	uc, cache, _, payment, _ := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 42}
	payment.limits[key] = map[model.QuotaWindow]float64{
		model.WindowDaily:   20,
		model.WindowMonthly: 100,
	}
	cache.seed(key, model.WindowDaily, 25)
	cache.seed(key, model.WindowMonthly, 110)

	verdict := uc.CheckSubject(context.Background(), key)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, model.ExcludeQuotaDaily, verdict.Reason)
}

func TestCheckSubject_SpendAgesOutOfRollingWindow(t *testing.T) {
	uc, _, ledger, payment, clock := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 42}
	payment.limits[key] = map[model.QuotaWindow]float64{model.Window5h: 10}
	ledger.addRow(key, 10, clock.Now())

	verdict := uc.CheckSubject(context.Background(), key)
	require.False(t, verdict.Allowed, "spend inside the window must reject")

	clock.Advance(5*time.Hour + time.Minute)
	verdict = uc.CheckSubject(context.Background(), key)
	assert.True(t, verdict.Allowed, "spend older than 5h no longer counts")
}

func TestCheckSubject_BalancePolicyAdmitsPastPackageCap(t *testing.T) {
	uc, cache, _, payment, _ := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 42}
	payment.limits[key] = map[model.QuotaWindow]float64{model.WindowDaily: 10}
	cache.seed(key, model.WindowDaily, 12)

	payment.accounts[key] = &PaymentAccountInfo{Subject: key, Balance: 5, Policy: model.BalanceAfterQuota}
	verdict := uc.CheckSubject(context.Background(), key)
	assert.True(t, verdict.Allowed, "positive balance with an enabled policy keeps traffic flowing")

	payment.accounts[key] = &PaymentAccountInfo{Subject: key, Balance: 5, Policy: model.BalanceDisabled}
	verdict = uc.CheckSubject(context.Background(), key)
	assert.False(t, verdict.Allowed, "disabled policy ignores the balance")

	payment.accounts[key] = &PaymentAccountInfo{Subject: key, Balance: 0, Policy: model.BalanceAfterQuota}
	verdict = uc.CheckSubject(context.Background(), key)
	assert.False(t, verdict.Allowed, "zero balance cannot cover overflow")
}

func TestCheckSubject_FailsOpenOnStorageErrors(t *testing.T) {
	uc, _, _, payment, _ := setupQuota(t)
	payment.limitsErr = errors.New("db down")

	verdict := uc.CheckSubject(context.Background(), model.SubjectRef{Type: model.SubjectKey, ID: 1})
	assert.True(t, verdict.Allowed)
	assert.True(t, verdict.Degraded)
}

func TestWindowSpend_CacheMissFallsBackAndRehydrates(t *testing.T) {
	uc, cache, ledger, _, clock := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 7}
	ledger.addRow(key, 42.5, clock.Now().Add(-time.Hour))

	spend, degraded := uc.WindowSpend(context.Background(), key, model.WindowDaily)
	assert.Equal(t, 42.5, spend)
	assert.False(t, degraded)
	assert.Equal(t, 42.5, cache.sets[cacheKey(key, model.WindowDaily)],
		"scalar windows rehydrate the cache from the ledger")
}

func TestWindowSpend_RollingWindowNeverRehydratesScalar(t *testing.T) {
	uc, cache, ledger, _, clock := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 7}
	ledger.addRow(key, 3, clock.Now().Add(-time.Hour))

	spend, degraded := uc.WindowSpend(context.Background(), key, model.Window5h)
	assert.Equal(t, 3.0, spend)
	assert.False(t, degraded)
	assert.Empty(t, cache.sets, "the 5h window rebuilds bucket by bucket, not as one scalar")
}

func TestWindowSpend_DoubleOutageReadsZeroDegraded(t *testing.T) {
	uc, cache, ledger, _, _ := setupQuota(t)
	cache.readErr = errors.New("redis down")
	ledger.sumErr = errors.New("mysql down")

	spend, degraded := uc.WindowSpend(context.Background(), model.SubjectRef{Type: model.SubjectKey, ID: 7}, model.WindowDaily)
	assert.Zero(t, spend)
	assert.True(t, degraded)
}

func TestSplitCost(t *testing.T) {
	cases := []struct {
		name     string
		cost     float64
		headroom float64
		policy   model.BalancePolicy
		balance  float64
		wantPkg  float64
		wantBal  float64
		wantSrc  model.PaymentSource
	}{
		{"within headroom", 3, 10, model.BalanceAfterQuota, 10, 3, 0, model.PaymentPackage},
		{"overflow splits", 3, 1, model.BalanceAfterQuota, 10, 1, 2, model.PaymentMixed},
		{"no headroom all balance", 3, 0, model.BalanceAfterQuota, 10, 0, 3, model.PaymentBalance},
		{"negative headroom clamps", 3, -5, model.BalanceAfterQuota, 10, 0, 3, model.PaymentBalance},
		{"priority drains balance first", 3, 10, model.BalancePriority, 2, 1, 2, model.PaymentMixed},
		{"priority full balance", 3, 10, model.BalancePriority, 10, 0, 3, model.PaymentBalance},
		{"disabled ignores balance", 3, 1, model.BalanceDisabled, 10, 3, 0, model.PaymentPackage},
		{"zero cost", 0, 10, model.BalanceAfterQuota, 10, 0, 0, model.PaymentPackage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pkg, bal, src := SplitCost(tc.cost, tc.headroom, tc.policy, tc.balance)
			assert.Equal(t, tc.wantPkg, pkg)
			assert.Equal(t, tc.wantBal, bal)
			assert.Equal(t, tc.wantSrc, src)
		})
	}
}

func TestRecordCompletion_BumpsEveryWindowForAllSubjects(t *testing.T) {
	uc, cache, ledger, _, clock := setupQuota(t)

	err := uc.RecordCompletion(context.Background(), &RequestRecord{
		RequestID:  "req-1",
		KeyID:      1,
		UserID:     2,
		ProviderID: 3,
		Cost:       0.25,
		Succeeded:  true,
	})
	require.NoError(t, err)

	require.Len(t, ledger.inserted, 1)
	assert.Equal(t, clock.Now(), ledger.inserted[0].CreatedAt)
	assert.Equal(t, model.PaymentPackage, ledger.inserted[0].PaymentSource)

	// key, user and provider subjects each across every window.
	assert.Equal(t, 3*len(model.AllWindows), cache.adds)
	for _, subject := range []model.SubjectRef{
		{Type: model.SubjectKey, ID: 1},
		{Type: model.SubjectUser, ID: 2},
		{Type: model.SubjectProvider, ID: 3},
	} {
		for _, window := range model.AllWindows {
			v, ok, _ := cache.GetWindowSpend(context.Background(), subject, window, clock.Now())
			assert.True(t, ok)
			assert.Equal(t, 0.25, v)
		}
	}
}

func TestRecordCompletion_SettlesOverflowAgainstBalance(t *testing.T) {
	uc, cache, ledger, payment, _ := setupQuota(t)
	key := model.SubjectRef{Type: model.SubjectKey, ID: 1}
	payment.limits[key] = map[model.QuotaWindow]float64{model.WindowDaily: 10}
	cache.seed(key, model.WindowDaily, 9)
	payment.accounts[key] = &PaymentAccountInfo{Subject: key, Balance: 50, Policy: model.BalanceAfterQuota}

	err := uc.RecordCompletion(context.Background(), &RequestRecord{
		RequestID:  "req-2",
		KeyID:      1,
		UserID:     2,
		ProviderID: 3,
		Cost:       3,
		Succeeded:  true,
	})
	require.NoError(t, err)

	require.Len(t, ledger.inserted, 1)
	rec := ledger.inserted[0]
	assert.Equal(t, 1.0, rec.PackageCost)
	assert.Equal(t, 2.0, rec.BalanceCost)
	assert.Equal(t, model.PaymentMixed, rec.PaymentSource)
	assert.Equal(t, 2.0, payment.debits[key])
}

func TestRecordCompletion_KeyWithoutAccountFallsBackToUser(t *testing.T) {
	uc, _, ledger, payment, _ := setupQuota(t)
	user := model.SubjectRef{Type: model.SubjectUser, ID: 2}
	payment.accounts[user] = &PaymentAccountInfo{Subject: user, Balance: 50, Policy: model.BalancePriority}

	err := uc.RecordCompletion(context.Background(), &RequestRecord{
		RequestID:  "req-3",
		KeyID:      1,
		UserID:     2,
		ProviderID: 3,
		Cost:       1.5,
		Succeeded:  true,
	})
	require.NoError(t, err)

	require.Len(t, ledger.inserted, 1)
	assert.Equal(t, model.PaymentBalance, ledger.inserted[0].PaymentSource)
	assert.Equal(t, 1.5, payment.debits[user])
}
