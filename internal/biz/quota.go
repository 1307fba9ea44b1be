package biz

import (
	"context"
	"math"
	"time"

	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// QuotaCacheRepo is the fast-cache side of spend accounting. All mutations
// are atomic increments; a read miss reports found=false rather than an
// error so the use case can fall back to the ledger.
type QuotaCacheRepo interface {
	// GetWindowSpend returns the cached spend for the window containing now.
	// found is false when the cache holds no entry for the window.
	GetWindowSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, now time.Time) (spend float64, found bool, err error)
	// AddSpend atomically adds amount to the window counter, setting the
	// window-boundary TTL.
	AddSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, amount float64, now time.Time) error
	// SetWindowSpend overwrites a scalar window counter (reconciler and
	// ledger-rehydration path). Rejects the 5h window.
	SetWindowSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow, value float64, now time.Time) error
}

// LedgerRepo is the durable source of truth for completed requests.
type LedgerRepo interface {
	InsertRequestLog(ctx context.Context, rec *RequestRecord) error
	// SumCostInRange sums ledger spend for the subject between start and end.
	// A zero start means the beginning of time (lifetime total).
	SumCostInRange(ctx context.Context, subject model.SubjectRef, start, end time.Time) (float64, error)
}

// PaymentAccountInfo is a subject's pay-as-you-go balance and policy.
type PaymentAccountInfo struct {
	Subject model.SubjectRef
	Balance float64
	Policy  model.BalancePolicy
}

// PaymentRepo holds package limits and balances.
type PaymentRepo interface {
	// GetPackageLimits returns the subject's configured package caps per
	// window; windows without a row are uncapped.
	GetPackageLimits(ctx context.Context, subject model.SubjectRef) (map[model.QuotaWindow]float64, error)
	// GetPaymentAccount returns (nil, nil) when the subject has no account.
	GetPaymentAccount(ctx context.Context, subject model.SubjectRef) (*PaymentAccountInfo, error)
	// DebitBalance atomically subtracts amount from the subject's balance.
	DebitBalance(ctx context.Context, subject model.SubjectRef, amount float64) error
}

// QuotaAlerter receives quota breach events, best effort.
type QuotaAlerter interface {
	QuotaBreached(ctx context.Context, ev *model.QuotaBreachEvent)
}

// RequestRecord is one completed request attempt, appended to the ledger.
type RequestRecord struct {
	RequestID     string
	KeyID         int64
	UserID        int64
	ProviderID    int64
	InputTokens   int64
	OutputTokens  int64
	CacheTokens   int64
	Cost          float64
	PackageCost   float64
	BalanceCost   float64
	PaymentSource model.PaymentSource
	StatusCode    int
	LatencyMS     int64
	Succeeded     bool
	ErrorKind     string
	Chain         []model.DecisionChainItem
	CreatedAt     time.Time
}

// QuotaVerdict is the outcome of one subject's quota check.
type QuotaVerdict struct {
	Allowed bool
	// Reason is set when Allowed is false: the quota tag of the narrowest
	// breached window.
	Reason model.ExclusionReason
	// PackageHeadroom is the remaining package spend before the tightest
	// configured cap; +Inf when the subject is uncapped.
	PackageHeadroom float64
	// Degraded is true when neither cache nor ledger could be consulted and
	// the check failed open.
	Degraded bool
}

// QuotaLedgerUseCase enforces multi-window spend quotas with a fast cache in
// front of the durable ledger, and settles each request's cost against the
// dual package/balance payment sources.
type QuotaLedgerUseCase struct {
	cache   QuotaCacheRepo
	ledger  LedgerRepo
	payment PaymentRepo
	alerter QuotaAlerter

	nowFn  func() time.Time
	logger *log.Helper
}

// NewQuotaLedgerUseCase creates the quota ledger. alerter may be nil.
func NewQuotaLedgerUseCase(cache QuotaCacheRepo, ledger LedgerRepo, payment PaymentRepo, alerter QuotaAlerter, logger log.Logger) *QuotaLedgerUseCase {
	return &QuotaLedgerUseCase{
		cache:   cache,
		ledger:  ledger,
		payment: payment,
		alerter: alerter,
		nowFn:   time.Now,
		logger:  log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (uc *QuotaLedgerUseCase) SetNowFunc(now func() time.Time) {
	uc.nowFn = now
}

// WindowSpend returns the subject's spend in the window. Read path: cache
// first; on miss or cache unavailability, sum ledger rows directly; if both
// are unavailable the spend reads as zero and degraded is true (fail-open,
// never hard-denied).
func (uc *QuotaLedgerUseCase) WindowSpend(ctx context.Context, subject model.SubjectRef, window model.QuotaWindow) (spend float64, degraded bool) {
	now := uc.nowFn()

	cached, found, err := uc.cache.GetWindowSpend(ctx, subject, window, now)
	if err == nil && found {
		return cached, false
	}
	if err != nil {
		uc.logger.Warnf("quota cache read failed for %s:%d window %s: %v (falling back to ledger)",
			subject.Type, subject.ID, window, err)
	}

	start := model.WindowStart(window, now)
	sum, err := uc.ledger.SumCostInRange(ctx, subject, start, now)
	if err != nil {
		uc.logger.Warnf("quota ledger read failed for %s:%d window %s: %v (request allowed)",
			subject.Type, subject.ID, window, err)
		return 0, true
	}

	// Rehydrate scalar windows so the next read hits the cache. The 5h
	// window rebuilds bucket by bucket as spend arrives.
	if window != model.Window5h && sum > 0 {
		if err := uc.cache.SetWindowSpend(ctx, subject, window, sum, now); err != nil {
			uc.logger.Debugf("quota cache rehydrate failed for %s:%d window %s: %v",
				subject.Type, subject.ID, window, err)
		}
	}

	return sum, false
}

// CheckSubject evaluates every configured window for the subject. Quota
// exhaustion is a filter outcome, never an error.
func (uc *QuotaLedgerUseCase) CheckSubject(ctx context.Context, subject model.SubjectRef) QuotaVerdict {
	limits, err := uc.payment.GetPackageLimits(ctx, subject)
	if err != nil {
		uc.logger.Warnf("failed to load quota limits for %s:%d: %v (request allowed)",
			subject.Type, subject.ID, err)
		return QuotaVerdict{Allowed: true, PackageHeadroom: math.Inf(1), Degraded: true}
	}
	if len(limits) == 0 {
		return QuotaVerdict{Allowed: true, PackageHeadroom: math.Inf(1)}
	}

	headroom := math.Inf(1)
	degraded := false
	var breached model.QuotaWindow

	// AllWindows is ordered narrowest first, so the first breach found is
	// the narrowest breached window.
	for _, window := range model.AllWindows {
		limit, ok := limits[window]
		if !ok || limit <= 0 {
			continue
		}
		spend, deg := uc.WindowSpend(ctx, subject, window)
		degraded = degraded || deg
		if remaining := limit - spend; remaining < headroom {
			headroom = remaining
		}
		if spend >= limit && breached == "" {
			breached = window
		}
	}

	if breached == "" {
		return QuotaVerdict{Allowed: true, PackageHeadroom: headroom, Degraded: degraded}
	}

	// Package exhausted: the balance policy decides whether the request may
	// still proceed on pay-as-you-go funds.
	account, err := uc.payment.GetPaymentAccount(ctx, subject)
	if err != nil {
		uc.logger.Warnf("failed to load payment account for %s:%d: %v (request allowed)",
			subject.Type, subject.ID, err)
		return QuotaVerdict{Allowed: true, PackageHeadroom: headroom, Degraded: true}
	}
	if account != nil && account.Policy != model.BalanceDisabled && account.Balance > 0 {
		return QuotaVerdict{Allowed: true, PackageHeadroom: headroom, Degraded: degraded}
	}

	return QuotaVerdict{
		Allowed:         false,
		Reason:          quotaExclusionReason(breached),
		PackageHeadroom: headroom,
		Degraded:        degraded,
	}
}

// SplitCost settles a request's cost between the package and the balance.
// headroom is the remaining package headroom for the narrowest configured
// window; balance is the account's current balance.
func SplitCost(cost, headroom float64, policy model.BalancePolicy, balance float64) (packageCost, balanceCost float64, source model.PaymentSource) {
	if cost <= 0 {
		return 0, 0, model.PaymentPackage
	}
	if headroom < 0 {
		headroom = 0
	}

	switch policy {
	case model.BalancePriority:
		balanceCost = math.Min(cost, math.Max(balance, 0))
		packageCost = cost - balanceCost
	case model.BalanceDisabled:
		// Balance is not usable; the whole cost lands on the package.
		packageCost = cost
	default: // after_quota
		packageCost = math.Min(cost, headroom)
		balanceCost = cost - packageCost
	}

	packageCost = roundUSD(packageCost)
	balanceCost = roundUSD(cost - packageCost)

	switch {
	case balanceCost == 0:
		source = model.PaymentPackage
	case packageCost == 0:
		source = model.PaymentBalance
	default:
		source = model.PaymentMixed
	}
	return packageCost, balanceCost, source
}

// RecordCompletion is the write path: settles the payment split, appends the
// immutable ledger row, and atomically bumps every window counter for the
// key, user and provider subjects. Cache write failures are logged and
// swallowed; the ledger row is the source of truth.
func (uc *QuotaLedgerUseCase) RecordCompletion(ctx context.Context, rec *RequestRecord) error {
	now := uc.nowFn()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.Cost = roundUSD(rec.Cost)

	keySubject := model.SubjectRef{Type: model.SubjectKey, ID: rec.KeyID}
	userSubject := model.SubjectRef{Type: model.SubjectUser, ID: rec.UserID}
	providerSubject := model.SubjectRef{Type: model.SubjectProvider, ID: rec.ProviderID}

	uc.settlePayment(ctx, rec, keySubject, userSubject)

	if err := uc.ledger.InsertRequestLog(ctx, rec); err != nil {
		return err
	}

	if rec.Cost > 0 {
		for _, subject := range []model.SubjectRef{keySubject, userSubject, providerSubject} {
			for _, window := range model.AllWindows {
				if err := uc.cache.AddSpend(ctx, subject, window, rec.Cost, now); err != nil {
					uc.logger.Warnf("failed to bump %s counter for %s:%d: %v (ledger row persisted)",
						window, subject.Type, subject.ID, err)
				}
			}
		}
		uc.maybeAlertBreach(ctx, keySubject, now)
	}

	return nil
}

// settlePayment fills the record's package/balance split. The key's account
// is consulted first; a key without an account settles against the user's.
func (uc *QuotaLedgerUseCase) settlePayment(ctx context.Context, rec *RequestRecord, keySubject, userSubject model.SubjectRef) {
	rec.PackageCost = rec.Cost
	rec.BalanceCost = 0
	rec.PaymentSource = model.PaymentPackage
	if rec.Cost <= 0 {
		return
	}

	account, err := uc.payment.GetPaymentAccount(ctx, keySubject)
	if err == nil && account == nil {
		account, err = uc.payment.GetPaymentAccount(ctx, userSubject)
	}
	if err != nil {
		uc.logger.Warnf("payment account lookup failed for request %s: %v (settled as package)",
			rec.RequestID, err)
		return
	}
	if account == nil {
		return
	}

	headroom := uc.packageHeadroom(ctx, account.Subject)
	pkg, bal, source := SplitCost(rec.Cost, headroom, account.Policy, account.Balance)
	rec.PackageCost = pkg
	rec.BalanceCost = bal
	rec.PaymentSource = source

	if bal > 0 {
		if err := uc.payment.DebitBalance(ctx, account.Subject, bal); err != nil {
			uc.logger.Errorf("failed to debit balance %.6f for %s:%d: %v",
				bal, account.Subject.Type, account.Subject.ID, err)
		}
	}
}

// packageHeadroom computes the remaining package spend before the tightest
// configured cap for the subject.
func (uc *QuotaLedgerUseCase) packageHeadroom(ctx context.Context, subject model.SubjectRef) float64 {
	limits, err := uc.payment.GetPackageLimits(ctx, subject)
	if err != nil || len(limits) == 0 {
		return math.Inf(1)
	}
	headroom := math.Inf(1)
	for _, window := range model.AllWindows {
		limit, ok := limits[window]
		if !ok || limit <= 0 {
			continue
		}
		spend, _ := uc.WindowSpend(ctx, subject, window)
		if remaining := limit - spend; remaining < headroom {
			headroom = remaining
		}
	}
	return headroom
}

// maybeAlertBreach fires a cost alert when the key subject has crossed one of
// its configured caps, best effort.
func (uc *QuotaLedgerUseCase) maybeAlertBreach(ctx context.Context, subject model.SubjectRef, now time.Time) {
	if uc.alerter == nil {
		return
	}
	limits, err := uc.payment.GetPackageLimits(ctx, subject)
	if err != nil || len(limits) == 0 {
		return
	}
	for _, window := range model.AllWindows {
		limit, ok := limits[window]
		if !ok || limit <= 0 {
			continue
		}
		spend, degraded := uc.WindowSpend(ctx, subject, window)
		if degraded || spend < limit {
			continue
		}
		ev := &model.QuotaBreachEvent{
			Subject:    subject,
			Window:     window,
			Spent:      spend,
			Limit:      limit,
			BreachedAt: now,
		}
		go func() {
			alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			uc.alerter.QuotaBreached(alertCtx, ev)
		}()
		return
	}
}

func quotaExclusionReason(w model.QuotaWindow) model.ExclusionReason {
	switch w {
	case model.Window5h:
		return model.ExcludeQuota5h
	case model.WindowDaily:
		return model.ExcludeQuotaDaily
	case model.WindowWeekly:
		return model.ExcludeQuotaWeekly
	case model.WindowMonthly:
		return model.ExcludeQuotaMonthly
	default:
		return model.ExcludeQuotaTotal
	}
}

// roundUSD rounds to 6 decimal places at the ledger boundary.
func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
