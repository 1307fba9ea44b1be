package biz

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"RelayCore/internal/conf"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

var (
	// ErrNoAvailableProvider means the filter chain excluded every provider
	// in the pool.
	ErrNoAvailableProvider = errors.New(503, "NO_AVAILABLE_PROVIDER", "no provider available for this request")
	// ErrQuotaExceeded means the requesting subject is over quota and has no
	// usable balance.
	ErrQuotaExceeded = errors.New(429, "QUOTA_EXCEEDED", "spend quota exceeded")
	// ErrRetriesExhausted means every retry attempt failed.
	ErrRetriesExhausted = errors.New(502, "RETRIES_EXHAUSTED", "all providers failed")
)

// Provider is a routable upstream endpoint.
type Provider struct {
	ID               int64
	Name             string
	Group            string
	Enabled          bool
	Priority         int
	Weight           int
	ConcurrencyLimit int64
	// Limits caps the provider's own spend per window; absent windows are
	// uncapped.
	Limits map[model.QuotaWindow]float64
}

// ProviderRepo loads the provider pool.
type ProviderRepo interface {
	// ListEnabled returns enabled providers in the group; an empty group
	// matches every provider.
	ListEnabled(ctx context.Context, group string) ([]*Provider, error)
	GetProvider(ctx context.Context, id int64) (*Provider, error)
}

// RouteRequest identifies one inbound request to route.
type RouteRequest struct {
	RequestID string
	SessionID string
	Group     string
	KeyID     int64
	UserID    int64
}

// Attempt is one provider assignment for a request. The caller reports the
// outcome via ReportSuccess or ReportFailure; failures may yield a follow-up
// Attempt until retries run out.
type Attempt struct {
	Provider *Provider
	Chain    []model.DecisionChainItem

	req       *RouteRequest
	number    int
	attempted map[int64]struct{}
	release   func()
	startedAt time.Time
}

// RoutingEngine composes the circuit breaker, quota ledger and session
// affinity into one provider selection pipeline.
type RoutingEngine struct {
	providers ProviderRepo
	breaker   *CircuitBreakerUseCase
	quota     *QuotaLedgerUseCase
	sessions  *SessionAffinityUseCase

	maxRetries int

	rngMu sync.Mutex
	rng   *rand.Rand

	nowFn  func() time.Time
	logger *log.Helper
}

func NewRoutingEngine(
	providers ProviderRepo,
	breaker *CircuitBreakerUseCase,
	quota *QuotaLedgerUseCase,
	sessions *SessionAffinityUseCase,
	c *conf.Routing,
	logger log.Logger,
) *RoutingEngine {
	maxRetries := 3
	if c != nil && c.MaxRetries >= 0 {
		maxRetries = int(c.MaxRetries)
	}
	return &RoutingEngine{
		providers:  providers,
		breaker:    breaker,
		quota:      quota,
		sessions:   sessions,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:      time.Now,
		logger:     log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (e *RoutingEngine) SetNowFunc(now func() time.Time) {
	e.nowFn = now
}

// SetRandSource replaces the weighted-random source, for reproducible tests.
func (e *RoutingEngine) SetRandSource(src rand.Source) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng = rand.New(src)
}

// SelectProvider runs the full filter chain and picks the initial provider
// for the request.
func (e *RoutingEngine) SelectProvider(ctx context.Context, req *RouteRequest) (*Attempt, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	for _, subject := range []model.SubjectRef{
		{Type: model.SubjectKey, ID: req.KeyID},
		{Type: model.SubjectUser, ID: req.UserID},
	} {
		if subject.ID == 0 {
			continue
		}
		verdict := e.quota.CheckSubject(ctx, subject)
		if !verdict.Allowed {
			e.logger.Infof("request %s rejected: %s:%d over quota (%s)",
				req.RequestID, subject.Type, subject.ID, verdict.Reason)
			return nil, ErrQuotaExceeded
		}
	}

	at := &Attempt{
		req:       req,
		number:    1,
		attempted: make(map[int64]struct{}),
	}
	if err := e.assign(ctx, at, model.ReasonInitialSelection); err != nil {
		return at, err
	}
	return at, nil
}

// Preview runs the filter chain and weighted draw without committing
// anything: no concurrency slot, no sticky pin, no attempt bookkeeping.
// Operator tooling uses it to answer "where would this request go".
func (e *RoutingEngine) Preview(ctx context.Context, req *RouteRequest) (*model.DecisionChainItem, error) {
	now := e.nowFn()
	pool, err := e.providers.ListEnabled(ctx, req.Group)
	if err != nil {
		return nil, errors.InternalServer("PROVIDER_POOL_UNAVAILABLE", "failed to load provider pool").WithCause(err)
	}

	probe := &Attempt{req: req, attempted: map[int64]struct{}{}}
	eligible, excluded := e.filter(ctx, pool, probe)
	if len(eligible) == 0 {
		return &model.DecisionChainItem{
			Reason:    model.ReasonSystemError,
			Timestamp: now,
			Context: &model.DecisionContext{
				PoolSize: len(pool),
				Excluded: excluded,
			},
		}, ErrNoAvailableProvider
	}

	reason := model.ReasonInitialSelection
	var chosen *Provider
	if pinned := e.sessions.StickyProvider(ctx, req.SessionID); pinned != 0 {
		for _, p := range eligible {
			if p.ID == pinned {
				chosen = p
				reason = model.ReasonSessionReuse
				break
			}
		}
	}
	tier, candidates := e.pickTier(eligible)
	if chosen == nil {
		chosen = e.weightedPick(tier)
	}

	return &model.DecisionChainItem{
		Reason:       reason,
		ProviderID:   chosen.ID,
		ProviderName: chosen.Name,
		Timestamp:    now,
		Context: &model.DecisionContext{
			PoolSize:     len(pool),
			EligibleSize: len(eligible),
			PriorityTier: chosen.Priority,
			Excluded:     excluded,
			Candidates:   candidates,
		},
	}, nil
}

// ReportSuccess settles a finished request: closes or heals the breaker,
// repins the session, releases the concurrency slot and appends the ledger
// row. rec's provider and identity fields are filled from the attempt.
func (e *RoutingEngine) ReportSuccess(ctx context.Context, at *Attempt, rec *RequestRecord) error {
	now := e.nowFn()
	if at.release != nil {
		at.release()
		at.release = nil
	}

	e.breaker.RecordSuccess(ctx, at.Provider.ID)
	e.sessions.Pin(ctx, at.req.SessionID, at.Provider.ID)

	reason := model.ReasonRequestSuccess
	if at.number > 1 {
		reason = model.ReasonRetrySuccess
	}
	at.Chain = append(at.Chain, model.DecisionChainItem{
		Reason:       reason,
		ProviderID:   at.Provider.ID,
		ProviderName: at.Provider.Name,
		Timestamp:    now,
		StatusCode:   rec.StatusCode,
		LatencyMS:    now.Sub(at.startedAt).Milliseconds(),
	})

	rec.RequestID = at.req.RequestID
	rec.KeyID = at.req.KeyID
	rec.UserID = at.req.UserID
	rec.ProviderID = at.Provider.ID
	rec.Succeeded = true
	rec.LatencyMS = now.Sub(at.startedAt).Milliseconds()
	rec.Chain = at.Chain
	return e.quota.RecordCompletion(ctx, rec)
}

// ReportFailure records a failed attempt and, when retries remain, selects
// the next provider. Provider-side failures count toward the breaker;
// transport faults are recorded for observability only.
func (e *RoutingEngine) ReportFailure(ctx context.Context, at *Attempt, details model.ErrorDetails) (*Attempt, error) {
	now := e.nowFn()
	if at.release != nil {
		at.release()
		at.release = nil
	}

	at.Chain = append(at.Chain, model.DecisionChainItem{
		Reason:       model.ReasonRetryFailed,
		ProviderID:   at.Provider.ID,
		ProviderName: at.Provider.Name,
		Timestamp:    now,
		StatusCode:   details.StatusCode,
		LatencyMS:    now.Sub(at.startedAt).Milliseconds(),
		Error:        &details,
	})

	if details.Kind == model.ErrorKindTransport {
		e.breaker.RecordTransportFault(ctx, at.Provider.ID)
	} else {
		e.breaker.RecordFailure(ctx, at.Provider.ID, errors.New(details.StatusCode, "UPSTREAM_FAILURE", details.Message))
	}

	if at.number > e.maxRetries {
		return nil, e.terminal(at, ErrRetriesExhausted)
	}

	next := &Attempt{
		req:       at.req,
		number:    at.number + 1,
		attempted: at.attempted,
		Chain:     at.Chain,
	}
	if err := e.assign(ctx, next, model.ReasonRetryFailed); err != nil {
		at.Chain = next.Chain
		return nil, e.terminal(at, err)
	}
	at.Chain = nil // chain ownership moves to the follow-up attempt
	return next, nil
}

// terminal stamps the chain with a closing system_error item.
func (e *RoutingEngine) terminal(at *Attempt, err error) error {
	at.Chain = append(at.Chain, model.DecisionChainItem{
		Reason:    model.ReasonSystemError,
		Timestamp: e.nowFn(),
		Error:     &model.ErrorDetails{Kind: model.ErrorKindInternal, Message: err.Error()},
	})
	return err
}

// assign runs the filter chain and weighted selection for one attempt,
// appending the decision chain item.
func (e *RoutingEngine) assign(ctx context.Context, at *Attempt, reason model.DecisionReason) error {
	now := e.nowFn()
	pool, err := e.providers.ListEnabled(ctx, at.req.Group)
	if err != nil {
		at.Chain = append(at.Chain, model.DecisionChainItem{
			Reason:    model.ReasonSystemError,
			Timestamp: now,
			Error:     &model.ErrorDetails{Kind: model.ErrorKindInternal, Message: err.Error()},
		})
		return errors.InternalServer("PROVIDER_POOL_UNAVAILABLE", "failed to load provider pool").WithCause(err)
	}

	eligible, excluded := e.filter(ctx, pool, at)

	// On a retry, candidates that were open a moment ago can have filled
	// their concurrency slots in the meantime. Record each such rejection.
	if at.number > 1 {
		for _, ex := range excluded {
			if ex.Reason != model.ExcludeConcurrencyLimit {
				continue
			}
			at.Chain = append(at.Chain, model.DecisionChainItem{
				Reason:       model.ReasonConcurrentLimitFailed,
				ProviderID:   ex.ProviderID,
				ProviderName: ex.ProviderName,
				Timestamp:    now,
			})
		}
	}

	if len(eligible) == 0 {
		at.Chain = append(at.Chain, model.DecisionChainItem{
			Reason:    model.ReasonSystemError,
			Timestamp: now,
			Context: &model.DecisionContext{
				PoolSize:     len(pool),
				EligibleSize: 0,
				Excluded:     excluded,
			},
			Error: &model.ErrorDetails{Kind: model.ErrorKindInternal, Message: ErrNoAvailableProvider.Message},
		})
		return ErrNoAvailableProvider
	}

	// A live sticky pin wins over fresh selection, but only while the
	// pinned provider survives the filter chain.
	if pinned := e.sessions.StickyProvider(ctx, at.req.SessionID); pinned != 0 {
		for _, p := range eligible {
			if p.ID == pinned {
				e.place(ctx, at, p, model.ReasonSessionReuse, now, len(pool), eligible, excluded, nil)
				return nil
			}
		}
	}

	tier, candidates := e.pickTier(eligible)
	chosen := e.weightedPick(tier)

	e.place(ctx, at, chosen, reason, now, len(pool), eligible, excluded, candidates)
	return nil
}

// filter applies group, breaker, provider-quota, concurrency and
// prior-failure gates to the pool.
func (e *RoutingEngine) filter(ctx context.Context, pool []*Provider, at *Attempt) (eligible []*Provider, excluded []model.ExcludedProvider) {
	for _, p := range pool {
		if why, ok := e.excludeReason(ctx, p, at); ok {
			excluded = append(excluded, model.ExcludedProvider{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				Reason:       why,
			})
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible, excluded
}

func (e *RoutingEngine) excludeReason(ctx context.Context, p *Provider, at *Attempt) (model.ExclusionReason, bool) {
	if !p.Enabled {
		return model.ExcludeDisabled, true
	}
	if at.req.Group != "" && p.Group != "" && p.Group != at.req.Group {
		return model.ExcludeGroupMismatch, true
	}
	if _, tried := at.attempted[p.ID]; tried {
		return model.ExcludePriorFailure, true
	}
	if e.breaker.IsOpen(ctx, p.ID) {
		return model.ExcludeCircuitOpen, true
	}
	if len(p.Limits) > 0 {
		subject := model.SubjectRef{Type: model.SubjectProvider, ID: p.ID}
		for _, window := range model.AllWindows {
			limit, ok := p.Limits[window]
			if !ok || limit <= 0 {
				continue
			}
			spend, degraded := e.quota.WindowSpend(ctx, subject, window)
			if !degraded && spend >= limit {
				return quotaExclusionReason(window), true
			}
		}
	}
	if !e.sessions.WithinConcurrencyLimit(ctx, p.ID, p.ConcurrencyLimit) {
		return model.ExcludeConcurrencyLimit, true
	}
	return "", false
}

// pickTier keeps only the best priority tier (lowest Priority value) and
// computes each candidate's win probability.
func (e *RoutingEngine) pickTier(eligible []*Provider) ([]*Provider, []model.WeightedCandidate) {
	best := eligible[0].Priority
	for _, p := range eligible[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	var tier []*Provider
	totalWeight := 0
	for _, p := range eligible {
		if p.Priority == best {
			tier = append(tier, p)
			totalWeight += effectiveWeight(p)
		}
	}
	sort.Slice(tier, func(i, j int) bool { return tier[i].ID < tier[j].ID })

	candidates := make([]model.WeightedCandidate, 0, len(tier))
	for _, p := range tier {
		candidates = append(candidates, model.WeightedCandidate{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			Weight:         effectiveWeight(p),
			WinProbability: float64(effectiveWeight(p)) / float64(totalWeight),
		})
	}
	return tier, candidates
}

// weightedPick draws one provider from the tier proportionally to weight.
func (e *RoutingEngine) weightedPick(tier []*Provider) *Provider {
	if len(tier) == 1 {
		return tier[0]
	}
	total := 0
	for _, p := range tier {
		total += effectiveWeight(p)
	}
	e.rngMu.Lock()
	n := e.rng.Intn(total)
	e.rngMu.Unlock()
	for _, p := range tier {
		n -= effectiveWeight(p)
		if n < 0 {
			return p
		}
	}
	return tier[len(tier)-1]
}

// place commits the chosen provider onto the attempt.
func (e *RoutingEngine) place(ctx context.Context, at *Attempt, p *Provider, reason model.DecisionReason, now time.Time,
	poolSize int, eligible []*Provider, excluded []model.ExcludedProvider, candidates []model.WeightedCandidate) {
	at.Provider = p
	at.startedAt = now
	at.attempted[p.ID] = struct{}{}
	at.release = e.sessions.Track(ctx, p.ID, at.req.RequestID)
	e.sessions.TouchSession(ctx, at.req.SessionID, at.req.KeyID, at.req.UserID)
	at.Chain = append(at.Chain, model.DecisionChainItem{
		Reason:       reason,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Timestamp:    now,
		Context: &model.DecisionContext{
			PoolSize:     poolSize,
			EligibleSize: len(eligible),
			PriorityTier: p.Priority,
			Excluded:     excluded,
			Candidates:   candidates,
		},
	})
}

// effectiveWeight treats non-positive weights as 1 so a misconfigured
// provider is still reachable.
func effectiveWeight(p *Provider) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}
