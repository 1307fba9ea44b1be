package biz

import (
	"context"
	"math"
	"sort"
	"time"

	"RelayCore/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	scoreWindowMin     = time.Hour
	scoreWindowMax     = 168 * time.Hour
	scoreWindowDefault = 24 * time.Hour
)

// ProviderAggregate is the raw per-provider material for one scoring window,
// read from the request ledger.
type ProviderAggregate struct {
	ProviderID   int64
	ProviderName string
	Requests     int64
	Successes    int64
	Failures     int64
	// LatenciesMS are the observed latencies of completed requests.
	LatenciesMS []int64
	// Costs are the per-request costs, for dispersion analysis.
	Costs []float64
}

// ScoreRepo reads ledger aggregates for scoring.
type ScoreRepo interface {
	AggregateByProvider(ctx context.Context, since, until time.Time) ([]*ProviderAggregate, error)
}

// ProviderScore is one provider's composite health score with its sub-scores.
type ProviderScore struct {
	ProviderID   int64   `json:"provider_id"`
	ProviderName string  `json:"provider_name"`
	Requests     int64   `json:"requests"`
	SuccessRate  float64 `json:"success_rate"`
	P95LatencyMS int64   `json:"p95_latency_ms"`
	LatencyScore float64 `json:"latency_score"`
	CircuitScore float64 `json:"circuit_score"`
	CostScore    float64 `json:"cost_score"`
	// Composite is on a 0..100 scale.
	Composite float64 `json:"composite"`
}

// ScoreReport is the full report across the pool for one window.
type ScoreReport struct {
	Window    time.Duration    `json:"window"`
	Since     time.Time        `json:"since"`
	Until     time.Time        `json:"until"`
	Providers []*ProviderScore `json:"providers"`
}

// ProviderHealthScorer grades each provider's recent behavior into a single
// comparable number, for operator dashboards and capacity decisions.
type ProviderHealthScorer struct {
	repo          ScoreRepo
	defaultWindow time.Duration
	nowFn         func() time.Time
	logger        *log.Helper
}

func NewProviderHealthScorer(repo ScoreRepo, c *conf.Routing, logger log.Logger) *ProviderHealthScorer {
	defaultWindow := scoreWindowDefault
	if c != nil && c.ScoreWindow != nil && c.ScoreWindow.AsDuration() > 0 {
		defaultWindow = c.ScoreWindow.AsDuration()
		if defaultWindow < scoreWindowMin {
			defaultWindow = scoreWindowMin
		}
		if defaultWindow > scoreWindowMax {
			defaultWindow = scoreWindowMax
		}
	}
	return &ProviderHealthScorer{
		repo:          repo,
		defaultWindow: defaultWindow,
		nowFn:         time.Now,
		logger:        log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *ProviderHealthScorer) SetNowFunc(now func() time.Time) {
	s.nowFn = now
}

// Report scores every provider seen in the window. A zero window falls back
// to the configured default (24h out of the box); out-of-range windows clamp
// to [1h, 168h]. Deterministic for a fixed ledger state.
func (s *ProviderHealthScorer) Report(ctx context.Context, window time.Duration) (*ScoreReport, error) {
	switch {
	case window == 0:
		window = s.defaultWindow
	case window < scoreWindowMin:
		window = scoreWindowMin
	case window > scoreWindowMax:
		window = scoreWindowMax
	}

	until := s.nowFn()
	since := until.Add(-window)

	aggregates, err := s.repo.AggregateByProvider(ctx, since, until)
	if err != nil {
		return nil, err
	}

	report := &ScoreReport{Window: window, Since: since, Until: until}
	for _, agg := range aggregates {
		report.Providers = append(report.Providers, scoreOne(agg))
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		if report.Providers[i].Composite != report.Providers[j].Composite {
			return report.Providers[i].Composite > report.Providers[j].Composite
		}
		return report.Providers[i].ProviderID < report.Providers[j].ProviderID
	})
	return report, nil
}

func scoreOne(agg *ProviderAggregate) *ProviderScore {
	score := &ProviderScore{
		ProviderID:   agg.ProviderID,
		ProviderName: agg.ProviderName,
		Requests:     agg.Requests,
	}
	if agg.Requests == 0 {
		return score
	}

	successRate := clamp01(float64(agg.Successes) / float64(agg.Requests))

	score.P95LatencyMS = p95(agg.LatenciesMS)
	latencyScore := latencySubScore(score.P95LatencyMS)

	// Circuit activity is approximated from the failure-path share of the
	// ledger: sustained failures are exactly what trips the breaker.
	circuitScore := clamp01(1 - float64(agg.Failures)/float64(agg.Requests))

	costScore := costSubScore(agg.Costs)

	score.SuccessRate = successRate
	score.LatencyScore = latencyScore
	score.CircuitScore = circuitScore
	score.CostScore = costScore
	score.Composite = math.Round((0.40*successRate+0.25*latencyScore+0.20*circuitScore+0.15*costScore)*100*100) / 100
	return score
}

// latencySubScore maps p95 latency to [0,1]: 1.0 at or below 1s, decaying
// linearly to 0 at 30s.
func latencySubScore(p95MS int64) float64 {
	const (
		floorMS   = 1000.0
		ceilingMS = 30000.0
	)
	if p95MS <= int64(floorMS) {
		return 1
	}
	return clamp01(1 - (float64(p95MS)-floorMS)/(ceilingMS-floorMS))
}

// costSubScore penalizes dispersion of per-request cost around the provider
// mean: a coefficient of variation of 0 scores 1, of 1 or more scores 0.
func costSubScore(costs []float64) float64 {
	if len(costs) < 2 {
		return 1
	}
	mean := 0.0
	for _, c := range costs {
		mean += c
	}
	mean /= float64(len(costs))
	if mean <= 0 {
		return 1
	}
	variance := 0.0
	for _, c := range costs {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(costs))
	cv := math.Sqrt(variance) / mean
	return clamp01(1 - cv)
}

// p95 is the exact 95th percentile (nearest-rank) over the sample.
func p95(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
