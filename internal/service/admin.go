package service

import (
	"context"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// AdminService backs the operator HTTP surface: health snapshots, score
// reports, circuit resets, consistency operations and manual alerts.
type AdminService struct {
	breaker    *biz.CircuitBreakerUseCase
	scorer     *biz.ProviderHealthScorer
	reconciler *biz.ConsistencyReconciler
	queue      *biz.NotificationQueueUseCase
	sessions   *biz.SessionAffinityUseCase
	logger     *log.Helper
}

func NewAdminService(
	breaker *biz.CircuitBreakerUseCase,
	scorer *biz.ProviderHealthScorer,
	reconciler *biz.ConsistencyReconciler,
	queue *biz.NotificationQueueUseCase,
	sessions *biz.SessionAffinityUseCase,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		breaker:    breaker,
		scorer:     scorer,
		reconciler: reconciler,
		queue:      queue,
		sessions:   sessions,
		logger:     log.NewHelper(logger),
	}
}

// HealthSnapshots returns every provider's circuit state.
func (s *AdminService) HealthSnapshots(ctx context.Context) []biz.ProviderHealth {
	return s.breaker.Snapshots()
}

// HealthSnapshot returns one provider's circuit state, rehydrating from the
// cache when the provider is not yet in this process's registry.
func (s *AdminService) HealthSnapshot(ctx context.Context, providerID int64) biz.ProviderHealth {
	return s.breaker.Snapshot(ctx, providerID)
}

// Score produces the composite health report over the given window.
func (s *AdminService) Score(ctx context.Context, window time.Duration) (*biz.ScoreReport, error) {
	return s.scorer.Report(ctx, window)
}

// ResetCircuit is the operator override back to Closed.
func (s *AdminService) ResetCircuit(ctx context.Context, providerID int64) {
	s.logger.Infof("operator circuit reset for provider %d", providerID)
	s.breaker.ResetCircuit(ctx, providerID)
}

// ConsistencyCheck runs one read-only reconciliation pass.
func (s *AdminService) ConsistencyCheck(ctx context.Context, req *biz.CheckRequest) (*model.ConsistencyCheckResult, error) {
	return s.reconciler.CheckAll(ctx, req)
}

// FixResult pairs a check result with the number of repairs applied.
type FixResult struct {
	Result *model.ConsistencyCheckResult `json:"result"`
	Fixed  int                           `json:"fixed"`
}

// ConsistencyFix runs a pass and repairs every drifted item it finds. The
// reconciler holds its in-flight guard across the whole check-and-fix pass.
func (s *AdminService) ConsistencyFix(ctx context.Context, req *biz.CheckRequest) (*FixResult, error) {
	result, fixed, err := s.reconciler.CheckAndFix(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("operator consistency fix: %d of %d repaired", fixed, result.InconsistentCount)
	return &FixResult{Result: result, Fixed: fixed}, nil
}

// ConsistencyRebuild deletes every cached cost counter. Destructive;
// requires the confirm flag.
func (s *AdminService) ConsistencyRebuild(ctx context.Context, confirm bool) (int64, error) {
	return s.reconciler.GlobalRebuild(ctx, confirm)
}

// ActiveSessions returns the live session count for a key, user or provider
// scope.
func (s *AdminService) ActiveSessions(ctx context.Context, scope model.SubjectRef) (int64, error) {
	return s.sessions.ActiveSessions(ctx, scope)
}

// EnqueueAlert is the fire-and-forget manual alert entry point.
func (s *AdminService) EnqueueAlert(ctx context.Context, kind model.AlertKind, channelIDs []int64, payload *model.AlertPayload) error {
	return s.queue.Enqueue(ctx, kind, "", payload, channelIDs)
}
