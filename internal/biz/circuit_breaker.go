package biz

import (
	"context"
	"sync"
	"time"

	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitState is the admission state of one provider's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig is the per-provider circuit-breaker tuning, admin-controlled.
type BreakerConfig struct {
	FailureThreshold         uint32
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold uint32
}

// DefaultBreakerConfig is the hard-coded fallback used whenever the stored
// config is missing or malformed.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold:         5,
	OpenDuration:             10 * time.Minute,
	HalfOpenSuccessThreshold: 3,
}

// ProviderHealth is the durable+cached circuit state of one provider.
// Invariant: OpenUntil is non-nil if and only if State == CircuitOpen.
type ProviderHealth struct {
	ProviderID           int64        `json:"provider_id"`
	State                CircuitState `json:"state"`
	FailureCount         uint32       `json:"failure_count"`
	LastFailureAt        *time.Time   `json:"last_failure_at,omitempty"`
	OpenUntil            *time.Time   `json:"open_until,omitempty"`
	HalfOpenSuccessCount uint32       `json:"half_open_success_count"`
	TransportFaultCount  uint64       `json:"transport_fault_count"`
	LastTransportFaultAt *time.Time   `json:"last_transport_fault_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// HealthRepo persists circuit snapshots to the shared cache and loads
// per-provider breaker config from durable storage.
type HealthRepo interface {
	// SaveSnapshot writes the health entry to the shared cache (24h TTL).
	SaveSnapshot(ctx context.Context, h *ProviderHealth) error
	// LoadSnapshot returns (nil, nil) when no snapshot exists.
	LoadSnapshot(ctx context.Context, providerID int64) (*ProviderHealth, error)
	// LoadBreakerConfig returns the provider's config, cached for 5 minutes;
	// on load failure it returns DefaultBreakerConfig and no error.
	LoadBreakerConfig(ctx context.Context, providerID int64) BreakerConfig
	// InvalidateBreakerConfig drops the cached config after an admin edit.
	InvalidateBreakerConfig(providerID int64)
}

// CircuitAlerter receives circuit transition events, best effort.
type CircuitAlerter interface {
	CircuitOpened(ctx context.Context, ev *model.CircuitOpenEvent)
	CircuitClosed(ctx context.Context, ev *model.CircuitClosedEvent)
}

// healthEntry pairs one provider's health with its own lock. The lock is held
// only for state transitions, never across I/O to the cache.
type healthEntry struct {
	mu     sync.Mutex
	health ProviderHealth
}

// CircuitBreakerUseCase owns the in-memory health registry and drives the
// Closed/Open/HalfOpen state machine. The registry is an explicit instance
// constructed once at startup and injected where needed; there is no ambient
// global state.
type CircuitBreakerUseCase struct {
	repo    HealthRepo
	alerter CircuitAlerter

	mu      sync.RWMutex
	entries map[int64]*healthEntry

	nowFn  func() time.Time
	logger *log.Helper
}

// NewCircuitBreakerUseCase creates the circuit breaker. alerter may be nil.
func NewCircuitBreakerUseCase(repo HealthRepo, alerter CircuitAlerter, logger log.Logger) *CircuitBreakerUseCase {
	return &CircuitBreakerUseCase{
		repo:    repo,
		alerter: alerter,
		entries: make(map[int64]*healthEntry),
		nowFn:   time.Now,
		logger:  log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (uc *CircuitBreakerUseCase) SetNowFunc(now func() time.Time) {
	uc.nowFn = now
}

// entry returns the provider's registry entry, creating it lazily. On first
// reference it attempts to rehydrate from the shared cache so a restarted
// process resumes where a peer left off; rehydration failure degrades to a
// fresh Closed entry.
func (uc *CircuitBreakerUseCase) entry(ctx context.Context, providerID int64) *healthEntry {
	uc.mu.RLock()
	e := uc.entries[providerID]
	uc.mu.RUnlock()
	if e != nil {
		return e
	}

	snapshot, err := uc.repo.LoadSnapshot(ctx, providerID)
	if err != nil {
		uc.logger.Warnw("msg", "failed to rehydrate circuit snapshot (starting closed)",
			"provider_id", providerID, "error", err)
		snapshot = nil
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if e = uc.entries[providerID]; e != nil {
		return e
	}
	e = &healthEntry{}
	if snapshot != nil {
		e.health = *snapshot
	} else {
		e.health = ProviderHealth{
			ProviderID: providerID,
			State:      CircuitClosed,
		}
	}
	uc.entries[providerID] = e
	return e
}

// IsOpen reports whether the provider's circuit currently rejects traffic.
// An Open circuit whose open window has elapsed transitions to HalfOpen and
// admits the calling attempt.
func (uc *CircuitBreakerUseCase) IsOpen(ctx context.Context, providerID int64) bool {
	e := uc.entry(ctx, providerID)
	now := uc.nowFn()

	e.mu.Lock()
	switch e.health.State {
	case CircuitClosed:
		e.mu.Unlock()
		return false
	case CircuitHalfOpen:
		// HalfOpen always admits: only a recorded failure reopens it.
		e.mu.Unlock()
		return false
	case CircuitOpen:
		if e.health.OpenUntil != nil && now.After(*e.health.OpenUntil) {
			e.health.State = CircuitHalfOpen
			e.health.OpenUntil = nil
			e.health.HalfOpenSuccessCount = 0
			e.health.UpdatedAt = now
			snapshot := e.health
			e.mu.Unlock()
			uc.logger.Infow("msg", "circuit half-open, admitting probe traffic", "provider_id", providerID)
			uc.persist(ctx, &snapshot)
			return false
		}
		e.mu.Unlock()
		return true
	default:
		e.mu.Unlock()
		return false
	}
}

// RecordFailure counts one provider-fault failure. Crossing the configured
// threshold, or any failure while HalfOpen, opens the circuit and enqueues a
// circuit-open alert asynchronously (alert failure never propagates).
func (uc *CircuitBreakerUseCase) RecordFailure(ctx context.Context, providerID int64, cause error) {
	cfg := uc.repo.LoadBreakerConfig(ctx, providerID)
	e := uc.entry(ctx, providerID)
	now := uc.nowFn()

	e.mu.Lock()
	e.health.FailureCount++
	e.health.LastFailureAt = &now
	e.health.UpdatedAt = now

	opened := false
	// A failure in HalfOpen reopens immediately; FailureCount keeps
	// accumulating from its prior value, so the threshold comparison covers
	// both paths.
	if e.health.State == CircuitHalfOpen || e.health.FailureCount >= cfg.FailureThreshold {
		until := now.Add(cfg.OpenDuration)
		e.health.State = CircuitOpen
		e.health.OpenUntil = &until
		e.health.HalfOpenSuccessCount = 0
		opened = true
	}
	snapshot := e.health
	e.mu.Unlock()

	if opened {
		causeMsg := ""
		if cause != nil {
			causeMsg = cause.Error()
		}
		uc.logger.Warnw("msg", "circuit opened",
			"provider_id", providerID,
			"failure_count", snapshot.FailureCount,
			"open_until", snapshot.OpenUntil,
			"cause", causeMsg)
		if uc.alerter != nil {
			ev := &model.CircuitOpenEvent{
				ProviderID:   providerID,
				FailureCount: snapshot.FailureCount,
				OpenUntil:    *snapshot.OpenUntil,
				LastError:    causeMsg,
				OpenedAt:     now,
			}
			go func() {
				alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				uc.alerter.CircuitOpened(alertCtx, ev)
			}()
		}
	}

	uc.persist(ctx, &snapshot)
}

// RecordSuccess counts one successful completion. In HalfOpen it advances the
// probe counter and closes the circuit at the configured threshold; in Closed
// it clears any accumulated sporadic failures.
func (uc *CircuitBreakerUseCase) RecordSuccess(ctx context.Context, providerID int64) {
	cfg := uc.repo.LoadBreakerConfig(ctx, providerID)
	e := uc.entry(ctx, providerID)
	now := uc.nowFn()

	e.mu.Lock()
	changed := false
	closed := false
	var probes uint32
	var downFor time.Duration

	switch e.health.State {
	case CircuitHalfOpen:
		e.health.HalfOpenSuccessCount++
		probes = e.health.HalfOpenSuccessCount
		changed = true
		if e.health.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold {
			if e.health.LastFailureAt != nil {
				downFor = now.Sub(*e.health.LastFailureAt)
			}
			e.health.State = CircuitClosed
			e.health.FailureCount = 0
			e.health.HalfOpenSuccessCount = 0
			e.health.OpenUntil = nil
			e.health.LastFailureAt = nil
			closed = true
		}
	case CircuitClosed:
		if e.health.FailureCount > 0 {
			e.health.FailureCount = 0
			changed = true
		}
	}
	if changed {
		e.health.UpdatedAt = now
	}
	snapshot := e.health
	e.mu.Unlock()

	if closed {
		uc.logger.Infow("msg", "circuit closed after successful probes",
			"provider_id", providerID, "probes", probes)
		if uc.alerter != nil {
			ev := &model.CircuitClosedEvent{
				ProviderID: providerID,
				ProbeCount: probes,
				DownFor:    downFor,
				ClosedAt:   now,
			}
			go func() {
				alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				uc.alerter.CircuitClosed(alertCtx, ev)
			}()
		}
	}

	if changed {
		uc.persist(ctx, &snapshot)
	}
}

// RecordTransportFault notes a network-level failure for observability.
// Transport faults are explicitly not a provider-fault signal and never count
// toward the failure threshold.
func (uc *CircuitBreakerUseCase) RecordTransportFault(ctx context.Context, providerID int64) {
	e := uc.entry(ctx, providerID)
	now := uc.nowFn()

	e.mu.Lock()
	e.health.TransportFaultCount++
	e.health.LastTransportFaultAt = &now
	e.health.UpdatedAt = now
	snapshot := e.health
	e.mu.Unlock()

	uc.persist(ctx, &snapshot)
}

// ResetCircuit is the manual operator override: always Closed with all
// counters zeroed.
func (uc *CircuitBreakerUseCase) ResetCircuit(ctx context.Context, providerID int64) {
	e := uc.entry(ctx, providerID)
	now := uc.nowFn()

	e.mu.Lock()
	e.health = ProviderHealth{
		ProviderID: providerID,
		State:      CircuitClosed,
		UpdatedAt:  now,
	}
	snapshot := e.health
	e.mu.Unlock()

	uc.logger.Infow("msg", "circuit reset by operator", "provider_id", providerID)
	uc.persist(ctx, &snapshot)
}

// Snapshot returns a copy of the provider's current health entry.
func (uc *CircuitBreakerUseCase) Snapshot(ctx context.Context, providerID int64) ProviderHealth {
	e := uc.entry(ctx, providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Snapshots returns copies of every health entry referenced by this process.
func (uc *CircuitBreakerUseCase) Snapshots() []ProviderHealth {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(uc.entries))
	for _, e := range uc.entries {
		e.mu.Lock()
		out = append(out, e.health)
		e.mu.Unlock()
	}
	return out
}

// InvalidateConfig drops the provider's cached breaker config so the next
// call reads the edited row.
func (uc *CircuitBreakerUseCase) InvalidateConfig(providerID int64) {
	uc.repo.InvalidateBreakerConfig(providerID)
}

// persist writes the snapshot to the shared cache. Persistence failure is
// logged and swallowed: the in-memory state remains authoritative for this
// process (fail-open).
func (uc *CircuitBreakerUseCase) persist(ctx context.Context, h *ProviderHealth) {
	if err := uc.repo.SaveSnapshot(ctx, h); err != nil {
		uc.logger.Warnw("msg", "failed to persist circuit snapshot (degraded mode)",
			"provider_id", h.ProviderID, "error", err)
	}
}
