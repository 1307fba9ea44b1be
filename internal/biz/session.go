package biz

import (
	"context"
	"time"

	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// SessionRepo persists sticky mappings and scoped session membership.
type SessionRepo interface {
	// GetSticky returns the provider pinned to the session, if any. The
	// lookup never errors a request path: unavailability reads as no pin.
	GetSticky(ctx context.Context, sessionID string) (providerID int64, found bool, err error)
	// PinSticky maps the session to the provider and (re)arms the TTL.
	PinSticky(ctx context.Context, sessionID string, providerID int64) error
	// ConcurrentCount returns the live member count for the scope (key,
	// user or provider), pruning entries older than the staleness horizon.
	ConcurrentCount(ctx context.Context, scope model.SubjectRef, now time.Time) (int64, error)
	// TrackRequest registers an in-flight request on the provider scope.
	TrackRequest(ctx context.Context, providerID int64, requestID string, now time.Time) error
	// UntrackRequest removes the request from the provider's in-flight set.
	UntrackRequest(ctx context.Context, providerID int64, requestID string) error
	// TouchSession refreshes the session's membership in each scope.
	TouchSession(ctx context.Context, sessionID string, scopes []model.SubjectRef, now time.Time) error
}

// SessionAffinityUseCase keeps conversations pinned to one provider so
// provider-side prompt caches stay warm, and bounds per-provider concurrency.
type SessionAffinityUseCase struct {
	repo   SessionRepo
	nowFn  func() time.Time
	logger *log.Helper
}

func NewSessionAffinityUseCase(repo SessionRepo, logger log.Logger) *SessionAffinityUseCase {
	return &SessionAffinityUseCase{
		repo:   repo,
		nowFn:  time.Now,
		logger: log.NewHelper(logger),
	}
}

// SetNowFunc overrides the clock, for tests.
func (uc *SessionAffinityUseCase) SetNowFunc(now func() time.Time) {
	uc.nowFn = now
}

// StickyProvider returns the provider pinned to the session, or 0 when no
// pin exists. Store failures degrade to no pin.
func (uc *SessionAffinityUseCase) StickyProvider(ctx context.Context, sessionID string) int64 {
	if sessionID == "" {
		return 0
	}
	providerID, found, err := uc.repo.GetSticky(ctx, sessionID)
	if err != nil {
		uc.logger.Warnf("sticky lookup failed for session %s: %v (treated as unpinned)", sessionID, err)
		return 0
	}
	if !found {
		return 0
	}
	return providerID
}

// Pin binds the session to the provider. Every successful request on the
// session repins, so the TTL slides with activity.
func (uc *SessionAffinityUseCase) Pin(ctx context.Context, sessionID string, providerID int64) {
	if sessionID == "" || providerID == 0 {
		return
	}
	if err := uc.repo.PinSticky(ctx, sessionID, providerID); err != nil {
		uc.logger.Warnf("failed to pin session %s to provider %d: %v", sessionID, providerID, err)
	}
}

// WithinConcurrencyLimit reports whether the provider has capacity for one
// more in-flight request. limit<=0 means unbounded. Counter unavailability
// fails open.
func (uc *SessionAffinityUseCase) WithinConcurrencyLimit(ctx context.Context, providerID int64, limit int64) bool {
	if limit <= 0 {
		return true
	}
	scope := model.SubjectRef{Type: model.SubjectProvider, ID: providerID}
	count, err := uc.repo.ConcurrentCount(ctx, scope, uc.nowFn())
	if err != nil {
		uc.logger.Warnf("concurrency count failed for provider %d: %v (limit not enforced)", providerID, err)
		return true
	}
	return count < limit
}

// ActiveSessions returns the live session count for the scope, pruning
// members idle past the affinity window.
func (uc *SessionAffinityUseCase) ActiveSessions(ctx context.Context, scope model.SubjectRef) (int64, error) {
	return uc.repo.ConcurrentCount(ctx, scope, uc.nowFn())
}

// TouchSession records the session as live under its key and user scopes.
// Zero IDs are skipped; store failures only log, the request proceeds.
func (uc *SessionAffinityUseCase) TouchSession(ctx context.Context, sessionID string, keyID, userID int64) {
	if sessionID == "" {
		return
	}
	scopes := make([]model.SubjectRef, 0, 2)
	if keyID != 0 {
		scopes = append(scopes, model.SubjectRef{Type: model.SubjectKey, ID: keyID})
	}
	if userID != 0 {
		scopes = append(scopes, model.SubjectRef{Type: model.SubjectUser, ID: userID})
	}
	if len(scopes) == 0 {
		return
	}
	if err := uc.repo.TouchSession(ctx, sessionID, scopes, uc.nowFn()); err != nil {
		uc.logger.Warnf("failed to touch session %s: %v", sessionID, err)
	}
}

// Track registers the request as in-flight on the provider. The returned
// release func must be called exactly once when the request finishes.
func (uc *SessionAffinityUseCase) Track(ctx context.Context, providerID int64, requestID string) func() {
	if err := uc.repo.TrackRequest(ctx, providerID, requestID, uc.nowFn()); err != nil {
		uc.logger.Warnf("failed to track request %s on provider %d: %v", requestID, providerID, err)
		return func() {}
	}
	return func() {
		// Detached from the request context so cancellation cannot leak
		// the in-flight slot.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := uc.repo.UntrackRequest(releaseCtx, providerID, requestID); err != nil {
			uc.logger.Warnf("failed to untrack request %s on provider %d: %v", requestID, providerID, err)
		}
	}
}
