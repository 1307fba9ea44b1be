package model

import "time"

// DecisionReason identifies one step in a request's routing decision chain.
type DecisionReason string

const (
	ReasonInitialSelection      DecisionReason = "initial_selection"
	ReasonSessionReuse          DecisionReason = "session_reuse"
	ReasonRetryFailed           DecisionReason = "retry_failed"
	ReasonRetrySuccess          DecisionReason = "retry_success"
	ReasonRequestSuccess        DecisionReason = "request_success"
	ReasonSystemError           DecisionReason = "system_error"
	ReasonConcurrentLimitFailed DecisionReason = "concurrent_limit_failed"
)

// ExclusionReason is a machine-readable tag explaining why a candidate
// provider was filtered out of the selection pool.
type ExclusionReason string

const (
	ExcludeCircuitOpen      ExclusionReason = "circuit_open"
	ExcludeQuota5h          ExclusionReason = "quota_5h"
	ExcludeQuotaDaily       ExclusionReason = "quota_daily"
	ExcludeQuotaWeekly      ExclusionReason = "quota_weekly"
	ExcludeQuotaMonthly     ExclusionReason = "quota_monthly"
	ExcludeQuotaTotal       ExclusionReason = "quota_total"
	ExcludeConcurrencyLimit ExclusionReason = "concurrency_limit"
	ExcludeGroupMismatch    ExclusionReason = "group_mismatch"
	ExcludeDisabled         ExclusionReason = "disabled"
	ExcludePriorFailure     ExclusionReason = "prior_failure"
)

// ExcludedProvider records one provider filtered out of the candidate pool.
type ExcludedProvider struct {
	ProviderID   int64           `json:"provider_id"`
	ProviderName string          `json:"provider_name"`
	Reason       ExclusionReason `json:"reason"`
}

// WeightedCandidate is one surviving candidate with its selection weight and
// the probability it would win the weighted draw.
type WeightedCandidate struct {
	ProviderID     int64   `json:"provider_id"`
	ProviderName   string  `json:"provider_name"`
	Weight         int     `json:"weight"`
	WinProbability float64 `json:"win_probability"`
}

// DecisionContext captures the full candidate pool state at selection time so
// a routing choice can be reconstructed after the fact.
type DecisionContext struct {
	PoolSize     int                 `json:"pool_size"`
	EligibleSize int                 `json:"eligible_size"`
	PriorityTier int                 `json:"priority_tier"`
	Excluded     []ExcludedProvider  `json:"excluded,omitempty"`
	Candidates   []WeightedCandidate `json:"candidates,omitempty"`
}

// Error kinds for failed attempts. Provider faults count toward the circuit
// breaker; transport faults do not.
const (
	ErrorKindProvider  = "provider_fault"
	ErrorKindTransport = "transport_fault"
	ErrorKindInternal  = "internal"
)

// ErrorDetails carries structured upstream error information for failed
// attempts.
type ErrorDetails struct {
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DecisionChainItem is one ordered, append-only entry in a request's
// decision chain. Immutable once the request completes.
type DecisionChainItem struct {
	Reason       DecisionReason   `json:"reason"`
	ProviderID   int64            `json:"provider_id,omitempty"`
	ProviderName string           `json:"provider_name,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	StatusCode   int              `json:"status_code,omitempty"`
	LatencyMS    int64            `json:"latency_ms,omitempty"`
	Context      *DecisionContext `json:"context,omitempty"`
	Error        *ErrorDetails    `json:"error,omitempty"`
}
