package model

import "time"

// ConsistencyStatus classifies one cache-vs-ledger comparison.
type ConsistencyStatus string

const (
	StatusConsistent      ConsistencyStatus = "consistent"
	StatusInconsistent    ConsistencyStatus = "inconsistent"
	StatusRedisMissing    ConsistencyStatus = "redis_missing"
	StatusDatabaseMissing ConsistencyStatus = "database_missing"
)

// ConsistencyCheckItem is the result of comparing one (subject, window) pair.
// RedisValue is nil when the cache holds no entry for the window.
type ConsistencyCheckItem struct {
	Subject        SubjectRef        `json:"subject"`
	Window         QuotaWindow       `json:"window"`
	RedisValue     *float64          `json:"redis_value"`
	DatabaseValue  float64           `json:"database_value"`
	Difference     float64           `json:"difference"`
	DifferenceRate float64           `json:"difference_rate"`
	Status         ConsistencyStatus `json:"status"`
}

// ConsistencyCheckResult aggregates one reconciliation pass.
type ConsistencyCheckResult struct {
	Items             []ConsistencyCheckItem `json:"items"`
	Checked           int                    `json:"checked"`
	InconsistentCount int                    `json:"inconsistent_count"`
	TotalAbsDiff      float64                `json:"total_abs_diff"`
	AvgDiffRate       float64                `json:"avg_diff_rate"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        time.Time              `json:"finished_at"`
}

// ReconcileTrigger records what initiated a reconciliation pass.
type ReconcileTrigger string

const (
	TriggerManual    ReconcileTrigger = "manual"
	TriggerScheduled ReconcileTrigger = "scheduled"
	TriggerAutoFix   ReconcileTrigger = "autofix"
)
