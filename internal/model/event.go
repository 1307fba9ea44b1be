package model

import "time"

// CircuitOpenEvent is emitted when a provider's circuit trips to Open.
type CircuitOpenEvent struct {
	ProviderID   int64
	ProviderName string
	FailureCount uint32
	OpenUntil    time.Time
	LastError    string
	OpenedAt     time.Time
}

// CircuitClosedEvent is emitted when a provider's circuit recovers to Closed.
type CircuitClosedEvent struct {
	ProviderID   int64
	ProviderName string
	ProbeCount   uint32
	DownFor      time.Duration
	ClosedAt     time.Time
}

// QuotaBreachEvent is emitted when a subject crosses a spend threshold.
type QuotaBreachEvent struct {
	Subject    SubjectRef
	Window     QuotaWindow
	Spent      float64
	Limit      float64
	BreachedAt time.Time
}
