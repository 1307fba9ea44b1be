package model

import "time"

// QuotaWindow is one of the five spend-accounting dimensions.
type QuotaWindow string

const (
	Window5h      QuotaWindow = "5h"
	WindowDaily   QuotaWindow = "daily"
	WindowWeekly  QuotaWindow = "weekly"
	WindowMonthly QuotaWindow = "monthly"
	WindowTotal   QuotaWindow = "total"
)

// AllWindows lists every window in ascending span order (narrowest first).
var AllWindows = []QuotaWindow{Window5h, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// SubjectType identifies who a quota window belongs to.
type SubjectType string

const (
	SubjectKey      SubjectType = "key"
	SubjectUser     SubjectType = "user"
	SubjectProvider SubjectType = "provider"
)

// SubjectRef names one quota subject.
type SubjectRef struct {
	Type SubjectType `json:"type"`
	ID   int64       `json:"id"`
}

// PaymentSource records which funds covered a request's cost.
type PaymentSource string

const (
	PaymentPackage PaymentSource = "package"
	PaymentBalance PaymentSource = "balance"
	PaymentMixed   PaymentSource = "mixed"
)

// BalancePolicy controls when the pay-as-you-go balance may fund a request.
type BalancePolicy string

const (
	// BalanceDisabled rejects requests once the package is exhausted.
	BalanceDisabled BalancePolicy = "disabled"
	// BalanceAfterQuota draws from the balance only after package exhaustion.
	BalanceAfterQuota BalancePolicy = "after_quota"
	// BalancePriority draws from the balance first, keeping the package as
	// fallback.
	BalancePriority BalancePolicy = "priority"
)

// RollingWindow5h is the span of the 5-hour rolling window.
const RollingWindow5h = 5 * time.Hour

// WindowStart returns the beginning of the window containing now. For the
// total window it returns the zero time, for the 5h rolling window the point
// five hours ago.
func WindowStart(w QuotaWindow, now time.Time) time.Time {
	switch w {
	case Window5h:
		return now.Add(-RollingWindow5h)
	case WindowDaily:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case WindowWeekly:
		// ISO week starts on Monday
		y, m, d := now.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		weekday := int(midnight.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return midnight.AddDate(0, 0, -(weekday - 1))
	case WindowMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// WindowTTL returns how long a cache entry for the window should live, so the
// entry expires at the window's natural reset boundary. Zero means no TTL.
func WindowTTL(w QuotaWindow, now time.Time) time.Duration {
	switch w {
	case Window5h:
		// hourly buckets carry their own 6h TTL
		return RollingWindow5h + time.Hour
	case WindowDaily:
		return WindowStart(WindowDaily, now).AddDate(0, 0, 1).Sub(now)
	case WindowWeekly:
		return WindowStart(WindowWeekly, now).AddDate(0, 0, 7).Sub(now)
	case WindowMonthly:
		return WindowStart(WindowMonthly, now).AddDate(0, 1, 0).Sub(now)
	default:
		return 0
	}
}
