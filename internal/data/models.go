package data

import (
	"time"

	"RelayCore/internal/model"
)

// Provider is the GORM model for the providers table. Routing reads this
// table through ProviderRepo; the admin dashboard owns writes.
type Provider struct {
	ID               int64     `gorm:"primaryKey;column:id"`
	Name             string    `gorm:"column:name;size:100;not null"`
	Type             string    `gorm:"column:type;size:50;not null"`
	Enabled          bool      `gorm:"column:enabled;default:true;not null"`
	Priority         int       `gorm:"column:priority;default:0;not null"`
	Weight           int       `gorm:"column:weight;default:1;not null"`
	GroupName        string    `gorm:"column:group_name;size:100"`
	Limit5h          float64   `gorm:"column:limit_5h;default:0;not null"`
	LimitWeekly      float64   `gorm:"column:limit_weekly;default:0;not null"`
	LimitMonthly     float64   `gorm:"column:limit_monthly;default:0;not null"`
	ConcurrencyLimit int       `gorm:"column:concurrency_limit;default:0;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Provider) TableName() string {
	return "providers"
}

// CircuitBreakerConfigRow is the GORM model for per-provider breaker tuning.
type CircuitBreakerConfigRow struct {
	ProviderID               int64     `gorm:"primaryKey;column:provider_id"`
	FailureThreshold         uint32    `gorm:"column:failure_threshold;default:5;not null"`
	OpenDurationSeconds      int64     `gorm:"column:open_duration_seconds;default:600;not null"`
	HalfOpenSuccessThreshold uint32    `gorm:"column:half_open_success_threshold;default:3;not null"`
	UpdatedAt                time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (CircuitBreakerConfigRow) TableName() string {
	return "circuit_breaker_configs"
}

// RequestLog is one immutable ledger row per completed request attempt.
type RequestLog struct {
	ID            int64               `gorm:"primaryKey;column:id"`
	RequestID     string              `gorm:"column:request_id;size:36;index;not null"`
	KeyID         int64               `gorm:"column:key_id;index;not null"`
	UserID        int64               `gorm:"column:user_id;index;not null"`
	ProviderID    int64               `gorm:"column:provider_id;index;not null"`
	InputTokens   int64               `gorm:"column:input_tokens;default:0;not null"`
	OutputTokens  int64               `gorm:"column:output_tokens;default:0;not null"`
	CacheTokens   int64               `gorm:"column:cache_tokens;default:0;not null"`
	Cost          float64             `gorm:"column:cost;default:0;not null"`
	PackageCost   float64             `gorm:"column:package_cost;default:0;not null"`
	BalanceCost   float64             `gorm:"column:balance_cost;default:0;not null"`
	PaymentSource model.PaymentSource `gorm:"column:payment_source;type:enum('package','balance','mixed');default:'package';not null"`
	StatusCode    int                 `gorm:"column:status_code;default:0;not null"`
	LatencyMS     int64               `gorm:"column:latency_ms;default:0;not null"`
	Succeeded     bool                `gorm:"column:succeeded;default:false;not null"`
	ErrorKind     string              `gorm:"column:error_kind;size:32"`
	DecisionChain *string             `gorm:"column:decision_chain;type:json"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName specifies the table name for GORM.
func (RequestLog) TableName() string {
	return "request_logs"
}

// QuotaLimit configures one package spend cap for a subject and window.
// A missing row means the window is uncapped for that subject.
type QuotaLimit struct {
	ID          int64             `gorm:"primaryKey;column:id"`
	SubjectType model.SubjectType `gorm:"column:subject_type;type:enum('key','user','provider');not null;uniqueIndex:idx_subject_window"`
	SubjectID   int64             `gorm:"column:subject_id;not null;uniqueIndex:idx_subject_window"`
	Window      model.QuotaWindow `gorm:"column:window;type:enum('5h','daily','weekly','monthly','total');not null;uniqueIndex:idx_subject_window"`
	LimitUSD    float64           `gorm:"column:limit_usd;not null"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (QuotaLimit) TableName() string {
	return "quota_limits"
}

// PaymentAccount holds a subject's pay-as-you-go balance and policy.
type PaymentAccount struct {
	ID            int64               `gorm:"primaryKey;column:id"`
	SubjectType   model.SubjectType   `gorm:"column:subject_type;type:enum('key','user','provider');not null;uniqueIndex:idx_payment_subject"`
	SubjectID     int64               `gorm:"column:subject_id;not null;uniqueIndex:idx_payment_subject"`
	BalanceUSD    float64             `gorm:"column:balance_usd;default:0;not null"`
	BalancePolicy model.BalancePolicy `gorm:"column:balance_policy;type:enum('disabled','after_quota','priority');default:'after_quota';not null"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (PaymentAccount) TableName() string {
	return "payment_accounts"
}

// NotificationChannelRow is the stored form of one webhook channel; the
// signing secret is encrypted at rest.
type NotificationChannelRow struct {
	ID              int64             `gorm:"primaryKey;column:id"`
	Channel         model.ChannelType `gorm:"column:channel;type:enum('feishu','dingtalk','wecom');not null"`
	WebhookURL      string            `gorm:"column:webhook_url;size:512;not null"`
	SecretEncrypted string            `gorm:"column:secret_encrypted;type:text"`
	Enabled         bool              `gorm:"column:enabled;default:true;not null"`
	AlertKind       model.AlertKind   `gorm:"column:alert_kind;type:enum('circuit_open','daily_leaderboard','cost_alert');not null;index"`
	CreatedAt       time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (NotificationChannelRow) TableName() string {
	return "notification_channels"
}

// Notification job states.
const (
	JobStatusPending    = "pending"
	JobStatusDelivering = "delivering"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusSkipped    = "skipped"
)

// NotificationJob is one durable queue entry.
type NotificationJob struct {
	ID            int64           `gorm:"primaryKey;column:id"`
	Kind          model.AlertKind `gorm:"column:kind;type:enum('circuit_open','daily_leaderboard','cost_alert');not null"`
	DedupKey      string          `gorm:"column:dedup_key;size:128;index"`
	Payload       string          `gorm:"column:payload;type:json;not null"`
	ChannelIDs    string          `gorm:"column:channel_ids;type:json"`
	Attempts      int             `gorm:"column:attempts;default:0;not null"`
	MaxAttempts   int             `gorm:"column:max_attempts;default:3;not null"`
	NextAttemptAt time.Time       `gorm:"column:next_attempt_at;index;not null"`
	Status        string          `gorm:"column:status;type:enum('pending','delivering','succeeded','failed','skipped');default:'pending';not null;index"`
	LastError     string          `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (NotificationJob) TableName() string {
	return "notification_jobs"
}

// ConsistencyHistory is one audit record per reconciliation pass.
type ConsistencyHistory struct {
	ID                int64                  `gorm:"primaryKey;column:id"`
	Trigger           model.ReconcileTrigger `gorm:"column:trigger_type;type:enum('manual','scheduled','autofix');not null"`
	Checked           int                    `gorm:"column:checked;default:0;not null"`
	InconsistentCount int                    `gorm:"column:inconsistent_count;default:0;not null"`
	FixedCount        int                    `gorm:"column:fixed_count;default:0;not null"`
	TotalAbsDiff      float64                `gorm:"column:total_abs_diff;default:0;not null"`
	AvgDiffRate       float64                `gorm:"column:avg_diff_rate;default:0;not null"`
	Details           *string                `gorm:"column:details;type:json"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (ConsistencyHistory) TableName() string {
	return "consistency_histories"
}
