package model

// ChannelType is one of the supported webhook transports.
type ChannelType string

const (
	ChannelFeishu   ChannelType = "feishu"
	ChannelDingTalk ChannelType = "dingtalk"
	ChannelWeCom    ChannelType = "wecom"
)

// AlertKind is one of the notification job kinds.
type AlertKind string

const (
	AlertCircuitOpen      AlertKind = "circuit_open"
	AlertDailyLeaderboard AlertKind = "daily_leaderboard"
	AlertCostAlert        AlertKind = "cost_alert"
)

// NotificationChannel is the runtime view of one configured webhook channel.
// Secret is the decrypted HMAC signing key; empty for channel types that do
// not sign.
type NotificationChannel struct {
	ID         int64       `json:"id"`
	Channel    ChannelType `json:"channel"`
	WebhookURL string      `json:"webhook_url"`
	Secret     string      `json:"-"`
	Enabled    bool        `json:"enabled"`
}

// AlertPayload is the channel-independent content of one alert.
type AlertPayload struct {
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}
