// Package conf provides configuration management using Viper.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration object.
type Bootstrap struct {
	Server    *Server
	Data      *Data
	Auth      *Auth
	Log       *Log
	Routing   *Routing
	Reconcile *Reconcile
	Notify    *Notify
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds the operator HTTP surface configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds storage configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the relational ledger configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the shared cache configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Auth holds admin-surface and at-rest protection configuration.
type Auth struct {
	AdminToken string
	Encryption *Auth_Encryption
}

// Auth_Encryption holds the AES key for secrets at rest.
type Auth_Encryption struct {
	Key string
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Routing holds decision-engine knobs.
type Routing struct {
	MaxRetries  int32
	SessionTTL  *durationpb.Duration
	ScoreWindow *durationpb.Duration
}

// Reconcile holds the consistency reconciler schedule and thresholds.
type Reconcile struct {
	Enabled       bool
	IntervalHours int32
	AutoFix       bool
	ThresholdUsd  float64
	ThresholdRate float64
}

// Notify holds the notification queue configuration.
type Notify struct {
	Workers      int32
	MaxAttempts  int32
	BackoffBase  *durationpb.Duration
	PollInterval *durationpb.Duration
	// LeaderboardCron is the cron spec (with seconds) for the daily
	// leaderboard job.
	LeaderboardCron string
	// CostAlertHours is the interval between cost-alert jobs; 0 disables.
	CostAlertHours int32
}
