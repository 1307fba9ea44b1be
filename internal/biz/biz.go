package biz

import "github.com/google/wire"

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCircuitBreakerUseCase,
	NewProviderHealthScorer,
	NewQuotaLedgerUseCase,
	NewSessionAffinityUseCase,
	NewRoutingEngine,
	NewConsistencyReconciler,
	NewNotificationQueueUseCase,
	NewAlertScheduler,
	wire.Bind(new(CircuitAlerter), new(*NotificationQueueUseCase)),
	wire.Bind(new(QuotaAlerter), new(*NotificationQueueUseCase)),
)
