package data

import (
	"RelayCore/internal/biz"
	"RelayCore/internal/conf"
	"RelayCore/pkg/crypto"

	"github.com/google/wire"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewMySQLClient,
	NewRedisClient,
	NewCacheClient,
	NewAESCrypto,
	NewHealthRepo,
	NewQuotaCacheRepo,
	NewLedgerRepo,
	NewPaymentRepo,
	NewProviderRepo,
	NewSessionRepo,
	NewReconcileRepo,
	NewNotifyRepo,
	NewWebhookSender,
	wire.Bind(new(biz.HealthRepo), new(*HealthRepo)),
	wire.Bind(new(biz.LedgerRepo), new(*LedgerRepo)),
	wire.Bind(new(biz.ScoreRepo), new(*LedgerRepo)),
	wire.Bind(new(biz.PaymentRepo), new(*PaymentRepo)),
	wire.Bind(new(biz.ProviderRepo), new(*ProviderRepo)),
	wire.Bind(new(biz.SessionRepo), new(*SessionRepo)),
	wire.Bind(new(biz.ReconcileRepo), new(*ReconcileRepo)),
	wire.Bind(new(biz.NotifyRepo), new(*NotifyRepo)),
	wire.Bind(new(biz.WebhookSender), new(*WebhookSender)),
)

// NewAESCrypto builds the at-rest cipher for channel secrets from the
// configured key.
func NewAESCrypto(c *conf.Auth) (*crypto.AESCrypto, error) {
	return crypto.NewAESCrypto([]byte(c.Encryption.Key))
}
