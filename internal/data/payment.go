package data

import (
	"context"
	"errors"
	"fmt"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// PaymentRepo implements biz.PaymentRepo over quota_limits and
// payment_accounts.
type PaymentRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

func NewPaymentRepo(db *gorm.DB, logger log.Logger) *PaymentRepo {
	return &PaymentRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

func (r *PaymentRepo) GetPackageLimits(ctx context.Context, subject model.SubjectRef) (map[model.QuotaWindow]float64, error) {
	var rows []QuotaLimit
	err := r.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subject.Type, subject.ID).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	limits := make(map[model.QuotaWindow]float64, len(rows))
	for _, row := range rows {
		if row.LimitUSD > 0 {
			limits[row.Window] = row.LimitUSD
		}
	}
	return limits, nil
}

func (r *PaymentRepo) GetPaymentAccount(ctx context.Context, subject model.SubjectRef) (*biz.PaymentAccountInfo, error) {
	var row PaymentAccount
	err := r.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subject.Type, subject.ID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return &biz.PaymentAccountInfo{
		Subject: subject,
		Balance: row.BalanceUSD,
		Policy:  row.BalancePolicy,
	}, nil
}

// DebitBalance decrements atomically in SQL so concurrent settlements never
// lose updates.
func (r *PaymentRepo) DebitBalance(ctx context.Context, subject model.SubjectRef, amount float64) error {
	if amount <= 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&PaymentAccount{}).
		Where("subject_type = ? AND subject_id = ?", subject.Type, subject.ID).
		Update("balance_usd", gorm.Expr("balance_usd - ?", amount))
	if res.Error != nil {
		return pkgerrors.ClassifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no payment account for %s:%d", subject.Type, subject.ID)
	}
	return nil
}
