package data

import (
	"context"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// ProviderRepo implements biz.ProviderRepo over the providers table. The
// admin dashboard owns writes; routing only reads.
type ProviderRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

func NewProviderRepo(db *gorm.DB, logger log.Logger) *ProviderRepo {
	return &ProviderRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

func (r *ProviderRepo) ListEnabled(ctx context.Context, group string) ([]*biz.Provider, error) {
	q := r.db.WithContext(ctx).Where("enabled = ?", true)
	if group != "" {
		// Ungrouped providers serve every group.
		q = q.Where("group_name = ? OR group_name = ''", group)
	}
	var rows []Provider
	if err := q.Order("priority ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	out := make([]*biz.Provider, 0, len(rows))
	for i := range rows {
		out = append(out, toBizProvider(&rows[i]))
	}
	return out, nil
}

func (r *ProviderRepo) GetProvider(ctx context.Context, id int64) (*biz.Provider, error) {
	var row Provider
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return toBizProvider(&row), nil
}

func toBizProvider(row *Provider) *biz.Provider {
	limits := make(map[model.QuotaWindow]float64, 3)
	if row.Limit5h > 0 {
		limits[model.Window5h] = row.Limit5h
	}
	if row.LimitWeekly > 0 {
		limits[model.WindowWeekly] = row.LimitWeekly
	}
	if row.LimitMonthly > 0 {
		limits[model.WindowMonthly] = row.LimitMonthly
	}
	return &biz.Provider{
		ID:               row.ID,
		Name:             row.Name,
		Group:            row.GroupName,
		Enabled:          row.Enabled,
		Priority:         row.Priority,
		Weight:           row.Weight,
		ConcurrencyLimit: int64(row.ConcurrencyLimit),
		Limits:           limits,
	}
}
