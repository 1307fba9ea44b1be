package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// LedgerRepo implements biz.LedgerRepo and biz.ScoreRepo over request_logs.
type LedgerRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewLedgerRepo creates the durable request ledger.
func NewLedgerRepo(db *gorm.DB, logger log.Logger) *LedgerRepo {
	return &LedgerRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// subjectColumn maps a subject type to its ledger column.
func subjectColumn(t model.SubjectType) (string, error) {
	switch t {
	case model.SubjectKey:
		return "key_id", nil
	case model.SubjectUser:
		return "user_id", nil
	case model.SubjectProvider:
		return "provider_id", nil
	default:
		return "", fmt.Errorf("unknown subject type %q", t)
	}
}

func (r *LedgerRepo) InsertRequestLog(ctx context.Context, rec *biz.RequestRecord) error {
	row := &RequestLog{
		RequestID:     rec.RequestID,
		KeyID:         rec.KeyID,
		UserID:        rec.UserID,
		ProviderID:    rec.ProviderID,
		InputTokens:   rec.InputTokens,
		OutputTokens:  rec.OutputTokens,
		CacheTokens:   rec.CacheTokens,
		Cost:          rec.Cost,
		PackageCost:   rec.PackageCost,
		BalanceCost:   rec.BalanceCost,
		PaymentSource: rec.PaymentSource,
		StatusCode:    rec.StatusCode,
		LatencyMS:     rec.LatencyMS,
		Succeeded:     rec.Succeeded,
		ErrorKind:     rec.ErrorKind,
		CreatedAt:     rec.CreatedAt,
	}
	if len(rec.Chain) > 0 {
		chain, err := json.Marshal(rec.Chain)
		if err != nil {
			r.logger.Warnf("failed to marshal decision chain for request %s: %v (row persisted without chain)",
				rec.RequestID, err)
		} else {
			s := string(chain)
			row.DecisionChain = &s
		}
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}

func (r *LedgerRepo) SumCostInRange(ctx context.Context, subject model.SubjectRef, start, end time.Time) (float64, error) {
	column, err := subjectColumn(subject.Type)
	if err != nil {
		return 0, err
	}
	q := r.db.WithContext(ctx).Model(&RequestLog{}).
		Where(column+" = ?", subject.ID).
		Where("created_at < ?", end)
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start)
	}
	var sum float64
	if err := q.Select("COALESCE(SUM(cost), 0)").Scan(&sum).Error; err != nil {
		return 0, pkgerrors.ClassifyDBError(err)
	}
	return sum, nil
}

// ledgerSample is the projection used by scoring aggregation.
type ledgerSample struct {
	ProviderID int64
	Succeeded  bool
	LatencyMS  int64
	Cost       float64
}

func (r *LedgerRepo) AggregateByProvider(ctx context.Context, since, until time.Time) ([]*biz.ProviderAggregate, error) {
	var samples []ledgerSample
	err := r.db.WithContext(ctx).Model(&RequestLog{}).
		Select("provider_id", "succeeded", "latency_ms", "cost").
		Where("created_at >= ? AND created_at < ?", since, until).
		Find(&samples).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	byProvider := make(map[int64]*biz.ProviderAggregate)
	for _, s := range samples {
		agg, ok := byProvider[s.ProviderID]
		if !ok {
			agg = &biz.ProviderAggregate{ProviderID: s.ProviderID}
			byProvider[s.ProviderID] = agg
		}
		agg.Requests++
		if s.Succeeded {
			agg.Successes++
		} else {
			agg.Failures++
		}
		agg.LatenciesMS = append(agg.LatenciesMS, s.LatencyMS)
		agg.Costs = append(agg.Costs, s.Cost)
	}
	if len(byProvider) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(byProvider))
	for id := range byProvider {
		ids = append(ids, id)
	}
	var providers []Provider
	if err := r.db.WithContext(ctx).Select("id", "name").Where("id IN ?", ids).Find(&providers).Error; err != nil {
		// Names are cosmetic for the report; the aggregate still stands.
		r.logger.Warnf("failed to resolve provider names for score report: %v", err)
	}
	for _, p := range providers {
		if agg, ok := byProvider[p.ID]; ok {
			agg.ProviderName = p.Name
		}
	}

	out := make([]*biz.ProviderAggregate, 0, len(byProvider))
	for _, agg := range byProvider {
		out = append(out, agg)
	}
	return out, nil
}
