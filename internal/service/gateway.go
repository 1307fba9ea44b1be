package service

import (
	"context"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// GatewayService is the in-process entry point the proxy-forwarding layer
// calls around each upstream dispatch. It is a library boundary, not a
// network one: the forwarder holds the *Attempt across the upstream call and
// reports the outcome exactly once per attempt.
type GatewayService struct {
	engine *biz.RoutingEngine
	logger *log.Helper
}

func NewGatewayService(engine *biz.RoutingEngine, logger log.Logger) *GatewayService {
	return &GatewayService{
		engine: engine,
		logger: log.NewHelper(logger),
	}
}

// SelectProvider picks the provider for a new inbound request.
func (s *GatewayService) SelectProvider(ctx context.Context, req *biz.RouteRequest) (*biz.Attempt, error) {
	at, err := s.engine.SelectProvider(ctx, req)
	if err != nil {
		if at != nil {
			s.logger.Infof("request %s terminally unrouted: %v (chain length %d)",
				req.RequestID, err, len(at.Chain))
		}
		return nil, err
	}
	return at, nil
}

// Preview answers "where would this request route" without committing any
// state. Operator surface only.
func (s *GatewayService) Preview(ctx context.Context, req *biz.RouteRequest) (*model.DecisionChainItem, error) {
	return s.engine.Preview(ctx, req)
}

// ReportSuccess settles a successful upstream call.
func (s *GatewayService) ReportSuccess(ctx context.Context, at *biz.Attempt, rec *biz.RequestRecord) error {
	return s.engine.ReportSuccess(ctx, at, rec)
}

// ReportFailure settles a failed attempt and returns the follow-up attempt,
// or a terminal error when retries are exhausted.
func (s *GatewayService) ReportFailure(ctx context.Context, at *biz.Attempt, details model.ErrorDetails) (*biz.Attempt, error) {
	return s.engine.ReportFailure(ctx, at, details)
}
