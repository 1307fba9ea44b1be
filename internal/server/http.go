package server

import (
	"strconv"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/conf"
	"RelayCore/internal/model"
	"RelayCore/internal/server/middleware"
	"RelayCore/internal/service"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer builds the operator HTTP surface. The proxy data path never
// goes through here; it calls GatewayService in process.
func NewHTTPServer(c *conf.Server, auth *conf.Auth, admin *service.AdminService, gateway *service.GatewayService, logger log.Logger) *khttp.Server {
	opts := []khttp.ServerOption{
		khttp.Middleware(recovery.Recovery()),
		khttp.Filter(
			middleware.RequestLog(logger),
			middleware.AdminAuth(auth.AdminToken),
		),
	}
	if c != nil && c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, khttp.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, khttp.Address(c.Http.Addr))
		}
		if c.Http.Timeout != nil {
			opts = append(opts, khttp.Timeout(c.Http.Timeout.AsDuration()))
		}
	}

	srv := khttp.NewServer(opts...)
	h := &adminHandlers{admin: admin, gateway: gateway}

	r := srv.Route("/")
	r.POST("/v1/route/preview", h.routePreview)
	r.GET("/v1/health", h.listHealth)
	r.GET("/v1/health/score", h.score)
	r.GET("/v1/health/{provider}", h.getHealth)
	r.GET("/v1/sessions/count", h.sessionCount)
	r.POST("/v1/circuit/{provider}/reset", h.resetCircuit)
	r.POST("/v1/consistency/check", h.consistencyCheck)
	r.POST("/v1/consistency/fix", h.consistencyFix)
	r.POST("/v1/consistency/rebuild", h.consistencyRebuild)
	r.POST("/v1/alerts", h.enqueueAlert)
	return srv
}

type adminHandlers struct {
	admin   *service.AdminService
	gateway *service.GatewayService
}

func (h *adminHandlers) routePreview(ctx khttp.Context) error {
	var req struct {
		SessionID string `json:"session_id,omitempty"`
		Group     string `json:"group,omitempty"`
		KeyID     int64  `json:"key_id"`
		UserID    int64  `json:"user_id"`
	}
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", err.Error())
	}
	decision, err := h.gateway.Preview(ctx, &biz.RouteRequest{
		SessionID: req.SessionID,
		Group:     req.Group,
		KeyID:     req.KeyID,
		UserID:    req.UserID,
	})
	if err != nil {
		if decision != nil {
			return ctx.Result(503, decision)
		}
		return err
	}
	return ctx.Result(200, decision)
}

func providerID(ctx khttp.Context) (int64, error) {
	raw := ctx.Vars().Get("provider")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.BadRequest("INVALID_PROVIDER_ID", "provider must be a positive integer")
	}
	return id, nil
}

func (h *adminHandlers) listHealth(ctx khttp.Context) error {
	return ctx.Result(200, h.admin.HealthSnapshots(ctx))
}

func (h *adminHandlers) getHealth(ctx khttp.Context) error {
	id, err := providerID(ctx)
	if err != nil {
		return err
	}
	return ctx.Result(200, h.admin.HealthSnapshot(ctx, id))
}

func (h *adminHandlers) score(ctx khttp.Context) error {
	var window time.Duration
	if raw := ctx.Query().Get("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return errors.BadRequest("INVALID_WINDOW", "window_hours must be a positive integer")
		}
		window = time.Duration(hours) * time.Hour
	}
	report, err := h.admin.Score(ctx, window)
	if err != nil {
		return err
	}
	return ctx.Result(200, report)
}

func (h *adminHandlers) sessionCount(ctx khttp.Context) error {
	scopeType := model.SubjectType(ctx.Query().Get("type"))
	switch scopeType {
	case model.SubjectKey, model.SubjectUser, model.SubjectProvider:
	default:
		return errors.BadRequest("INVALID_SCOPE_TYPE", "type must be key, user or provider")
	}
	id, err := strconv.ParseInt(ctx.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		return errors.BadRequest("INVALID_SCOPE_ID", "id must be a positive integer")
	}
	count, err := h.admin.ActiveSessions(ctx, model.SubjectRef{Type: scopeType, ID: id})
	if err != nil {
		return err
	}
	return ctx.Result(200, map[string]int64{"count": count})
}

func (h *adminHandlers) resetCircuit(ctx khttp.Context) error {
	id, err := providerID(ctx)
	if err != nil {
		return err
	}
	h.admin.ResetCircuit(ctx, id)
	return ctx.Result(200, map[string]string{"status": "closed"})
}

// consistencyRequest is the JSON body for check and fix.
type consistencyRequest struct {
	Subjects      []model.SubjectRef  `json:"subjects,omitempty"`
	Windows       []model.QuotaWindow `json:"windows,omitempty"`
	ThresholdUSD  float64             `json:"threshold_usd,omitempty"`
	ThresholdRate float64             `json:"threshold_rate,omitempty"`
}

func (r *consistencyRequest) toBiz() *biz.CheckRequest {
	return &biz.CheckRequest{
		Subjects:      r.Subjects,
		Windows:       r.Windows,
		ThresholdUSD:  r.ThresholdUSD,
		ThresholdRate: r.ThresholdRate,
	}
}

func (h *adminHandlers) consistencyCheck(ctx khttp.Context) error {
	var req consistencyRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", err.Error())
	}
	result, err := h.admin.ConsistencyCheck(ctx, req.toBiz())
	if err != nil {
		return err
	}
	return ctx.Result(200, result)
}

func (h *adminHandlers) consistencyFix(ctx khttp.Context) error {
	var req consistencyRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", err.Error())
	}
	result, err := h.admin.ConsistencyFix(ctx, req.toBiz())
	if err != nil {
		return err
	}
	return ctx.Result(200, result)
}

func (h *adminHandlers) consistencyRebuild(ctx khttp.Context) error {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", err.Error())
	}
	deleted, err := h.admin.ConsistencyRebuild(ctx, req.Confirm)
	if err != nil {
		return err
	}
	return ctx.Result(200, map[string]int64{"deleted_keys": deleted})
}

func (h *adminHandlers) enqueueAlert(ctx khttp.Context) error {
	var req struct {
		Kind       model.AlertKind    `json:"kind"`
		ChannelIDs []int64            `json:"channel_ids,omitempty"`
		Payload    model.AlertPayload `json:"payload"`
	}
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", err.Error())
	}
	switch req.Kind {
	case model.AlertCircuitOpen, model.AlertDailyLeaderboard, model.AlertCostAlert:
	default:
		return errors.BadRequest("INVALID_ALERT_KIND", "kind must be circuit_open, daily_leaderboard or cost_alert")
	}
	if err := h.admin.EnqueueAlert(ctx, req.Kind, req.ChannelIDs, &req.Payload); err != nil {
		return err
	}
	return ctx.Result(202, map[string]string{"status": "enqueued"})
}
