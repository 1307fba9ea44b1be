package server

import (
	"context"
	"fmt"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// JobServer runs the background loops under the application lifecycle: the
// notification queue workers, the alert scheduler and the reconciliation
// cron. It satisfies transport.Server so kratos starts and stops it with the
// HTTP transport.
type JobServer struct {
	queue      *biz.NotificationQueueUseCase
	alerts     *biz.AlertScheduler
	reconciler *biz.ConsistencyReconciler

	reconcileCfg *conf.Reconcile
	cron         *cron.Cron

	logger *log.Helper
}

func NewJobServer(
	queue *biz.NotificationQueueUseCase,
	alerts *biz.AlertScheduler,
	reconciler *biz.ConsistencyReconciler,
	reconcileCfg *conf.Reconcile,
	logger log.Logger,
) *JobServer {
	return &JobServer{
		queue:        queue,
		alerts:       alerts,
		reconciler:   reconciler,
		reconcileCfg: reconcileCfg,
		cron:         cron.New(cron.WithSeconds()),
		logger:       log.NewHelper(logger),
	}
}

// Start launches all background loops. Implements transport.Server.
func (s *JobServer) Start(ctx context.Context) error {
	s.queue.Start()
	if err := s.alerts.Start(); err != nil {
		return err
	}

	if s.reconcileCfg != nil && s.reconcileCfg.Enabled && s.reconcileCfg.IntervalHours > 0 {
		interval := time.Duration(s.reconcileCfg.IntervalHours) * time.Hour
		autoFix := s.reconcileCfg.AutoFix
		_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			s.reconciler.RunScheduled(runCtx, autoFix)
		})
		if err != nil {
			return fmt.Errorf("register reconciliation schedule: %w", err)
		}
		s.cron.Start()
		s.logger.Infof("reconciliation scheduled every %s (autofix=%v)", interval, autoFix)
	}
	return nil
}

// Stop halts the loops and waits for in-flight work. Implements
// transport.Server; safe to call more than once.
func (s *JobServer) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop().Done()
	s.alerts.Stop()
	s.queue.Stop()
	select {
	case <-cronDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
