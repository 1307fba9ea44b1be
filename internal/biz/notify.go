package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"RelayCore/internal/conf"
	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	notifyDefaultMaxAttempts  = 3
	notifyDefaultBackoffBase  = 60 * time.Second
	notifyDefaultPollInterval = 5 * time.Second
	notifyDefaultWorkers      = 2
	notifyClaimBatch          = 16
)

// QueuedJob is one claimed queue entry handed to a delivery worker.
type QueuedJob struct {
	ID          int64
	Kind        model.AlertKind
	Payload     model.AlertPayload
	ChannelIDs  []int64
	Attempts    int
	MaxAttempts int
}

// NotifyRepo is the durable queue plus channel configuration.
type NotifyRepo interface {
	// EnqueueJob appends one pending job. A non-empty dedupKey makes the
	// insert idempotent: a live job with the same key is not duplicated.
	EnqueueJob(ctx context.Context, kind model.AlertKind, dedupKey string, payload *model.AlertPayload, channelIDs []int64, maxAttempts int, now time.Time) error
	// ClaimDueJobs atomically moves up to limit due pending jobs to
	// delivering and returns them.
	ClaimDueJobs(ctx context.Context, limit int, now time.Time) ([]*QueuedJob, error)
	MarkSucceeded(ctx context.Context, jobID int64) error
	MarkSkipped(ctx context.Context, jobID int64) error
	// MarkRetry returns the job to pending with the given next attempt time.
	MarkRetry(ctx context.Context, jobID int64, attempts int, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, jobID int64, attempts int, lastErr string) error
	// ListEnabledChannels returns every enabled channel with a non-empty URL.
	ListEnabledChannels(ctx context.Context) ([]*model.NotificationChannel, error)
	// GetChannels resolves channel IDs; unknown IDs are silently dropped.
	GetChannels(ctx context.Context, ids []int64) ([]*model.NotificationChannel, error)
}

// WebhookSender delivers one payload to one channel, signing per the channel
// type's webhook contract.
type WebhookSender interface {
	Send(ctx context.Context, channel *model.NotificationChannel, payload *model.AlertPayload) error
}

// NotificationQueueUseCase is the durable at-least-once alert queue: enqueue
// writes a MySQL row, a bounded worker pool polls due jobs and delivers them
// to every enabled webhook channel with bounded retries.
//
// It also implements CircuitAlerter and QuotaAlerter so breaker and quota
// transitions enqueue alerts without knowing about channels.
type NotificationQueueUseCase struct {
	repo   NotifyRepo
	sender WebhookSender

	workers      int
	maxAttempts  int
	backoffBase  time.Duration
	pollInterval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	nowFn  func() time.Time
	logger *log.Helper
}

func NewNotificationQueueUseCase(repo NotifyRepo, sender WebhookSender, c *conf.Notify, logger log.Logger) *NotificationQueueUseCase {
	uc := &NotificationQueueUseCase{
		repo:         repo,
		sender:       sender,
		workers:      notifyDefaultWorkers,
		maxAttempts:  notifyDefaultMaxAttempts,
		backoffBase:  notifyDefaultBackoffBase,
		pollInterval: notifyDefaultPollInterval,
		stopCh:       make(chan struct{}),
		nowFn:        time.Now,
		logger:       log.NewHelper(logger),
	}
	if c != nil {
		if c.Workers > 0 {
			uc.workers = int(c.Workers)
		}
		if c.MaxAttempts > 0 {
			uc.maxAttempts = int(c.MaxAttempts)
		}
		if c.BackoffBase != nil && c.BackoffBase.AsDuration() > 0 {
			uc.backoffBase = c.BackoffBase.AsDuration()
		}
		if c.PollInterval != nil && c.PollInterval.AsDuration() > 0 {
			uc.pollInterval = c.PollInterval.AsDuration()
		}
	}
	return uc
}

// SetNowFunc overrides the clock, for tests.
func (uc *NotificationQueueUseCase) SetNowFunc(now func() time.Time) {
	uc.nowFn = now
}

// Enqueue appends one alert job. An empty channelIDs list resolves the
// enabled channel set at enqueue time; delivery re-fetches if the stored
// list is empty.
func (uc *NotificationQueueUseCase) Enqueue(ctx context.Context, kind model.AlertKind, dedupKey string, payload *model.AlertPayload, channelIDs []int64) error {
	if len(channelIDs) == 0 {
		channels, err := uc.repo.ListEnabledChannels(ctx)
		if err != nil {
			uc.logger.Warnf("channel list unavailable at enqueue for %s: %v (resolved at delivery)", kind, err)
		}
		for _, ch := range channels {
			channelIDs = append(channelIDs, ch.ID)
		}
	}
	return uc.repo.EnqueueJob(ctx, kind, dedupKey, payload, channelIDs, uc.maxAttempts, uc.nowFn())
}

// Start launches the polling loop and delivery workers. Idempotent.
func (uc *NotificationQueueUseCase) Start() {
	uc.startOnce.Do(func() {
		jobs := make(chan *QueuedJob, uc.workers*2)
		for i := 0; i < uc.workers; i++ {
			uc.wg.Add(1)
			go uc.workerLoop(jobs)
		}
		uc.wg.Add(1)
		go uc.pollLoop(jobs)
		uc.logger.Infof("notification queue started: %d workers, poll every %s", uc.workers, uc.pollInterval)
	})
}

// Stop shuts the queue down and waits for in-flight deliveries. Idempotent.
func (uc *NotificationQueueUseCase) Stop() {
	uc.stopOnce.Do(func() {
		close(uc.stopCh)
		uc.wg.Wait()
		uc.logger.Info("notification queue stopped")
	})
}

func (uc *NotificationQueueUseCase) pollLoop(jobs chan<- *QueuedJob) {
	defer uc.wg.Done()
	defer close(jobs)
	ticker := time.NewTicker(uc.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-uc.stopCh:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		claimed, err := uc.repo.ClaimDueJobs(ctx, notifyClaimBatch, uc.nowFn())
		cancel()
		if err != nil {
			uc.logger.Warnf("failed to claim due notification jobs: %v", err)
			continue
		}
		for _, job := range claimed {
			select {
			case jobs <- job:
			case <-uc.stopCh:
				// Orphaned delivering rows are re-claimed by a later
				// poll via the stale-claim cutoff in the repo.
				return
			}
		}
	}
}

func (uc *NotificationQueueUseCase) workerLoop(jobs <-chan *QueuedJob) {
	defer uc.wg.Done()
	for job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		uc.deliver(ctx, job)
		cancel()
	}
}

// deliver attempts one job against all of its channels. Any channel failure
// schedules a retry for the whole job; zero usable channels is a skipped
// success.
func (uc *NotificationQueueUseCase) deliver(ctx context.Context, job *QueuedJob) {
	channels := uc.resolveChannels(ctx, job)
	if len(channels) == 0 {
		if err := uc.repo.MarkSkipped(ctx, job.ID); err != nil {
			uc.logger.Warnf("failed to mark job %d skipped: %v", job.ID, err)
		}
		uc.logger.Infof("notification job %d (%s) skipped: no active channels", job.ID, job.Kind)
		return
	}

	var failures []string
	for _, ch := range channels {
		if err := uc.sender.Send(ctx, ch, &job.Payload); err != nil {
			failures = append(failures, fmt.Sprintf("%s#%d: %v", ch.Channel, ch.ID, err))
		}
	}

	if len(failures) == 0 {
		if err := uc.repo.MarkSucceeded(ctx, job.ID); err != nil {
			uc.logger.Warnf("failed to mark job %d succeeded: %v", job.ID, err)
		}
		return
	}

	attempts := job.Attempts + 1
	lastErr := strings.Join(failures, "; ")
	if attempts >= job.MaxAttempts {
		uc.logger.Errorf("notification job %d (%s) permanently failed after %d attempts: %s",
			job.ID, job.Kind, attempts, lastErr)
		if err := uc.repo.MarkFailed(ctx, job.ID, attempts, lastErr); err != nil {
			uc.logger.Warnf("failed to mark job %d failed: %v", job.ID, err)
		}
		return
	}

	// Exponential backoff: base, 2x, 4x.
	delay := uc.backoffBase << (attempts - 1)
	nextAt := uc.nowFn().Add(delay)
	uc.logger.Warnf("notification job %d (%s) attempt %d failed, retrying in %s: %s",
		job.ID, job.Kind, attempts, delay, lastErr)
	if err := uc.repo.MarkRetry(ctx, job.ID, attempts, nextAt, lastErr); err != nil {
		uc.logger.Warnf("failed to reschedule job %d: %v", job.ID, err)
	}
}

// resolveChannels loads the job's channel list, falling back to the live
// enabled set when the stored list resolves empty, and keeps only enabled
// channels with a webhook URL.
func (uc *NotificationQueueUseCase) resolveChannels(ctx context.Context, job *QueuedJob) []*model.NotificationChannel {
	var channels []*model.NotificationChannel
	var err error
	if len(job.ChannelIDs) > 0 {
		channels, err = uc.repo.GetChannels(ctx, job.ChannelIDs)
	}
	if err != nil {
		uc.logger.Warnf("channel resolution failed for job %d: %v", job.ID, err)
	}
	if len(channels) == 0 {
		channels, err = uc.repo.ListEnabledChannels(ctx)
		if err != nil {
			uc.logger.Warnf("live channel fetch failed for job %d: %v", job.ID, err)
		}
	}
	usable := channels[:0]
	for _, ch := range channels {
		if ch.Enabled && ch.WebhookURL != "" {
			usable = append(usable, ch)
		}
	}
	return usable
}

// CircuitOpened implements CircuitAlerter.
func (uc *NotificationQueueUseCase) CircuitOpened(ctx context.Context, ev *model.CircuitOpenEvent) {
	payload := &model.AlertPayload{
		Title: "Provider circuit opened",
		Text: fmt.Sprintf("Provider %s (#%d) tripped its circuit breaker after %d failures. Traffic is suspended until %s.",
			nameOrID(ev.ProviderName, ev.ProviderID), ev.ProviderID, ev.FailureCount, ev.OpenUntil.Format(time.RFC3339)),
		Fields: map[string]string{
			"provider_id":   fmt.Sprintf("%d", ev.ProviderID),
			"failure_count": fmt.Sprintf("%d", ev.FailureCount),
			"open_until":    ev.OpenUntil.Format(time.RFC3339),
			"last_error":    ev.LastError,
		},
	}
	if err := uc.Enqueue(ctx, model.AlertCircuitOpen, "", payload, nil); err != nil {
		uc.logger.Warnf("failed to enqueue circuit-open alert for provider %d: %v", ev.ProviderID, err)
	}
}

// CircuitClosed implements CircuitAlerter.
func (uc *NotificationQueueUseCase) CircuitClosed(ctx context.Context, ev *model.CircuitClosedEvent) {
	payload := &model.AlertPayload{
		Title: "Provider circuit recovered",
		Text: fmt.Sprintf("Provider %s (#%d) closed its circuit after %d successful probes (down %s).",
			nameOrID(ev.ProviderName, ev.ProviderID), ev.ProviderID, ev.ProbeCount, ev.DownFor.Round(time.Second)),
		Fields: map[string]string{
			"provider_id": fmt.Sprintf("%d", ev.ProviderID),
			"probes":      fmt.Sprintf("%d", ev.ProbeCount),
		},
	}
	if err := uc.Enqueue(ctx, model.AlertCircuitOpen, "", payload, nil); err != nil {
		uc.logger.Warnf("failed to enqueue circuit-recovery alert for provider %d: %v", ev.ProviderID, err)
	}
}

// QuotaBreached implements QuotaAlerter.
func (uc *NotificationQueueUseCase) QuotaBreached(ctx context.Context, ev *model.QuotaBreachEvent) {
	dedup := fmt.Sprintf("cost_alert:%s:%d:%s:%s",
		ev.Subject.Type, ev.Subject.ID, ev.Window, model.WindowStart(ev.Window, ev.BreachedAt).Format("20060102T15"))
	payload := &model.AlertPayload{
		Title: "Spend quota breached",
		Text: fmt.Sprintf("%s %d spent $%.4f of its $%.4f %s quota.",
			ev.Subject.Type, ev.Subject.ID, ev.Spent, ev.Limit, ev.Window),
		Fields: map[string]string{
			"subject": fmt.Sprintf("%s:%d", ev.Subject.Type, ev.Subject.ID),
			"window":  string(ev.Window),
			"spent":   fmt.Sprintf("%.6f", ev.Spent),
			"limit":   fmt.Sprintf("%.6f", ev.Limit),
		},
	}
	if err := uc.Enqueue(ctx, model.AlertCostAlert, dedup, payload, nil); err != nil {
		uc.logger.Warnf("failed to enqueue quota-breach alert for %s:%d: %v", ev.Subject.Type, ev.Subject.ID, err)
	}
}

func nameOrID(name string, id int64) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("provider-%d", id)
}

// AlertScheduler owns the cron-driven alert kinds: the daily leaderboard and
// the interval cost digest. Rescheduling removes prior entries before
// registering new ones so a settings change never leaves duplicate schedules.
type AlertScheduler struct {
	queue  *NotificationQueueUseCase
	scorer *ProviderHealthScorer

	leaderboardSpec string
	costAlertEvery  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entries []cron.EntryID

	nowFn  func() time.Time
	logger *log.Helper
}

func NewAlertScheduler(queue *NotificationQueueUseCase, scorer *ProviderHealthScorer, c *conf.Notify, logger log.Logger) *AlertScheduler {
	s := &AlertScheduler{
		queue:           queue,
		scorer:          scorer,
		leaderboardSpec: "0 0 9 * * *",
		cron:            cron.New(cron.WithSeconds()),
		nowFn:           time.Now,
		logger:          log.NewHelper(logger),
	}
	if c != nil {
		if c.LeaderboardCron != "" {
			s.leaderboardSpec = c.LeaderboardCron
		}
		if c.CostAlertHours > 0 {
			s.costAlertEvery = time.Duration(c.CostAlertHours) * time.Hour
		}
	}
	return s
}

// Start registers the repeating jobs and starts the cron loop.
func (s *AlertScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Reschedule replaces the repeating entries with the current settings.
func (s *AlertScheduler) Reschedule(leaderboardSpec string, costAlertEvery time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	if leaderboardSpec != "" {
		s.leaderboardSpec = leaderboardSpec
	}
	s.costAlertEvery = costAlertEvery
	return s.registerLocked()
}

func (s *AlertScheduler) registerLocked() error {
	id, err := s.cron.AddFunc(s.leaderboardSpec, s.runLeaderboard)
	if err != nil {
		return fmt.Errorf("register leaderboard schedule %q: %w", s.leaderboardSpec, err)
	}
	s.entries = append(s.entries, id)

	if s.costAlertEvery > 0 {
		spec := fmt.Sprintf("@every %s", s.costAlertEvery)
		id, err = s.cron.AddFunc(spec, s.runCostDigest)
		if err != nil {
			return fmt.Errorf("register cost digest schedule %q: %w", spec, err)
		}
		s.entries = append(s.entries, id)
	}
	return nil
}

// Stop halts the cron loop and waits for a running job. Idempotent.
func (s *AlertScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}

// runLeaderboard enqueues the daily spend leaderboard. The date-stamped
// dedup key makes a double fire (restart near the cron tick) a no-op.
func (s *AlertScheduler) runLeaderboard() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.nowFn()
	report, err := s.scorer.Report(ctx, 24*time.Hour)
	if err != nil {
		s.logger.Errorf("leaderboard aggregation failed: %v", err)
		return
	}

	ranked := append([]*ProviderScore(nil), report.Providers...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Requests > ranked[j].Requests })

	var b strings.Builder
	for i, p := range ranked {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "%d. %s: %d requests, %.1f%% success, score %.1f\n",
			i+1, nameOrID(p.ProviderName, p.ProviderID), p.Requests, p.SuccessRate*100, p.Composite)
	}
	if b.Len() == 0 {
		b.WriteString("No traffic in the last 24 hours.")
	}

	payload := &model.AlertPayload{
		Title: fmt.Sprintf("Daily provider leaderboard %s", now.Format("2006-01-02")),
		Text:  b.String(),
	}
	dedup := fmt.Sprintf("daily_leaderboard:%s", now.Format("2006-01-02"))
	if err := s.queue.Enqueue(ctx, model.AlertDailyLeaderboard, dedup, payload, nil); err != nil {
		s.logger.Warnf("failed to enqueue daily leaderboard: %v", err)
	}
}

// runCostDigest enqueues an interval cost summary across the pool.
func (s *AlertScheduler) runCostDigest() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.nowFn()
	report, err := s.scorer.Report(ctx, s.costAlertEvery)
	if err != nil {
		s.logger.Errorf("cost digest aggregation failed: %v", err)
		return
	}

	total := int64(0)
	for _, p := range report.Providers {
		total += p.Requests
	}
	payload := &model.AlertPayload{
		Title: "Traffic and cost digest",
		Text: fmt.Sprintf("%d requests across %d providers in the last %s.",
			total, len(report.Providers), s.costAlertEvery),
	}
	dedup := fmt.Sprintf("cost_alert:digest:%d", now.Truncate(s.costAlertEvery).Unix())
	if err := s.queue.Enqueue(ctx, model.AlertCostAlert, dedup, payload, nil); err != nil {
		s.logger.Warnf("failed to enqueue cost digest: %v", err)
	}
}
