package data

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"RelayCore/internal/biz"
	"RelayCore/internal/model"
	"RelayCore/pkg/crypto"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// staleClaimCutoff is how long a delivering row may sit before a poller may
// re-claim it (worker died mid-delivery).
const staleClaimCutoff = 5 * time.Minute

// NotifyRepo implements biz.NotifyRepo over the notification_jobs and
// notification_channels tables. Channel secrets are decrypted on read.
type NotifyRepo struct {
	db     *gorm.DB
	crypto *crypto.AESCrypto
	logger *log.Helper
}

func NewNotifyRepo(db *gorm.DB, aes *crypto.AESCrypto, logger log.Logger) *NotifyRepo {
	return &NotifyRepo{
		db:     db,
		crypto: aes,
		logger: log.NewHelper(logger),
	}
}

func (r *NotifyRepo) EnqueueJob(ctx context.Context, kind model.AlertKind, dedupKey string, payload *model.AlertPayload, channelIDs []int64, maxAttempts int, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	ids, err := json.Marshal(channelIDs)
	if err != nil {
		return fmt.Errorf("marshal channel ids: %w", err)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupKey != "" {
			var count int64
			err := tx.Model(&NotificationJob{}).
				Where("dedup_key = ? AND status IN ?", dedupKey, []string{JobStatusPending, JobStatusDelivering}).
				Count(&count).Error
			if err != nil {
				return pkgerrors.ClassifyDBError(err)
			}
			if count > 0 {
				return nil
			}
		}
		row := &NotificationJob{
			Kind:          kind,
			DedupKey:      dedupKey,
			Payload:       string(body),
			ChannelIDs:    string(ids),
			MaxAttempts:   maxAttempts,
			NextAttemptAt: now,
			Status:        JobStatusPending,
		}
		if err := tx.Create(row).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
}

func (r *NotifyRepo) ClaimDueJobs(ctx context.Context, limit int, now time.Time) ([]*biz.QueuedJob, error) {
	var rows []NotificationJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND updated_at < ?)",
				JobStatusPending, now, JobStatusDelivering, now.Add(-staleClaimCutoff)).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		err = tx.Model(&NotificationJob{}).Where("id IN ?", ids).
			Update("status", JobStatusDelivering).Error
		if err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*biz.QueuedJob, 0, len(rows))
	for _, row := range rows {
		job := &biz.QueuedJob{
			ID:          row.ID,
			Kind:        row.Kind,
			Attempts:    row.Attempts,
			MaxAttempts: row.MaxAttempts,
		}
		if err := json.Unmarshal([]byte(row.Payload), &job.Payload); err != nil {
			r.logger.Warnf("malformed payload on job %d: %v", row.ID, err)
		}
		if row.ChannelIDs != "" {
			if err := json.Unmarshal([]byte(row.ChannelIDs), &job.ChannelIDs); err != nil {
				r.logger.Warnf("malformed channel list on job %d: %v", row.ID, err)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *NotifyRepo) MarkSucceeded(ctx context.Context, jobID int64) error {
	return r.setStatus(ctx, jobID, JobStatusSucceeded, nil)
}

func (r *NotifyRepo) MarkSkipped(ctx context.Context, jobID int64) error {
	return r.setStatus(ctx, jobID, JobStatusSkipped, nil)
}

func (r *NotifyRepo) setStatus(ctx context.Context, jobID int64, status string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	err := r.db.WithContext(ctx).Model(&NotificationJob{}).
		Where("id = ?", jobID).Updates(updates).Error
	if err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}

func (r *NotifyRepo) MarkRetry(ctx context.Context, jobID int64, attempts int, nextAt time.Time, lastErr string) error {
	return r.setStatus(ctx, jobID, JobStatusPending, map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": nextAt,
		"last_error":      lastErr,
	})
}

func (r *NotifyRepo) MarkFailed(ctx context.Context, jobID int64, attempts int, lastErr string) error {
	return r.setStatus(ctx, jobID, JobStatusFailed, map[string]interface{}{
		"attempts":   attempts,
		"last_error": lastErr,
	})
}

func (r *NotifyRepo) ListEnabledChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	var rows []NotificationChannelRow
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND webhook_url <> ''", true).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return r.toChannels(rows), nil
}

func (r *NotifyRepo) GetChannels(ctx context.Context, ids []int64) ([]*model.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []NotificationChannelRow
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return r.toChannels(rows), nil
}

func (r *NotifyRepo) toChannels(rows []NotificationChannelRow) []*model.NotificationChannel {
	out := make([]*model.NotificationChannel, 0, len(rows))
	for _, row := range rows {
		ch := &model.NotificationChannel{
			ID:         row.ID,
			Channel:    row.Channel,
			WebhookURL: row.WebhookURL,
			Enabled:    row.Enabled,
		}
		if row.SecretEncrypted != "" {
			secret, err := r.crypto.Decrypt(row.SecretEncrypted)
			if err != nil {
				r.logger.Errorf("failed to decrypt secret for channel %d: %v (channel delivered unsigned)", row.ID, err)
			} else {
				ch.Secret = secret
			}
		}
		out = append(out, ch)
	}
	return out
}

// WebhookSender implements biz.WebhookSender over plain HTTP, signing per
// the channel type's webhook contract.
type WebhookSender struct {
	client *http.Client
	nowFn  func() time.Time
	logger *log.Helper
}

func NewWebhookSender(logger log.Logger) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		nowFn:  time.Now,
		logger: log.NewHelper(logger),
	}
}

// SetNowFunc overrides the signing clock, for tests.
func (s *WebhookSender) SetNowFunc(now func() time.Time) {
	s.nowFn = now
}

func (s *WebhookSender) Send(ctx context.Context, channel *model.NotificationChannel, payload *model.AlertPayload) error {
	var (
		target string
		body   []byte
		err    error
	)
	switch channel.Channel {
	case model.ChannelFeishu:
		target = channel.WebhookURL
		body, err = feishuBody(payload, channel.Secret, s.nowFn())
	case model.ChannelDingTalk:
		target = dingtalkURL(channel.WebhookURL, channel.Secret, s.nowFn())
		body, err = json.Marshal(map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": renderText(payload)},
		})
	case model.ChannelWeCom:
		target = channel.WebhookURL
		body, err = json.Marshal(map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": renderText(payload)},
		})
	default:
		return fmt.Errorf("unsupported channel type %q", channel.Channel)
	}
	if err != nil {
		return fmt.Errorf("build %s payload: %w", channel.Channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", channel.Channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", channel.Channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s webhook returned %d: %s", channel.Channel, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// feishuBody signs with HMAC-SHA256 keyed by "timestamp\nsecret" over an
// empty message, base64-encoded, delivered inside the JSON body.
func feishuBody(payload *model.AlertPayload, secret string, now time.Time) ([]byte, error) {
	msg := map[string]interface{}{
		"msg_type": "text",
		"content":  map[string]string{"text": renderText(payload)},
	}
	if secret != "" {
		ts := strconv.FormatInt(now.Unix(), 10)
		mac := hmac.New(sha256.New, []byte(ts+"\n"+secret))
		msg["timestamp"] = ts
		msg["sign"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}
	return json.Marshal(msg)
}

// dingtalkURL appends timestamp and sign query params: HMAC-SHA256 of
// "timestamp\nsecret" keyed by the secret, base64 then URL-escaped.
func dingtalkURL(webhook, secret string, now time.Time) string {
	if secret == "" {
		return webhook
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	sign := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	sep := "?"
	if strings.Contains(webhook, "?") {
		sep = "&"
	}
	return webhook + sep + "timestamp=" + ts + "&sign=" + sign
}

func renderText(payload *model.AlertPayload) string {
	var b strings.Builder
	b.WriteString(payload.Title)
	if payload.Text != "" {
		b.WriteString("\n")
		b.WriteString(payload.Text)
	}
	keys := make([]string, 0, len(payload.Fields))
	for k := range payload.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, payload.Fields[k])
	}
	return b.String()
}
