package data

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var notifyTestNow = time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)

func newTestSender(now time.Time) *WebhookSender {
	s := NewWebhookSender(log.DefaultLogger)
	s.SetNowFunc(func() time.Time { return now })
	return s
}

func TestFeishuBody_SignsWithTimestampKeyedMAC(t *testing.T) {
	payload := &model.AlertPayload{Title: "alert", Text: "something broke"}

	body, err := feishuBody(payload, "topsecret", notifyTestNow)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "text", msg["msg_type"])

	ts, ok := msg["timestamp"].(string)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(notifyTestNow.Unix(), 10), ts)

	// The MAC is keyed by "timestamp\nsecret" over an empty message.
	mac := hmac.New(sha256.New, []byte(ts+"\ntopsecret"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), msg["sign"])
}

func TestFeishuBody_NoSecretMeansNoSignature(t *testing.T) {
	body, err := feishuBody(&model.AlertPayload{Title: "alert"}, "", notifyTestNow)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.NotContains(t, msg, "sign")
	assert.NotContains(t, msg, "timestamp")
}

func TestDingtalkURL_AppendsEscapedSignature(t *testing.T) {
	signed := dingtalkURL("https://oapi.dingtalk.com/robot/send?access_token=abc", "topsecret", notifyTestNow)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "abc", q.Get("access_token"))

	ts := q.Get("timestamp")
	assert.Equal(t, strconv.FormatInt(notifyTestNow.UnixMilli(), 10), ts)

	// Keyed by the secret over "timestamp\nsecret", millisecond timestamp.
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(ts + "\ntopsecret"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("sign"))
}

func TestDingtalkURL_NoSecretLeavesURLUntouched(t *testing.T) {
	webhook := "https://oapi.dingtalk.com/robot/send?access_token=abc"
	assert.Equal(t, webhook, dingtalkURL(webhook, "", notifyTestNow))
}

func TestRenderText_FieldsAreSortedAndStable(t *testing.T) {
	payload := &model.AlertPayload{
		Title: "Quota breached",
		Text:  "key 42 over daily cap",
		Fields: map[string]string{
			"window":  "daily",
			"limit":   "10.000000",
			"subject": "key:42",
		},
	}

	want := "Quota breached\nkey 42 over daily cap\nlimit: 10.000000\nsubject: key:42\nwindow: daily"
	assert.Equal(t, want, renderText(payload))
	assert.Equal(t, want, renderText(payload), "map order must not leak into the output")
}

func TestSend_WeComPostsPlainText(t *testing.T) {
	var got []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	sender := newTestSender(notifyTestNow)
	err := sender.Send(context.Background(), &model.NotificationChannel{
		Channel:    model.ChannelWeCom,
		WebhookURL: srv.URL,
		Enabled:    true,
	}, &model.AlertPayload{Title: "ping"})
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(got, &msg))
	assert.Equal(t, "text", msg["msgtype"])
}

func TestSend_FeishuDeliversSignedBody(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	sender := newTestSender(notifyTestNow)
	err := sender.Send(context.Background(), &model.NotificationChannel{
		Channel:    model.ChannelFeishu,
		WebhookURL: srv.URL,
		Secret:     "topsecret",
		Enabled:    true,
	}, &model.AlertPayload{Title: "ping"})
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(got, &msg))
	assert.NotEmpty(t, msg["sign"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestSend_HTTPErrorSurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errcode":19001}`))
	}))
	defer srv.Close()

	sender := newTestSender(notifyTestNow)
	err := sender.Send(context.Background(), &model.NotificationChannel{
		Channel:    model.ChannelWeCom,
		WebhookURL: srv.URL,
		Enabled:    true,
	}, &model.AlertPayload{Title: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "19001")
}

func TestSend_UnknownChannelTypeRejected(t *testing.T) {
	sender := newTestSender(notifyTestNow)
	err := sender.Send(context.Background(), &model.NotificationChannel{
		Channel:    "pager",
		WebhookURL: "https://example.com",
	}, &model.AlertPayload{Title: "ping"})
	assert.Error(t, err)
}
