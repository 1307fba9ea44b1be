package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeField_Sensitive(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"api key", "api_key", "sk-abcdef1234567890"},
		{"webhook url", "webhook_url", "https://open.feishu.cn/hook/abc123def"},
		{"secret", "channel_secret", "supersecretvalue"},
		{"authorization", "Authorization", "Bearer abcdef123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := SanitizeField(tt.key, tt.value)
			assert.NotEqual(t, tt.value, out)
			assert.Contains(t, out, "*")
		})
	}
}

func TestSanitizeField_NonSensitive(t *testing.T) {
	assert.Equal(t, "gpt-4", SanitizeField("model", "gpt-4"))
	assert.Equal(t, "42", SanitizeField("provider_id", "42"))
	assert.Equal(t, "", SanitizeField("api_key", ""))
}

func TestSanitizeToken_ShortValues(t *testing.T) {
	assert.Equal(t, "*", sanitizeToken("x"))
	assert.Equal(t, "a**d", sanitizeToken("abcd"))

	long := sanitizeToken("abcdefghijklmnop")
	assert.True(t, strings.HasPrefix(long, "abcd"))
	assert.True(t, strings.HasSuffix(long, "mnop"))
	assert.Len(t, long, 16)
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Len(t, id, 10)
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}
