package data

import (
	"context"
	"testing"

	"RelayCore/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachedValue_NilMeansNoEntry(t *testing.T) {
	client, mr, cleanup := setupQuotaTestRedis(t)
	defer cleanup()
	repo := NewReconcileRepo(nil, client, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	v, err := repo.GetCachedValue(ctx, subject, model.WindowDaily, quotaTestNow)
	require.NoError(t, err)
	assert.Nil(t, v, "a missing scalar counter is nil, not zero")

	require.NoError(t, mr.Set("cost:daily:key:7:20250611", "0"))
	v, err = repo.GetCachedValue(ctx, subject, model.WindowDaily, quotaTestNow)
	require.NoError(t, err)
	require.NotNil(t, v, "an explicit zero counter is a real entry")
	assert.Zero(t, *v)
}

func TestGetCachedValue_RollingWindowSumsBuckets(t *testing.T) {
	client, mr, cleanup := setupQuotaTestRedis(t)
	defer cleanup()
	repo := NewReconcileRepo(nil, client, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	v, err := repo.GetCachedValue(ctx, subject, model.Window5h, quotaTestNow)
	require.NoError(t, err)
	assert.Nil(t, v)

	hour := quotaTestNow.Unix() / 3600
	require.NoError(t, mr.Set(hourBucketKey(subject, hour), "1.5"))
	require.NoError(t, mr.Set(hourBucketKey(subject, hour-2), "2"))

	v, err = repo.GetCachedValue(ctx, subject, model.Window5h, quotaTestNow)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 3.5, *v)
}

func TestSetCachedValue(t *testing.T) {
	client, mr, cleanup := setupQuotaTestRedis(t)
	defer cleanup()
	repo := NewReconcileRepo(nil, client, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	require.NoError(t, repo.SetCachedValue(ctx, subject, model.WindowMonthly, 250.5, quotaTestNow))
	val, err := mr.Get("cost:monthly:key:7:202506")
	require.NoError(t, err)
	assert.Equal(t, "250.5", val)

	assert.Error(t, repo.SetCachedValue(ctx, subject, model.Window5h, 1, quotaTestNow))
}

func TestPurge5hBuckets_LeavesScalarsAndOtherSubjects(t *testing.T) {
	client, mr, cleanup := setupQuotaTestRedis(t)
	defer cleanup()
	repo := NewReconcileRepo(nil, client, log.DefaultLogger)
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	hour := quotaTestNow.Unix() / 3600
	require.NoError(t, mr.Set(hourBucketKey(subject, hour), "1"))
	require.NoError(t, mr.Set(hourBucketKey(subject, hour-1), "2"))
	require.NoError(t, mr.Set("cost:daily:key:7:20250611", "3"))
	require.NoError(t, mr.Set(hourBucketKey(model.SubjectRef{Type: model.SubjectKey, ID: 8}, hour), "4"))

	require.NoError(t, repo.Purge5hBuckets(context.Background(), subject))

	assert.False(t, mr.Exists(hourBucketKey(subject, hour)))
	assert.False(t, mr.Exists(hourBucketKey(subject, hour-1)))
	assert.True(t, mr.Exists("cost:daily:key:7:20250611"), "scalar counters are untouched")
	assert.True(t, mr.Exists(hourBucketKey(model.SubjectRef{Type: model.SubjectKey, ID: 8}, hour)),
		"other subjects' buckets are untouched")
}

func TestDeleteAllCostKeys(t *testing.T) {
	client, mr, cleanup := setupQuotaTestRedis(t)
	defer cleanup()
	repo := NewReconcileRepo(nil, client, log.DefaultLogger)

	require.NoError(t, mr.Set("cost:daily:key:7:20250611", "1"))
	require.NoError(t, mr.Set("cost:total:user:2:all", "2"))
	require.NoError(t, mr.Set("cost:5h:key:7:486251", "3"))
	require.NoError(t, mr.Set("sticky:sess-1", "keepme"))
	require.NoError(t, mr.Set("health:42", "keepme"))

	deleted, err := repo.DeleteAllCostKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.True(t, mr.Exists("sticky:sess-1"), "only cost counters are rebuilt")
	assert.True(t, mr.Exists("health:42"))
}
