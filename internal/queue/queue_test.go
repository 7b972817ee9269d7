package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangteng007/signalfuse/internal/config"
)

func testQueuesConfig() config.QueuesConfig {
	class := config.QueueClassConfig{
		MaxConcurrent: 5,
		MaxPerSecond:  0,
		MaxAttempts:   3,
		BaseBackoff:   "1s",
		MaxBackoff:    "30s",
		JobTimeout:    "5s",
	}
	return config.QueuesConfig{
		RawCollection:       class,
		HighPriorityRefetch: class,
		MarketCollection:    class,
		AlertDispatch:       class,
	}
}

func newTestManager(t *testing.T, retryable Retryable) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(client, logger, testQueuesConfig(), retryable), mr
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	settings := ClassSettings{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}

	assert.Equal(t, time.Second, Backoff(settings, 1))
	assert.Equal(t, 2*time.Second, Backoff(settings, 2))
	assert.Equal(t, 4*time.Second, Backoff(settings, 3))
	assert.Equal(t, 8*time.Second, Backoff(settings, 4))
	assert.Equal(t, 10*time.Second, Backoff(settings, 5))
	assert.Equal(t, 10*time.Second, Backoff(settings, 10))
}

func TestEnqueue_PushesJob(t *testing.T) {
	m, mr := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, ClassAlertDispatch, TypeDispatch, map[string]string{"event_id": "evt-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	raw, err := mr.Lpop("signalfuse:queue:alert-dispatch")
	require.NoError(t, err)

	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, TypeDispatch, job.Type)
	assert.Equal(t, "evt-1", job.Payload["event_id"])
	assert.Equal(t, 0, job.Attempts)
}

func TestEnqueue_UnknownClass(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Enqueue(context.Background(), Class("bogus"), TypeCollect, nil)
	assert.Error(t, err)
}

func TestManager_RunsHandler(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	var ran int32
	m.Register(TypeFuse, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	_, err := m.Enqueue(ctx, ClassRawCollection, TypeFuse, nil)
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_PermanentFailureDeadLetters(t *testing.T) {
	permanent := errors.New("bad payload")
	m, mr := newTestManager(t, func(err error) bool { return !errors.Is(err, permanent) })
	ctx := context.Background()

	m.Register(TypeDispatch, func(ctx context.Context, job *Job) error {
		return permanent
	})

	_, err := m.Enqueue(ctx, ClassAlertDispatch, TypeDispatch, map[string]string{"event_id": "evt-1"})
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return len(mr.Keys()) > 0 && mr.Exists("signalfuse:queue:alert-dispatch:dead")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_RetryableFailureGoesToDelayedSet(t *testing.T) {
	m, mr := newTestManager(t, nil)
	ctx := context.Background()

	var attempts int32
	m.Register(TypeCollect, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("upstream flaked")
	})

	_, err := m.Enqueue(ctx, ClassMarketCollection, TypeCollect, map[string]string{"source": "market"})
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 1 && mr.Exists("signalfuse:queue:market-collection:delayed")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_ExhaustedRetriesDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := testQueuesConfig()
	cfg.MarketCollection.MaxAttempts = 2
	cfg.MarketCollection.BaseBackoff = "10ms"
	cfg.MarketCollection.MaxBackoff = "10ms"
	m := NewManager(client, logger, cfg, nil)
	ctx := context.Background()

	var attempts int32
	m.Register(TypeCollect, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("still failing")
	})

	_, err := m.Enqueue(ctx, ClassMarketCollection, TypeCollect, nil)
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return mr.Exists("signalfuse:queue:market-collection:dead")
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestDepths_ReportsAllClasses(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, ClassAlertDispatch, TypeDispatch, nil)
	require.NoError(t, err)

	depths := m.Depths(ctx)
	require.Len(t, depths, 4)
	assert.Equal(t, int64(1), depths[ClassAlertDispatch]["pending"])
	assert.Equal(t, int64(0), depths[ClassAlertDispatch]["dead"])
}
