package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pokt-foundation/gateway/internal/cache"
	"github.com/pokt-foundation/gateway/pkg/models"
)

func TestRecordUpdatesServiceLogCache(t *testing.T) {
	c := newTestCacheForMetrics(t)
	r := New(c, nil, time.Minute, zerolog.Nop())
	defer r.Close()
	ctx := context.Background()

	r.Record(ctx, models.MetricsRecord{Blockchain: "0001", ServiceNode: "nodeA", Delivered: true, ElapsedMillis: 42})
	r.Record(ctx, models.MetricsRecord{Blockchain: "0001", ServiceNode: "nodeA", Delivered: false, ElapsedMillis: 8})

	fields, ok := c.HGetAll(ctx, cache.ServiceLogKey("0001", "nodeA"))
	require.True(t, ok)
	require.Equal(t, "1", fields["success_count"])
	require.Equal(t, "1", fields["failure_count"])
	require.Equal(t, "2", fields["elapsed_count"])
	require.Equal(t, "50", fields["elapsed_sum"])
}

func TestRecordSkipsServiceLogWhenNoNodeRecorded(t *testing.T) {
	c := newTestCacheForMetrics(t)
	r := New(c, nil, time.Minute, zerolog.Nop())
	defer r.Close()
	ctx := context.Background()

	r.Record(ctx, models.MetricsRecord{Blockchain: "0001", ServiceNode: "", Delivered: false})

	fields, ok := c.HGetAll(ctx, cache.ServiceLogKey("0001", ""))
	require.True(t, ok)
	require.Empty(t, fields)
}

func TestEnqueueDropsOldestWhenQueueFull(t *testing.T) {
	r := &Recorder{
		queue:  make(chan models.MetricsRecord, 2),
		logger: zerolog.Nop(),
	}

	r.enqueue(models.MetricsRecord{RequestID: "1"})
	r.enqueue(models.MetricsRecord{RequestID: "2"})
	r.enqueue(models.MetricsRecord{RequestID: "3"})

	require.Len(t, r.queue, 2)
	first := <-r.queue
	second := <-r.queue
	require.Equal(t, "2", first.RequestID)
	require.Equal(t, "3", second.RequestID)
}

func TestWriteBatchNoOpsWithNilPool(t *testing.T) {
	r := &Recorder{logger: zerolog.Nop()}
	err := r.writeBatch(context.Background(), []models.MetricsRecord{{RequestID: "1"}})
	require.NoError(t, err)
}

func TestCloseDrainsQueueWithoutDeadlock(t *testing.T) {
	c := newTestCacheForMetrics(t)
	r := New(c, nil, time.Minute, zerolog.Nop())

	r.Record(context.Background(), models.MetricsRecord{Blockchain: "0001", ServiceNode: "nodeA", Delivered: true})

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return; writeLoop likely failed to drain and exit")
	}
}

func newTestCacheForMetrics(t *testing.T) *cache.Adapter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewFromClient(client, zerolog.Nop())
}
