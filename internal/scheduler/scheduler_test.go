package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/queue"
)

type fakeStore struct {
	mu        sync.Mutex
	due       []string
	reset     int64
	err       error
	idleSince time.Time
	leased    []string
	leaseEnd  time.Time
}

func (f *fakeStore) ResetStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reset, f.err
}

func (f *fakeStore) DueForRetry(ctx context.Context, now, idleSince time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleSince = idleSince
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeStore) Lease(ctx context.Context, ids []string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leased = append(f.leased, ids...)
	f.leaseEnd = until
	return nil
}

func TestSchedulerRestart(t *testing.T) {
	sched := NewScheduler(config.SchedulerConfig{IntervalMinutes: 60}, &fakeStore{}, queue.NewChannelQueue(1), metrics.NewNop())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start(), "second start must fail")
	assert.False(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.NoError(t, sched.ctx.Err(), "context should be active after restart")
	require.NoError(t, sched.Stop())
}

func TestRunOnceEnqueuesDueDocuments(t *testing.T) {
	store := &fakeStore{due: []string{"a", "b", "c"}, reset: 1}
	q := queue.NewChannelQueue(10)
	sched := NewScheduler(config.SchedulerConfig{StaleAfter: 15 * time.Minute}, store, q, metrics.NewNop())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Reset)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 3, report.Enqueued)
	assert.Equal(t, now.Add(-15*time.Minute), store.idleSince)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, now, sched.GetLastRun())
	assert.Equal(t, []string{"a", "b", "c"}, store.leased)
	assert.Equal(t, now.Add(15*time.Minute), store.leaseEnd)
}

func TestRunOnceStopsWhenQueueFull(t *testing.T) {
	store := &fakeStore{due: []string{"a", "b", "c"}}
	q := queue.NewChannelQueue(2)
	sched := NewScheduler(config.SchedulerConfig{}, store, q, metrics.NewNop())

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, 3, report.Due)
	// The document left out is not leased and stays eligible.
	assert.Equal(t, []string{"a", "b"}, store.leased)
}

func TestRunOnceStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db gone")}
	sched := NewScheduler(config.SchedulerConfig{}, store, queue.NewChannelQueue(1), metrics.NewNop())

	_, err := sched.RunOnce(context.Background())
	assert.Error(t, err)
}
