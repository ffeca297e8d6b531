package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/storage"
)

// flakyStore is an in-memory log store that can be switched offline
type flakyStore struct {
	mu      sync.Mutex
	offline bool
	entries map[string]model.JobExecutionLog
	deleted time.Time
}

func newFlakyStore() *flakyStore {
	return &flakyStore{entries: make(map[string]model.JobExecutionLog)}
}

var errOffline = errors.New("database is locked")

func (s *flakyStore) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *flakyStore) Store(ctx context.Context, e *model.JobExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errOffline
	}
	s.entries[e.ID] = *e
	return nil
}

func (s *flakyStore) Update(ctx context.Context, e *model.JobExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errOffline
	}
	if _, ok := s.entries[e.ID]; !ok {
		return storage.ErrNotFound
	}
	s.entries[e.ID] = *e
	return nil
}

func (s *flakyStore) Get(ctx context.Context, id string) (*model.JobExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

func (s *flakyStore) List(ctx context.Context, filter model.LogFilter) ([]*model.JobExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, errOffline
	}
	var out []*model.JobExecutionLog
	for _, e := range s.entries {
		if filter.JobName != "" && e.JobName != filter.JobName {
			continue
		}
		if filter.DateRange != nil && !filter.DateRange.Contains(e.StartTime) {
			continue
		}
		cp := e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *flakyStore) Count(ctx context.Context, filter model.LogFilter) (int, error) {
	list, err := s.List(ctx, filter)
	return len(list), err
}

func (s *flakyStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = before
	var n int64
	for id, e := range s.entries {
		if e.StartTime.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func TestLogManagerCompletion(t *testing.T) {
	store := newFlakyStore()
	lm := NewLogManager(store, DefaultLogConfig(), zap.NewNop())
	clock := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	lm.now = func() time.Time { return clock }

	handle := lm.LogStart(context.Background(), StartRequest{JobName: model.JobRentGeneration, Queue: model.QueuePaymentJobs})
	assert.NotEmpty(t, handle.JobID)
	assert.Equal(t, model.ExecutionRunning, handle.Status)

	clock = clock.Add(2500 * time.Millisecond)
	entry := lm.LogCompletion(context.Background(), handle, true, map[string]int{"records_processed": 3}, "")
	require.NotNil(t, entry.DurationMs)
	assert.Equal(t, int64(2500), *entry.DurationMs)
	assert.Equal(t, model.ExecutionCompleted, entry.Status)

	stored, err := store.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, stored.Status)
	assert.JSONEq(t, `{"records_processed":3}`, string(stored.Output))
}

func TestLogManagerCancelledContext(t *testing.T) {
	store := newFlakyStore()
	lm := NewLogManager(store, DefaultLogConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	handle := lm.LogStart(ctx, StartRequest{JobName: "x"})
	cancel()
	entry := lm.LogCompletion(ctx, handle, false, nil, "context canceled")
	assert.Equal(t, model.ExecutionCancelled, entry.Status)

	stored, err := store.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, stored.Status)
}

func TestLogManagerFallback(t *testing.T) {
	store := newFlakyStore()
	lm := NewLogManager(store, DefaultLogConfig(), zap.NewNop())
	ctx := context.Background()

	store.setOffline(true)
	handle := lm.LogStart(ctx, StartRequest{JobName: model.JobReminderEmail})
	assert.True(t, handle.Ephemeral)
	lm.LogCompletion(ctx, handle, false, nil, "smtp timeout")
	assert.Equal(t, 1, lm.Buffered())

	t.Run("QueryWhileOffline", func(t *testing.T) {
		logs, err := lm.Query(ctx, model.LogFilter{JobName: model.JobReminderEmail})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, model.ExecutionFailed, logs[0].Status)
		assert.True(t, logs[0].Ephemeral)
	})

	t.Run("FlushOffline", func(t *testing.T) {
		lm.Flush(ctx)
		assert.Equal(t, 1, lm.Buffered())
	})

	t.Run("FlushOnline", func(t *testing.T) {
		store.setOffline(false)
		lm.Flush(ctx)
		assert.Equal(t, 0, lm.Buffered())

		stored, err := store.Get(ctx, handle.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionFailed, stored.Status)
		assert.Equal(t, "smtp timeout", stored.ErrorMessage)
		assert.False(t, stored.Ephemeral)
	})

	t.Run("CompletionOnlyBuffered", func(t *testing.T) {
		h := lm.LogStart(ctx, StartRequest{JobName: model.JobHealthCheck})
		store.setOffline(true)
		lm.LogCompletion(ctx, h, true, nil, "")
		assert.Equal(t, 1, lm.Buffered())

		store.setOffline(false)
		lm.Flush(ctx)
		stored, err := store.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionCompleted, stored.Status)
	})
}

func TestLogManagerBufferLimit(t *testing.T) {
	store := newFlakyStore()
	store.setOffline(true)
	lm := NewLogManager(store, LogConfig{MaxBuffered: 2}, zap.NewNop())

	for i := 0; i < 3; i++ {
		lm.LogStart(context.Background(), StartRequest{JobName: "x"})
	}
	assert.Equal(t, 2, lm.Buffered())
}

func TestLogManagerPurge(t *testing.T) {
	store := newFlakyStore()
	lm := NewLogManager(store, DefaultLogConfig(), zap.NewNop())
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	lm.now = func() time.Time { return now.AddDate(0, 0, -100) }
	lm.LogStart(context.Background(), StartRequest{JobName: "old"})
	lm.now = func() time.Time { return now }
	lm.LogStart(context.Background(), StartRequest{JobName: "new"})

	deleted, err := lm.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, now.Add(-90*24*time.Hour), store.deleted)
}

func TestAggregate(t *testing.T) {
	ms := func(v int64) *int64 { return &v }
	entries := []*model.JobExecutionLog{
		{JobName: "a", Status: model.ExecutionCompleted, Success: true, DurationMs: ms(100),
			Output: []byte(`{"success":true,"records_processed":4,"records_failed":1}`)},
		{JobName: "a", Status: model.ExecutionFailed, ErrorMessage: "no payment config", DurationMs: ms(300)},
		{JobName: "b", Status: model.ExecutionFailed, ErrorMessage: "no payment config\nstack", DurationMs: ms(200)},
		{JobName: "b", Status: model.ExecutionRunning},
	}

	stats := Aggregate(entries)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 200.0, stats.AvgDurationMs, 1e-9)
	assert.Equal(t, map[string]int{"no payment config": 2}, stats.FailureReasonHistogram)

	require.Contains(t, stats.PerJob, "a")
	assert.Equal(t, 2, stats.PerJob["a"].Executions)
	assert.InDelta(t, 0.5, stats.PerJob["a"].SuccessRate, 1e-9)
	assert.Equal(t, 4, stats.PerJob["a"].RecordsProcessed)
	assert.Equal(t, 1, stats.PerJob["b"].Running)

	empty := Aggregate(nil)
	assert.Equal(t, 1.0, empty.SuccessRate)
}
