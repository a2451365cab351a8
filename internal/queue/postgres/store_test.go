//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemark/hivemark/internal/pkg/epoch"
	"github.com/hivemark/hivemark/internal/queue"
	"github.com/hivemark/hivemark/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	require.NoError(t, Migrate(container.ConnectionString))

	pool, err := pgxpool.New(ctx, container.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewStore(pool, queue.DefaultStuckThreshold)
	require.NoError(t, store.Hydrate(ctx))
	return store, pool
}

func failureAt(at time.Time) queue.DeliveryError {
	return queue.DeliveryError{
		Message:    "remote unavailable",
		StatusCode: 503,
		Retryable:  true,
		At:         epoch.At(at),
	}
}

func TestStore_EnqueueRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	occurred := time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)
	item := queue.New("pushups", 25, occurred, "morning set")
	require.NoError(t, store.Enqueue(ctx, item))

	items, err := store.AllPending(ctx, true)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "pushups", got.GoalSlug)
	assert.Equal(t, 25.0, got.Value)
	assert.Equal(t, "morning set", got.Note)
	assert.WithinDuration(t, occurred, got.OccurredAt.Time, time.Millisecond)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.LastOutcome)
	assert.Nil(t, got.NextEligibleAt)
}

func TestStore_MarkAttemptSchedulesRetry(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	item := queue.New("pushups", 25, time.Now(), "")
	require.NoError(t, store.Enqueue(ctx, item))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.MarkAttempt(ctx, item.ID, failureAt(at)))

	items, err := store.AllPending(ctx, true)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "remote unavailable", got.LastError)
	require.NotNil(t, got.LastOutcome)
	assert.Equal(t, 503, got.LastOutcome.StatusCode)
	require.NotNil(t, got.NextEligibleAt)
	assert.WithinDuration(t, at.Add(queue.Backoff(1)), got.NextEligibleAt.Time, time.Millisecond)
}

func TestStore_MarkAttemptAbsentIDIsNoOp(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkAttempt(ctx, uuid.New(), failureAt(time.Now())))

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_ItemsReadyToRetryExcludesBackedOff(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	ready := queue.New("pushups", 1, time.Now(), "")
	waiting := queue.New("situps", 2, time.Now(), "")
	require.NoError(t, store.Enqueue(ctx, ready))
	require.NoError(t, store.Enqueue(ctx, waiting))
	require.NoError(t, store.MarkAttempt(ctx, waiting.ID, failureAt(time.Now())))

	items, err := store.ItemsReadyToRetry(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ready.ID, items[0].ID)

	stats, err := store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Ready: 1, Waiting: 1}, stats)
}

func TestStore_ApplyBatchInOneTransaction(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	delivered := queue.New("pushups", 1, time.Now(), "")
	failed := queue.New("situps", 2, time.Now(), "")
	require.NoError(t, store.Enqueue(ctx, delivered))
	require.NoError(t, store.Enqueue(ctx, failed))

	result := queue.BatchResult{
		Delivered: []uuid.UUID{delivered.ID},
		Failed: map[uuid.UUID]queue.DeliveryError{
			failed.ID:  failureAt(time.Now()),
			uuid.New(): failureAt(time.Now()),
		},
	}
	require.NoError(t, store.ApplyBatch(ctx, result))

	items, err := store.AllPending(ctx, true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failed.ID, items[0].ID)
	assert.Equal(t, 1, items[0].AttemptCount)
}

func TestStore_ClearStuckEvictsAtThreshold(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	stuck := queue.New("pushups", 1, time.Now(), "")
	fresh := queue.New("situps", 2, time.Now(), "")
	require.NoError(t, store.Enqueue(ctx, stuck))
	require.NoError(t, store.Enqueue(ctx, fresh))
	for i := 0; i < queue.DefaultStuckThreshold; i++ {
		require.NoError(t, store.MarkAttempt(ctx, stuck.ID, failureAt(time.Now())))
	}

	evicted, err := store.ClearStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	items, err := store.AllPending(ctx, true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fresh.ID, items[0].ID)
}

func TestStore_ClearAllAndPendingByGoal(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queue.New("pushups", 1, time.Now(), "")))
	require.NoError(t, store.Enqueue(ctx, queue.New("pushups", 2, time.Now(), "")))
	require.NoError(t, store.Enqueue(ctx, queue.New("situps", 3, time.Now(), "")))

	byGoal, err := store.PendingByGoal(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pushups": 2, "situps": 1}, byGoal)

	require.NoError(t, store.ClearAll(ctx))
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
