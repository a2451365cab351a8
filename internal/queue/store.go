package queue

import (
	"context"

	"github.com/google/uuid"
)

// BatchResult carries the classified outcomes of one concurrent upload round
// so the store can apply them in a single persisted write.
type BatchResult struct {
	// Delivered lists items to remove: successes, duplicate successes, and
	// permanent rejections.
	Delivered []uuid.UUID
	// Failed maps items to the retryable failure to record against them.
	Failed map[uuid.UUID]DeliveryError
}

// Empty reports whether the batch carries no outcomes.
func (b BatchResult) Empty() bool {
	return len(b.Delivered) == 0 && len(b.Failed) == 0
}

// Stats summarizes queue contents for observability.
type Stats struct {
	Ready   int
	Waiting int
}

// Store defines the interface for the durable item collection. All mutations
// are serialized with respect to each other and to reads; callers only ever
// receive snapshot copies, never live references.
type Store interface {
	// Hydrate loads persisted state. Idempotent. A missing backing file is a
	// valid empty queue; an unreadable one degrades to empty and is logged.
	Hydrate(ctx context.Context) error

	// Enqueue appends the item durably before returning.
	Enqueue(ctx context.Context, item Item) error

	// MarkAttempt records a failed attempt against the item. A missing id is
	// a no-op: the item may have been removed by a concurrent success.
	MarkAttempt(ctx context.Context, id uuid.UUID, failure DeliveryError) error

	// Remove deletes the item. Removing an absent id is a no-op.
	Remove(ctx context.Context, id uuid.UUID) error

	// RemoveMultiple deletes all matching items with one persisted write
	// regardless of set size.
	RemoveMultiple(ctx context.Context, ids []uuid.UUID) error

	// ApplyBatch applies a full round of upload outcomes (removals plus
	// recorded failures) as one persisted write.
	ApplyBatch(ctx context.Context, result BatchResult) error

	// AllPending returns a snapshot, oldest-first by creation time when
	// requested.
	AllPending(ctx context.Context, oldestFirst bool) ([]Item, error)

	// ItemsReadyToRetry returns the snapshot of items whose backoff window
	// has passed.
	ItemsReadyToRetry(ctx context.Context) ([]Item, error)

	// PendingCount returns the number of queued items.
	PendingCount(ctx context.Context) (int, error)

	// PendingByGoal returns per-goal pending counts.
	PendingByGoal(ctx context.Context) (map[string]int, error)

	// ClearStuck evicts items whose attempt count reached the stuck
	// threshold and returns how many were dropped.
	ClearStuck(ctx context.Context) (int, error)

	// ClearAll empties the queue and deletes backing state. Used on
	// sign-out.
	ClearAll(ctx context.Context) error

	// QueueStats reports current queue composition.
	QueueStats(ctx context.Context) (Stats, error)
}
