// Package postgres implements the durable submission queue on top of a
// PostgreSQL table. It is the multi-device alternative to the default
// single-file store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hivemark/hivemark/internal/pkg/epoch"
	pgutil "github.com/hivemark/hivemark/internal/pkg/postgres"
	"github.com/hivemark/hivemark/internal/queue"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the queue schema migrations.
func Migrate(dsn string) error {
	return pgutil.Migrate(dsn, migrationsFS, "migrations")
}

// Store persists queue items in the queue_items table.
type Store struct {
	pool           *pgxpool.Pool
	stuckThreshold int

	now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// NewStore creates a postgres-backed queue store. A non-positive
// stuckThreshold falls back to the default.
func NewStore(pool *pgxpool.Pool, stuckThreshold int) *Store {
	if stuckThreshold <= 0 {
		stuckThreshold = queue.DefaultStuckThreshold
	}
	return &Store{pool: pool, stuckThreshold: stuckThreshold, now: time.Now}
}

const itemColumns = `id, goal_slug, value, occurred_at, note, attempt_count,
	last_error, last_outcome, created_at, next_eligible_at, last_attempt_at`

// Hydrate verifies the backing table is reachable. Postgres state is
// already durable, so there is nothing to load into memory.
func (s *Store) Hydrate(ctx context.Context) error {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM queue_items`).Scan(&n); err != nil {
		return fmt.Errorf("check queue table: %w", err)
	}
	slog.Info("queue hydrated", "backend", "postgres", "items", n)
	return nil
}

func (s *Store) Enqueue(ctx context.Context, item queue.Item) error {
	outcome, err := marshalOutcome(item.LastOutcome)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, goal_slug, value, occurred_at, note, attempt_count,
			last_error, last_outcome, created_at, next_eligible_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.GoalSlug, item.Value, item.OccurredAt.Time, item.Note,
		item.AttemptCount, item.LastError, outcome, item.CreatedAt.Time,
		optionalTime(item.NextEligibleAt), optionalTime(item.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

func (s *Store) MarkAttempt(ctx context.Context, id uuid.UUID, failure queue.DeliveryError) error {
	item, err := s.getItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}

	updated := item.RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
	outcome, err := marshalOutcome(updated.LastOutcome)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE queue_items
		SET attempt_count = $2, last_error = $3, last_outcome = $4,
			next_eligible_at = $5, last_attempt_at = $6
		WHERE id = $1`,
		id, updated.AttemptCount, updated.LastError, outcome,
		optionalTime(updated.NextEligibleAt), optionalTime(updated.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

func (s *Store) RemoveMultiple(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("remove items: %w", err)
	}
	return nil
}

// ApplyBatch applies a full upload round in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, result queue.BatchResult) error {
	if result.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(result.Delivered) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE id = ANY($1)`, result.Delivered); err != nil {
			return fmt.Errorf("remove delivered items: %w", err)
		}
	}
	for id, failure := range result.Failed {
		item, err := getItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}
		updated := item.RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
		outcome, err := marshalOutcome(updated.LastOutcome)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET attempt_count = $2, last_error = $3, last_outcome = $4,
				next_eligible_at = $5, last_attempt_at = $6
			WHERE id = $1`,
			id, updated.AttemptCount, updated.LastError, outcome,
			optionalTime(updated.NextEligibleAt), optionalTime(updated.LastAttemptAt)); err != nil {
			return fmt.Errorf("record batch failure: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) AllPending(ctx context.Context, oldestFirst bool) ([]queue.Item, error) {
	order := "DESC"
	if oldestFirst {
		order = "ASC"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM queue_items ORDER BY created_at `+order)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) ItemsReadyToRetry(ctx context.Context) ([]queue.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE next_eligible_at IS NULL OR next_eligible_at <= $1
		ORDER BY created_at ASC`, s.now())
	if err != nil {
		return nil, fmt.Errorf("list ready items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func (s *Store) PendingByGoal(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT goal_slug, count(*) FROM queue_items GROUP BY goal_slug`)
	if err != nil {
		return nil, fmt.Errorf("count items by goal: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var slug string
		var n int
		if err := rows.Scan(&slug, &n); err != nil {
			return nil, fmt.Errorf("scan goal count: %w", err)
		}
		counts[slug] = n
	}
	return counts, rows.Err()
}

func (s *Store) ClearStuck(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_items WHERE attempt_count >= $1`, s.stuckThreshold)
	if err != nil {
		return 0, fmt.Errorf("clear stuck items: %w", err)
	}
	evicted := int(tag.RowsAffected())
	if evicted > 0 {
		queue.RecordEvicted(evicted)
		slog.Warn("evicted stuck items", "count", evicted, "threshold", s.stuckThreshold)
	}
	return evicted, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (s *Store) QueueStats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE next_eligible_at IS NULL OR next_eligible_at <= $1),
			count(*) FILTER (WHERE next_eligible_at > $1)
		FROM queue_items`, s.now()).Scan(&stats.Ready, &stats.Waiting)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getItem(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	return getItemTx(ctx, s.pool, id)
}

func getItemTx(ctx context.Context, q querier, id uuid.UUID) (*queue.Item, error) {
	row := q.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	return &item, nil
}

func scanItems(rows pgx.Rows) ([]queue.Item, error) {
	var items []queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (queue.Item, error) {
	var (
		item         queue.Item
		occurredAt   time.Time
		createdAt    time.Time
		outcome      []byte
		nextEligible *time.Time
		lastAttempt  *time.Time
	)
	err := row.Scan(&item.ID, &item.GoalSlug, &item.Value, &occurredAt, &item.Note,
		&item.AttemptCount, &item.LastError, &outcome, &createdAt, &nextEligible, &lastAttempt)
	if err != nil {
		return queue.Item{}, err
	}

	item.OccurredAt = epoch.At(occurredAt)
	item.CreatedAt = epoch.At(createdAt)
	if nextEligible != nil {
		t := epoch.At(*nextEligible)
		item.NextEligibleAt = &t
	}
	if lastAttempt != nil {
		t := epoch.At(*lastAttempt)
		item.LastAttemptAt = &t
	}
	if len(outcome) > 0 {
		var de queue.DeliveryError
		if err := json.Unmarshal(outcome, &de); err != nil {
			return queue.Item{}, fmt.Errorf("decode last outcome: %w", err)
		}
		item.LastOutcome = &de
	}
	return item, nil
}

func optionalTime(t *epoch.Time) *time.Time {
	if t == nil {
		return nil
	}
	return &t.Time
}

func marshalOutcome(outcome *queue.DeliveryError) ([]byte, error) {
	if outcome == nil {
		return nil, nil
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode last outcome: %w", err)
	}
	return b, nil
}
