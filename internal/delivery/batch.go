package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/pkg/epoch"
	"github.com/hivemark/hivemark/internal/queue"
	"github.com/hivemark/hivemark/internal/remote"
)

// BatchUploader is the alternate delivery path used by the background
// scheduler: it issues one concurrent request per ready item and applies the
// whole round's outcomes to the store in a single batch write. Correlation
// is by item id, the caller-chosen token that is also the requestid, so
// completions arriving out of order still land on the right item.
type BatchUploader struct {
	store          queue.Store
	api            remote.API
	creds          credentials.Store
	onAuthRequired func()
	now            func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewBatchUploader creates a batch uploader. onAuthRequired, when non-nil,
// is invoked once per round that observes a rejected credential.
func NewBatchUploader(store queue.Store, api remote.API, creds credentials.Store, onAuthRequired func()) *BatchUploader {
	return &BatchUploader{
		store:          store,
		api:            api,
		creds:          creds,
		onAuthRequired: onAuthRequired,
		now:            time.Now,
		inflight:       make(map[uuid.UUID]struct{}),
	}
}

type completion struct {
	id      uuid.UUID
	outcome Outcome
}

// SubmitPending evicts stuck items, then uploads every ready item that is
// not already in flight. Outcomes accumulate fully in memory before the one
// store write, so an interrupted round never leaves the store half-applied.
func (u *BatchUploader) SubmitPending(ctx context.Context) error {
	token, err := u.creds.Token(ctx)
	if err != nil || token == "" {
		return nil
	}

	if _, err := u.store.ClearStuck(ctx); err != nil {
		return err
	}

	ready, err := u.store.ItemsReadyToRetry(ctx)
	if err != nil {
		return err
	}

	// Never issue two concurrent requests for the same item.
	u.mu.Lock()
	round := make([]queue.Item, 0, len(ready))
	for _, item := range ready {
		if _, busy := u.inflight[item.ID]; busy {
			continue
		}
		u.inflight[item.ID] = struct{}{}
		round = append(round, item)
	}
	u.mu.Unlock()

	if len(round) == 0 {
		return nil
	}
	defer func() {
		u.mu.Lock()
		for _, item := range round {
			delete(u.inflight, item.ID)
		}
		u.mu.Unlock()
	}()

	results := make([]completion, len(round))
	var wg sync.WaitGroup
	for i, item := range round {
		wg.Add(1)
		go func(i int, item queue.Item) {
			defer wg.Done()
			start := time.Now()
			err := u.api.CreateDatapoint(ctx, token, remote.CreateDatapointRequest{
				GoalSlug:  item.GoalSlug,
				Value:     item.Value,
				Timestamp: item.OccurredAt.Time,
				Note:      item.Note,
				RequestID: item.ID.String(),
			})
			outcome := ClassifyError(err)
			recordDelivery(outcome.Kind, time.Since(start))
			results[i] = completion{id: item.ID, outcome: outcome}
		}(i, item)
	}
	wg.Wait()

	batch := queue.BatchResult{Failed: make(map[uuid.UUID]queue.DeliveryError)}
	authRequired := false
	for _, c := range results {
		if c.outcome.Terminal() {
			batch.Delivered = append(batch.Delivered, c.id)
			continue
		}
		if c.outcome.Kind == OutcomeAuthRequired {
			authRequired = true
		}
		batch.Failed[c.id] = queue.DeliveryError{
			Message:    c.outcome.Message,
			StatusCode: c.outcome.StatusCode,
			Retryable:  true,
			At:         epoch.At(u.now()),
		}
	}

	if authRequired && u.onAuthRequired != nil {
		u.onAuthRequired()
	}
	return u.store.ApplyBatch(ctx, batch)
}
