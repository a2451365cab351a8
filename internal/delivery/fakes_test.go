package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/domain"
	"github.com/hivemark/hivemark/internal/queue"
	"github.com/hivemark/hivemark/internal/remote"
)

// fakeStore is an in-memory queue.Store that counts persisted writes.
type fakeStore struct {
	mu               sync.Mutex
	items            []queue.Item
	now              func() time.Time
	applyBatchCalls  int
	enqueueErr       error
	pendingCountHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{now: time.Now}
}

func (s *fakeStore) Hydrate(context.Context) error { return nil }

func (s *fakeStore) Enqueue(_ context.Context, item queue.Item) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *fakeStore) MarkAttempt(_ context.Context, id uuid.UUID, failure queue.DeliveryError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i] = s.items[i].RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(map[uuid.UUID]struct{}{id: {}})
	return nil
}

func (s *fakeStore) RemoveMultiple(_ context.Context, ids []uuid.UUID) error {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(set)
	return nil
}

func (s *fakeStore) ApplyBatch(_ context.Context, result queue.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyBatchCalls++

	removals := make(map[uuid.UUID]struct{}, len(result.Delivered))
	for _, id := range result.Delivered {
		removals[id] = struct{}{}
	}
	s.removeLocked(removals)
	for i := range s.items {
		if failure, ok := result.Failed[s.items[i].ID]; ok {
			s.items[i] = s.items[i].RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
		}
	}
	return nil
}

func (s *fakeStore) AllPending(context.Context, bool) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Item(nil), s.items...), nil
}

func (s *fakeStore) ItemsReadyToRetry(context.Context) ([]queue.Item, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []queue.Item
	for _, item := range s.items {
		if item.IsReadyToRetry(now) {
			ready = append(ready, item)
		}
	}
	return ready, nil
}

func (s *fakeStore) PendingCount(context.Context) (int, error) {
	if s.pendingCountHook != nil {
		s.pendingCountHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *fakeStore) PendingByGoal(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, item := range s.items {
		counts[item.GoalSlug]++
	}
	return counts, nil
}

func (s *fakeStore) ClearStuck(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	evicted := 0
	for _, item := range s.items {
		if item.AttemptCount >= queue.DefaultStuckThreshold {
			evicted++
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	return evicted, nil
}

func (s *fakeStore) ClearAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	return nil
}

func (s *fakeStore) QueueStats(context.Context) (queue.Stats, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats queue.Stats
	for _, item := range s.items {
		if item.IsReadyToRetry(now) {
			stats.Ready++
		} else {
			stats.Waiting++
		}
	}
	return stats, nil
}

func (s *fakeStore) removeLocked(ids map[uuid.UUID]struct{}) {
	kept := s.items[:0]
	for _, item := range s.items {
		if _, ok := ids[item.ID]; ok {
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
}

func (s *fakeStore) itemByID(id uuid.UUID) (queue.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return queue.Item{}, false
}

func makeItem(goalSlug string) queue.Item {
	return queue.New(goalSlug, 1, time.Now(), "")
}

// fakeAPI scripts CreateDatapoint responses. A nil respond function
// accepts everything.
type fakeAPI struct {
	mu       sync.Mutex
	requests []remote.CreateDatapointRequest
	respond  func(req remote.CreateDatapointRequest) error
}

func (a *fakeAPI) CreateDatapoint(_ context.Context, _ string, req remote.CreateDatapointRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	respond := a.respond
	a.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(req)
}

func (a *fakeAPI) FetchGoals(context.Context, string) ([]domain.Goal, error) {
	return nil, nil
}

func (a *fakeAPI) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// fakeCreds returns a fixed token.
type fakeCreds struct {
	token string
}

var _ credentials.Store = (*fakeCreds)(nil)

func (c *fakeCreds) Token(context.Context) (string, error) {
	return c.token, nil
}

func (c *fakeCreds) Load(context.Context) (credentials.Credential, error) {
	return credentials.Credential{Token: c.token}, nil
}

func (c *fakeCreds) Save(_ context.Context, cred credentials.Credential) error {
	c.token = cred.Token
	return nil
}

func (c *fakeCreds) Clear(context.Context) error {
	c.token = ""
	return nil
}
