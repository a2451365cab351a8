package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemark/hivemark/internal/remote"
)

func newTestEngine(store *fakeStore, api *fakeAPI, creds *fakeCreds) *Engine {
	return NewEngine(EngineOptions{
		Store:         store,
		API:           api,
		Credentials:   creds,
		RatePerSecond: 10000, // effectively unthrottled in tests
		Burst:         10000,
	})
}

func TestSubmit_DeliversImmediatelyWhenOnline(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultSuccess, result.State)
	assert.False(t, result.At.IsZero())
	count, _ := store.PendingCount(ctx)
	assert.Zero(t, count, "delivered item should leave the queue")
	require.Equal(t, 1, api.requestCount())
	assert.NotEmpty(t, api.requests[0].RequestID)
}

func TestSubmit_QueuesWhileOffline(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultQueued, result.State)
	assert.Equal(t, 1, result.Pending)
	assert.Zero(t, api.requestCount(), "no network attempt while offline")

	items, _ := store.AllPending(ctx, true)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].AttemptCount, "offline queueing is not a failed attempt")
}

func TestSubmit_QueuesWhenNoCredential(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: ""})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultQueued, result.State)
	assert.True(t, engine.NeedsReauth())
	assert.Zero(t, api.requestCount())
}

func TestSubmit_EnqueueFailureIsReportedNotLost(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.enqueueErr = assert.AnError
	engine := newTestEngine(store, &fakeAPI{}, &fakeCreds{token: "tok"})

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultFailed, result.State)
	assert.NotEmpty(t, result.Reason)
}

func TestSubmit_PermanentRejectionReportsFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		return &remote.StatusError{Code: 422, Body: []byte(`{"errors":{"value":"bad"}}`)}
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultFailed, result.State)
	count, _ := store.PendingCount(ctx)
	assert.Zero(t, count, "permanently rejected item is removed, not retried")
}

func TestSubmit_RetryableFailureQueues(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		return &remote.StatusError{Code: 503}
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultQueued, result.State)
	items, _ := store.AllPending(ctx, true)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].AttemptCount)
	require.NotNil(t, items[0].NextEligibleAt)
}

func TestSubmit_DuplicateTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		return &remote.StatusError{Code: 409}
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultSuccess, result.State)
	count, _ := store.PendingCount(ctx)
	assert.Zero(t, count)
}

func TestSubmit_AuthRequiredKeepsItemAndFlagsSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		return &remote.StatusError{Code: 401}
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "stale"})
	engine.SetOnline(ctx, true)

	result := engine.Submit(ctx, "pushups", 25, time.Now(), "")

	assert.Equal(t, ResultQueued, result.State)
	assert.True(t, engine.NeedsReauth())
	items, _ := store.AllPending(ctx, true)
	require.Len(t, items, 1, "item survives the rejected credential")
	assert.Equal(t, 1, items[0].AttemptCount)
}

func TestFlush_RetriesKeepTheSameRequestID(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	fail := true
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		if fail {
			return &remote.StatusError{Code: 500}
		}
		return nil
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	engine.Submit(ctx, "pushups", 25, time.Now(), "")
	require.Equal(t, 1, api.requestCount())

	// Clear the backoff window and let the flush retry.
	fail = false
	items, _ := store.AllPending(ctx, true)
	store.mu.Lock()
	store.items[0].NextEligibleAt = nil
	store.mu.Unlock()
	engine.Flush(ctx)

	require.Equal(t, 2, api.requestCount())
	assert.Equal(t, api.requests[0].RequestID, api.requests[1].RequestID,
		"retries must reuse the idempotency key")
	assert.Equal(t, items[0].ID.String(), api.requests[1].RequestID)
}

func TestFlush_OfflineIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})

	engine.Submit(ctx, "pushups", 25, time.Now(), "")
	engine.Flush(ctx)

	assert.Zero(t, api.requestCount())
}

func TestFlush_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	api := &fakeAPI{respond: func(remote.CreateDatapointRequest) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})
	engine.mu.Lock()
	engine.online = true
	engine.mu.Unlock()

	item := makeItem("pushups")
	require.NoError(t, store.Enqueue(ctx, item))

	go engine.Flush(ctx)
	<-started
	assert.Equal(t, ReachabilitySyncing, engine.Reachability())

	// A second trigger while the first runs must be dropped.
	engine.Flush(ctx)
	assert.Equal(t, 1, api.requestCount())

	close(release)
}

func TestFlush_EmptyQueueStaysOnline(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	counting := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	store.pendingCountHook = func() {
		once.Do(func() { close(counting) })
		<-proceed
	}
	engine := newTestEngine(store, &fakeAPI{}, &fakeCreds{token: "tok"})
	engine.mu.Lock()
	engine.online = true
	engine.mu.Unlock()

	done := make(chan struct{})
	go func() {
		engine.Flush(ctx)
		close(done)
	}()

	// While the empty queue is being inspected the engine must not report
	// itself as syncing.
	<-counting
	assert.Equal(t, ReachabilityOnline, engine.Reachability())

	close(proceed)
	<-done
	assert.Equal(t, ReachabilityOnline, engine.Reachability())
}

func TestSetOnline_TransitionTriggersFlush(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: "tok"})

	require.NoError(t, store.Enqueue(ctx, makeItem("pushups")))

	engine.SetOnline(ctx, true)
	assert.Equal(t, 1, api.requestCount())

	// Already online: no duplicate flush.
	engine.SetOnline(ctx, true)
	assert.Equal(t, 1, api.requestCount())
}

func TestSignedIn_ClearsReauthAndDrains(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	api := &fakeAPI{}
	engine := newTestEngine(store, api, &fakeCreds{token: "fresh"})
	engine.SetOnline(ctx, true)
	engine.AuthRequired()

	require.NoError(t, store.Enqueue(ctx, makeItem("pushups")))
	engine.Flush(ctx)
	assert.Zero(t, api.requestCount(), "reauth gate blocks flushing")

	engine.SignedIn(ctx)

	assert.False(t, engine.NeedsReauth())
	assert.Equal(t, 1, api.requestCount())
	count, _ := store.PendingCount(ctx)
	assert.Zero(t, count)
}

func TestLastSuccess_TracksPerGoal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	engine := newTestEngine(store, &fakeAPI{}, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)

	_, ok := engine.LastSuccess("pushups")
	assert.False(t, ok)

	engine.Submit(ctx, "pushups", 25, time.Now(), "")

	at, ok := engine.LastSuccess("pushups")
	assert.True(t, ok)
	assert.False(t, at.IsZero())
	_, ok = engine.LastSuccess("water")
	assert.False(t, ok)
}

func TestReset_ClearsSessionState(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	engine := newTestEngine(store, &fakeAPI{}, &fakeCreds{token: "tok"})
	engine.SetOnline(ctx, true)
	engine.Submit(ctx, "pushups", 25, time.Now(), "")
	engine.AuthRequired()

	engine.Reset()

	assert.False(t, engine.NeedsReauth())
	_, ok := engine.LastSuccess("pushups")
	assert.False(t, ok)
}
