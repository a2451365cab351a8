package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/pkg/epoch"
	"github.com/hivemark/hivemark/internal/queue"
	"github.com/hivemark/hivemark/internal/remote"
)

// Reachability is the engine's observable network state.
type Reachability string

// Reachability states.
const (
	ReachabilityOffline Reachability = "offline"
	ReachabilityOnline  Reachability = "online"
	ReachabilitySyncing Reachability = "syncing"
)

// ResultState labels the caller-visible outcome of a submit.
type ResultState string

// Result states. These are the only outcomes a producer ever sees; raw
// transport and persistence errors never escape the engine.
const (
	ResultSuccess ResultState = "success"
	ResultQueued  ResultState = "queued"
	ResultFailed  ResultState = "failed"
)

// Result is the caller-visible outcome of submitting a datapoint.
type Result struct {
	State ResultState
	// Pending is the queued count for the goal when State is queued.
	Pending int
	// At is the delivery time when State is success.
	At time.Time
	// Reason describes the rejection when State is failed.
	Reason string
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store       queue.Store
	API         remote.API
	Credentials credentials.Store

	// RatePerSecond bounds remote delivery attempts; zero selects the
	// default of 5/s.
	RatePerSecond float64
	Burst         int
}

// Engine orchestrates delivery of queued items. One flush cycle runs at a
// time system-wide; a second trigger arriving mid-flush is dropped, not
// queued, because the next natural trigger picks up any remaining work.
type Engine struct {
	store   queue.Store
	api     remote.API
	creds   credentials.Store
	limiter *rate.Limiter
	now     func() time.Time

	mu          sync.Mutex
	flushing    bool
	online      bool
	needsReauth bool
	lastSuccess map[string]time.Time
}

// NewEngine creates an engine. The engine starts offline; a reachability
// monitor is expected to call SetOnline once the network state is known.
func NewEngine(opts EngineOptions) *Engine {
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Engine{
		store:       opts.Store,
		api:         opts.API,
		creds:       opts.Credentials,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		now:         time.Now,
		lastSuccess: make(map[string]time.Time),
	}
}

// SetOnline records the network state. The transition from offline to online
// triggers a flush of accumulated items.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	wasOffline := !e.online
	e.online = online
	e.mu.Unlock()

	if online && wasOffline {
		e.Flush(ctx)
	}
}

// Reachability returns the observable network state. A running flush is
// reported as syncing.
func (e *Engine) Reachability() Reachability {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.flushing:
		return ReachabilitySyncing
	case e.online:
		return ReachabilityOnline
	default:
		return ReachabilityOffline
	}
}

// NeedsReauth reports whether the session requires reauthentication before
// further delivery attempts.
func (e *Engine) NeedsReauth() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsReauth
}

// AuthRequired flips the session into the reauthentication-required state.
// Used by the batch uploader when a round observes a rejected credential.
func (e *Engine) AuthRequired() {
	e.mu.Lock()
	e.needsReauth = true
	e.mu.Unlock()
}

// SignedIn clears the reauthentication flag and drains items that
// accumulated while it was set.
func (e *Engine) SignedIn(ctx context.Context) {
	e.mu.Lock()
	e.needsReauth = false
	e.mu.Unlock()
	e.Flush(ctx)
}

// Reset returns the engine to its signed-out state. The queue itself is
// cleared by the caller.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.needsReauth = false
	e.lastSuccess = make(map[string]time.Time)
	e.mu.Unlock()
}

// LastSuccess returns the time of the most recent successful delivery for
// the goal.
func (e *Engine) LastSuccess(goalSlug string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastSuccess[goalSlug]
	return t, ok
}

// Flush attempts delivery of every item whose backoff window has passed.
// No-ops cheaply when a flush is already running, the network is offline,
// reauthentication is required, or the queue is empty. Items enqueued while
// the flush runs are not part of its snapshot; the next trigger picks them
// up.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	blocked := e.flushing || !e.online || e.needsReauth
	e.mu.Unlock()
	if blocked {
		return
	}

	// The queue is checked before the state flips to flushing, so an idle
	// trigger never shows up as syncing.
	pending, err := e.store.PendingCount(ctx)
	if err != nil || pending == 0 {
		return
	}

	e.mu.Lock()
	if e.flushing || !e.online || e.needsReauth {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	token, err := e.creds.Token(ctx)
	if err != nil || token == "" {
		e.AuthRequired()
		return
	}

	items, err := e.store.ItemsReadyToRetry(ctx)
	if err != nil {
		slog.Error("failed to read retry snapshot", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	recordFlush()
	slog.Info("flushing queue", "items", len(items))

	// Items are delivered one at a time. The batch uploader is the only
	// concurrent path.
	for _, item := range items {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		e.deliverOne(ctx, token, item)
	}
}

// Submit is the user-facing write path: durably enqueue first, then attempt
// immediate delivery when the session allows it.
func (e *Engine) Submit(ctx context.Context, goalSlug string, value float64, occurredAt time.Time, note string) Result {
	item := queue.New(goalSlug, value, occurredAt, note)
	if err := e.store.Enqueue(ctx, item); err != nil {
		slog.Error("failed to enqueue datapoint", "goal", goalSlug, "error", err)
		return Result{State: ResultFailed, Reason: "failed to save datapoint"}
	}

	e.mu.Lock()
	online, reauth := e.online, e.needsReauth
	e.mu.Unlock()

	// Offline or awaiting reauth: the item stays queued with attemptCount
	// zero until an attempt is actually possible.
	if reauth || !online {
		return Result{State: ResultQueued, Pending: e.pendingFor(ctx, goalSlug)}
	}

	token, err := e.creds.Token(ctx)
	if err != nil || token == "" {
		e.AuthRequired()
		return Result{State: ResultQueued, Pending: e.pendingFor(ctx, goalSlug)}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return Result{State: ResultQueued, Pending: e.pendingFor(ctx, goalSlug)}
	}

	outcome := e.deliverOne(ctx, token, item)
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeDuplicate:
		return Result{State: ResultSuccess, At: e.now()}
	case OutcomePermanent:
		return Result{State: ResultFailed, Reason: outcome.Message}
	default:
		return Result{State: ResultQueued, Pending: e.pendingFor(ctx, goalSlug)}
	}
}

// deliverOne attempts one item and applies the classified outcome to the
// store.
func (e *Engine) deliverOne(ctx context.Context, token string, item queue.Item) Outcome {
	start := e.now()
	err := e.api.CreateDatapoint(ctx, token, remote.CreateDatapointRequest{
		GoalSlug:  item.GoalSlug,
		Value:     item.Value,
		Timestamp: item.OccurredAt.Time,
		Note:      item.Note,
		RequestID: item.ID.String(),
	})
	outcome := ClassifyError(err)
	recordDelivery(outcome.Kind, time.Since(start))
	e.apply(ctx, item, outcome)
	return outcome
}

func (e *Engine) apply(ctx context.Context, item queue.Item, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeDuplicate:
		if err := e.store.Remove(ctx, item.ID); err != nil {
			slog.Error("failed to remove delivered item", "id", item.ID, "error", err)
		}
		e.mu.Lock()
		e.lastSuccess[item.GoalSlug] = e.now()
		e.mu.Unlock()

	case OutcomeAuthRequired:
		// The write was never judged on content grounds; keep it for retry
		// after sign-in. Remaining items in the round still attempt.
		e.AuthRequired()
		e.markAttempt(ctx, item, Outcome{
			Kind:       OutcomeRetryable,
			Message:    "authentication required, will retry after sign-in",
			StatusCode: outcome.StatusCode,
		})
		slog.Warn("credential rejected, reauthentication required", "id", item.ID)

	case OutcomePermanent:
		if err := e.store.Remove(ctx, item.ID); err != nil {
			slog.Error("failed to remove rejected item", "id", item.ID, "error", err)
		}
		slog.Warn("datapoint permanently rejected",
			"id", item.ID,
			"goal", item.GoalSlug,
			"reason", outcome.Message,
		)

	case OutcomeRetryable:
		e.markAttempt(ctx, item, outcome)
		slog.Debug("delivery failed, scheduled for retry",
			"id", item.ID,
			"attempt", item.AttemptCount+1,
			"reason", outcome.Message,
		)
	}
}

func (e *Engine) markAttempt(ctx context.Context, item queue.Item, outcome Outcome) {
	failure := queue.DeliveryError{
		Message:    outcome.Message,
		StatusCode: outcome.StatusCode,
		Retryable:  true,
		At:         epoch.At(e.now()),
	}
	if err := e.store.MarkAttempt(ctx, item.ID, failure); err != nil {
		slog.Error("failed to record attempt", "id", item.ID, "error", err)
	}
}

func (e *Engine) pendingFor(ctx context.Context, goalSlug string) int {
	counts, err := e.store.PendingByGoal(ctx)
	if err != nil {
		return 0
	}
	return counts[goalSlug]
}
