// Package api provides the local HTTP surface of the daemon: datapoint
// submission, queue inspection, sync triggers, goal listing, and session
// management.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/delivery"
	"github.com/hivemark/hivemark/internal/goals"
	"github.com/hivemark/hivemark/internal/pkg/httputil"
	"github.com/hivemark/hivemark/internal/queue"
)

// Handler handles HTTP requests for the daemon API.
type Handler struct {
	engine    *delivery.Engine
	store     queue.Store
	goals     *goals.Manager
	creds     credentials.Store
	validator *validator.Validate

	// triggerSync schedules an asynchronous flush. Injected so tests can
	// observe triggers without spinning goroutines.
	triggerSync func()
}

// NewHandler creates the API handler.
func NewHandler(engine *delivery.Engine, store queue.Store, goalsMgr *goals.Manager, creds credentials.Store, triggerSync func()) *Handler {
	return &Handler{
		engine:      engine,
		store:       store,
		goals:       goalsMgr,
		creds:       creds,
		validator:   validator.New(),
		triggerSync: triggerSync,
	}
}

// RegisterRoutes registers the local API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/datapoints", h.SubmitDatapoint)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.GetQueue)
		r.Delete("/stuck", h.ClearStuck)
	})

	r.Post("/sync", h.TriggerSync)
	r.Get("/status", h.GetStatus)

	r.Route("/goals", func(r chi.Router) {
		r.Get("/", h.ListGoals)
		r.Post("/refresh", h.RefreshGoals)
		r.Put("/pinned", h.SetPinnedGoals)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", h.SignIn)
		r.Delete("/", h.SignOut)
	})
}

// SubmitDatapointRequest is the request body for submitting a datapoint.
type SubmitDatapointRequest struct {
	GoalSlug string `json:"goal_slug" validate:"required,min=1,max=255"`
	// Value is not tagged required: zero is a legitimate datapoint value.
	Value float64 `json:"value"`
	// OccurredAt is epoch seconds; zero means now.
	OccurredAt int64  `json:"occurred_at" validate:"omitempty,gte=0"`
	Note       string `json:"note" validate:"max=1024"`
}

// SubmitDatapointResponse reports what happened to the submitted datapoint.
type SubmitDatapointResponse struct {
	State       string `json:"state"`
	Pending     int    `json:"pending,omitempty"`
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SubmitDatapoint accepts a datapoint, persists it to the queue, and
// attempts immediate delivery when the session allows. The datapoint is
// durable before this handler responds regardless of delivery outcome.
func (h *Handler) SubmitDatapoint(w http.ResponseWriter, r *http.Request) {
	var req SubmitDatapointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	occurredAt := time.Now()
	if req.OccurredAt > 0 {
		occurredAt = time.Unix(req.OccurredAt, 0)
	}

	slug := goals.NormalizeSlug(req.GoalSlug)
	result := h.engine.Submit(r.Context(), slug, req.Value, occurredAt, req.Note)

	resp := SubmitDatapointResponse{State: string(result.State)}
	status := http.StatusAccepted
	switch result.State {
	case delivery.ResultSuccess:
		status = http.StatusCreated
		resp.DeliveredAt = result.At.Unix()
	case delivery.ResultQueued:
		resp.Pending = result.Pending
	case delivery.ResultFailed:
		status = http.StatusUnprocessableEntity
		resp.Reason = result.Reason
	}

	httputil.Success(w, status, resp)
}

// QueueItemView is the read model of a queued datapoint.
type QueueItemView struct {
	ID           string  `json:"id"`
	GoalSlug     string  `json:"goal_slug"`
	Value        float64 `json:"value"`
	OccurredAt   int64   `json:"occurred_at"`
	Note         string  `json:"note,omitempty"`
	AttemptCount int     `json:"attempt_count"`
	LastError    string  `json:"last_error,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	NextRetryAt  int64   `json:"next_retry_at,omitempty"`
}

// QueueResponse carries the queue snapshot and its summary counts.
type QueueResponse struct {
	Items   []QueueItemView `json:"items"`
	Ready   int             `json:"ready"`
	Waiting int             `json:"waiting"`
}

// GetQueue returns the pending items, oldest first.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.AllPending(r.Context(), true)
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	stats, err := h.store.QueueStats(r.Context())
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}

	views := make([]QueueItemView, 0, len(items))
	for _, item := range items {
		view := QueueItemView{
			ID:           item.ID.String(),
			GoalSlug:     item.GoalSlug,
			Value:        item.Value,
			OccurredAt:   item.OccurredAt.Unix(),
			Note:         item.Note,
			AttemptCount: item.AttemptCount,
			LastError:    item.LastError,
			CreatedAt:    item.CreatedAt.Unix(),
		}
		if item.NextEligibleAt != nil {
			view.NextRetryAt = item.NextEligibleAt.Unix()
		}
		views = append(views, view)
	}

	httputil.Success(w, http.StatusOK, QueueResponse{
		Items:   views,
		Ready:   stats.Ready,
		Waiting: stats.Waiting,
	})
}

// ClearStuck evicts items whose attempt count reached the stuck threshold.
func (h *Handler) ClearStuck(w http.ResponseWriter, r *http.Request) {
	evicted, err := h.store.ClearStuck(r.Context())
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"evicted": evicted})
}

// TriggerSync schedules a flush and returns immediately.
func (h *Handler) TriggerSync(w http.ResponseWriter, _ *http.Request) {
	h.triggerSync()
	httputil.Success(w, http.StatusAccepted, map[string]string{"state": "scheduled"})
}

// StatusResponse summarizes the daemon's sync state.
type StatusResponse struct {
	Reachability string `json:"reachability"`
	NeedsReauth  bool   `json:"needs_reauth"`
	Pending      int    `json:"pending"`
}

// GetStatus reports reachability, session state, and queue depth.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.PendingCount(r.Context())
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, StatusResponse{
		Reachability: string(h.engine.Reachability()),
		NeedsReauth:  h.engine.NeedsReauth(),
		Pending:      pending,
	})
}

// GoalView is the read model of a goal with its local sync state.
type GoalView struct {
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	Deadline   int64  `json:"deadline"`
	Pending    int    `json:"pending"`
	Pinned     bool   `json:"pinned"`
	LastSynced int64  `json:"last_synced,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ListGoals returns cached goals annotated with per-goal queue depth and
// the time of the last successful delivery.
func (h *Handler) ListGoals(w http.ResponseWriter, r *http.Request) {
	list, err := h.goals.Goals(r.Context())
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	counts, err := h.store.PendingByGoal(r.Context())
	if err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	pinned := h.goals.Pinned(r.Context())

	views := make([]GoalView, 0, len(list))
	for _, g := range list {
		view := GoalView{
			Slug:      g.Slug,
			Title:     g.Title,
			Deadline:  g.Deadline,
			Pending:   counts[g.Slug],
			Pinned:    pinned[g.Slug],
			UpdatedAt: g.UpdatedAt.Unix(),
		}
		if t, ok := h.engine.LastSuccess(g.Slug); ok {
			view.LastSynced = t.Unix()
		}
		views = append(views, view)
	}

	httputil.Success(w, http.StatusOK, views)
}

// RefreshGoals forces a goal cache refresh from the remote service.
func (h *Handler) RefreshGoals(w http.ResponseWriter, r *http.Request) {
	if err := h.goals.Refresh(r.Context()); err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"state": "refreshed"})
}

// SetPinnedGoalsRequest is the request body for replacing the pinned set.
type SetPinnedGoalsRequest struct {
	Slugs []string `json:"slugs" validate:"required,dive,min=1,max=255"`
}

// SetPinnedGoals replaces the set of pinned goal slugs.
func (h *Handler) SetPinnedGoals(w http.ResponseWriter, r *http.Request) {
	var req SetPinnedGoalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	normalized := make([]string, 0, len(req.Slugs))
	for _, slug := range req.Slugs {
		normalized = append(normalized, goals.NormalizeSlug(slug))
	}
	if err := h.goals.SetPinned(r.Context(), normalized); err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// SignInRequest is the request body for storing a credential.
type SignInRequest struct {
	Token    string `json:"token" validate:"required,min=1"`
	Username string `json:"username" validate:"max=255"`
}

// SignIn stores the credential and drains anything that queued up while
// signed out.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	cred := credentials.Credential{Token: req.Token, Username: req.Username}
	if err := h.creds.Save(r.Context(), cred); err != nil {
		httputil.HandleError(w, r, err)
		return
	}

	h.engine.SignedIn(r.Context())
	httputil.Success(w, http.StatusOK, map[string]string{"state": "signed_in"})
}

// SignOut clears the credential and all locally queued state.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.creds.Clear(r.Context()); err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	if err := h.store.ClearAll(r.Context()); err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	if err := h.goals.Clear(r.Context()); err != nil {
		httputil.HandleError(w, r, err)
		return
	}
	h.engine.Reset()

	httputil.NoContent(w)
}
