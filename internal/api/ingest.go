package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hivemark/hivemark/internal/goals"
	"github.com/hivemark/hivemark/internal/pkg/httputil"
	"github.com/hivemark/hivemark/internal/queue"
)

// IngestHandler accepts datapoints from external automations (scripts,
// cron jobs, wearable bridges). Callers authenticate with a signed JWT
// rather than the remote service credential, so automation tokens can be
// rotated without touching the session. Ingested datapoints are enqueued
// only; delivery happens on the next sync round.
type IngestHandler struct {
	store       queue.Store
	secret      []byte
	validator   *validator.Validate
	triggerSync func()
}

// NewIngestHandler creates the external ingest handler.
func NewIngestHandler(store queue.Store, secret string, triggerSync func()) *IngestHandler {
	return &IngestHandler{
		store:       store,
		secret:      []byte(secret),
		validator:   validator.New(),
		triggerSync: triggerSync,
	}
}

// RegisterRoutes registers the ingest routes behind JWT auth.
func (h *IngestHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/external/datapoints", h.IngestDatapoint)
	})
}

// authenticate verifies the Bearer JWT. Only HMAC signatures are
// accepted; an alg switch to RSA or none is rejected outright.
func (h *IngestHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			httputil.Error(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return h.secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil || !token.Valid {
			httputil.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IngestDatapointRequest is the request body for external ingestion.
type IngestDatapointRequest struct {
	GoalSlug string  `json:"goal_slug" validate:"required,min=1,max=255"`
	Value    float64 `json:"value"`
	// OccurredAt is epoch seconds; zero means now.
	OccurredAt int64  `json:"occurred_at" validate:"omitempty,gte=0"`
	Note       string `json:"note" validate:"max=1024"`
}

// IngestDatapoint enqueues the datapoint and schedules a sync.
func (h *IngestHandler) IngestDatapoint(w http.ResponseWriter, r *http.Request) {
	var req IngestDatapointRequest
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

	item := queue.New(goals.NormalizeSlug(req.GoalSlug), req.Value, occurredAt, req.Note)
	if err := h.store.Enqueue(r.Context(), item); err != nil {
		httputil.HandleError(w, r, err)
		return
	}

	h.triggerSync()
	httputil.Success(w, http.StatusAccepted, map[string]string{
		"id":    item.ID.String(),
		"state": "queued",
	})
}
