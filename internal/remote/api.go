// Package remote provides the client for the goal-tracking service API.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/hivemark/hivemark/internal/domain"
)

// CreateDatapointRequest carries one datapoint write. RequestID is the
// idempotency key: the service treats a resubmission with the same id as a
// no-op, which is what makes at-least-once delivery safe.
type CreateDatapointRequest struct {
	GoalSlug  string
	Value     float64
	Timestamp time.Time
	Note      string
	RequestID string
}

// API is the remote capability consumed by the delivery engine.
type API interface {
	CreateDatapoint(ctx context.Context, token string, req CreateDatapointRequest) error
	FetchGoals(ctx context.Context, token string) ([]domain.Goal, error)
}

// StatusError is a non-2xx response from the service. The body is retained
// so the outcome classifier can inspect it without re-reading the wire.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote service returned HTTP %d", e.Code)
}
