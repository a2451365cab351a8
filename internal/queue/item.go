// Package queue provides the durable submission queue: the persisted
// datapoint item model and the store that owns it.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/hivemark/hivemark/internal/pkg/epoch"
)

// DefaultStuckThreshold is the attempt count at which an item is considered
// stuck and becomes eligible for eviction.
const DefaultStuckThreshold = 10

// DeliveryError is the structured record of the most recent failed attempt.
type DeliveryError struct {
	Message    string     `json:"message"`
	StatusCode int        `json:"statusCode,omitempty"`
	Retryable  bool       `json:"retryable"`
	At         epoch.Time `json:"at"`
}

// Item is one datapoint pending delivery to the remote service. The ID is
// generated once at enqueue time and doubles as the requestid idempotency key
// sent to the remote service, which is what makes retried sends safe.
type Item struct {
	ID           uuid.UUID      `json:"id"`
	GoalSlug     string         `json:"goalSlug"`
	Value        float64        `json:"value"`
	OccurredAt   epoch.Time     `json:"occurredAt"`
	Note         string         `json:"note,omitempty"`
	AttemptCount int            `json:"attemptCount"`
	LastError    string         `json:"lastError,omitempty"`
	LastOutcome  *DeliveryError `json:"lastOutcome,omitempty"`
	CreatedAt    epoch.Time     `json:"createdAt"`

	// NextEligibleAt is absent until the first failure; absent means
	// eligible now.
	NextEligibleAt *epoch.Time `json:"nextEligibleAt,omitempty"`
	LastAttemptAt  *epoch.Time `json:"lastAttemptAt,omitempty"`
}

// New creates an item ready to enqueue. occurredAt is the timestamp the value
// is attributed to, not the enqueue time.
func New(goalSlug string, value float64, occurredAt time.Time, note string) Item {
	return Item{
		ID:         uuid.New(),
		GoalSlug:   goalSlug,
		Value:      value,
		OccurredAt: epoch.At(occurredAt),
		Note:       note,
		CreatedAt:  epoch.At(time.Now()),
	}
}

// IsReadyToRetry reports whether the item may be attempted at now.
func (it Item) IsReadyToRetry(now time.Time) bool {
	if it.NextEligibleAt == nil {
		return true
	}
	return !now.Before(it.NextEligibleAt.Time)
}

// RecordFailure returns a copy of the item with the failure recorded: the
// attempt count incremented, the error captured, and the next eligibility
// time derived from the backoff schedule. Pure; performs no I/O.
func (it Item) RecordFailure(now time.Time, message string, statusCode int, retryable bool) Item {
	it.AttemptCount++
	it.LastError = message
	it.LastOutcome = &DeliveryError{
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		At:         epoch.At(now),
	}
	attemptedAt := epoch.At(now)
	it.LastAttemptAt = &attemptedAt
	eligible := epoch.At(now.Add(Backoff(it.AttemptCount)))
	it.NextEligibleAt = &eligible
	return it
}
