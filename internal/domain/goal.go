// Package domain contains core model types shared across packages.
package domain

import (
	"time"

	"github.com/hivemark/hivemark/internal/pkg/epoch"
)

// Goal is the cached metadata for one remote goal.
type Goal struct {
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	Deadline  int64      `json:"losedate"`
	UpdatedAt epoch.Time `json:"updated_at"`
}

// TimeToDeadline returns the remaining time before the goal derails,
// negative once the deadline has passed.
func (g Goal) TimeToDeadline(now time.Time) time.Duration {
	return time.Unix(g.Deadline, 0).Sub(now)
}
