package queue

import "time"

// backoffMinutes is the fixed retry schedule indexed by attemptCount-1.
// After the fourth failed attempt retries settle at one hour indefinitely.
var backoffMinutes = [...]int{1, 5, 20, 60, 60, 60}

// Backoff returns the delay before the next attempt after attemptCount
// failures. Attempt counts beyond the table clamp to the last entry.
func Backoff(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	idx := attemptCount - 1
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}
