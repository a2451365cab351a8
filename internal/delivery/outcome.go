// Package delivery drives queued datapoints to the remote service: outcome
// classification, the single-flight flush engine, and the concurrent batch
// uploader.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hivemark/hivemark/internal/remote"
)

// OutcomeKind labels the classified result of one delivery attempt.
type OutcomeKind string

// Outcome kinds.
const (
	// OutcomeSuccess: the service accepted the datapoint.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeDuplicate: the service already accepted this requestid earlier;
	// treated identically to success for queue purposes.
	OutcomeDuplicate OutcomeKind = "duplicate"
	// OutcomeAuthRequired: the credential was rejected. The item is kept for
	// retry after reauthentication; the write itself was never judged.
	OutcomeAuthRequired OutcomeKind = "auth_required"
	// OutcomePermanent: the service rejected the datapoint on content
	// grounds. Retrying unchanged input cannot succeed.
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeRetryable: a transient failure; retry per the backoff schedule.
	OutcomeRetryable OutcomeKind = "retryable"
)

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Kind       OutcomeKind
	Message    string
	StatusCode int
}

// Terminal reports whether the outcome removes the item from the queue.
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeDuplicate, OutcomePermanent:
		return true
	}
	return false
}

// duplicateMarkers are the substrings the service is known to emit in a 422
// body when the rejection is really a duplicate requestid. This string match
// is a contract boundary with the service; keep it in one place.
var duplicateMarkers = []string{"requestid", "duplicate", "already"}

// Classify maps a delivery attempt's result to an outcome. Exactly one of
// (status, body) or transportErr is meaningful: pass transportErr for
// failures below the HTTP layer (timeout, DNS, connection reset).
func Classify(status int, body []byte, transportErr error) Outcome {
	if transportErr != nil {
		return Outcome{Kind: OutcomeRetryable, Message: fmt.Sprintf("network error: %v", transportErr)}
	}

	switch {
	case status >= 200 && status <= 299:
		return Outcome{Kind: OutcomeSuccess, StatusCode: status}

	case status == 409:
		// The requestid matched a previously accepted write.
		return Outcome{Kind: OutcomeDuplicate, StatusCode: status}

	case status == 401:
		return Outcome{Kind: OutcomeAuthRequired, Message: "authentication required", StatusCode: status}

	case status == 422:
		if bodySignalsDuplicate(body) {
			return Outcome{Kind: OutcomeDuplicate, StatusCode: status}
		}
		return Outcome{Kind: OutcomePermanent, Message: "validation error (HTTP 422)", StatusCode: status}

	case status >= 500:
		return Outcome{Kind: OutcomeRetryable, Message: fmt.Sprintf("server error (HTTP %d)", status), StatusCode: status}

	default:
		// Unknown failure modes are assumed transient rather than dropped.
		return Outcome{Kind: OutcomeRetryable, Message: fmt.Sprintf("HTTP %d", status), StatusCode: status}
	}
}

// ClassifyError classifies the error returned by the remote API, unwrapping
// structured status errors and treating everything else as transport-level.
func ClassifyError(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, StatusCode: 200}
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return Classify(statusErr.Code, statusErr.Body, nil)
	}
	return Classify(0, nil, err)
}

// bodySignalsDuplicate inspects a 422 body for the service's duplicate
// markers. A body that parses as JSON is matched only inside its errors
// value; a structured body without one carries no duplicate verdict. The
// raw body is matched only when it does not parse at all.
func bodySignalsDuplicate(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	haystack := string(body)
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		errs, ok := parsed["errors"]
		if !ok {
			return false
		}
		haystack = fmt.Sprintf("%v", errs)
	}
	haystack = strings.ToLower(haystack)
	for _, marker := range duplicateMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}
