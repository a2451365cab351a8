// Package epoch provides a time type that marshals as fractional Unix
// seconds, the numeric encoding used by the queue file and the remote API.
package epoch

import (
	"encoding/json"
	"time"
)

// Time wraps time.Time with Unix-seconds JSON encoding.
type Time struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Time {
	return Time{Time: t}
}

// MarshalJSON encodes the time as fractional seconds since the Unix epoch.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(t.UnixNano()) / 1e9)
}

// UnmarshalJSON decodes fractional seconds since the Unix epoch.
func (t *Time) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	t.Time = time.Unix(0, int64(seconds*1e9))
	return nil
}
