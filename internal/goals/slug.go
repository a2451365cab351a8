// Package goals maintains the local cache of remote goal metadata.
package goals

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeSlug canonicalizes a goal slug for use as a lookup and routing
// key: unicode compatibility normalization plus case folding, whitespace
// trimmed. Slugs arrive from several producers (direct API calls,
// cross-device messages) and must agree byte-for-byte. A fresh Caser per
// call; Casers are stateful and not goroutine-safe.
func NormalizeSlug(slug string) string {
	slug = strings.TrimSpace(slug)
	slug = norm.NFKC.String(slug)
	return cases.Fold().String(slug)
}
