package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint computes the deterministic query hash used as the bulk-search
// cache key and stored on the task row. Two submissions with the same
// normalized {name, title, state, requestedCount, mode} share a fingerprint.
func Fingerprint(name, title, state string, requestedCount int, mode string) string {
	norm := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(name)),
		strings.ToLower(strings.TrimSpace(title)),
		strings.ToLower(strings.TrimSpace(state)),
		fmt.Sprintf("%d", requestedCount),
		strings.ToLower(strings.TrimSpace(mode)),
	}, "|")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// SearchCacheKey is the bulk result-set cache key for a fingerprint.
func SearchCacheKey(fingerprint string) string { return "apify:" + fingerprint }

// PersonCacheKey is the per-profile detail cache key.
func PersonCacheKey(personID string) string { return "person:" + personID }
