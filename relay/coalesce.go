package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// coalesceKey creates a unique key for request deduplication.
// Key = SHA256(method + normalized URL + sorted query params)
//
// Only bodiless idempotent requests are coalesced, so the body never
// participates in the key.
func coalesceKey(method string, u *url.URL) string {
	queryParams := u.Query()
	sortedParams := make([]string, 0, len(queryParams))
	for key, values := range queryParams {
		sort.Strings(values)
		for _, v := range values {
			sortedParams = append(sortedParams, key+"="+v)
		}
	}
	sort.Strings(sortedParams)

	normalizedURL := u.Scheme + "://" + u.Host + u.Path

	keyParts := []string{
		strings.ToUpper(method),
		normalizedURL,
		strings.Join(sortedParams, "&"),
	}

	hash := sha256.Sum256([]byte(strings.Join(keyParts, "|")))
	return hex.EncodeToString(hash[:])
}

// coalescable reports whether a request is safe to share with concurrent
// identical callers: idempotent method, no body, and no per-request policy
// that could diverge from the shared execution.
func coalescable(req *Request) bool {
	if len(req.Body) > 0 {
		return false
	}
	return defaultAllowedMethods[strings.ToUpper(req.Method)]
}
