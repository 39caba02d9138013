package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// digestBytes is the truncated digest width; 8 bytes renders as 16 hex characters.
const digestBytes = 8

// ErrNotSerializable indicates the representation could not be canonicalized.
var ErrNotSerializable = errors.New("etag: representation is not serializable")

// Compute derives a deterministic tag from the externally visible
// representation of a resource. The representation is canonicalized via
// encoding/json (struct fields in declaration order, map keys sorted),
// so byte-identical representations always yield identical tags.
func Compute(representation any) (string, error) {
	encoded, err := json.Marshal(representation)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:digestBytes]), nil
}

// Quote wraps a raw tag in the double quotes required by the ETag,
// If-Match and If-None-Match header grammar.
func Quote(tag string) string {
	return `"` + tag + `"`
}

// Match reports whether a conditional request header value names the
// given tag. Weak validator prefixes and surrounding quotes are
// stripped before comparison; the wildcard "*" matches any tag.
func Match(headerValue, tag string) bool {
	candidate := strings.TrimSpace(headerValue)
	if candidate == "" {
		return false
	}
	if candidate == "*" {
		return true
	}
	candidate = strings.TrimPrefix(candidate, "W/")
	candidate = strings.Trim(candidate, `"`)
	return candidate == tag
}
