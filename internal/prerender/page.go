package prerender

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// Normalize strips every carriage return and line feed and trims surrounding
// whitespace. Cached and freshly rendered payloads both pass through it, so the
// two are indistinguishable to clients.
func Normalize(html string) string {
	return strings.TrimSpace(lineBreaks.Replace(html))
}

// CacheKey derives the storage identifier for a URL: the hex SHA-256 of the
// exact URL string.
func CacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// ValidURL reports whether the request URL is acceptable for rendering.
func ValidURL(rawURL string) bool {
	return rawURL != "" && strings.Contains(rawURL, "http")
}

// IsDebug reports whether the URL opts out of cache writes.
func IsDebug(rawURL string) bool {
	return strings.Contains(rawURL, "debug")
}
