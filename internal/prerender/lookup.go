package prerender

import (
	"errors"
	"time"
)

// Classify turns a store read into a tagged Lookup. An entry is fresh while its
// age is strictly below ttl.
func Classify(entry CacheEntry, err error, now time.Time, ttl time.Duration) Lookup {
	switch {
	case err == nil:
		if now.Sub(entry.WrittenAt) < ttl {
			return Lookup{State: LookupFresh, Entry: entry}
		}
		return Lookup{State: LookupStale, Entry: entry}
	case errors.Is(err, ErrCacheMiss):
		return Lookup{State: LookupAbsent}
	default:
		return Lookup{State: LookupUnreadable, Err: err}
	}
}
