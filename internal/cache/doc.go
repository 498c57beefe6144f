// Package cache groups the prerender.Store implementations. Every backend
// keeps one entry per cache key holding the raw rendered HTML and the time it
// was written; none of them evict or expire entries on their own.
package cache
