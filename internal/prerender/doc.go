// Package prerender implements the render-and-cache orchestration layer of the
// gateway: request validation, cache-key derivation, freshness evaluation, the
// per-key in-flight registry that coalesces concurrent renders, the cache write
// policy and the output normalization shared by cache hits and fresh renders.
package prerender
