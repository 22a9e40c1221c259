// Package recerr defines the failure kinds shared by the recommendation
// engine and its clients. The engine decides per kind whether a request
// degrades to trending, is served from scratch, or fails.
package recerr

import "errors"

var (
	// ErrEmbeddingUnavailable means the embedding model could not produce a
	// vector. Recoverable: the engine falls back to trending.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexUnavailable means the vector index could not be reached.
	// Recoverable for similarity strategies; fatal only if the trending
	// fallback also fails.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrBehaviorStoreUnavailable means behavior data could not be read.
	// Fatal: without behaviors there is nothing to fall back to.
	ErrBehaviorStoreUnavailable = errors.New("behavior store unavailable")

	// ErrDimensionMismatch is a configuration error. It is never coerced.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCacheUnavailable is advisory. Callers treat it as a cache miss.
	ErrCacheUnavailable = errors.New("cache unavailable")
)
