package ragerr

import "errors"

// Tagged error kinds for the RAG core. Nodes and services wrap these with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is and the
// HTTP boundary can map kinds to status codes.
var (
	// ErrStoreUnavailable indicates the chunk store could not be reached
	// or a query failed. Surfaced as 503 at the boundary.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmbeddingFailed indicates the embedding model call failed after
	// all truncation retries. Surfaced as 502 at the boundary.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrVectorParse indicates a persisted embedding could not be parsed.
	// The affected chunk is excluded from ranking and the incident logged;
	// it is never silently substituted with a zero vector.
	ErrVectorParse = errors.New("vector parse error")

	// ErrLLMUnavailable indicates the LLM router failed after the full
	// retry budget. Surfaced as 502 at the boundary.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrUnsupportedInput indicates an unsupported file type at ingestion.
	// Surfaced as 400 at the boundary.
	ErrUnsupportedInput = errors.New("unsupported input")

	// ErrNotFound indicates a document lookup miss. Surfaced as 404.
	ErrNotFound = errors.New("not found")
)
