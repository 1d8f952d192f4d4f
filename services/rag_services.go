package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/tas-rag-engine/models"
)

// EmbeddingService wraps the CLIP sidecar. Text and image inputs share one
// embedding space; multimodal inputs are averaged and re-normalized.
type EmbeddingService interface {
	// EmbedText embeds a text string, truncating to the CLIP token limit.
	EmbedText(ctx context.Context, text string) ([]float64, error)

	// EmbedImage embeds an image file by path.
	EmbedImage(ctx context.Context, imagePath string) ([]float64, error)

	// EmbedMultimodal averages the text and image embeddings and
	// re-normalizes the result to unit length.
	EmbedMultimodal(ctx context.Context, text string, imagePath string) ([]float64, error)

	// Dimension returns the configured embedding width D.
	Dimension() int

	// HealthCheck embeds a probe string and verifies the dimension.
	HealthCheck(ctx context.Context) error
}

// RerankerService scores (query, passage) pairs with a cross-encoder.
// The reranker is optional: implementations report availability and the
// retrieval engine falls back to combined lexical+vector ordering when it
// is down.
type RerankerService interface {
	// Score returns one relevance score per passage, order-aligned.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)

	Enabled() bool
}

// RetrievalService is the hybrid retrieval engine.
type RetrievalService interface {
	// Retrieve runs the full pipeline: sanitize, dual candidate pools,
	// cross-encoder rerank, MMR selection. Scoping modes (single doc,
	// selected set, cross-document, two-stage) are driven by the request.
	Retrieve(ctx context.Context, req models.RetrieveRequest) ([]models.EvidenceChunk, error)

	// RetrieveByStructure returns a document's chunks in reading order,
	// bypassing similarity search entirely.
	RetrieveByStructure(ctx context.Context, docID uuid.UUID, max int, strategy models.StructureStrategy) ([]models.EvidenceChunk, error)

	// SanitizeQuery exposes the tsquery sanitizer (Boolean-AND of
	// lexical tokens) for callers that build refinement queries.
	SanitizeQuery(raw string) string
}

// ChatMessage is a single turn sent to the LLM router.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the router's reply for one completion.
type ChatResponse struct {
	Content        string  `json:"content"`
	Model          string  `json:"model"`
	TokenUsage     int     `json:"token_usage"`
	ResponseTimeMs int     `json:"response_time_ms"`
	CostUSD        float64 `json:"cost_usd"`
}

// LLMService sends chat completions through the model router with retry.
type LLMService interface {
	Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)
}

// IngestionService turns source files into embedded chunks.
type IngestionService interface {
	// IngestFile dispatches on file extension (.pdf, .txt, .md, .png,
	// .jpg, .jpeg), chunks the content, embeds every chunk, and writes
	// the document and chunks in one transaction.
	IngestFile(ctx context.Context, path string, title string) (*models.IngestResponse, error)
}

// CheckpointStore persists pipeline state between graph nodes, keyed by
// thread id. A failed run resumes from the last completed node.
type CheckpointStore interface {
	Save(ctx context.Context, threadID string, node string, state *models.PipelineState) error
	Load(ctx context.Context, threadID string) (*models.Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// AuditService records one row per ask invocation.
type AuditService interface {
	// Begin writes the initial row before the graph runs.
	Begin(ctx context.Context, userID, threadID, query string, docIDs []uuid.UUID, entryPoint string, crossDoc bool) (uuid.UUID, error)

	// Complete finalizes the row with the outcome and serialized state.
	Complete(ctx context.Context, id uuid.UUID, answer string, state *models.PipelineState, errMsg *string) error

	// RecordIngestion writes an audit row for an ingestion event.
	RecordIngestion(ctx context.Context, userID string, resp *models.IngestResponse, path string) error

	// History returns a user's recent thread rows, newest first.
	History(ctx context.Context, userID string, limit int) ([]models.ThreadTracking, error)
}

// RAGService is the orchestrator the HTTP layer talks to: it owns the graph
// runner, the confidence gate, and the audit trail.
type RAGService interface {
	Ask(ctx context.Context, userID string, req models.AskRequest) (*models.AskResult, error)
}
