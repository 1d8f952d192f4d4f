package models

import (
	"github.com/google/uuid"
)

// StructureStrategy selects how retrieveByStructure walks a document.
type StructureStrategy string

const (
	StructureFirstPages StructureStrategy = "first_pages"
	StructureAllPages   StructureStrategy = "all_pages"
	StructureSequential StructureStrategy = "sequential"
)

// EvidenceChunk is a by-value copy of a chunk plus its retrieval scores.
// Evidence never holds live references into the store; the pipeline state
// serializes these verbatim into the checkpoint.
type EvidenceChunk struct {
	ChunkID     uuid.UUID        `json:"chunk_id"`
	DocID       uuid.UUID        `json:"doc_id"`
	Text        string           `json:"text"`
	PageStart   *int             `json:"page_start,omitempty"`
	PageEnd     *int             `json:"page_end,omitempty"`
	ContentType ChunkContentType `json:"content_type"`
	ImagePath   string           `json:"image_path,omitempty"`

	// Lex is the full-text rank, Vec is 1 - cosineDistance(query, chunk),
	// CE is the cross-encoder score (0 when the reranker is unavailable).
	Lex float64 `json:"lex"`
	Vec float64 `json:"vec"`
	CE  float64 `json:"ce"`
}

// RetrieveRequest is the primary retrieval operation's input.
type RetrieveRequest struct {
	Query      string      `json:"query" validate:"required"`
	QueryImage string      `json:"query_image,omitempty"` // optional image path for multimodal queries
	K          int         `json:"k"`
	KLex       int         `json:"k_lex"`
	KVec       int         `json:"k_vec"`
	DocID      *uuid.UUID  `json:"doc_id,omitempty"`
	ScopeDocs  []uuid.UUID `json:"scope_docs,omitempty"` // resolved scope set; empty slice means "no documents selected"
	CrossDoc   bool        `json:"cross_doc"`
}

type RetrieveResponse struct {
	Chunks []EvidenceChunk `json:"chunks"`
}

// MergeEvidence appends newly retrieved chunks onto existing evidence,
// deduplicating by chunk id and preserving first-seen order. Evidence lists
// are monotonically non-shrinking across refinement rounds.
func MergeEvidence(existing, incoming []EvidenceChunk) []EvidenceChunk {
	seen := make(map[uuid.UUID]bool, len(existing))
	out := make([]EvidenceChunk, 0, len(existing)+len(incoming))
	for _, c := range existing {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		out = append(out, c)
	}
	for _, c := range incoming {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		out = append(out, c)
	}
	return out
}

// DocIDsFromEvidence returns the distinct document ids observed in evidence,
// in first-seen order.
func DocIDsFromEvidence(evidence []EvidenceChunk) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(evidence))
	out := make([]uuid.UUID, 0, 4)
	for _, c := range evidence {
		if c.DocID == uuid.Nil || seen[c.DocID] {
			continue
		}
		seen[c.DocID] = true
		out = append(out, c.DocID)
	}
	return out
}
