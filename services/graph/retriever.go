package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// Retriever resolves the scope set and dispatches hybrid retrieval, merging
// new chunks into whatever evidence the thread already carries.
type Retriever struct {
	retrieval services.RetrievalService
	cfg       *config.RetrievalConfig
}

func NewRetriever(retrieval services.RetrievalService, cfg *config.RetrievalConfig) *Retriever {
	return &Retriever{retrieval: retrieval, cfg: cfg}
}

func (r *Retriever) Name() string { return NodeRetriever }

// resolveScopeSet unions selected, uploaded, and primary doc ids. It
// returns nil for "unscoped" and a non-nil empty slice when the caller
// explicitly deselected everything.
func resolveScopeSet(st *models.PipelineState) []uuid.UUID {
	if !st.HasSelectedDocIDs && len(st.UploadedDocIDs) == 0 && st.DocID == nil {
		return nil
	}
	seen := make(map[uuid.UUID]bool)
	scope := make([]uuid.UUID, 0, len(st.SelectedDocIDs)+len(st.UploadedDocIDs)+1)
	add := func(id uuid.UUID) {
		if id != uuid.Nil && !seen[id] {
			seen[id] = true
			scope = append(scope, id)
		}
	}
	for _, id := range st.SelectedDocIDs {
		add(id)
	}
	for _, id := range st.UploadedDocIDs {
		add(id)
	}
	if st.DocID != nil {
		add(*st.DocID)
	}
	return scope
}

func (r *Retriever) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	scope := resolveScopeSet(st)

	// Explicit empty scope without cross-doc: no retrieval, no evidence.
	if scope != nil && len(scope) == 0 && !st.CrossDoc {
		empty := []models.EvidenceChunk{}
		var noDocs []uuid.UUID
		return &models.StatePatch{
			Evidence: empty,
			DocIDs:   &noDocs,
		}, nil
	}

	query := st.Question
	if st.Plan != "" {
		query = st.Question + "  " + st.Plan
	}

	chunks, err := r.retrieval.Retrieve(ctx, models.RetrieveRequest{
		Query:     query,
		K:         r.cfg.K,
		KLex:      r.cfg.KLex,
		KVec:      r.cfg.KVec,
		ScopeDocs: scope,
		CrossDoc:  st.CrossDoc,
	})
	if err != nil {
		return nil, err
	}

	merged := models.MergeEvidence(st.Evidence, chunks)
	observed := models.DocIDsFromEvidence(merged)
	return &models.StatePatch{
		Evidence: merged,
		DocIDs:   &observed,
	}, nil
}
