package graph

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// Refiner re-retrieves with the critic's refined queries at wider pool
// breadth, merging every hit into the evidence before routing back to the
// compressor.
type Refiner struct {
	retrieval services.RetrievalService
	cfg       *config.RetrievalConfig
}

func NewRefiner(retrieval services.RetrievalService, cfg *config.RetrievalConfig) *Refiner {
	return &Refiner{retrieval: retrieval, cfg: cfg}
}

func (r *Refiner) Name() string { return NodeRefine }

func (r *Refiner) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	scope := resolveScopeSet(st)
	merged := append([]models.EvidenceChunk(nil), st.Evidence...)

	for _, refinement := range st.Refinements {
		hits, err := r.retrieveRefinement(ctx, refinement, scope, st.CrossDoc)
		if err != nil {
			// One failed refinement round does not sink the pipeline; the
			// synthesizer gates on whatever evidence survived.
			log.Printf("[REFINE] refinement %q failed: %v", refinement, err)
			continue
		}
		merged = models.MergeEvidence(merged, hits)
	}

	empty := []string{}
	observed := models.DocIDsFromEvidence(merged)
	return &models.StatePatch{
		Evidence:    merged,
		Refinements: &empty,
		DocIDs:      &observed,
	}, nil
}

func (r *Refiner) retrieveRefinement(ctx context.Context, query string, scope []uuid.UUID, crossDoc bool) ([]models.EvidenceChunk, error) {
	hits, err := r.retrieval.Retrieve(ctx, models.RetrieveRequest{
		Query:     query,
		K:         r.cfg.KRefine,
		KLex:      r.cfg.KLexRefine,
		KVec:      r.cfg.KLexRefine,
		ScopeDocs: scope,
		CrossDoc:  crossDoc,
	})
	if err != nil {
		return nil, err
	}

	// Hybrid case: scoped retrieval under cross-doc that comes back thin is
	// topped up from the rest of the corpus.
	if crossDoc && len(scope) > 0 && len(hits) < r.cfg.KRefine {
		extra, err := r.retrieval.Retrieve(ctx, models.RetrieveRequest{
			Query:    query,
			K:        r.cfg.KRefine - len(hits),
			KLex:     r.cfg.KLexRefine,
			KVec:     r.cfg.KLexRefine,
			CrossDoc: true,
		})
		if err != nil {
			log.Printf("[REFINE] cross-doc supplement failed: %v", err)
		} else {
			hits = models.MergeEvidence(hits, excludeDocs(extra, scope))
		}
	}
	return hits, nil
}

func excludeDocs(chunks []models.EvidenceChunk, scope []uuid.UUID) []models.EvidenceChunk {
	scoped := make(map[uuid.UUID]bool, len(scope))
	for _, id := range scope {
		scoped[id] = true
	}
	out := make([]models.EvidenceChunk, 0, len(chunks))
	for _, c := range chunks {
		if !scoped[c.DocID] {
			out = append(out, c)
		}
	}
	return out
}
