package graph

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// TitleStore is the slice of the chunk store the graph needs: document
// titles for citation rendering.
type TitleStore interface {
	TitlesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Node names, used for checkpoint bookkeeping and logs.
const (
	NodePlanner     = "planner"
	NodeRetriever   = "retriever"
	NodeCompressor  = "compressor"
	NodeCritic      = "critic"
	NodeRefine      = "refine_retrieve"
	NodeSynthesizer = "synthesizer"
	NodePruner      = "citation_pruner"
)

// node is a pure function on state returning a partial patch. The runner
// owns merging and persistence.
type node interface {
	Name() string
	Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error)
}

// Runner drives the pipeline: planner → retriever → compressor → critic →
// (refine-retrieve → compressor)* → synthesizer → citation-pruner. The
// single back-edge and the critic's conditional edge are the only control
// flow beyond the straight line.
type Runner struct {
	cfg         *config.AgentConfig
	checkpoints services.CheckpointStore

	planner     node
	retriever   node
	compressor  node
	critic      *Critic
	refine      node
	synthesizer *Synthesizer
	pruner      *Pruner
}

func NewRunner(
	cfg *config.AgentConfig,
	checkpoints services.CheckpointStore,
	planner node,
	retriever node,
	compressor node,
	critic *Critic,
	refine node,
	synthesizer *Synthesizer,
	pruner *Pruner,
) *Runner {
	return &Runner{
		cfg:         cfg,
		checkpoints: checkpoints,
		planner:     planner,
		retriever:   retriever,
		compressor:  compressor,
		critic:      critic,
		refine:      refine,
		synthesizer: synthesizer,
		pruner:      pruner,
	}
}

// Run executes the graph for one thread. Prior checkpoint state on the same
// thread id seeds the state, then the entry contract overwrites the scope
// fields from the request (a stale doc_id from a previous turn must never
// leak into this one).
func (r *Runner) Run(ctx context.Context, threadID string, initial *models.PipelineState) (*models.PipelineState, error) {
	st := initial
	if cp, err := r.checkpoints.Load(ctx, threadID); err != nil {
		log.Printf("[GRAPH] checkpoint load failed for thread %s, starting fresh: %v", threadID, err)
	} else if cp != nil && cp.State != nil {
		st = mergeWithCheckpoint(cp.State, initial)
	}

	// Explicit empty selection with cross-doc off answers immediately,
	// without touching the LLM. The action is clarify, not abstain: the
	// user must fix the selection, and abstain stays synonymous with the
	// literal "I don't know." token.
	if st.HasSelectedDocIDs && len(st.SelectedDocIDs) == 0 && st.DocID == nil && len(st.UploadedDocIDs) == 0 && !st.CrossDoc {
		st.Answer = models.NoDocumentsMessage
		st.Action = models.ActionClarify
		st.Confidence = 0
		st.Evidence = nil
		st.DocIDs = nil
		if err := r.checkpoints.Save(ctx, threadID, NodePruner, st); err != nil {
			log.Printf("[GRAPH] checkpoint save failed for thread %s: %v", threadID, err)
		}
		return st, nil
	}

	if err := r.step(ctx, threadID, st, r.planner); err != nil {
		return nil, err
	}
	if err := r.step(ctx, threadID, st, r.retriever); err != nil {
		return nil, err
	}

	for {
		if err := r.step(ctx, threadID, st, r.compressor); err != nil {
			return nil, err
		}
		if err := r.step(ctx, threadID, st, r.critic); err != nil {
			return nil, err
		}
		if !r.critic.ShouldRefine(st) {
			break
		}
		if err := r.step(ctx, threadID, st, r.refine); err != nil {
			return nil, err
		}
	}

	if err := r.step(ctx, threadID, st, r.synthesizer); err != nil {
		return nil, err
	}
	if err := r.step(ctx, threadID, st, r.pruner); err != nil {
		return nil, err
	}

	return st, nil
}

// step runs one node, merges its patch, and persists the checkpoint. A
// checkpoint write failure is logged but does not fail the request; a
// cancelled context does.
func (r *Runner) step(ctx context.Context, threadID string, st *models.PipelineState, n node) error {
	patch, err := n.Run(ctx, st)
	if err != nil {
		return fmt.Errorf("node %s: %w", n.Name(), err)
	}
	patch.Apply(st)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.checkpoints.Save(ctx, threadID, n.Name(), st); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[GRAPH] checkpoint save failed for thread %s after %s: %v", threadID, n.Name(), err)
	}
	return nil
}

// mergeWithCheckpoint seeds the new invocation from the prior thread state.
// Scope fields and the question are always overwritten from the request —
// the checkpoint may carry a doc_id or selection from a previous turn, and
// relying on omission would leak it into this one. Per-invocation outputs
// (plan, notes, answer, iterations, citation maps) reset; prior evidence is
// kept so follow-up questions on the same thread build on it.
func mergeWithCheckpoint(prior, initial *models.PipelineState) *models.PipelineState {
	st := prior.Clone()

	st.Question = initial.Question
	st.DocID = initial.DocID
	st.SelectedDocIDs = initial.SelectedDocIDs
	st.HasSelectedDocIDs = initial.HasSelectedDocIDs
	st.UploadedDocIDs = initial.UploadedDocIDs
	st.CrossDoc = initial.CrossDoc

	st.Plan = ""
	st.Notes = ""
	st.Answer = ""
	st.Confidence = 0
	st.Action = ""
	st.Iterations = 0
	st.Refinements = nil
	st.Pages = nil
	st.Citations = nil
	st.ChunkToLetter = nil
	st.LetterToDocPrefix = nil
	st.LetterToChunk = nil
	st.ContributionBlock = ""
	st.DocIDs = nil

	return st
}
