package graph

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
)

// ragService is the orchestrator behind the ask operation: it builds the
// initial state from the request, runs the graph, assembles the doc map,
// and writes the audit trail.
type ragService struct {
	runner *Runner
	audit  services.AuditService
	titles TitleStore
}

func NewRAGService(runner *Runner, audit services.AuditService, titles TitleStore) services.RAGService {
	return &ragService{runner: runner, audit: audit, titles: titles}
}

func (s *ragService) Ask(ctx context.Context, userID string, req models.AskRequest) (*models.AskResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: empty question", ragerr.ErrUnsupportedInput)
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, fmt.Errorf("%w: empty thread_id", ragerr.ErrUnsupportedInput)
	}

	initial := initialState(req)

	auditDocs := append([]uuid.UUID(nil), initial.SelectedDocIDs...)
	if initial.DocID != nil {
		auditDocs = append(auditDocs, *initial.DocID)
	}
	auditID, err := s.audit.Begin(ctx, userID, req.ThreadID, req.Question, auditDocs, "ask", req.CrossDoc)
	if err != nil {
		// The pipeline still runs when the audit row cannot be written.
		log.Printf("[RAG] audit begin failed for thread %s: %v", req.ThreadID, err)
	}

	st, runErr := s.runner.Run(ctx, req.ThreadID, initial)
	if runErr != nil {
		if auditID != uuid.Nil {
			msg := runErr.Error()
			if err := s.audit.Complete(ctx, auditID, "", initial, &msg); err != nil {
				log.Printf("[RAG] audit complete failed for thread %s: %v", req.ThreadID, err)
			}
		}
		return nil, runErr
	}

	result, err := s.assembleResult(ctx, st)
	if err != nil {
		return nil, err
	}

	if auditID != uuid.Nil {
		if err := s.audit.Complete(ctx, auditID, st.Answer, st, nil); err != nil {
			log.Printf("[RAG] audit complete failed for thread %s: %v", req.ThreadID, err)
		}
	}
	return result, nil
}

// initialState applies the entry-point contract: doc_id and
// selected_doc_ids are explicitly set from the request, never inherited
// from a stale checkpoint.
func initialState(req models.AskRequest) *models.PipelineState {
	st := &models.PipelineState{
		Question:       req.Question,
		CrossDoc:       req.CrossDoc,
		DocID:          req.Scope.DocID,
		UploadedDocIDs: append([]uuid.UUID(nil), req.Scope.UploadedDocIDs...),
	}
	if req.Scope.SelectedDocIDs != nil {
		st.HasSelectedDocIDs = true
		st.SelectedDocIDs = append([]uuid.UUID(nil), *req.Scope.SelectedDocIDs...)
	}
	return st
}

func (s *ragService) assembleResult(ctx context.Context, st *models.PipelineState) (*models.AskResult, error) {
	// The doc map covers everything retrieval saw, flagged by whether the
	// final answer cited it; st.DocIDs holds only the used set post-prune.
	retrieved := models.DocIDsFromEvidence(st.Evidence)
	titles, err := s.titles.TitlesByIDs(ctx, retrieved)
	if err != nil {
		log.Printf("[RAG] title lookup failed, doc map will carry ids only: %v", err)
		titles = map[uuid.UUID]string{}
	}

	return &models.AskResult{
		Answer:     st.Answer,
		Confidence: st.Confidence,
		Action:     st.Action,
		DocIDs:     st.DocIDs,
		DocID:      st.DocID,
		DocMap:     BuildDocMap(retrieved, st.DocIDs, titles),
		Pages:      st.Pages,
		Citations:  st.Citations,
	}, nil
}
