package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
)

type auditServiceImpl struct {
	db *gorm.DB
}

// NewAuditService builds the append-only thread_tracking writer. Rows are
// created when a pipeline starts and completed exactly once; they are never
// updated afterwards.
func NewAuditService(db *gorm.DB) services.AuditService {
	return &auditServiceImpl{db: db}
}

func (s *auditServiceImpl) Begin(ctx context.Context, userID, threadID, query string, docIDs []uuid.UUID, entryPoint string, crossDoc bool) (uuid.UUID, error) {
	row := models.ThreadTracking{
		UserID:       userID,
		ThreadID:     threadID,
		QueryText:    query,
		DocIDs:       uuidsToStrings(docIDs),
		EntryPoint:   entryPoint,
		PipelineType: "rag_graph",
		CrossDoc:     crossDoc,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("audit begin: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return row.ID, nil
}

func (s *auditServiceImpl) Complete(ctx context.Context, id uuid.UUID, answer string, state *models.PipelineState, errMsg *string) error {
	updates := map[string]interface{}{
		"final_answer": answer,
		"completed_at": time.Now(),
	}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}
	if state != nil {
		raw, err := json.Marshal(state)
		if err == nil {
			updates["graph_state"] = datatypes.JSON(raw)
		}
		if len(state.DocIDs) > 0 {
			updates["doc_ids"] = uuidsToStrings(state.DocIDs)
		}
	}
	err := s.db.WithContext(ctx).
		Model(&models.ThreadTracking{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("audit complete: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *auditServiceImpl) RecordIngestion(ctx context.Context, userID string, resp *models.IngestResponse, path string) error {
	meta, _ := json.Marshal(map[string]interface{}{
		"path":        path,
		"chunk_count": resp.ChunkCount,
		"skipped":     resp.Skipped,
	})
	now := time.Now()
	row := models.ThreadTracking{
		UserID:        userID,
		ThreadID:      fmt.Sprintf("ingest-%s", resp.DocID),
		QueryText:     resp.Title,
		DocIDs:        pq.StringArray{resp.DocID.String()},
		IngestionMeta: datatypes.JSON(meta),
		EntryPoint:    "ingest",
		PipelineType:  "ingestion",
		CompletedAt:   &now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit ingestion: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *auditServiceImpl) History(ctx context.Context, userID string, limit int) ([]models.ThreadTracking, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ThreadTracking
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit history: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return rows, nil
}

func uuidsToStrings(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
