package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
)

// ChunkStore is the gorm-backed persistence layer for documents and chunks.
// Retrieval reads are not transactional; ingestion writes a document and its
// chunks in a single transaction.
type ChunkStore struct {
	db  *gorm.DB
	dim int
}

func NewChunkStore(db *gorm.DB, dim int) *ChunkStore {
	return &ChunkStore{db: db, dim: dim}
}

// CandidateQuery drives the combined lexical + vector candidate generation.
type CandidateQuery struct {
	TSQuery     string // sanitized Boolean-AND tsquery input ("a & b & c")
	Embedding   string // text-serialized query vector ("[0.1,0.2,...]")
	KLex        int
	KVec        int
	ScopeDocs   []uuid.UUID // restrict both pools when non-empty
	ExcludeDocs []uuid.UUID // exclude (two-stage complement retrieval)
}

// candidateRow is the shared projection of both candidate pools.
type candidateRow struct {
	ChunkID     uuid.UUID `gorm:"column:chunk_id"`
	DocID       uuid.UUID `gorm:"column:doc_id"`
	Text        string    `gorm:"column:text"`
	PageStart   *int      `gorm:"column:page_start"`
	PageEnd     *int      `gorm:"column:page_end"`
	ContentType string    `gorm:"column:content_type"`
	ImagePath   *string   `gorm:"column:image_path"`
	Lex         float64   `gorm:"column:lex_score"`
	Vec         float64   `gorm:"column:vec_score"`
}

// Candidates runs the two-pool UNION ALL query: a lexical pool ranked by
// ts_rank over the simple/unaccent index and a vector pool ranked by
// 1 - cosineDistance. Rows sharing a chunk id are merged keeping the best
// score from each pool; the combined set is ordered by 0.6*lex + 0.4*vec
// and truncated to KLex + KVec.
func (s *ChunkStore) Candidates(ctx context.Context, q CandidateQuery) ([]models.EvidenceChunk, error) {
	scopeCond := ""
	var scopeArgs []interface{}
	if len(q.ScopeDocs) > 0 {
		scopeCond += " AND c.doc_id = ANY(?)"
		scopeArgs = append(scopeArgs, pq.Array(uuidStrings(q.ScopeDocs)))
	}
	if len(q.ExcludeDocs) > 0 {
		scopeCond += " AND NOT (c.doc_id = ANY(?))"
		scopeArgs = append(scopeArgs, pq.Array(uuidStrings(q.ExcludeDocs)))
	}

	lexSQL := `(
		SELECT c.id AS chunk_id, c.doc_id, c.text, c.page_start, c.page_end,
		       c.content_type, c.image_path,
		       ts_rank(c.lex, to_tsquery('simple', unaccent(?)))::float8 AS lex_score,
		       0.0::float8 AS vec_score
		FROM chunks c
		WHERE c.lex @@ to_tsquery('simple', unaccent(?))` + scopeCond + `
		ORDER BY lex_score DESC
		LIMIT ?
	)`
	vecSQL := `(
		SELECT c.id AS chunk_id, c.doc_id, c.text, c.page_start, c.page_end,
		       c.content_type, c.image_path,
		       0.0::float8 AS lex_score,
		       (1 - (c.emb <=> ?::vector))::float8 AS vec_score
		FROM chunks c
		WHERE c.emb IS NOT NULL` + scopeCond + `
		ORDER BY vec_score DESC
		LIMIT ?
	)`

	args := make([]interface{}, 0, 8)
	args = append(args, q.TSQuery, q.TSQuery)
	args = append(args, scopeArgs...)
	args = append(args, q.KLex)
	args = append(args, q.Embedding)
	args = append(args, scopeArgs...)
	args = append(args, q.KVec)
	args = append(args, q.KLex+q.KVec)

	sql := lexSQL + `
		UNION ALL
	` + vecSQL + `
		ORDER BY 0.6 * lex_score + 0.4 * vec_score DESC
		LIMIT ?`

	// An empty tsquery ("") is invalid SQL; fall back to a vector-only pool.
	if strings.TrimSpace(q.TSQuery) == "" {
		sql = vecSQL + `
			ORDER BY vec_score DESC
			LIMIT ?`
		args = args[:0]
		args = append(args, q.Embedding)
		args = append(args, scopeArgs...)
		args = append(args, q.KVec, q.KVec)
	}

	var rows []candidateRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("candidate query: %w: %v", ragerr.ErrStoreUnavailable, err)
	}

	// Merge duplicate chunk ids across the two pools, keeping the best
	// score each pool produced.
	byID := make(map[uuid.UUID]*models.EvidenceChunk, len(rows))
	order := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		if existing, ok := byID[r.ChunkID]; ok {
			if r.Lex > existing.Lex {
				existing.Lex = r.Lex
			}
			if r.Vec > existing.Vec {
				existing.Vec = r.Vec
			}
			continue
		}
		ec := rowToEvidence(r)
		byID[r.ChunkID] = &ec
		order = append(order, r.ChunkID)
	}

	out := make([]models.EvidenceChunk, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func rowToEvidence(r candidateRow) models.EvidenceChunk {
	ec := models.EvidenceChunk{
		ChunkID:     r.ChunkID,
		DocID:       r.DocID,
		Text:        r.Text,
		PageStart:   r.PageStart,
		PageEnd:     r.PageEnd,
		ContentType: models.ChunkContentType(r.ContentType),
		Lex:         r.Lex,
		Vec:         r.Vec,
	}
	if r.ImagePath != nil {
		ec.ImagePath = *r.ImagePath
	}
	return ec
}

// FetchEmbeddings returns the text-serialized embedding for each chunk id.
// Parsing (and repair of malformed scientific notation) happens in the
// retrieval engine so a bad vector fails that chunk, not the whole batch.
func (s *ChunkStore) FetchEmbeddings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]string{}, nil
	}

	type embRow struct {
		ID  uuid.UUID `gorm:"column:id"`
		Emb *string   `gorm:"column:emb"`
	}
	var rows []embRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, emb::text AS emb FROM chunks WHERE id = ANY(?)`, pq.Array(uuidStrings(ids))).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("embedding fetch: %w: %v", ragerr.ErrStoreUnavailable, err)
	}

	out := make(map[uuid.UUID]string, len(rows))
	for _, r := range rows {
		if r.Emb != nil {
			out[r.ID] = *r.Emb
		}
	}
	return out, nil
}

// StructureChunks returns one document's chunks in reading order with
// neutral scores (lex=0.5, vec=0.5, ce=0).
func (s *ChunkStore) StructureChunks(ctx context.Context, docID uuid.UUID, max int, strategy models.StructureStrategy, firstPagesCutoff int) ([]models.EvidenceChunk, error) {
	query := s.db.WithContext(ctx).
		Model(&models.Chunk{}).
		Where("doc_id = ?", docID)

	if strategy == models.StructureFirstPages {
		query = query.Where("page_start IS NULL OR page_start <= ?", firstPagesCutoff)
	}

	var chunks []models.Chunk
	err := query.
		Order("page_start ASC NULLS LAST, page_end ASC NULLS LAST, id ASC").
		Limit(max).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("structure query: %w: %v", ragerr.ErrStoreUnavailable, err)
	}

	out := make([]models.EvidenceChunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, models.EvidenceChunk{
			ChunkID:     c.ID,
			DocID:       c.DocID,
			Text:        c.Text,
			PageStart:   c.PageStart,
			PageEnd:     c.PageEnd,
			ContentType: c.ContentType,
			ImagePath:   c.ImagePath,
			Lex:         0.5,
			Vec:         0.5,
			CE:          0,
		})
	}
	return out, nil
}

// ChunkInsert pairs a chunk row with its embedding for ingestion.
type ChunkInsert struct {
	Chunk     models.Chunk
	Embedding string // text-serialized vector
}

// CreateDocumentWithChunks writes the document row and all chunk rows in a
// single transaction. The tsvector and vector columns are set in the insert
// statement itself (gorm cannot carry them through the model).
func (s *ChunkStore) CreateDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []ChunkInsert) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		for i := range chunks {
			c := &chunks[i].Chunk
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			c.DocID = doc.ID
			err := tx.Exec(`
				INSERT INTO chunks
					(id, doc_id, page_start, page_end, section, text, is_ocr, is_figure,
					 content_type, image_path, meta, lex, emb)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
					to_tsvector('simple', unaccent(?)), ?::vector)`,
				c.ID, c.DocID, c.PageStart, c.PageEnd, c.Section, c.Text, c.IsOCR, c.IsFigure,
				string(c.ContentType), nullable(c.ImagePath), jsonOrEmpty(c.Meta),
				c.Text, chunks[i].Embedding,
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("document insert: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *ChunkStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ragerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document fetch: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return &doc, nil
}

// GetDocumentByTitle fetches the most recent document with an exact title.
func (s *ChunkStore) GetDocumentByTitle(ctx context.Context, title string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("title = ?", title).
		Order("created_at DESC").
		First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ragerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document fetch: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return &doc, nil
}

// ListDocuments returns up to limit documents, newest first.
func (s *ChunkStore) ListDocuments(ctx context.Context, limit int) (*models.DocumentListResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Document{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("document count: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("document list: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return &models.DocumentListResponse{Documents: docs, Total: total}, nil
}

// DeleteDocument removes a document; chunks go with it via the FK cascade.
func (s *ChunkStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Document{})
	if result.Error != nil {
		return fmt.Errorf("document delete: %w: %v", ragerr.ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return ragerr.ErrNotFound
	}
	return nil
}

// TitlesByIDs returns id -> title for the given documents.
func (s *ChunkStore) TitlesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]string{}, nil
	}
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Select("id", "title").
		Where("id IN ?", ids).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("title lookup: %w: %v", ragerr.ErrStoreUnavailable, err)
	}
	out := make(map[uuid.UUID]string, len(docs))
	for _, d := range docs {
		out[d.ID] = d.Title
	}
	return out, nil
}

// InspectDocument builds the document report: chunk counts by content type,
// page coverage, and an embedding-dimension check against the configured D.
func (s *ChunkStore) InspectDocument(ctx context.Context, id uuid.UUID) (*models.DocumentReport, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	type typeCount struct {
		ContentType string `gorm:"column:content_type"`
		N           int    `gorm:"column:n"`
	}
	var counts []typeCount
	err = s.db.WithContext(ctx).
		Raw(`SELECT content_type, COUNT(*) AS n FROM chunks WHERE doc_id = ? GROUP BY content_type`, id).
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("inspect counts: %w: %v", ragerr.ErrStoreUnavailable, err)
	}

	type pageAgg struct {
		PageMin *int `gorm:"column:page_min"`
		PageMax *int `gorm:"column:page_max"`
		OCR     int  `gorm:"column:ocr"`
		Figures int  `gorm:"column:figures"`
		Dim     *int `gorm:"column:dim"`
		Total   int  `gorm:"column:total"`
	}
	var agg pageAgg
	err = s.db.WithContext(ctx).
		Raw(`SELECT MIN(page_start) AS page_min, MAX(COALESCE(page_end, page_start)) AS page_max,
			COUNT(*) FILTER (WHERE is_ocr) AS ocr,
			COUNT(*) FILTER (WHERE is_figure) AS figures,
			MAX(vector_dims(emb)) AS dim,
			COUNT(*) AS total
		FROM chunks WHERE doc_id = ?`, id).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("inspect aggregate: %w: %v", ragerr.ErrStoreUnavailable, err)
	}

	byType := make(map[string]int, len(counts))
	for _, c := range counts {
		byType[c.ContentType] = c.N
	}
	dim := 0
	if agg.Dim != nil {
		dim = *agg.Dim
	}

	return &models.DocumentReport{
		DocID:        doc.ID,
		Title:        doc.Title,
		SourcePath:   doc.SourcePath,
		CreatedAt:    doc.CreatedAt,
		ChunkCount:   agg.Total,
		ChunksByType: byType,
		PageMin:      agg.PageMin,
		PageMax:      agg.PageMax,
		EmbeddingDim: dim,
		DimensionOK:  dim == s.dim,
		OCRChunks:    agg.OCR,
		FigureChunks: agg.Figures,
	}, nil
}

// Ping verifies connectivity for the health endpoint.
func (s *ChunkStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ragerr.ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ragerr.ErrStoreUnavailable, err)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullable(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(j []byte) string {
	if len(j) == 0 {
		return "{}"
	}
	return string(j)
}
