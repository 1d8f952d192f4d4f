package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ChunkContentType tags what a chunk's embedding was computed from.
type ChunkContentType string

const (
	ChunkContentText       ChunkContentType = "text"
	ChunkContentPDFText    ChunkContentType = "pdf_text"
	ChunkContentPDFImage   ChunkContentType = "pdf_image"
	ChunkContentImage      ChunkContentType = "image"
	ChunkContentMultimodal ChunkContentType = "multimodal"
)

// Document is the persistent parent record for a set of chunks. Deleting a
// document cascades to its chunks.
type Document struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Title      string    `json:"title" gorm:"not null"`
	SourcePath string    `json:"source_path"`

	Meta datatypes.JSON `json:"meta,omitempty" gorm:"type:jsonb;default:'{}'"`

	Chunks []Chunk `json:"chunks,omitempty" gorm:"foreignKey:DocID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk is the unit of retrieval. The lexical index column (tsvector) and the
// embedding column (pgvector) are declared in store/schema.go because gorm
// cannot express their types; Embedding carries the text-serialized vector
// ("[0.1,0.2,...]") when selected explicitly.
type Chunk struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	DocID uuid.UUID `json:"doc_id" gorm:"type:uuid;not null;index"`

	PageStart *int   `json:"page_start,omitempty"`
	PageEnd   *int   `json:"page_end,omitempty"`
	Section   string `json:"section,omitempty"`

	Text        string           `json:"text" gorm:"type:text;not null"`
	IsOCR       bool             `json:"is_ocr" gorm:"default:false"`
	IsFigure    bool             `json:"is_figure" gorm:"default:false"`
	ContentType ChunkContentType `json:"content_type" gorm:"type:varchar(32);not null;default:'text';index"`
	ImagePath   string           `json:"image_path,omitempty"`

	// Embedding is populated only by queries that select the emb column
	// as text; writes go through store.ChunkStore so the tsvector and
	// vector columns are set in the same statement.
	Embedding string `json:"-" gorm:"-"`

	Meta datatypes.JSON `json:"meta,omitempty" gorm:"type:jsonb;default:'{}'"`
}

func (Chunk) TableName() string {
	return "chunks"
}

type IngestRequest struct {
	Path  string `json:"path" validate:"required"`
	Title string `json:"title,omitempty"`
}

type IngestResponse struct {
	DocID      uuid.UUID `json:"doc_id"`
	Title      string    `json:"title"`
	ChunkCount int       `json:"chunk_count"`
	Skipped    int       `json:"skipped"` // chunks dropped due to embedding failures
}

// DocumentReport is the inspectDocument result.
type DocumentReport struct {
	DocID          uuid.UUID      `json:"doc_id"`
	Title          string         `json:"title"`
	SourcePath     string         `json:"source_path"`
	CreatedAt      time.Time      `json:"created_at"`
	ChunkCount     int            `json:"chunk_count"`
	ChunksByType   map[string]int `json:"chunks_by_type"`
	PageMin        *int           `json:"page_min,omitempty"`
	PageMax        *int           `json:"page_max,omitempty"`
	EmbeddingDim   int            `json:"embedding_dim"`
	DimensionOK    bool           `json:"dimension_ok"`
	OCRChunks      int            `json:"ocr_chunks"`
	FigureChunks   int            `json:"figure_chunks"`
}

type DocumentListResponse struct {
	Documents []Document `json:"documents"`
	Total     int64      `json:"total"`
}
