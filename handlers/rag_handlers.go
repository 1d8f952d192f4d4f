package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
	"github.com/tas-rag-engine/store"
)

type RAGHandlers struct {
	ragService       services.RAGService
	retrievalService services.RetrievalService
	ingestionService services.IngestionService
	auditService     services.AuditService
	embeddingService services.EmbeddingService
	chunkStore       *store.ChunkStore
}

func NewRAGHandlers(
	ragService services.RAGService,
	retrievalService services.RetrievalService,
	ingestionService services.IngestionService,
	auditService services.AuditService,
	embeddingService services.EmbeddingService,
	chunkStore *store.ChunkStore,
) *RAGHandlers {
	return &RAGHandlers{
		ragService:       ragService,
		retrievalService: retrievalService,
		ingestionService: ingestionService,
		auditService:     auditService,
		embeddingService: embeddingService,
		chunkStore:       chunkStore,
	}
}

// statusFor maps engine sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ragerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ragerr.ErrUnsupportedInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func userIDFrom(c *gin.Context) string {
	if v, exists := c.Get("user_id"); exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "anonymous"
}

// Ask runs the full agent pipeline for one question on a thread.
func (h *RAGHandlers) Ask(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Question == "" || req.ThreadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question and thread_id are required"})
		return
	}

	result, err := h.ragService.Ask(c.Request.Context(), userIDFrom(c), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to answer question", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Retrieve exposes the hybrid retrieval engine directly, for debugging and
// relevance tuning.
func (h *RAGHandlers) Retrieve(c *gin.Context) {
	var req models.RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	chunks, err := h.retrievalService.Retrieve(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Retrieval failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.RetrieveResponse{Chunks: chunks})
}

// Ingest chunks and embeds a file from a server-local path.
func (h *RAGHandlers) Ingest(c *gin.Context) {
	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	resp, err := h.ingestionService.IngestFile(c.Request.Context(), req.Path, req.Title)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Ingestion failed", "details": err.Error()})
		return
	}

	if err := h.auditService.RecordIngestion(c.Request.Context(), userIDFrom(c), resp, req.Path); err != nil {
		// Audit failure does not fail an otherwise successful ingestion.
		c.JSON(http.StatusCreated, resp)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *RAGHandlers) ListDocuments(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := h.chunkStore.ListDocuments(c.Request.Context(), limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to list documents", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RAGHandlers) GetDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	doc, err := h.chunkStore.GetDocument(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to get document", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// InspectDocument reports chunk statistics for a document, addressed by id
// or by exact title via the ?title= query parameter.
func (h *RAGHandlers) InspectDocument(c *gin.Context) {
	var docID uuid.UUID
	if title := c.Query("title"); title != "" {
		doc, err := h.chunkStore.GetDocumentByTitle(c.Request.Context(), title)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": "Failed to inspect document", "details": err.Error()})
			return
		}
		docID = doc.ID
	} else {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
			return
		}
		docID = id
	}

	report, err := h.chunkStore.InspectDocument(c.Request.Context(), docID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to inspect document", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *RAGHandlers) DeleteDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	if err := h.chunkStore.DeleteDocument(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to delete document", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}

// History returns the caller's recent thread audit rows.
func (h *RAGHandlers) History(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := h.auditService.History(c.Request.Context(), userIDFrom(c), limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to fetch history", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": rows, "count": len(rows)})
}

// Health verifies the store connection and the embedding sidecar.
func (h *RAGHandlers) Health(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	code := http.StatusOK

	if err := h.chunkStore.Ping(c.Request.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["database"] = "ok"
	}

	if err := h.embeddingService.HealthCheck(c.Request.Context()); err != nil {
		status["status"] = "degraded"
		status["embedding"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["embedding"] = "ok"
	}

	c.JSON(code, status)
}
