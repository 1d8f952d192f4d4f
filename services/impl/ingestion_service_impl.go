package impl

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
	"github.com/tas-rag-engine/store"
)

const (
	chunkSizeWords    = 25
	chunkOverlapWords = 12
)

type ingestionServiceImpl struct {
	store     *store.ChunkStore
	embedder  services.EmbeddingService
	extractor *ExtractorClient
}

func NewIngestionService(chunkStore *store.ChunkStore, embedder services.EmbeddingService, extractor *ExtractorClient) services.IngestionService {
	return &ingestionServiceImpl{
		store:     chunkStore,
		embedder:  embedder,
		extractor: extractor,
	}
}

// pendingChunk is a chunk awaiting embedding. imageOnly chunks skip the
// text encoder; chunks with both text and an image embed multimodally.
type pendingChunk struct {
	chunk     models.Chunk
	imagePath string
	imageOnly bool
}

func (s *ingestionServiceImpl) IngestFile(ctx context.Context, path string, title string) (*models.IngestResponse, error) {
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var pending []pendingChunk
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pending, err = s.preparePDF(ctx, path)
	case ".txt", ".md":
		pending, err = s.prepareText(path)
	case ".png", ".jpg", ".jpeg":
		pending = s.prepareImage(path, title)
	default:
		return nil, fmt.Errorf("%w: file type %q", ragerr.ErrUnsupportedInput, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: no extractable content in %s", ragerr.ErrUnsupportedInput, path)
	}

	// Embed each chunk; a chunk whose embedding fails is skipped and
	// logged, never aborting the batch.
	inserts := make([]store.ChunkInsert, 0, len(pending))
	skipped := 0
	for _, p := range pending {
		vec, err := s.embedChunk(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[INGEST] skipping chunk (page %v): %v", p.chunk.PageStart, err)
			skipped++
			continue
		}
		inserts = append(inserts, store.ChunkInsert{
			Chunk:     p.chunk,
			Embedding: SerializeVector(L2Normalize(vec)),
		})
	}
	if len(inserts) == 0 {
		return nil, fmt.Errorf("%w: every chunk embedding failed for %s", ragerr.ErrEmbeddingFailed, path)
	}

	doc := &models.Document{Title: title, SourcePath: path}
	if err := s.store.CreateDocumentWithChunks(ctx, doc, inserts); err != nil {
		return nil, err
	}

	log.Printf("[INGEST] document %s (%s): %d chunks, %d skipped", doc.ID, title, len(inserts), skipped)
	return &models.IngestResponse{
		DocID:      doc.ID,
		Title:      title,
		ChunkCount: len(inserts),
		Skipped:    skipped,
	}, nil
}

func (s *ingestionServiceImpl) embedChunk(ctx context.Context, p pendingChunk) ([]float64, error) {
	switch {
	case p.imageOnly:
		return s.embedder.EmbedImage(ctx, p.imagePath)
	case p.imagePath != "":
		return s.embedder.EmbedMultimodal(ctx, p.chunk.Text, p.imagePath)
	default:
		return s.embedder.EmbedText(ctx, p.chunk.Text)
	}
}

func (s *ingestionServiceImpl) prepareText(path string) ([]pendingChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragerr.ErrUnsupportedInput, err)
	}

	var out []pendingChunk
	// Paragraph boundaries first, then word windows inside each paragraph.
	for _, para := range splitParagraphs(string(data)) {
		for _, text := range chunkWords(splitWords(para), chunkSizeWords, chunkOverlapWords) {
			out = append(out, pendingChunk{
				chunk: models.Chunk{
					Text:        text,
					ContentType: models.ChunkContentText,
				},
			})
		}
	}
	return out, nil
}

func (s *ingestionServiceImpl) preparePDF(ctx context.Context, path string) ([]pendingChunk, error) {
	pages, images, err := s.extractor.ExtractPDF(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragerr.ErrUnsupportedInput, err)
	}

	var out []pendingChunk
	for _, pg := range pages {
		page := pg.Page
		for _, text := range chunkWords(splitWords(pg.Text), chunkSizeWords, chunkOverlapWords) {
			p := page
			out = append(out, pendingChunk{
				chunk: models.Chunk{
					PageStart:   &p,
					PageEnd:     &p,
					Section:     pg.Section,
					Text:        text,
					IsOCR:       pg.IsOCR,
					ContentType: models.ChunkContentPDFText,
				},
			})
		}
	}
	for _, img := range images {
		p := img.Page
		caption := img.Caption
		pc := pendingChunk{
			chunk: models.Chunk{
				PageStart:   &p,
				PageEnd:     &p,
				Text:        caption,
				IsFigure:    img.IsFigure,
				ContentType: models.ChunkContentPDFImage,
				ImagePath:   img.ImagePath,
			},
			imagePath: img.ImagePath,
		}
		if strings.TrimSpace(caption) == "" {
			pc.imageOnly = true
			pc.chunk.Text = fmt.Sprintf("figure on page %d", img.Page)
		} else {
			pc.chunk.ContentType = models.ChunkContentMultimodal
		}
		out = append(out, pc)
	}
	return out, nil
}

func (s *ingestionServiceImpl) prepareImage(path, title string) []pendingChunk {
	return []pendingChunk{{
		chunk: models.Chunk{
			Text:        title,
			ContentType: models.ChunkContentImage,
			ImagePath:   path,
		},
		imagePath: path,
		imageOnly: true,
	}}
}

func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
