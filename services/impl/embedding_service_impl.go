package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
)

type embeddingServiceImpl struct {
	config     *config.EmbeddingConfig
	httpClient *http.Client
	encoder    *tiktoken.Tiktoken
}

// NewEmbeddingService builds the CLIP sidecar client. The tokenizer is used
// only to pre-truncate text below the encoder's hard token limit; if it
// cannot be loaded the service falls back to retrying the embed call with
// progressively shorter word prefixes.
func NewEmbeddingService(cfg *config.EmbeddingConfig) services.EmbeddingService {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[EMBED] tokenizer unavailable, using word-count truncation: %v", err)
		enc = nil
	}
	return &embeddingServiceImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		encoder: enc,
	}
}

type embedRequest struct {
	Model     string `json:"model"`
	Text      string `json:"text,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Dim       int       `json:"dim"`
	Error     string    `json:"error,omitempty"`
}

func (s *embeddingServiceImpl) Dimension() int {
	return s.config.Dimension
}

// EmbedText embeds text, truncating toward the CLIP token limit. The
// sidecar rejects over-long inputs, so on failure we retry with shrinking
// budgets before giving up.
func (s *embeddingServiceImpl) EmbedText(ctx context.Context, text string) ([]float64, error) {
	budgets := []int{s.config.MaxTokens, 60, 45, 30}
	var lastErr error
	for _, budget := range budgets {
		truncated := s.truncateToTokens(text, budget)
		vec, err := s.call(ctx, "/v1/embed/text", embedRequest{Model: s.config.Model, Text: truncated})
		if err == nil {
			return vec, nil
		}
		lastErr = err
		log.Printf("[EMBED] text embed failed at budget %d tokens, retrying shorter: %v", budget, err)
	}
	return nil, fmt.Errorf("%w: %v", ragerr.ErrEmbeddingFailed, lastErr)
}

func (s *embeddingServiceImpl) EmbedImage(ctx context.Context, imagePath string) ([]float64, error) {
	vec, err := s.call(ctx, "/v1/embed/image", embedRequest{Model: s.config.Model, ImagePath: imagePath})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragerr.ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// EmbedMultimodal averages the unit-normalized text and image vectors and
// re-normalizes, keeping the result in the same cosine space as either
// modality alone.
func (s *embeddingServiceImpl) EmbedMultimodal(ctx context.Context, text string, imagePath string) ([]float64, error) {
	textVec, err := s.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	imgVec, err := s.EmbedImage(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	return L2Normalize(MeanVectors(L2Normalize(textVec), L2Normalize(imgVec))), nil
}

// HealthCheck embeds a probe string and verifies the returned dimension
// matches the configured one. Run at startup: a dimension mismatch means
// the store's vector column and the live model disagree.
func (s *embeddingServiceImpl) HealthCheck(ctx context.Context) error {
	vec, err := s.EmbedText(ctx, "embedding service health probe")
	if err != nil {
		return err
	}
	if len(vec) != s.config.Dimension {
		return fmt.Errorf("%w: model returned dim %d, configured %d",
			ragerr.ErrEmbeddingFailed, len(vec), s.config.Dimension)
	}
	return nil
}

func (s *embeddingServiceImpl) call(ctx context.Context, path string, reqBody embedRequest) ([]float64, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := s.config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.config.APIKey))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed server returned %d: %s", resp.StatusCode, string(body))
	}

	var embResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if embResp.Error != "" {
		return nil, fmt.Errorf("embed server error: %s", embResp.Error)
	}
	if len(embResp.Embedding) == 0 {
		return nil, fmt.Errorf("embed server returned empty embedding")
	}
	return embResp.Embedding, nil
}

// truncateToTokens cuts text to roughly the given token budget. With the
// tokenizer available it decodes the first N tokens back to text; without
// it, it approximates with a word prefix (~0.75 words per token).
func (s *embeddingServiceImpl) truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	if s.encoder != nil {
		tokens := s.encoder.Encode(text, nil, nil)
		if len(tokens) <= budget {
			return text
		}
		return s.encoder.Decode(tokens[:budget])
	}
	words := splitWords(text)
	maxWords := budget * 3 / 4
	if maxWords < 1 {
		maxWords = 1
	}
	if len(words) <= maxWords {
		return text
	}
	return joinWords(words[:maxWords])
}
