package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/services"
)

type rerankerServiceImpl struct {
	config     *config.RerankerConfig
	httpClient *http.Client
}

// NewRerankerService builds the cross-encoder client. When the reranker is
// disabled or its base URL is empty, Enabled() reports false and the
// retrieval engine skips reranking entirely.
func NewRerankerService(cfg *config.RerankerConfig) services.RerankerService {
	return &rerankerServiceImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (s *rerankerServiceImpl) Enabled() bool {
	return s.config.Enabled && s.config.BaseURL != ""
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

// Score returns one cross-encoder score per passage. Scores are logits and
// may be negative; callers treat them as an ordering signal, not a
// probability.
func (s *rerankerServiceImpl) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	jsonData, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := s.config.BaseURL + "/v1/rerank"
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
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, string(body))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if rr.Error != "" {
		return nil, fmt.Errorf("reranker error: %s", rr.Error)
	}
	if len(rr.Scores) != len(passages) {
		return nil, fmt.Errorf("reranker returned %d scores for %d passages", len(rr.Scores), len(passages))
	}
	return rr.Scores, nil
}
