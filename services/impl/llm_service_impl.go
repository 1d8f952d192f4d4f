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

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
)

type llmServiceImpl struct {
	config     *config.RouterConfig
	httpClient *http.Client
}

// NewLLMService builds the model-router client. The router exposes an
// OpenAI-compatible /v1/chat/completions endpoint; retries use exponential
// backoff (RetryBase * 2^attempt seconds) for connection errors, 429s and
// 5xx responses.
func NewLLMService(cfg *config.RouterConfig) services.LLMService {
	return &llmServiceImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type chatCompletionRequest struct {
	Model       string                 `json:"model"`
	Messages    []services.ChatMessage `json:"messages"`
	Temperature float64                `json:"temperature"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *llmServiceImpl) Complete(ctx context.Context, messages []services.ChatMessage) (*services.ChatResponse, error) {
	request := chatCompletionRequest{
		Model:       s.config.Model,
		Messages:    messages,
		Temperature: s.config.Temperature,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", s.config.BaseURL)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(s.config.RetryBase<<(attempt-1)) * time.Second
			log.Printf("[LLM] attempt %d/%d failed, retrying in %s: %v",
				attempt, s.config.MaxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.config.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.config.APIKey))
		}

		startTime := time.Now()
		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("router returned %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			// 4xx other than 429 will not heal on retry
			return nil, fmt.Errorf("%w: %v", ragerr.ErrLLMUnavailable, lastErr)
		}

		var ccResp chatCompletionResponse
		err = json.NewDecoder(resp.Body).Decode(&ccResp)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to decode chat response: %w", err)
			continue
		}
		if len(ccResp.Choices) == 0 {
			lastErr = fmt.Errorf("router returned no choices")
			continue
		}

		return &services.ChatResponse{
			Content:        ccResp.Choices[0].Message.Content,
			Model:          ccResp.Model,
			TokenUsage:     ccResp.Usage.TotalTokens,
			ResponseTimeMs: int(time.Since(startTime).Milliseconds()),
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ragerr.ErrLLMUnavailable, lastErr)
}
