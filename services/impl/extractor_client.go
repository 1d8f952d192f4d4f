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
)

// ExtractorClient talks to the document extraction sidecar that handles
// PDF page text, OCR, and embedded-image extraction. The engine never
// parses PDFs itself.
type ExtractorClient struct {
	config     *config.ExtractorConfig
	httpClient *http.Client
}

func NewExtractorClient(cfg *config.ExtractorConfig) *ExtractorClient {
	return &ExtractorClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

// ExtractedPage is one PDF page's content. IsOCR is set when the extractor
// fell back to OCR because the page carried under 20 chars of native text.
type ExtractedPage struct {
	Page    int    `json:"page"`
	Text    string `json:"text"`
	IsOCR   bool   `json:"is_ocr"`
	Section string `json:"section,omitempty"`
}

// ExtractedImage is an embedded image pulled out of a PDF page.
type ExtractedImage struct {
	Page      int    `json:"page"`
	ImagePath string `json:"image_path"`
	Caption   string `json:"caption,omitempty"`
	IsFigure  bool   `json:"is_figure"`
}

type extractResponse struct {
	Pages  []ExtractedPage  `json:"pages"`
	Images []ExtractedImage `json:"images"`
	Error  string           `json:"error,omitempty"`
}

// ExtractPDF returns per-page text and embedded images for a PDF path.
func (c *ExtractorClient) ExtractPDF(ctx context.Context, path string) ([]ExtractedPage, []ExtractedImage, error) {
	jsonData, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal extract request: %w", err)
	}

	url := c.config.BaseURL + "/v1/extract"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.config.APIKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("extract request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("extractor returned %d: %s", resp.StatusCode, string(body))
	}

	var er extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, nil, fmt.Errorf("failed to decode extract response: %w", err)
	}
	if er.Error != "" {
		return nil, nil, fmt.Errorf("extractor error: %s", er.Error)
	}
	return er.Pages, er.Images, nil
}
