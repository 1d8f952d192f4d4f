package graph

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// Compressor condenses the evidence into bulleted working notes for the
// critic. Numbers and proper nouns must survive verbatim; each chunk is
// capped before assembly to bound prompt size.
type Compressor struct {
	llm      services.LLMService
	chunkCap int
}

func NewCompressor(llm services.LLMService, cfg *config.AgentConfig) *Compressor {
	return &Compressor{llm: llm, chunkCap: cfg.CompressorChunkCap}
}

func (c *Compressor) Name() string { return NodeCompressor }

const compressorSystemPrompt = `You compress retrieved document excerpts into working notes. Produce a bulleted summary. Preserve all numbers, dates, and proper nouns exactly as written. Do not speculate or add information not present in the excerpts.`

func (c *Compressor) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	if len(st.Evidence) == 0 {
		empty := ""
		return &models.StatePatch{Notes: &empty}, nil
	}

	var b strings.Builder
	for i, chunk := range st.Evidence {
		text := truncateOnRune(chunk.Text, c.chunkCap)
		fmt.Fprintf(&b, "--- Excerpt %d (doc %s", i+1, chunk.DocID.String()[:8])
		if chunk.PageStart != nil {
			fmt.Fprintf(&b, ", page %d", *chunk.PageStart)
		}
		b.WriteString(") ---\n")
		b.WriteString(text)
		b.WriteString("\n")
	}

	resp, err := c.llm.Complete(ctx, []services.ChatMessage{
		{Role: "system", Content: compressorSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nExcerpts:\n%s", st.Question, b.String())},
	})
	if err != nil {
		return nil, err
	}

	notes := strings.TrimSpace(resp.Content)
	return &models.StatePatch{Notes: &notes}, nil
}

// truncateOnRune cuts s to at most n bytes without splitting a UTF-8
// sequence.
func truncateOnRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
