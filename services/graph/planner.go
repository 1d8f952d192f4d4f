package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// Planner turns the question into 1-3 concrete retrieval sub-goals. Its
// output is folded into the retrieval query, so the plan must name concrete
// entities rather than restate the question.
type Planner struct {
	llm services.LLMService
}

func NewPlanner(llm services.LLMService) *Planner {
	return &Planner{llm: llm}
}

func (p *Planner) Name() string { return NodePlanner }

const plannerSystemPrompt = `You are a retrieval planner. Given a user question, produce 1-3 concrete sub-goals for finding the answer in a document corpus. Each sub-goal must name specific entities, terms, or sections to look for. Output only the sub-goals, one per line, no numbering commentary.`

func (p *Planner) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	userPrompt := fmt.Sprintf("Question: %s", st.Question)
	if st.DocID != nil {
		userPrompt += fmt.Sprintf("\nThe user has scoped the question to document %s.", st.DocID.String()[:8])
	}

	resp, err := p.llm.Complete(ctx, []services.ChatMessage{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	plan := strings.TrimSpace(resp.Content)
	return &models.StatePatch{Plan: &plan}, nil
}
