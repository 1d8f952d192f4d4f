package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// fakeLLM returns canned responses in order, recording every request.
type fakeLLM struct {
	responses []string
	calls     [][]services.ChatMessage
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, messages []services.ChatMessage) (*services.ChatResponse, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &services.ChatResponse{Content: f.responses[idx]}, nil
}

func testAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		MaxIters:            3,
		StrongChunkThresh:   0.30,
		MaxContextChunks:    24,
		MaxChunksPerDoc:     6,
		ConfidenceThreshold: 40.0,
		ExplicitScopeThresh: 30.0,
		CompressorChunkCap:  1200,
	}
}

func TestHeuristicConfidence(t *testing.T) {
	critic := NewCritic(&fakeLLM{responses: []string{""}}, testAgentConfig())

	t.Run("no strong chunks", func(t *testing.T) {
		evidence := []models.EvidenceChunk{{Vec: 0.5}, {Lex: 0.2}}
		assert.InDelta(t, 0.4, critic.HeuristicConfidence(evidence), 1e-9)
	})

	t.Run("each strong chunk adds a tenth", func(t *testing.T) {
		evidence := []models.EvidenceChunk{
			{CE: 0.5},            // strong by ce
			{Lex: 0.1, Vec: 0.1}, // strong by both paths
			{Vec: 0.9},           // not strong: lex zero, ce zero
		}
		assert.InDelta(t, 0.6, critic.HeuristicConfidence(evidence), 1e-9)
	})

	t.Run("caps at 0.9", func(t *testing.T) {
		evidence := make([]models.EvidenceChunk, 10)
		for i := range evidence {
			evidence[i] = models.EvidenceChunk{CE: 0.9}
		}
		assert.InDelta(t, 0.9, critic.HeuristicConfidence(evidence), 1e-9)
	})
}

func TestCriticRun(t *testing.T) {
	t.Run("strong evidence skips refinement without an LLM call", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"should not be called"}}
		critic := NewCritic(llm, testAgentConfig())

		st := &models.PipelineState{
			Question: "what is the revenue",
			Evidence: []models.EvidenceChunk{{CE: 0.8}, {CE: 0.7}},
		}
		patch, err := critic.Run(context.Background(), st)
		require.NoError(t, err)
		require.NotNil(t, patch.Refinements)
		assert.Empty(t, *patch.Refinements)
		assert.Empty(t, llm.calls)
	})

	t.Run("exhausted iteration budget skips refinement", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"extra query"}}
		critic := NewCritic(llm, testAgentConfig())

		st := &models.PipelineState{
			Question:   "weak question",
			Evidence:   []models.EvidenceChunk{{Vec: 0.5}},
			Iterations: 3,
		}
		patch, err := critic.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Empty(t, *patch.Refinements)
		assert.Empty(t, llm.calls)
	})

	t.Run("weak evidence produces at most two sanitized refinements", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"1. merger closing date!\n2. merger: terms|conditions\n3. a third query"}}
		critic := NewCritic(llm, testAgentConfig())

		st := &models.PipelineState{
			Question: "when did the merger close",
			Evidence: []models.EvidenceChunk{{Vec: 0.5}},
			Notes:    "nothing concrete",
		}
		patch, err := critic.Run(context.Background(), st)
		require.NoError(t, err)
		require.NotNil(t, patch.Refinements)
		refs := *patch.Refinements
		require.Len(t, refs, 2)
		assert.Equal(t, "merger closing date", refs[0])
		assert.Equal(t, "merger termsconditions", refs[1])
		require.NotNil(t, patch.Iterations)
		assert.Equal(t, 1, *patch.Iterations)
	})

	t.Run("SUFFICIENT reply means no refinement", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"SUFFICIENT"}}
		critic := NewCritic(llm, testAgentConfig())

		st := &models.PipelineState{
			Question: "weak question",
			Evidence: []models.EvidenceChunk{{Vec: 0.5}},
		}
		patch, err := critic.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Empty(t, *patch.Refinements)
		assert.Nil(t, patch.Iterations)
	})

	t.Run("multi-doc questions use the breadth prompt", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"document titles overview"}}
		critic := NewCritic(llm, testAgentConfig())

		st := &models.PipelineState{
			Question: "share the contents of all documents",
			Evidence: []models.EvidenceChunk{{Vec: 0.5}},
		}
		_, err := critic.Run(context.Background(), st)
		require.NoError(t, err)
		require.Len(t, llm.calls, 1)
		assert.Contains(t, llm.calls[0][0].Content, "spans multiple documents")
	})
}

func TestShouldRefine(t *testing.T) {
	critic := NewCritic(&fakeLLM{responses: []string{""}}, testAgentConfig())
	weak := []models.EvidenceChunk{{Vec: 0.5}}
	strong := []models.EvidenceChunk{{CE: 0.8}, {CE: 0.7}}

	tests := []struct {
		name   string
		st     *models.PipelineState
		expect bool
	}{
		{"refinements pending and weak evidence", &models.PipelineState{Evidence: weak, Refinements: []string{"q"}, Iterations: 1}, true},
		{"no refinements", &models.PipelineState{Evidence: weak, Iterations: 1}, false},
		{"strong evidence", &models.PipelineState{Evidence: strong, Refinements: []string{"q"}, Iterations: 1}, false},
		{"budget exhausted", &models.PipelineState{Evidence: weak, Refinements: []string{"q"}, Iterations: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, critic.ShouldRefine(tt.st))
		})
	}
}

func TestIsMultiDocQuestion(t *testing.T) {
	assert.True(t, isMultiDocQuestion("What documents do we have?"))
	assert.True(t, isMultiDocQuestion("Summarize ALL DOCUMENTS please"))
	assert.True(t, isMultiDocQuestion("share the contents of the archive"))
	assert.False(t, isMultiDocQuestion("what is the closing date of the merger"))
}

func TestParseRefinements(t *testing.T) {
	t.Run("strips numbering and bullets", func(t *testing.T) {
		refs := parseRefinements("1) first query\n- second query")
		require.Len(t, refs, 2)
		assert.Equal(t, "first query", refs[0])
		assert.Equal(t, "second query", refs[1])
	})

	t.Run("skips blanks and sufficient markers", func(t *testing.T) {
		refs := parseRefinements("\n\nsufficient\n")
		assert.Empty(t, refs)
	})
}
