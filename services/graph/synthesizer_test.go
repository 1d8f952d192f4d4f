package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-rag-engine/models"
)

// fakeTitleStore serves titles from a map, no Postgres required.
type fakeTitleStore struct {
	titles map[uuid.UUID]string
	err    error
}

func (f *fakeTitleStore) TitlesByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if title, ok := f.titles[id]; ok {
			out[id] = title
		}
	}
	return out, nil
}

func evidenceChunk(doc uuid.UUID, text string, lex, vec, ce float64, pageStart *int) models.EvidenceChunk {
	return models.EvidenceChunk{
		ChunkID:   uuid.New(),
		DocID:     doc,
		Text:      text,
		Lex:       lex,
		Vec:       vec,
		CE:        ce,
		PageStart: pageStart,
	}
}

func TestSelectContext(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxContextChunks = 5
	cfg.MaxChunksPerDoc = 2
	syn := NewSynthesizer(&fakeLLM{responses: []string{""}}, NewConfidenceScorer(testConfidenceConfig()), &fakeTitleStore{}, cfg)

	docA := uuid.New()
	docB := uuid.New()

	t.Run("per-doc cap then backfill from capped documents", func(t *testing.T) {
		evidence := []models.EvidenceChunk{
			evidenceChunk(docA, "a1", 0, 0.9, 0, nil),
			evidenceChunk(docA, "a2", 0, 0.8, 0, nil),
			evidenceChunk(docA, "a3", 0, 0.7, 0, nil),
			evidenceChunk(docA, "a4", 0, 0.6, 0, nil),
			evidenceChunk(docB, "b1", 0, 0.5, 0, nil),
			evidenceChunk(docB, "b2", 0, 0.4, 0, nil),
		}
		selected := syn.selectContext(evidence)
		require.Len(t, selected, 5)
		texts := make([]string, len(selected))
		for i, c := range selected {
			texts[i] = c.Text
		}
		// First pass caps docA at two; second pass backfills a3 into the
		// remaining slot.
		assert.Equal(t, []string{"a1", "a2", "b1", "b2", "a3"}, texts)
	})

	t.Run("chunks without a doc id come last", func(t *testing.T) {
		orphan := models.EvidenceChunk{ChunkID: uuid.New(), Text: "orphan", Vec: 0.99}
		evidence := []models.EvidenceChunk{
			orphan,
			evidenceChunk(docA, "a1", 0, 0.9, 0, nil),
		}
		selected := syn.selectContext(evidence)
		require.Len(t, selected, 2)
		assert.Equal(t, "a1", selected[0].Text)
		assert.Equal(t, "orphan", selected[1].Text)
	})

	t.Run("respects the total cap", func(t *testing.T) {
		var evidence []models.EvidenceChunk
		for i := 0; i < 10; i++ {
			evidence = append(evidence, evidenceChunk(uuid.New(), "c", 0, 0.5, 0, nil))
		}
		assert.Len(t, syn.selectContext(evidence), 5)
	})
}

func TestAssignLetters(t *testing.T) {
	docA := uuid.New()
	chunks := []models.EvidenceChunk{
		evidenceChunk(docA, "one", 0, 0, 0, nil),
		evidenceChunk(docA, "two", 0, 0, 0, nil),
		evidenceChunk(docA, "three", 0, 0, 0, nil),
	}

	letters, letterToChunk, letterToPrefix, chunkToLetter := assignLetters(chunks)
	assert.Equal(t, []string{"A", "B", "C"}, letters)
	assert.Equal(t, chunks[0].ChunkID.String(), letterToChunk["A"])
	assert.Equal(t, chunks[2].ChunkID.String(), letterToChunk["C"])
	assert.Equal(t, docPrefix(docA), letterToPrefix["B"])
	assert.Equal(t, "B", chunkToLetter[chunks[1].ChunkID.String()])
}

func TestDocPrefix(t *testing.T) {
	id := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	assert.Equal(t, "3fa85f64", docPrefix(id))
}

func TestHasExplicitScope(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name   string
		st     *models.PipelineState
		expect bool
	}{
		{"primary doc id", &models.PipelineState{DocID: &id}, true},
		{"selected documents", &models.PipelineState{HasSelectedDocIDs: true, SelectedDocIDs: []uuid.UUID{id}}, true},
		{"uploaded documents", &models.PipelineState{UploadedDocIDs: []uuid.UUID{id}}, true},
		{"explicit empty selection", &models.PipelineState{HasSelectedDocIDs: true}, false},
		{"pure cross-doc", &models.PipelineState{CrossDoc: true}, false},
		{"cross-doc with selection", &models.PipelineState{CrossDoc: true, HasSelectedDocIDs: true, SelectedDocIDs: []uuid.UUID{id}}, true},
		{"nothing at all", &models.PipelineState{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, hasExplicitScope(tt.st))
		})
	}
}

func TestChunkContribution(t *testing.T) {
	t.Run("cross-encoder blend when ce positive", func(t *testing.T) {
		c := models.EvidenceChunk{Lex: 0.5, Vec: 0.4, CE: 0.8}
		// 0.2*0.5 + 0.3*0.4 + 0.5*0.8 = 0.62
		assert.InDelta(t, 62.0, chunkContribution(c), 1e-9)
	})

	t.Run("lexical-vector blend otherwise", func(t *testing.T) {
		c := models.EvidenceChunk{Lex: 0.5, Vec: 0.5}
		assert.InDelta(t, 50.0, chunkContribution(c), 1e-9)
	})
}

func TestBuildContributionBlock(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	titles := map[uuid.UUID]string{docA: "Alpha Report", docB: "Beta Memo"}

	t.Run("empty context yields no block", func(t *testing.T) {
		assert.Empty(t, buildContributionBlock(nil, titles))
	})

	t.Run("ranks documents and orders pages by contribution", func(t *testing.T) {
		chunks := []models.EvidenceChunk{
			evidenceChunk(docA, "a", 0, 1.0, 0, page(2)),   // 60.0
			evidenceChunk(docA, "a", 0.5, 0.5, 0, page(1)), // 50.0
			evidenceChunk(docB, "b", 0, 0, 0.8, page(1)),   // 40.0
		}
		block := buildContributionBlock(chunks, titles)
		lines := strings.Split(block, "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, "Documents used for analysis (ranked by contribution strength):", lines[0])
		assert.Equal(t, `[1] "Alpha Report" - Page: p2 - (contribution strength: 60.0%)`, lines[1])
		assert.Equal(t, `[1] "Alpha Report" - Page: p1 - (contribution strength: 50.0%)`, lines[2])
		assert.Equal(t, `[2] "Beta Memo" - Page: p1 - (contribution strength: 40.0%)`, lines[3])
	})

	t.Run("missing page renders as n/a", func(t *testing.T) {
		chunks := []models.EvidenceChunk{evidenceChunk(docA, "a", 0, 0.5, 0, nil)}
		block := buildContributionBlock(chunks, titles)
		assert.Contains(t, block, "Page: n/a")
	})

	t.Run("same-page chunks average into one line", func(t *testing.T) {
		chunks := []models.EvidenceChunk{
			evidenceChunk(docA, "a", 0, 1.0, 0, page(3)), // 60.0
			evidenceChunk(docA, "a", 0, 0.0, 0, page(3)), // 0.0
		}
		block := buildContributionBlock(chunks, titles)
		lines := strings.Split(block, "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[1], "contribution strength: 30.0%")
	})
}

func TestBuildCitations(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	chunks := []models.EvidenceChunk{
		evidenceChunk(docA, "a", 0, 0.5, 0, page(4)),
		evidenceChunk(docA, "a", 0, 0.5, 0, page(2)),
		evidenceChunk(docA, "a", 0, 0.5, 0, page(4)),
		evidenceChunk(docB, "b", 0, 0.5, 0, nil),
	}

	citations := buildCitations(chunks, 55.5)
	require.Len(t, citations, 2)
	assert.Contains(t, citations[0], "[1] doc:"+docA.String())
	assert.Contains(t, citations[0], "p2,p4")
	assert.Contains(t, citations[0], "confidence: 55.5%")
	assert.Contains(t, citations[1], "[2] doc:"+docB.String())
}

func TestPagesFromEvidence(t *testing.T) {
	docA := uuid.New()
	chunks := []models.EvidenceChunk{
		evidenceChunk(docA, "a", 0, 0, 0, page(7)),
		evidenceChunk(docA, "a", 0, 0, 0, page(2)),
		evidenceChunk(docA, "a", 0, 0, 0, page(7)),
		evidenceChunk(docA, "a", 0, 0, 0, nil),
	}
	assert.Equal(t, []int{2, 7}, pagesFromEvidence(chunks))
}

func TestSynthesizerRun(t *testing.T) {
	docA := uuid.New()
	titles := &fakeTitleStore{titles: map[uuid.UUID]string{docA: "Alpha Report"}}

	t.Run("no evidence abstains without calling the LLM", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"unused"}}
		syn := NewSynthesizer(llm, NewConfidenceScorer(testConfidenceConfig()), titles, testAgentConfig())

		patch, err := syn.Run(context.Background(), &models.PipelineState{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, models.AbstainAnswer, *patch.Answer)
		assert.Equal(t, models.ActionAbstain, *patch.Action)
		assert.Empty(t, llm.calls)
	})

	t.Run("weak evidence fails the pre-generation gate", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"unused"}}
		syn := NewSynthesizer(llm, NewConfidenceScorer(testConfidenceConfig()), titles, testAgentConfig())

		st := &models.PipelineState{
			Question: "something else entirely",
			Evidence: []models.EvidenceChunk{evidenceChunk(docA, "unrelated", 0, 0.05, -3.0, page(1))},
		}
		patch, err := syn.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, models.AbstainAnswer, *patch.Answer)
		assert.Empty(t, llm.calls)
	})

	t.Run("strong evidence synthesizes an answer with citations", func(t *testing.T) {
		llm := &fakeLLM{responses: []string{"The merger closed in December [A].\n\nSources:\n- [A] [DOC: " + docPrefix(docA) + "]"}}
		syn := NewSynthesizer(llm, NewConfidenceScorer(testConfidenceConfig()), titles, testAgentConfig())

		st := &models.PipelineState{
			Question: "merger details",
			Evidence: []models.EvidenceChunk{
				evidenceChunk(docA, "merger details here", 0.8, 0.9, 0.95, page(1)),
				evidenceChunk(docA, "more merger details", 0.7, 0.85, 0.9, page(2)),
			},
		}
		patch, err := syn.Run(context.Background(), st)
		require.NoError(t, err)

		assert.Equal(t, models.ActionAnswer, *patch.Action)
		assert.Contains(t, *patch.Answer, "The merger closed in December [A].")
		assert.Contains(t, *patch.Answer, "Documents used for analysis")
		assert.Equal(t, []int{1, 2}, *patch.Pages)
		assert.Equal(t, []uuid.UUID{docA}, *patch.DocIDs)
		require.Len(t, *patch.Citations, 1)
		assert.Contains(t, (*patch.Citations)[0], "doc:"+docA.String())
		assert.Len(t, patch.ChunkToLetter, 2)
		assert.Equal(t, docPrefix(docA), patch.LetterToDocPrefix["A"])

		require.Len(t, llm.calls, 1)
		prompt := llm.calls[0][1].Content
		assert.Contains(t, prompt, "Available chunks:")
		assert.Contains(t, prompt, "Alpha Report")
		assert.Contains(t, prompt, "Question: merger details")
	})
}
