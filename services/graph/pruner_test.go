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

func TestIsRefusal(t *testing.T) {
	refusals := []string{
		"I don't know.",
		"I do not know the answer to that.",
		"The provided context does not contain the answer.",
		"The documents do not provide any information about this.",
		"No relevant information is available in the excerpts.",
		"I cannot determine the closing date from the excerpts.",
		"I am unable to find that detail.",
	}
	for _, answer := range refusals {
		assert.True(t, isRefusal(answer), answer)
	}

	assert.False(t, isRefusal("The merger closed in December [A]."))
	assert.False(t, isRefusal("Revenue was unknown to analysts at the time [B]."))
}

func TestCollectPrefixes(t *testing.T) {
	letterToPrefix := map[string]string{"A": "3fa85f64", "B": "deadbeef"}

	t.Run("recognizes every citation form", func(t *testing.T) {
		answer := "Per [DOC 11111111] and DOC 22222222, see Document 33333333, " +
			"also doc:44444444 and the line [DOC: 55555555]."
		prefixes := collectPrefixes(answer, letterToPrefix)
		for _, want := range []string{"11111111", "22222222", "33333333", "44444444", "55555555"} {
			assert.True(t, prefixes[want], want)
		}
	})

	t.Run("letter citations resolve through the map", func(t *testing.T) {
		prefixes := collectPrefixes("The closing date was December 12 [A].", letterToPrefix)
		assert.True(t, prefixes["3fa85f64"])
		assert.False(t, prefixes["deadbeef"])
	})

	t.Run("unknown letters are ignored", func(t *testing.T) {
		prefixes := collectPrefixes("Something [Z].", letterToPrefix)
		assert.Empty(t, prefixes)
	})
}

func TestRewriteReferences(t *testing.T) {
	docA := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	prefixToDoc := map[string]uuid.UUID{"3fa85f64": docA}
	titles := map[uuid.UUID]string{docA: "Merger Agreement"}

	t.Run("bracketed references become bracketed titles", func(t *testing.T) {
		out := rewriteReferences("See [DOC 3fa85f64] for terms.", prefixToDoc, titles)
		assert.Equal(t, "See [Merger Agreement] for terms.", out)
	})

	t.Run("prose references become bare titles", func(t *testing.T) {
		out := rewriteReferences("Document 3fa85f64 covers the terms, as does doc:3fa85f64.", prefixToDoc, titles)
		assert.Equal(t, "Merger Agreement covers the terms, as does Merger Agreement.", out)
	})

	t.Run("unknown prefixes stay untouched", func(t *testing.T) {
		out := rewriteReferences("See [DOC deadbeef].", prefixToDoc, titles)
		assert.Equal(t, "See [DOC deadbeef].", out)
	})
}

func TestRebuildSources(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	letterToPrefix := map[string]string{"A": docPrefix(docA), "B": docPrefix(docB)}
	prefixToDoc := map[string]uuid.UUID{docPrefix(docA): docA, docPrefix(docB): docB}
	titles := map[uuid.UUID]string{docA: "Alpha Report", docB: "Beta Memo"}

	t.Run("keeps only used documents", func(t *testing.T) {
		answer := "The answer [A].\n\nSources:\n- [A] something\n- [B] something else"
		out := rebuildSources(answer, letterToPrefix, prefixToDoc, map[uuid.UUID]bool{docA: true}, titles)
		assert.Contains(t, out, "- [A] Alpha Report")
		assert.NotContains(t, out, "Beta Memo")
	})

	t.Run("preserves the contribution block after the sources", func(t *testing.T) {
		answer := "The answer [A].\n\nSources:\n- [A] x\n\nDocuments used for analysis (ranked by contribution strength):\n[1] \"Alpha Report\" - Page: p1 - (contribution strength: 60.0%)"
		out := rebuildSources(answer, letterToPrefix, prefixToDoc, map[uuid.UUID]bool{docA: true}, titles)
		assert.Contains(t, out, "- [A] Alpha Report")
		assert.Contains(t, out, "Documents used for analysis (ranked by contribution strength):")
		assert.True(t, strings.Index(out, "Sources:") < strings.Index(out, "Documents used for analysis"))
	})

	t.Run("answers without a sources section pass through", func(t *testing.T) {
		answer := "Just an answer [A]."
		out := rebuildSources(answer, letterToPrefix, prefixToDoc, map[uuid.UUID]bool{docA: true}, titles)
		assert.Equal(t, answer, out)
	})

	t.Run("duplicate letters collapse to one line", func(t *testing.T) {
		answer := "The answer.\n\nSources:\n- [A] x\n- [A] y"
		out := rebuildSources(answer, letterToPrefix, prefixToDoc, map[uuid.UUID]bool{docA: true}, titles)
		assert.Equal(t, 1, strings.Count(out, "Alpha Report"))
	})
}

func TestFilterCitations(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	citations := []string{
		"[1] doc:" + docA.String() + " p1,p2 (confidence: 60.0%)",
		"[2] doc:" + docB.String() + " p3 (confidence: 60.0%)",
		"malformed line without a doc reference",
	}

	out := filterCitations(citations, map[uuid.UUID]bool{docA: true})
	require.Len(t, out, 2)
	assert.Contains(t, out[0], docA.String())
	assert.Equal(t, "malformed line without a doc reference", out[1])
}

func TestBuildDocMap(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	titles := map[uuid.UUID]string{docA: "Alpha Report", docB: "Beta Memo"}

	entries := BuildDocMap([]uuid.UUID{docA, docB}, []uuid.UUID{docA}, titles)
	require.Len(t, entries, 2)
	assert.Equal(t, models.DocMapEntry{DocID: docA, Title: "Alpha Report", Used: true}, entries[0])
	assert.Equal(t, models.DocMapEntry{DocID: docB, Title: "Beta Memo", Used: false}, entries[1])
}

func TestPrunerRun(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	titles := &fakeTitleStore{titles: map[uuid.UUID]string{docA: "Alpha Report", docB: "Beta Memo"}}
	pruner := NewPruner(titles)

	t.Run("abstained state passes through untouched", func(t *testing.T) {
		st := &models.PipelineState{Answer: models.AbstainAnswer, Action: models.ActionAbstain}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Nil(t, patch.Answer)
	})

	t.Run("refusal forces abstain and caps confidence", func(t *testing.T) {
		st := &models.PipelineState{
			Answer:     "I cannot determine the answer from the provided excerpts.",
			Action:     models.ActionAnswer,
			Confidence: 72.0,
			DocIDs:     []uuid.UUID{docA},
		}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, models.AbstainAnswer, *patch.Answer)
		assert.Equal(t, models.ActionAbstain, *patch.Action)
		assert.Equal(t, 40.0, *patch.Confidence)
		assert.Empty(t, *patch.DocIDs)
	})

	t.Run("uncited documents are dropped and sources rebuilt", func(t *testing.T) {
		st := &models.PipelineState{
			Question:          "q",
			Answer:            "The terms are in [DOC " + docPrefix(docA) + "] [A].\n\nSources:\n- [A] [DOC: " + docPrefix(docA) + "]",
			Action:            models.ActionAnswer,
			Confidence:        65.0,
			DocIDs:            []uuid.UUID{docA, docB},
			LetterToDocPrefix: map[string]string{"A": docPrefix(docA), "B": docPrefix(docB)},
			Citations: []string{
				"[1] doc:" + docA.String() + " p1 (confidence: 65.0%)",
				"[2] doc:" + docB.String() + " p2 (confidence: 65.0%)",
			},
		}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)

		assert.Equal(t, []uuid.UUID{docA}, *patch.DocIDs)
		assert.Contains(t, *patch.Answer, "[Alpha Report]")
		assert.Contains(t, *patch.Answer, "- [A] Alpha Report")
		assert.NotContains(t, *patch.Answer, docPrefix(docA))
		require.Len(t, *patch.Citations, 1)
		assert.Contains(t, (*patch.Citations)[0], docA.String())
	})

	t.Run("contribution block is re-appended when missing", func(t *testing.T) {
		block := "Documents used for analysis (ranked by contribution strength):\n[1] \"Alpha Report\" - Page: p1 - (contribution strength: 60.0%)"
		st := &models.PipelineState{
			Answer:            "The terms [A].\n\nSources:\n- [A] x",
			Action:            models.ActionAnswer,
			DocIDs:            []uuid.UUID{docA},
			LetterToDocPrefix: map[string]string{"A": docPrefix(docA)},
			ContributionBlock: block,
		}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Contains(t, *patch.Answer, block)
	})

	t.Run("primary doc id clears when uncited", func(t *testing.T) {
		primary := docB
		st := &models.PipelineState{
			Answer:            "The terms [A].",
			Action:            models.ActionAnswer,
			DocID:             &primary,
			DocIDs:            []uuid.UUID{docA, docB},
			LetterToDocPrefix: map[string]string{"A": docPrefix(docA)},
		}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)
		require.NotNil(t, patch.DocID)
		assert.Nil(t, *patch.DocID)
	})

	t.Run("primary doc id survives when cited", func(t *testing.T) {
		primary := docA
		st := &models.PipelineState{
			Answer:            "The terms [A].",
			Action:            models.ActionAnswer,
			DocID:             &primary,
			DocIDs:            []uuid.UUID{docA},
			LetterToDocPrefix: map[string]string{"A": docPrefix(docA)},
		}
		patch, err := pruner.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Nil(t, patch.DocID)
	})
}
