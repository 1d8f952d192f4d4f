package impl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-rag-engine/models"
)

func TestSanitizeTSQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain words joined with AND",
			input:    "quarterly revenue report",
			expected: "quarterly & revenue & report",
		},
		{
			name:     "ampersand becomes the word and",
			input:    "profit & loss",
			expected: "profit & and & loss",
		},
		{
			name:     "tsquery operators removed",
			input:    "alpha! beta| gamma: delta*",
			expected: "alpha & beta & gamma & delta",
		},
		{
			name:     "quotes stripped",
			input:    `"net income" 'cash flow'`,
			expected: "net & income & cash & flow",
		},
		{
			name:     "leading bullets dropped",
			input:    "- first item\n• second item",
			expected: "first & item & second & item",
		},
		{
			name:     "whitespace normalized",
			input:    "  spaced    out\tterms  ",
			expected: "spaced & out & terms",
		},
		{
			name:     "empty after sanitization",
			input:    "!|:*",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeTSQuery(tt.input))
		})
	}
}

func TestGoodSimilarity(t *testing.T) {
	tests := []struct {
		name  string
		chunk models.EvidenceChunk
		good  bool
	}{
		{"strong cross-encoder score", models.EvidenceChunk{CE: 0.5}, true},
		{"both paths hit", models.EvidenceChunk{Lex: 0.1, Vec: 0.65}, true},
		{"strong vector only", models.EvidenceChunk{Vec: 0.75}, true},
		{"weak everything", models.EvidenceChunk{Lex: 0.1, Vec: 0.3, CE: 0.1}, false},
		{"lex without vector support", models.EvidenceChunk{Lex: 0.9, Vec: 0.2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.good, goodSimilarity(tt.chunk))
		})
	}
}

func TestResolveScope(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()

	t.Run("nil scope and no doc id is unscoped", func(t *testing.T) {
		assert.Nil(t, resolveScope(models.RetrieveRequest{}))
	})

	t.Run("doc id alone scopes to one document", func(t *testing.T) {
		scope := resolveScope(models.RetrieveRequest{DocID: &docA})
		assert.Equal(t, []uuid.UUID{docA}, scope)
	})

	t.Run("doc id joins the scope set without duplication", func(t *testing.T) {
		scope := resolveScope(models.RetrieveRequest{
			ScopeDocs: []uuid.UUID{docA, docB},
			DocID:     &docA,
		})
		assert.ElementsMatch(t, []uuid.UUID{docA, docB}, scope)
		assert.Len(t, scope, 2)
	})

	t.Run("explicit empty scope stays empty", func(t *testing.T) {
		scope := resolveScope(models.RetrieveRequest{ScopeDocs: []uuid.UUID{}})
		require.NotNil(t, scope)
		assert.Empty(t, scope)
	})
}

func TestMMRSelect(t *testing.T) {
	chunkA := models.EvidenceChunk{ChunkID: uuid.New(), Vec: 0.9}
	chunkB := models.EvidenceChunk{ChunkID: uuid.New(), Vec: 0.85}
	chunkC := models.EvidenceChunk{ChunkID: uuid.New(), Vec: 0.5}

	query := []float64{1, 0, 0}
	vecs := map[uuid.UUID][]float64{
		chunkA.ChunkID: {1, 0, 0},       // identical to query
		chunkB.ChunkID: {0.99, 0.1, 0},  // near-duplicate of A
		chunkC.ChunkID: {0, 1, 0},       // orthogonal, diverse
	}

	t.Run("diversity beats redundancy", func(t *testing.T) {
		out := mmrSelect([]models.EvidenceChunk{chunkA, chunkB, chunkC}, vecs, query, 2, 0.5)
		require.Len(t, out, 2)
		assert.Equal(t, chunkA.ChunkID, out[0].ChunkID)
		// B is nearly identical to A, so the diverse C wins the second slot.
		assert.Equal(t, chunkC.ChunkID, out[1].ChunkID)
	})

	t.Run("k larger than pool returns everything", func(t *testing.T) {
		out := mmrSelect([]models.EvidenceChunk{chunkA, chunkC}, vecs, query, 10, 0.5)
		assert.Len(t, out, 2)
	})

	t.Run("lambda one is pure relevance", func(t *testing.T) {
		out := mmrSelect([]models.EvidenceChunk{chunkA, chunkB, chunkC}, vecs, query, 3, 1.0)
		require.Len(t, out, 3)
		assert.Equal(t, chunkA.ChunkID, out[0].ChunkID)
		assert.Equal(t, chunkB.ChunkID, out[1].ChunkID)
	})

	t.Run("missing embedding falls back to vec score", func(t *testing.T) {
		noVec := models.EvidenceChunk{ChunkID: uuid.New(), Vec: 0.95}
		out := mmrSelect([]models.EvidenceChunk{noVec, chunkC}, vecs, query, 1, 0.5)
		require.Len(t, out, 1)
		assert.Equal(t, noVec.ChunkID, out[0].ChunkID)
	})

	t.Run("zero k returns empty", func(t *testing.T) {
		assert.Empty(t, mmrSelect([]models.EvidenceChunk{chunkA}, vecs, query, 0, 0.5))
	})
}

func TestRankingKey(t *testing.T) {
	assert.Equal(t, 0.8, rankingKey(models.EvidenceChunk{CE: 0.8, Lex: 0.1, Vec: 0.1}))
	assert.InDelta(t, 0.6*0.5+0.4*0.25, rankingKey(models.EvidenceChunk{Lex: 0.5, Vec: 0.25}), 1e-9)
}

func TestChunkWords(t *testing.T) {
	words := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "w"
		}
		return out
	}

	t.Run("short input is one chunk", func(t *testing.T) {
		chunks := chunkWords(words(10), 25, 12)
		assert.Len(t, chunks, 1)
	})

	t.Run("overlapping windows cover everything", func(t *testing.T) {
		chunks := chunkWords(words(60), 25, 12)
		// step 13: windows start at 0, 13, 26, 39, 52
		assert.Len(t, chunks, 5)
		assert.Len(t, splitWords(chunks[0]), 25)
		assert.Len(t, splitWords(chunks[4]), 8)
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		assert.Nil(t, chunkWords(nil, 25, 12))
	})
}
