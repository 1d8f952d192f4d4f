package impl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-rag-engine/config"
)

func testRerankerConfig(baseURL string) *config.RerankerConfig {
	return &config.RerankerConfig{BaseURL: baseURL, Timeout: 5, Enabled: true}
}

func TestRerankerEnabled(t *testing.T) {
	assert.True(t, NewRerankerService(testRerankerConfig("http://localhost:9000")).Enabled())
	assert.False(t, NewRerankerService(testRerankerConfig("")).Enabled())
	assert.False(t, NewRerankerService(&config.RerankerConfig{BaseURL: "http://localhost:9000", Enabled: false}).Enabled())
}

func TestRerankerScore(t *testing.T) {
	var gotPath string
	var gotReq rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(rerankResponse{Scores: make([]float64, len(gotReq.Passages))})
	}))
	t.Cleanup(srv.Close)

	svc := NewRerankerService(testRerankerConfig(srv.URL))

	t.Run("posts to the v1 rerank route", func(t *testing.T) {
		scores, err := svc.Score(context.Background(), "merger", []string{"a", "b"})
		require.NoError(t, err)
		assert.Len(t, scores, 2)
		assert.Equal(t, "/v1/rerank", gotPath)
		assert.Equal(t, "merger", gotReq.Query)
	})

	t.Run("empty passages skip the call", func(t *testing.T) {
		gotPath = ""
		scores, err := svc.Score(context.Background(), "merger", nil)
		require.NoError(t, err)
		assert.Empty(t, scores)
		assert.Empty(t, gotPath)
	})
}

func TestRerankerScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1}})
	}))
	t.Cleanup(srv.Close)

	svc := NewRerankerService(testRerankerConfig(srv.URL))
	_, err := svc.Score(context.Background(), "q", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 scores for 2 passages")
}
