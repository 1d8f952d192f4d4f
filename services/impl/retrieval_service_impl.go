package impl

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/ragerr"
	"github.com/tas-rag-engine/services"
	"github.com/tas-rag-engine/store"
)

type retrievalServiceImpl struct {
	config   *config.RetrievalConfig
	store    *store.ChunkStore
	embedder services.EmbeddingService
	reranker services.RerankerService
}

func NewRetrievalService(cfg *config.RetrievalConfig, chunkStore *store.ChunkStore, embedder services.EmbeddingService, reranker services.RerankerService) services.RetrievalService {
	return &retrievalServiceImpl{
		config:   cfg,
		store:    chunkStore,
		embedder: embedder,
		reranker: reranker,
	}
}

// goodSimilarity marks a chunk as a satisfactory match for its document in
// scoped retrieval. Documents with no good match get a structure supplement.
func goodSimilarity(c models.EvidenceChunk) bool {
	if c.CE > 0.3 {
		return true
	}
	if c.Lex > 0 && c.Vec > 0.6 {
		return true
	}
	return c.Vec > 0.7
}

func (s *retrievalServiceImpl) Retrieve(ctx context.Context, req models.RetrieveRequest) ([]models.EvidenceChunk, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ragerr.ErrUnsupportedInput)
	}

	k := req.K
	if k <= 0 {
		k = s.config.K
	}
	klex := req.KLex
	if klex <= 0 {
		klex = s.config.KLex
	}
	kvec := req.KVec
	if kvec <= 0 {
		kvec = s.config.KVec
	}

	scope := resolveScope(req)

	// Explicit empty scope with cross-doc off: nothing to search.
	if !req.CrossDoc && scope != nil && len(scope) == 0 {
		return []models.EvidenceChunk{}, nil
	}

	queryVec, err := s.embedQuery(ctx, req.Query, req.QueryImage)
	if err != nil {
		return nil, err
	}

	switch {
	case !req.CrossDoc && len(scope) > 0:
		return s.retrieveScoped(ctx, req.Query, queryVec, scope, k, klex, kvec)
	case req.CrossDoc && len(scope) > 0:
		return s.retrieveTwoStage(ctx, req.Query, queryVec, scope, k, klex, kvec)
	default:
		return s.retrieveGlobal(ctx, req.Query, queryVec, k, klex, kvec)
	}
}

// resolveScope returns the scope set: nil means unscoped, an empty non-nil
// slice means the caller explicitly deselected everything.
func resolveScope(req models.RetrieveRequest) []uuid.UUID {
	if req.ScopeDocs != nil {
		scope := append([]uuid.UUID(nil), req.ScopeDocs...)
		if req.DocID != nil && !containsUUID(scope, *req.DocID) {
			scope = append(scope, *req.DocID)
		}
		return scope
	}
	if req.DocID != nil {
		return []uuid.UUID{*req.DocID}
	}
	return nil
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (s *retrievalServiceImpl) embedQuery(ctx context.Context, query, queryImage string) ([]float64, error) {
	if queryImage != "" {
		return s.embedder.EmbedMultimodal(ctx, query, queryImage)
	}
	return s.embedder.EmbedText(ctx, query)
}

// retrieveGlobal is the single-stage unscoped pipeline.
func (s *retrievalServiceImpl) retrieveGlobal(ctx context.Context, query string, queryVec []float64, k, klex, kvec int) ([]models.EvidenceChunk, error) {
	candidates, err := s.store.Candidates(ctx, store.CandidateQuery{
		TSQuery:   s.SanitizeQuery(query),
		Embedding: SerializeVector(queryVec),
		KLex:      klex,
		KVec:      kvec,
	})
	if err != nil {
		return nil, err
	}
	return s.rankAndSelect(ctx, query, queryVec, candidates, k)
}

// retrieveScoped restricts both pools to the scope set. Any scope document
// that contributed no good-similarity chunk gets a first-pages structure
// supplement so the caller always sees some content from every selected doc.
func (s *retrievalServiceImpl) retrieveScoped(ctx context.Context, query string, queryVec []float64, scope []uuid.UUID, k, klex, kvec int) ([]models.EvidenceChunk, error) {
	candidates, err := s.store.Candidates(ctx, store.CandidateQuery{
		TSQuery:   s.SanitizeQuery(query),
		Embedding: SerializeVector(queryVec),
		KLex:      klex,
		KVec:      kvec,
		ScopeDocs: scope,
	})
	if err != nil {
		return nil, err
	}

	selected, err := s.rankAndSelect(ctx, query, queryVec, candidates, k)
	if err != nil {
		return nil, err
	}

	covered := make(map[uuid.UUID]bool, len(scope))
	for _, c := range selected {
		if goodSimilarity(c) {
			covered[c.DocID] = true
		}
	}

	for _, docID := range scope {
		if covered[docID] {
			continue
		}
		supplement, err := s.RetrieveByStructure(ctx, docID, s.config.StructureMax, models.StructureFirstPages)
		if err != nil {
			log.Printf("[RETRIEVAL] structure supplement failed for doc %s: %v", docID, err)
			continue
		}
		selected = models.MergeEvidence(selected, supplement)
	}

	return selected, nil
}

// retrieveTwoStage runs scoped retrieval first, then searches the
// complement of the scope with a query enriched by the top stage-one text.
// Stage-one chunks keep a 0.1 ranking bonus so primary-document evidence
// wins ties against corpus-wide matches.
func (s *retrievalServiceImpl) retrieveTwoStage(ctx context.Context, query string, queryVec []float64, scope []uuid.UUID, k, klex, kvec int) ([]models.EvidenceChunk, error) {
	stageOne, err := s.retrieveScoped(ctx, query, queryVec, scope, k, klex, kvec)
	if err != nil {
		return nil, err
	}

	enriched := query
	if len(stageOne) > 0 {
		var parts []string
		for i, c := range stageOne {
			if i >= 5 {
				break
			}
			parts = append(parts, c.Text)
		}
		enriched = query + " " + strings.Join(parts, " ")
	}
	enrichedVec, err := s.embedder.EmbedText(ctx, enriched)
	if err != nil {
		return nil, err
	}

	stageTwoCandidates, err := s.store.Candidates(ctx, store.CandidateQuery{
		TSQuery:     s.SanitizeQuery(enriched),
		Embedding:   SerializeVector(enrichedVec),
		KLex:        klex,
		KVec:        kvec,
		ExcludeDocs: scope,
	})
	if err != nil {
		return nil, err
	}
	stageTwo, err := s.rankAndSelect(ctx, query, queryVec, stageTwoCandidates, k)
	if err != nil {
		return nil, err
	}

	type rankedChunk struct {
		chunk models.EvidenceChunk
		key   float64
	}
	seen := make(map[uuid.UUID]bool, len(stageOne)+len(stageTwo))
	var merged []rankedChunk
	for _, c := range stageOne {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		merged = append(merged, rankedChunk{chunk: c, key: rankingKey(c) + 0.1})
	}
	for _, c := range stageTwo {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		merged = append(merged, rankedChunk{chunk: c, key: rankingKey(c)})
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].key > merged[j].key })

	if len(merged) > k {
		merged = merged[:k]
	}
	out := make([]models.EvidenceChunk, len(merged))
	for i, rc := range merged {
		out[i] = rc.chunk
	}
	return out, nil
}

func rankingKey(c models.EvidenceChunk) float64 {
	if c.CE != 0 {
		return c.CE
	}
	return 0.6*c.Lex + 0.4*c.Vec
}

// rankAndSelect applies the cross-encoder (when available) and MMR to a
// candidate list, producing the final k chunks in MMR order.
func (s *retrievalServiceImpl) rankAndSelect(ctx context.Context, query string, queryVec []float64, candidates []models.EvidenceChunk, k int) ([]models.EvidenceChunk, error) {
	if len(candidates) == 0 {
		return []models.EvidenceChunk{}, nil
	}

	if s.reranker.Enabled() {
		passages := make([]string, len(candidates))
		for i, c := range candidates {
			passages[i] = c.Text
		}
		scores, err := s.reranker.Score(ctx, query, passages)
		if err != nil {
			// Rerank failures degrade to combined-key ordering.
			log.Printf("[RETRIEVAL] rerank failed, keeping combined ordering: %v", err)
		} else {
			for i := range candidates {
				candidates[i].CE = scores[i]
			}
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].CE > candidates[j].CE
			})
		}
	}

	pool := candidates
	if len(pool) > s.config.MMRPool {
		pool = pool[:s.config.MMRPool]
	}

	ids := make([]uuid.UUID, len(pool))
	for i, c := range pool {
		ids[i] = c.ChunkID
	}
	rawVecs, err := s.store.FetchEmbeddings(ctx, ids)
	if err != nil {
		return nil, err
	}

	// A chunk whose persisted vector cannot be parsed is excluded from
	// ranking, never zero-substituted.
	vecs := make(map[uuid.UUID][]float64, len(rawVecs))
	corrupt := make(map[uuid.UUID]bool)
	for id, raw := range rawVecs {
		v, err := ParseVector(raw)
		if err != nil {
			log.Printf("[RETRIEVAL] excluding chunk %s: %v", id, err)
			corrupt[id] = true
			continue
		}
		vecs[id] = v
	}
	if len(corrupt) > 0 {
		clean := pool[:0:0]
		for _, c := range pool {
			if !corrupt[c.ChunkID] {
				clean = append(clean, c)
			}
		}
		pool = clean
	}

	return mmrSelect(pool, vecs, queryVec, k, s.config.MMRLambda), nil
}

// mmrSelect greedily picks chunks maximizing
// lambda*cos(q,c) - (1-lambda)*max over selected of cos(c,s).
// Chunks without a stored embedding fall back to vec-score relevance and
// zero redundancy.
func mmrSelect(pool []models.EvidenceChunk, vecs map[uuid.UUID][]float64, queryVec []float64, k int, lambda float64) []models.EvidenceChunk {
	if k <= 0 || len(pool) == 0 {
		return []models.EvidenceChunk{}
	}
	if k > len(pool) {
		k = len(pool)
	}

	relevance := make([]float64, len(pool))
	for i, c := range pool {
		if v, ok := vecs[c.ChunkID]; ok {
			relevance[i] = CosineSimilarity(queryVec, v)
		} else {
			relevance[i] = c.Vec
		}
	}

	picked := make([]bool, len(pool))
	out := make([]models.EvidenceChunk, 0, k)
	var selectedVecs [][]float64

	for len(out) < k {
		bestIdx := -1
		bestScore := 0.0
		for i := range pool {
			if picked[i] {
				continue
			}
			redundancy := 0.0
			if v, ok := vecs[pool[i].ChunkID]; ok {
				for _, sv := range selectedVecs {
					if sim := CosineSimilarity(v, sv); sim > redundancy {
						redundancy = sim
					}
				}
			}
			score := lambda*relevance[i] - (1-lambda)*redundancy
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		picked[bestIdx] = true
		out = append(out, pool[bestIdx])
		if v, ok := vecs[pool[bestIdx].ChunkID]; ok {
			selectedVecs = append(selectedVecs, v)
		}
	}
	return out
}

func (s *retrievalServiceImpl) RetrieveByStructure(ctx context.Context, docID uuid.UUID, max int, strategy models.StructureStrategy) ([]models.EvidenceChunk, error) {
	if max <= 0 {
		max = s.config.StructureMax
	}
	return s.store.StructureChunks(ctx, docID, max, strategy, s.config.FirstPagesCutoff)
}

// SanitizeQuery converts raw text into a Boolean-AND tsquery string:
// "&" becomes the word "and", the tsquery operators !|:* and quotes are
// removed, leading bullet/dash characters are dropped, whitespace is
// normalized, and the surviving tokens are joined with " & ".
func (s *retrievalServiceImpl) SanitizeQuery(raw string) string {
	return SanitizeTSQuery(raw)
}

// SanitizeTSQuery is the shared sanitizer used for both the main query and
// critic refinements.
func SanitizeTSQuery(raw string) string {
	cleaned := strings.ReplaceAll(raw, "&", " and ")
	cleaned = strings.NewReplacer(
		"!", "", "|", "", ":", "", "*", "",
		`"`, "", "'", "", "(", " ", ")", " ",
	).Replace(cleaned)

	words := strings.Fields(cleaned)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimLeft(w, "-•–—*")
		if w == "" {
			continue
		}
		tokens = append(tokens, w)
	}
	return strings.Join(tokens, " & ")
}
