package graph

import (
	"math"
	"strings"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
)

// stopWords filters query terms before the term-coverage feature. The list
// intentionally stays small: only words that carry no retrieval signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "has": true, "have": true, "how": true, "in": true, "is": true,
	"it": true, "its": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "our": true, "please": true, "share": true, "show": true,
	"tell": true, "that": true, "the": true, "their": true, "there": true,
	"these": true, "this": true, "those": true, "to": true, "us": true,
	"was": true, "we": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

// ConfidenceScorer is the ten-feature logistic model gating answer output.
type ConfidenceScorer struct {
	cfg *config.ConfidenceConfig
}

func NewConfidenceScorer(cfg *config.ConfidenceConfig) *ConfidenceScorer {
	return &ConfidenceScorer{cfg: cfg}
}

// Score computes p = sigmoid(w0 + sum(wi*fi)) over the evidence and query,
// plus the action that p implies. answer may be empty (pre-LLM gating);
// then the answer-overlap feature is 0.
func (s *ConfidenceScorer) Score(evidence []models.EvidenceChunk, query string, answer string) (float64, models.Action) {
	feats := s.Features(evidence, query, answer)
	z := s.cfg.W0
	for i, f := range feats {
		z += s.cfg.W[i] * f
	}
	p := sigmoid(z)

	action := models.ActionAnswer
	switch {
	case p < s.cfg.AbstainTh:
		action = models.ActionAbstain
	case p < s.cfg.ClarifyTh:
		action = models.ActionClarify
	}
	return p, action
}

// Features returns the ten feature values in order. Evidence is first run
// through the meta-query rescue: when lexical matching produced nothing,
// at least one chunk is semantically close (vec > 0.4), and every ce is
// negative, ce is replaced by vec so bag-of-words failures do not sink
// semantically answerable queries.
func (s *ConfidenceScorer) Features(evidence []models.EvidenceChunk, query string, answer string) [10]float64 {
	var feats [10]float64
	k := len(evidence)
	if k == 0 {
		return feats
	}

	evidence = metaQueryRescue(evidence)

	ce := make([]float64, k)
	vec := make([]float64, k)
	lex := make([]float64, k)
	haveCE := false
	for i, c := range evidence {
		ce[i] = c.CE
		vec[i] = c.Vec
		lex[i] = c.Lex
		if c.CE != 0 {
			haveCE = true
		}
	}
	rank := ce
	if !haveCE {
		rank = vec
	}

	// f1: max rerank score; f2: top1-top2 margin
	sorted := append([]float64(nil), rank...)
	sortDesc(sorted)
	feats[0] = sorted[0]
	if k > 1 {
		feats[1] = sorted[0] - sorted[1]
	}

	// f3, f4: cosine mean and stddev
	mean := 0.0
	for _, v := range vec {
		mean += v
	}
	mean /= float64(k)
	feats[2] = mean
	if k > 1 {
		varSum := 0.0
		for _, v := range vec {
			varSum += (v - mean) * (v - mean)
		}
		feats[3] = math.Sqrt(varSum / float64(k))
	}

	// f5: fraction of semantically close chunks
	closeChunks := 0
	for _, v := range vec {
		if v >= 0.22 {
			closeChunks++
		}
	}
	feats[4] = float64(closeChunks) / float64(k)

	// f6: lexical mass relative to the best lexical hit
	maxLex, sumLex := 0.0, 0.0
	for _, l := range lex {
		sumLex += l
		if l > maxLex {
			maxLex = l
		}
	}
	if maxLex > 0 {
		feats[5] = sumLex / (maxLex * float64(k))
	}

	// f7: query term coverage over meaningful terms
	feats[6] = termCoverage(evidence, query)

	// f8, f9: page and document diversity
	pages := map[int]bool{}
	docs := map[string]bool{}
	for _, c := range evidence {
		if c.PageStart != nil {
			pages[*c.PageStart] = true
		}
		docs[c.DocID.String()] = true
	}
	feats[7] = float64(len(pages)) / float64(k)
	feats[8] = float64(len(docs)) / float64(k)

	// f10: answer/context token overlap
	if answer != "" {
		var ctxText strings.Builder
		for _, c := range evidence {
			ctxText.WriteString(c.Text)
			ctxText.WriteByte(' ')
		}
		feats[9] = jaccard(tokenSet(answer), tokenSet(ctxText.String()))
	}

	return feats
}

// metaQueryRescue swaps ce for vec when lexical matching found nothing but
// dense retrieval did and the cross-encoder rejected everything.
func metaQueryRescue(evidence []models.EvidenceChunk) []models.EvidenceChunk {
	anyLex := false
	anyCloseVec := false
	allCENegative := true
	for _, c := range evidence {
		if c.Lex > 0 {
			anyLex = true
		}
		if c.Vec > 0.4 {
			anyCloseVec = true
		}
		if c.CE >= 0 {
			allCENegative = false
		}
	}
	if anyLex || !anyCloseVec || !allCENegative {
		return evidence
	}
	rescued := append([]models.EvidenceChunk(nil), evidence...)
	for i := range rescued {
		rescued[i].CE = rescued[i].Vec
	}
	return rescued
}

func termCoverage(evidence []models.EvidenceChunk, query string) float64 {
	meaningful := map[string]bool{}
	for tok := range tokenSet(query) {
		if !stopWords[tok] && len(tok) > 1 {
			meaningful[tok] = true
		}
	}
	if len(meaningful) == 0 {
		return 0
	}
	seen := map[string]bool{}
	for _, c := range evidence {
		for tok := range tokenSet(c.Text) {
			if meaningful[tok] {
				seen[tok] = true
			}
		}
	}
	return float64(len(seen)) / float64(len(meaningful))
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'`")
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func sortDesc(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] > xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
