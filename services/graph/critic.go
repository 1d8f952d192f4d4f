package graph

import (
	"context"
	"log"
	"math"
	"strings"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
	"github.com/tas-rag-engine/services/impl"
)

// Critic decides whether the evidence is strong enough to synthesize from,
// or whether another refinement round is worth the cost. Its heuristic
// confidence is internal routing signal only, distinct from the logistic
// model that gates the final answer.
type Critic struct {
	llm services.LLMService
	cfg *config.AgentConfig
}

func NewCritic(llm services.LLMService, cfg *config.AgentConfig) *Critic {
	return &Critic{llm: llm, cfg: cfg}
}

func (c *Critic) Name() string { return NodeCritic }

// multiDocPhrases trigger breadth-oriented refinement prompts: the user is
// asking about the collection, not a fact inside one document.
var multiDocPhrases = []string{
	"all documents",
	"these documents",
	"contents of",
	"share the contents",
	"what documents",
}

func isMultiDocQuestion(q string) bool {
	lower := strings.ToLower(q)
	for _, phrase := range multiDocPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// HeuristicConfidence is min(0.9, 0.4 + 0.1*strong) where strong counts
// chunks with ce above the threshold or hits on both retrieval paths.
func (c *Critic) HeuristicConfidence(evidence []models.EvidenceChunk) float64 {
	strong := 0
	for _, chunk := range evidence {
		if chunk.CE > c.cfg.StrongChunkThresh || (chunk.Lex > 0 && chunk.Vec > 0) {
			strong++
		}
	}
	return math.Min(0.9, 0.4+0.1*float64(strong))
}

// ShouldRefine is the conditional edge: refine only while the heuristic is
// weak, the iteration budget remains, and the critic actually produced
// refinement queries.
func (c *Critic) ShouldRefine(st *models.PipelineState) bool {
	if len(st.Refinements) == 0 {
		return false
	}
	if st.Iterations > c.cfg.MaxIters {
		return false
	}
	return c.HeuristicConfidence(st.Evidence) < 0.6
}

const criticSystemPrompt = `You critique the evidence gathered for a question and propose refined search queries. Reply with at most 2 short search queries, one per line, that would surface the missing evidence. Queries must be keyword-oriented, not full sentences. If the evidence is sufficient, reply with the single word SUFFICIENT.`

const criticMultiDocPrompt = `You critique the evidence gathered for a question that spans multiple documents. Propose at most 2 short search queries, one per line, that broaden coverage: prefer queries that surface document titles, summaries, tables of contents, or per-document metadata over queries that dig deeper into a single document. If the evidence already covers every document, reply with the single word SUFFICIENT.`

func (c *Critic) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	h := c.HeuristicConfidence(st.Evidence)

	if h >= 0.6 || st.Iterations >= c.cfg.MaxIters {
		empty := []string{}
		return &models.StatePatch{Refinements: &empty}, nil
	}

	system := criticSystemPrompt
	if isMultiDocQuestion(st.Question) {
		system = criticMultiDocPrompt
	}

	resp, err := c.llm.Complete(ctx, []services.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: "Question: " + st.Question + "\n\nNotes so far:\n" + st.Notes},
	})
	if err != nil {
		return nil, err
	}

	refinements := parseRefinements(resp.Content)
	if len(refinements) == 0 {
		empty := []string{}
		return &models.StatePatch{Refinements: &empty}, nil
	}

	log.Printf("[CRITIC] heuristic %.2f, iteration %d, refining with %d queries", h, st.Iterations, len(refinements))
	next := st.Iterations + 1
	return &models.StatePatch{
		Refinements: &refinements,
		Iterations:  &next,
	}, nil
}

// parseRefinements extracts at most two sanitized refinement queries from
// the critic's reply. Repeated special characters collapse during
// sanitization; empty results are dropped.
func parseRefinements(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "SUFFICIENT") {
			continue
		}
		line = strings.TrimLeft(line, "0123456789.-) ")
		sanitized := impl.SanitizeTSQuery(line)
		if sanitized == "" {
			continue
		}
		// Refinements are stored as plain queries; the retrieval engine
		// re-sanitizes for the lexical path.
		out = append(out, strings.ReplaceAll(sanitized, " & ", " "))
		if len(out) == 2 {
			break
		}
	}
	return out
}
