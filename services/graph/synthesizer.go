package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

// Synthesizer owns pre-LLM confidence gating, context selection, prompt
// construction, alphabetic citation assignment, and the per-page
// contribution block.
type Synthesizer struct {
	llm    services.LLMService
	scorer *ConfidenceScorer
	titles TitleStore
	cfg    *config.AgentConfig
}

func NewSynthesizer(llm services.LLMService, scorer *ConfidenceScorer, titles TitleStore, cfg *config.AgentConfig) *Synthesizer {
	return &Synthesizer{llm: llm, scorer: scorer, titles: titles, cfg: cfg}
}

func (s *Synthesizer) Name() string { return NodeSynthesizer }

var citationLetters = []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
}

func (s *Synthesizer) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	// No evidence at all: abstain without an LLM call.
	if len(st.Evidence) == 0 {
		return abstainPatch(0), nil
	}

	context24 := s.selectContext(st.Evidence)

	p, action := s.scorer.Score(context24, st.Question, "")
	confidence := p * 100

	threshold := s.cfg.ConfidenceThreshold
	if hasExplicitScope(st) {
		threshold = s.cfg.ExplicitScopeThresh
	}
	if action == models.ActionAbstain || confidence < threshold {
		return abstainPatch(confidence), nil
	}

	letters, letterToChunk, letterToPrefix, chunkToLetter := assignLetters(context24)

	titles, err := s.titles.TitlesByIDs(ctx, models.DocIDsFromEvidence(context24))
	if err != nil {
		return nil, err
	}

	prompt := s.buildPrompt(st.Question, context24, letters, letterToPrefix, titles)

	resp, err := s.llm.Complete(ctx, []services.ChatMessage{
		{Role: "system", Content: synthesizerSystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}

	contribution := buildContributionBlock(context24, titles)

	answer := strings.TrimSpace(resp.Content)
	if contribution != "" {
		answer = answer + "\n\n" + contribution
	}

	// Recompute confidence with answer/context overlap now available.
	p, action = s.scorer.Score(context24, st.Question, resp.Content)
	confidence = p * 100
	if action != models.ActionAbstain {
		// Clarify does not alter output assembly; refinement was the
		// critic's call, made earlier.
		action = models.ActionAnswer
	}

	citations := buildCitations(context24, confidence)
	pages := pagesFromEvidence(context24)
	observed := models.DocIDsFromEvidence(context24)

	return &models.StatePatch{
		Answer:            &answer,
		Confidence:        &confidence,
		Action:            &action,
		Citations:         &citations,
		Pages:             &pages,
		DocIDs:            &observed,
		ChunkToLetter:     chunkToLetter,
		LetterToDocPrefix: letterToPrefix,
		LetterToChunk:     letterToChunk,
		ContributionBlock: &contribution,
	}, nil
}

func abstainPatch(confidence float64) *models.StatePatch {
	answer := models.AbstainAnswer
	action := models.ActionAbstain
	var noDocs []uuid.UUID
	noPages := []int{}
	noCitations := []string{}
	return &models.StatePatch{
		Answer:     &answer,
		Action:     &action,
		Confidence: &confidence,
		DocIDs:     &noDocs,
		Pages:      &noPages,
		Citations:  &noCitations,
	}
}

func hasExplicitScope(st *models.PipelineState) bool {
	if st.CrossDoc && !st.HasSelectedDocIDs && len(st.UploadedDocIDs) == 0 && st.DocID == nil {
		return false
	}
	return (st.HasSelectedDocIDs && len(st.SelectedDocIDs) > 0) || len(st.UploadedDocIDs) > 0 || st.DocID != nil
}

// selectContext picks up to MaxContextChunks in retrieval order with an
// at-most MaxChunksPerDoc cap per document. The first pass enforces the
// cap, the second fills remaining slots from capped-out documents, and the
// third appends chunks lacking a doc id.
func (s *Synthesizer) selectContext(evidence []models.EvidenceChunk) []models.EvidenceChunk {
	maxTotal := s.cfg.MaxContextChunks
	maxPerDoc := s.cfg.MaxChunksPerDoc

	selected := make([]models.EvidenceChunk, 0, maxTotal)
	picked := make(map[uuid.UUID]bool, maxTotal)
	perDoc := make(map[uuid.UUID]int)

	for _, c := range evidence {
		if len(selected) >= maxTotal {
			break
		}
		if c.DocID == uuid.Nil || perDoc[c.DocID] >= maxPerDoc {
			continue
		}
		perDoc[c.DocID]++
		picked[c.ChunkID] = true
		selected = append(selected, c)
	}

	for _, c := range evidence {
		if len(selected) >= maxTotal {
			break
		}
		if c.DocID == uuid.Nil || picked[c.ChunkID] {
			continue
		}
		picked[c.ChunkID] = true
		selected = append(selected, c)
	}

	for _, c := range evidence {
		if len(selected) >= maxTotal {
			break
		}
		if c.DocID != uuid.Nil || picked[c.ChunkID] {
			continue
		}
		picked[c.ChunkID] = true
		selected = append(selected, c)
	}

	return selected
}

func assignLetters(contextChunks []models.EvidenceChunk) (letters []string, letterToChunk, letterToPrefix, chunkToLetter map[string]string) {
	letterToChunk = make(map[string]string)
	letterToPrefix = make(map[string]string)
	chunkToLetter = make(map[string]string)
	for i, c := range contextChunks {
		if i >= len(citationLetters) {
			break
		}
		letter := citationLetters[i]
		letters = append(letters, letter)
		letterToChunk[letter] = c.ChunkID.String()
		letterToPrefix[letter] = docPrefix(c.DocID)
		chunkToLetter[c.ChunkID.String()] = letter
	}
	return letters, letterToChunk, letterToPrefix, chunkToLetter
}

func docPrefix(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

const synthesizerSystemPrompt = `You answer questions strictly from the provided document excerpts. Cite every claim with the bracketed letter of its supporting excerpt, e.g. [A]. If the excerpts do not contain the answer, say "I don't know." End your answer with a "Sources:" section listing each cited letter on its own line.`

func (s *Synthesizer) buildPrompt(question string, contextChunks []models.EvidenceChunk, letters []string, letterToPrefix map[string]string, titles map[uuid.UUID]string) string {
	var b strings.Builder

	b.WriteString("Available chunks:\n")
	for i, c := range contextChunks {
		if i >= len(letters) {
			break
		}
		letter := letters[i]
		preview := c.Text
		if len(preview) > 120 {
			preview = truncateOnRune(preview, 120) + "..."
		}
		fmt.Fprintf(&b, "[%s] %q (doc %s) %s\n", letter, titles[c.DocID], letterToPrefix[letter], preview)
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n\n", question)

	// Concatenated contexts, clustered per document.
	byDoc := make(map[uuid.UUID][]int)
	var docOrder []uuid.UUID
	for i, c := range contextChunks {
		if i >= len(letters) {
			break
		}
		if _, ok := byDoc[c.DocID]; !ok {
			docOrder = append(docOrder, c.DocID)
		}
		byDoc[c.DocID] = append(byDoc[c.DocID], i)
	}

	b.WriteString("Contexts:\n")
	for _, docID := range docOrder {
		for _, i := range byDoc[docID] {
			c := contextChunks[i]
			fmt.Fprintf(&b, "Document %s (%s):\n%s\n\n", docPrefix(docID), letters[i], c.Text)
		}
	}

	b.WriteString("Answer using the documents in the order listed above. ")
	fmt.Fprintf(&b, "Documents available, in order: ")
	for i, docID := range docOrder {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q (%s)", titles[docID], docPrefix(docID))
	}
	b.WriteString(".\n\n")

	b.WriteString("Format the Sources section exactly like this example:\n")
	b.WriteString("Sources:\n")
	for i, letter := range letters {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "- [%s] [DOC: %s]\n", letter, letterToPrefix[letter])
	}

	return b.String()
}

// chunkContribution scores one chunk's contribution on a 0-100 scale.
func chunkContribution(c models.EvidenceChunk) float64 {
	if c.CE > 0 {
		return (0.2*c.Lex + 0.3*c.Vec + 0.5*c.CE) * 100
	}
	return (0.4*c.Lex + 0.6*c.Vec) * 100
}

type pageGroup struct {
	docID        uuid.UUID
	page         int
	hasPage      bool
	contribution float64
}

// buildContributionBlock groups context chunks by (doc, page), averages
// per-chunk contributions within each group, ranks documents by their mean
// contribution, and renders the block the citation pruner later preserves
// verbatim.
func buildContributionBlock(contextChunks []models.EvidenceChunk, titles map[uuid.UUID]string) string {
	if len(contextChunks) == 0 {
		return ""
	}

	type key struct {
		doc  uuid.UUID
		page int
	}
	sums := make(map[key]float64)
	counts := make(map[key]int)
	hasPage := make(map[key]bool)
	for _, c := range contextChunks {
		page := -1
		if c.PageStart != nil {
			page = *c.PageStart
		}
		k := key{doc: c.DocID, page: page}
		sums[k] += chunkContribution(c)
		counts[k]++
		hasPage[k] = c.PageStart != nil
	}

	groups := make([]pageGroup, 0, len(sums))
	docSums := make(map[uuid.UUID]float64)
	docCounts := make(map[uuid.UUID]int)
	for k, sum := range sums {
		avg := sum / float64(counts[k])
		groups = append(groups, pageGroup{
			docID:        k.doc,
			page:         k.page,
			hasPage:      hasPage[k],
			contribution: avg,
		})
		docSums[k.doc] += avg
		docCounts[k.doc]++
	}

	docAvg := make(map[uuid.UUID]float64, len(docSums))
	docs := make([]uuid.UUID, 0, len(docSums))
	for docID, sum := range docSums {
		docAvg[docID] = sum / float64(docCounts[docID])
		docs = append(docs, docID)
	}
	sort.SliceStable(docs, func(i, j int) bool { return docAvg[docs[i]] > docAvg[docs[j]] })

	docRank := make(map[uuid.UUID]int, len(docs))
	for i, docID := range docs {
		docRank[docID] = i + 1
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if docRank[groups[i].docID] != docRank[groups[j].docID] {
			return docRank[groups[i].docID] < docRank[groups[j].docID]
		}
		if groups[i].contribution != groups[j].contribution {
			return groups[i].contribution > groups[j].contribution
		}
		return groups[i].page < groups[j].page
	})

	var b strings.Builder
	b.WriteString("Documents used for analysis (ranked by contribution strength):\n")
	for _, g := range groups {
		pageLabel := "n/a"
		if g.hasPage {
			pageLabel = fmt.Sprintf("p%d", g.page)
		}
		fmt.Fprintf(&b, "[%d] %q - Page: %s - (contribution strength: %.1f%%)\n",
			docRank[g.docID], titles[g.docID], pageLabel, g.contribution)
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildCitations(contextChunks []models.EvidenceChunk, confidence float64) []string {
	byDoc := make(map[uuid.UUID][]int)
	var order []uuid.UUID
	for _, c := range contextChunks {
		if _, ok := byDoc[c.DocID]; !ok {
			order = append(order, c.DocID)
		}
		if c.PageStart != nil {
			byDoc[c.DocID] = append(byDoc[c.DocID], *c.PageStart)
		} else if _, ok := byDoc[c.DocID]; !ok {
			byDoc[c.DocID] = []int{}
		}
	}

	out := make([]string, 0, len(order))
	for i, docID := range order {
		pages := uniqueSortedInts(byDoc[docID])
		pageParts := make([]string, len(pages))
		for j, p := range pages {
			pageParts[j] = fmt.Sprintf("p%d", p)
		}
		out = append(out, fmt.Sprintf("[%d] doc:%s %s (confidence: %.1f%%)",
			i+1, docID, strings.Join(pageParts, ","), confidence))
	}
	return out
}

func pagesFromEvidence(contextChunks []models.EvidenceChunk) []int {
	var pages []int
	for _, c := range contextChunks {
		if c.PageStart != nil {
			pages = append(pages, *c.PageStart)
		}
	}
	return uniqueSortedInts(pages)
}

func uniqueSortedInts(xs []int) []int {
	seen := make(map[int]bool, len(xs))
	out := make([]int, 0, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Ints(out)
	return out
}
