package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tas-rag-engine/models"
)

// Reference patterns the pruner recognizes in LLM output. The LLM is told
// to cite with letters, but models drift into every variant below, so all
// of them resolve to documents.
var (
	reBracketDoc  = regexp.MustCompile(`(?i)\[DOC\s+([0-9a-f]{8})\]`)
	reBareDoc     = regexp.MustCompile(`(?i)\bDOC\s+([0-9a-f]{8})\b`)
	reDocumentRef = regexp.MustCompile(`(?i)\bDocument\s+([0-9a-f]{8})\b`)
	reDocColon    = regexp.MustCompile(`(?i)\bdoc:([0-9a-f]{8})`)
	reSourceLine  = regexp.MustCompile(`(?i)\[DOC:\s*([0-9a-f]{8})\]`)
	reLetterCite  = regexp.MustCompile(`\[([A-Z])\]`)
)

// Refusal patterns: an answer matching any of these forces abstain.
var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*i\s+don'?t\s+know`),
	regexp.MustCompile(`(?i)^\s*i\s+do\s+not\s+know`),
	regexp.MustCompile(`(?i)does\s+not\s+contain\s+the\s+answer`),
	regexp.MustCompile(`(?i)do(?:es)?\s+not\s+provide\s+(?:any\s+)?(?:information|details)`),
	regexp.MustCompile(`(?i)no\s+(?:relevant\s+)?information\s+(?:is\s+)?(?:available|found|provided)`),
	regexp.MustCompile(`(?i)cannot\s+(?:answer|determine|find)`),
	regexp.MustCompile(`(?i)unable\s+to\s+(?:answer|determine|find)`),
}

// Pruner correlates the LLM's citations against retrieved evidence, drops
// uncited documents, rewrites raw references to document titles, and
// rebuilds the Sources section.
type Pruner struct {
	titles TitleStore
}

func NewPruner(titles TitleStore) *Pruner {
	return &Pruner{titles: titles}
}

func (p *Pruner) Name() string { return NodePruner }

func (p *Pruner) Run(ctx context.Context, st *models.PipelineState) (*models.StatePatch, error) {
	if st.Action == models.ActionAbstain || st.Answer == "" || st.Answer == models.NoDocumentsMessage {
		return &models.StatePatch{}, nil
	}

	if isRefusal(st.Answer) {
		answer := models.AbstainAnswer
		action := models.ActionAbstain
		confidence := st.Confidence
		if confidence > 40 {
			confidence = 40
		}
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
		}, nil
	}

	usedPrefixes := collectPrefixes(st.Answer, st.LetterToDocPrefix)

	// Map prefixes back to the full doc ids observed in evidence.
	prefixToDoc := make(map[string]uuid.UUID, len(st.DocIDs))
	for _, docID := range st.DocIDs {
		prefixToDoc[docPrefix(docID)] = docID
	}
	usedSet := make(map[uuid.UUID]bool)
	for prefix := range usedPrefixes {
		if docID, ok := prefixToDoc[prefix]; ok {
			usedSet[docID] = true
		}
	}

	titles, err := p.titles.TitlesByIDs(ctx, st.DocIDs)
	if err != nil {
		return nil, err
	}

	answer := rewriteReferences(st.Answer, prefixToDoc, titles)
	answer = rebuildSources(answer, st.LetterToDocPrefix, prefixToDoc, usedSet, titles)
	if st.ContributionBlock != "" && !strings.Contains(answer, st.ContributionBlock) {
		answer = answer + "\n\n" + st.ContributionBlock
	}

	usedDocs := make([]uuid.UUID, 0, len(usedSet))
	for _, docID := range st.DocIDs {
		if usedSet[docID] {
			usedDocs = append(usedDocs, docID)
		}
	}

	citations := filterCitations(st.Citations, usedSet)

	patch := &models.StatePatch{
		Answer:    &answer,
		DocIDs:    &usedDocs,
		Citations: &citations,
	}

	// The primary doc survives only if the answer actually cited it.
	if st.DocID != nil && !usedSet[*st.DocID] {
		var cleared *uuid.UUID
		patch.DocID = &cleared
	}

	return patch, nil
}

func isRefusal(answer string) bool {
	for _, re := range refusalPatterns {
		if re.MatchString(answer) {
			return true
		}
	}
	return false
}

// collectPrefixes gathers every 8-hex-char document prefix the answer
// references, through any of the recognized citation forms.
func collectPrefixes(answer string, letterToPrefix map[string]string) map[string]bool {
	out := make(map[string]bool)
	for _, re := range []*regexp.Regexp{reBracketDoc, reBareDoc, reDocumentRef, reDocColon, reSourceLine} {
		for _, m := range re.FindAllStringSubmatch(answer, -1) {
			out[strings.ToLower(m[1])] = true
		}
	}
	for _, m := range reLetterCite.FindAllStringSubmatch(answer, -1) {
		if prefix, ok := letterToPrefix[m[1]]; ok {
			out[strings.ToLower(prefix)] = true
		}
	}
	return out
}

// rewriteReferences replaces every raw prefix reference with the document
// title. Unknown prefixes are left untouched.
func rewriteReferences(answer string, prefixToDoc map[string]uuid.UUID, titles map[uuid.UUID]string) string {
	titleFor := func(prefix string) (string, bool) {
		docID, ok := prefixToDoc[strings.ToLower(prefix)]
		if !ok {
			return "", false
		}
		title, ok := titles[docID]
		return title, ok && title != ""
	}

	answer = reBracketDoc.ReplaceAllStringFunc(answer, func(m string) string {
		prefix := reBracketDoc.FindStringSubmatch(m)[1]
		if title, ok := titleFor(prefix); ok {
			return "[" + title + "]"
		}
		return m
	})
	answer = reDocumentRef.ReplaceAllStringFunc(answer, func(m string) string {
		prefix := reDocumentRef.FindStringSubmatch(m)[1]
		if title, ok := titleFor(prefix); ok {
			return title
		}
		return m
	})
	answer = reDocColon.ReplaceAllStringFunc(answer, func(m string) string {
		prefix := reDocColon.FindStringSubmatch(m)[1]
		if title, ok := titleFor(prefix); ok {
			return title
		}
		return m
	})
	answer = reBareDoc.ReplaceAllStringFunc(answer, func(m string) string {
		prefix := reBareDoc.FindStringSubmatch(m)[1]
		if title, ok := titleFor(prefix); ok {
			return title
		}
		return m
	})
	return answer
}

// rebuildSources rewrites the "Sources:" section: keep only letter lines
// whose document was actually used, rendering each as "- [A] Title".
func rebuildSources(answer string, letterToPrefix map[string]string, prefixToDoc map[string]uuid.UUID, usedSet map[uuid.UUID]bool, titles map[uuid.UUID]string) string {
	idx := strings.Index(answer, "Sources:")
	if idx == -1 {
		return answer
	}

	head := answer[:idx]
	tail := answer[idx:]

	// The contribution block may follow the sources section; split it off
	// so the rebuild only touches source lines.
	var suffix string
	if ci := strings.Index(tail, "Documents used for analysis"); ci != -1 {
		suffix = tail[ci:]
		tail = tail[:ci]
	}

	var letters []string
	for _, m := range reLetterCite.FindAllStringSubmatch(tail, -1) {
		letters = append(letters, m[1])
	}
	sort.Strings(letters)

	var b strings.Builder
	b.WriteString("Sources:\n")
	seen := make(map[string]bool)
	for _, letter := range letters {
		if seen[letter] {
			continue
		}
		seen[letter] = true
		prefix, ok := letterToPrefix[letter]
		if !ok {
			continue
		}
		docID, ok := prefixToDoc[strings.ToLower(prefix)]
		if !ok || !usedSet[docID] {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", letter, titles[docID])
	}

	rebuilt := head + strings.TrimRight(b.String(), "\n")
	if suffix != "" {
		rebuilt = rebuilt + "\n\n" + suffix
	}
	return rebuilt
}

func filterCitations(citations []string, usedSet map[uuid.UUID]bool) []string {
	out := make([]string, 0, len(citations))
	for _, c := range citations {
		m := reDocColonFull.FindStringSubmatch(c)
		if m == nil {
			out = append(out, c)
			continue
		}
		docID, err := uuid.Parse(m[1])
		if err != nil || usedSet[docID] {
			out = append(out, c)
		}
	}
	return out
}

var reDocColonFull = regexp.MustCompile(`doc:([0-9a-f-]{36})`)

// BuildDocMap reports, for every retrieved document, whether the final
// answer cited it.
func BuildDocMap(retrieved []uuid.UUID, used []uuid.UUID, titles map[uuid.UUID]string) []models.DocMapEntry {
	usedSet := make(map[uuid.UUID]bool, len(used))
	for _, id := range used {
		usedSet[id] = true
	}
	out := make([]models.DocMapEntry, 0, len(retrieved))
	for _, id := range retrieved {
		out = append(out, models.DocMapEntry{
			DocID: id,
			Title: titles[id],
			Used:  usedSet[id],
		})
	}
	return out
}
