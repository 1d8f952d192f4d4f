package models

import (
	"time"

	"github.com/google/uuid"
)

// Action is the gate decision carried in the pipeline state.
type Action string

const (
	ActionAnswer  Action = "answer"
	ActionClarify Action = "clarify"
	ActionAbstain Action = "abstain"
)

// AbstainAnswer is the literal abstain token. Whenever the final action is
// abstain the answer text equals this string and all sources are scrubbed.
const AbstainAnswer = "I don't know."

// NoDocumentsMessage is returned when the caller deselected every document
// and cross-document search is off. No LLM call is made.
const NoDocumentsMessage = "No documents are selected. Select one or more documents, or enable cross-document search, and ask again."

// PipelineState is the single shared state read and written by every graph
// node. It replaces the dynamic string-keyed dict of the original design
// with an explicit record; absent values are explicit optionals. The
// checkpoint store serializes this record as JSON keyed by thread id.
type PipelineState struct {
	Question string `json:"question"`
	Plan     string `json:"plan,omitempty"`

	Evidence []EvidenceChunk `json:"evidence,omitempty"`
	Notes    string          `json:"notes,omitempty"`

	Answer     string  `json:"answer,omitempty"`
	Confidence float64 `json:"confidence"` // percentage in [0, 100]
	Action     Action  `json:"action,omitempty"`

	Iterations  int      `json:"iterations"`
	Refinements []string `json:"refinements,omitempty"`

	DocID          *uuid.UUID  `json:"doc_id,omitempty"`
	SelectedDocIDs []uuid.UUID `json:"selected_doc_ids,omitempty"`
	UploadedDocIDs []uuid.UUID `json:"uploaded_doc_ids,omitempty"`
	DocIDs         []uuid.UUID `json:"doc_ids,omitempty"`
	CrossDoc       bool        `json:"cross_doc"`

	// HasSelectedDocIDs distinguishes an explicit empty selection ("user
	// deselected everything") from an absent one; JSON cannot tell an
	// empty list from a missing field after a round-trip.
	HasSelectedDocIDs bool `json:"has_selected_doc_ids"`

	Pages     []int    `json:"pages,omitempty"`
	Citations []string `json:"citations,omitempty"`

	// Alphabetic citation maps built by the synthesizer and consumed by
	// the citation pruner.
	ChunkToLetter     map[string]string `json:"chunk_to_letter,omitempty"`      // chunk id -> letter
	LetterToDocPrefix map[string]string `json:"letter_to_doc_prefix,omitempty"` // letter -> first 8 chars of doc id
	LetterToChunk     map[string]string `json:"letter_to_chunk,omitempty"`      // letter -> chunk id

	// ContributionBlock is the "Documents used for analysis" section the
	// synthesizer produced; the citation pruner re-appends it verbatim.
	ContributionBlock string `json:"contribution_block,omitempty"`
}

// Clone returns a deep-enough copy for patch application: slices and maps
// are copied so node patches never alias checkpoint state.
func (s *PipelineState) Clone() *PipelineState {
	if s == nil {
		return &PipelineState{}
	}
	out := *s
	out.Evidence = append([]EvidenceChunk(nil), s.Evidence...)
	out.Refinements = append([]string(nil), s.Refinements...)
	out.SelectedDocIDs = append([]uuid.UUID(nil), s.SelectedDocIDs...)
	out.UploadedDocIDs = append([]uuid.UUID(nil), s.UploadedDocIDs...)
	out.DocIDs = append([]uuid.UUID(nil), s.DocIDs...)
	out.Pages = append([]int(nil), s.Pages...)
	out.Citations = append([]string(nil), s.Citations...)
	out.ChunkToLetter = copyStringMap(s.ChunkToLetter)
	out.LetterToDocPrefix = copyStringMap(s.LetterToDocPrefix)
	out.LetterToChunk = copyStringMap(s.LetterToChunk)
	if s.DocID != nil {
		id := *s.DocID
		out.DocID = &id
	}
	return &out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StatePatch is a node's partial update. Nil fields are "no change"; the
// runner merges non-nil fields into the state and persists the result.
type StatePatch struct {
	Plan *string `json:"plan,omitempty"`

	Evidence []EvidenceChunk `json:"evidence,omitempty"` // replaces state evidence (nodes pre-merge)
	Notes    *string         `json:"notes,omitempty"`

	Answer     *string  `json:"answer,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Action     *Action  `json:"action,omitempty"`

	Iterations  *int      `json:"iterations,omitempty"`
	Refinements *[]string `json:"refinements,omitempty"` // pointer so an empty list is an explicit overwrite

	DocID  **uuid.UUID  `json:"-"`
	DocIDs *[]uuid.UUID `json:"doc_ids,omitempty"`

	Pages     *[]int    `json:"pages,omitempty"`
	Citations *[]string `json:"citations,omitempty"`

	ChunkToLetter     map[string]string `json:"chunk_to_letter,omitempty"`
	LetterToDocPrefix map[string]string `json:"letter_to_doc_prefix,omitempty"`
	LetterToChunk     map[string]string `json:"letter_to_chunk,omitempty"`

	ContributionBlock *string `json:"contribution_block,omitempty"`
}

// Apply merges the patch into st. Iterations never decreases: a stale
// counter in a patch cannot roll the state backwards.
func (p *StatePatch) Apply(st *PipelineState) {
	if p == nil || st == nil {
		return
	}
	if p.Plan != nil {
		st.Plan = *p.Plan
	}
	if p.Evidence != nil {
		st.Evidence = p.Evidence
	}
	if p.Notes != nil {
		st.Notes = *p.Notes
	}
	if p.Answer != nil {
		st.Answer = *p.Answer
	}
	if p.Confidence != nil {
		st.Confidence = *p.Confidence
	}
	if p.Action != nil {
		st.Action = *p.Action
	}
	if p.Iterations != nil && *p.Iterations > st.Iterations {
		st.Iterations = *p.Iterations
	}
	if p.Refinements != nil {
		st.Refinements = *p.Refinements
	}
	if p.DocID != nil {
		st.DocID = *p.DocID
	}
	if p.DocIDs != nil {
		st.DocIDs = *p.DocIDs
	}
	if p.Pages != nil {
		st.Pages = *p.Pages
	}
	if p.Citations != nil {
		st.Citations = *p.Citations
	}
	if p.ChunkToLetter != nil {
		st.ChunkToLetter = p.ChunkToLetter
	}
	if p.LetterToDocPrefix != nil {
		st.LetterToDocPrefix = p.LetterToDocPrefix
	}
	if p.LetterToChunk != nil {
		st.LetterToChunk = p.LetterToChunk
	}
	if p.ContributionBlock != nil {
		st.ContributionBlock = *p.ContributionBlock
	}
}

// Checkpoint is the unit persisted to Redis after every node: the full
// pipeline state plus the name of the node that just completed.
type Checkpoint struct {
	ThreadID  string         `json:"thread_id"`
	Node      string         `json:"node"`
	State     *PipelineState `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AskScope is the caller-supplied document scoping for one ask invocation.
type AskScope struct {
	DocID          *uuid.UUID   `json:"doc_id,omitempty"`
	SelectedDocIDs *[]uuid.UUID `json:"selected_doc_ids,omitempty"` // nil = absent, empty = explicit deselection
	UploadedDocIDs []uuid.UUID  `json:"uploaded_doc_ids,omitempty"`
}

type AskRequest struct {
	Question string   `json:"question" validate:"required"`
	ThreadID string   `json:"thread_id" validate:"required"`
	Scope    AskScope `json:"scope"`
	CrossDoc bool     `json:"cross_doc"`
}

// DocMapEntry reports whether a retrieved document was actually cited.
type DocMapEntry struct {
	DocID uuid.UUID `json:"doc_id"`
	Title string    `json:"title"`
	Used  bool      `json:"used"`
}

type AskResult struct {
	Answer     string        `json:"answer"`
	Confidence float64       `json:"confidence"`
	Action     Action        `json:"action"`
	DocIDs     []uuid.UUID   `json:"doc_ids"`
	DocID      *uuid.UUID    `json:"doc_id,omitempty"`
	DocMap     []DocMapEntry `json:"doc_map"`
	Pages      []int         `json:"pages"`
	Citations  []string      `json:"citations"`
}
