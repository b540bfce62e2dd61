// Package research contains the pipeline orchestrator: intent
// classification, clarification, candidate discovery, concurrent deep
// profiling, gap analysis, and the final problem statement, exposed as an
// ordered SSE event stream backed by persisted session steps.
package research

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Intent categories produced by classification.
const (
	IntentBuild     = "build"
	IntentExplore   = "explore"
	IntentImprove   = "improve"
	IntentSmallTalk = "small_talk"
	IntentOffTopic  = "off_topic"
)

// Stage kinds, one per persisted step.
const (
	StageClassify         = "classify"
	StageClarify          = "clarify"
	StageFindCandidates   = "find_candidates"
	StageSelectCandidates = "select_candidates"
	StageDeepProfile      = "deep_profile"
	StageSelectFindings   = "select_findings"
	StageSynthesize       = "synthesize"
)

// Selection kinds announced by awaiting_selection.
const (
	SelectionClarification = "clarification"
	SelectionCandidates    = "candidates"
	SelectionFindings      = "findings"
)

// Block kinds carried by result_ready events.
const (
	BlockCandidateList = "candidate_list"
	BlockProfile       = "product_profile"
	BlockMarketSummary = "market_summary"
	BlockGapAnalysis   = "gap_analysis"
	BlockConclusion    = "conclusion"
)

// Block is one typed, titled unit of stage output. Blocks are serialized
// into the owning step's output snapshot and re-emitted verbatim when a
// dropped stream is resumed.
type Block struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Title    string     `json:"title"`
	Content  string     `json:"content"`
	Payload  any        `json:"payload,omitempty"`
	Sources  []string   `json:"sources,omitempty"`
	Cached   bool       `json:"cached,omitempty"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

func newBlock(kind, title, content string) Block {
	return Block{
		ID:      uuid.New().String(),
		Kind:    kind,
		Title:   title,
		Content: content,
	}
}

// ClarificationOption is one selectable answer to a clarification question.
type ClarificationOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ClarificationQuestion is one question emitted by the clarify boundary.
type ClarificationQuestion struct {
	ID            string                `json:"id"`
	Label         string                `json:"label"`
	Options       []ClarificationOption `json:"options"`
	AllowMultiple bool                  `json:"allow_multiple,omitempty"`
	AllowOther    bool                  `json:"allow_other,omitempty"`
}

// ClarificationAnswer is the user's answer to one clarification question.
type ClarificationAnswer struct {
	QuestionID        string   `json:"question_id"`
	SelectedOptionIDs []string `json:"selected_option_ids"`
	OtherText         string   `json:"other_text,omitempty"`
}

// ClassifyResult is the structured output of the classification stage.
type ClassifyResult struct {
	Intent     string                  `json:"intent"`
	Domain     string                  `json:"domain,omitempty"`
	QuickReply string                  `json:"quick_reply,omitempty"`
	Questions  []ClarificationQuestion `json:"questions,omitempty"`
}

// Validate checks the classification against the closed intent set and the
// question-count bounds for research intents.
func (r *ClassifyResult) Validate() error {
	switch r.Intent {
	case IntentBuild, IntentExplore, IntentImprove, IntentSmallTalk, IntentOffTopic:
	default:
		return fmt.Errorf("intent %q not in allowed set", r.Intent)
	}
	if r.Intent == IntentBuild || r.Intent == IntentExplore || r.Intent == IntentImprove {
		if len(r.Questions) < 2 || len(r.Questions) > 4 {
			return fmt.Errorf("expected 2-4 clarification questions, got %d", len(r.Questions))
		}
	}
	return nil
}

// Candidate is one competitor surfaced by the find-candidates stage.
type Candidate struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	URL          string `json:"url,omitempty"`
	Category     string `json:"category,omitempty"`
	PricingModel string `json:"pricing_model,omitempty"`
}

// CandidateList is the structured output of the find-candidates stage.
type CandidateList struct {
	Candidates []Candidate `json:"candidates"`
	Sources    []string    `json:"sources,omitempty"`
}

func (l *CandidateList) Validate() error {
	if len(l.Candidates) == 0 {
		return fmt.Errorf("candidate list is empty")
	}
	for i, c := range l.Candidates {
		if c.Name == "" {
			return fmt.Errorf("candidate %d has no name", i)
		}
	}
	return nil
}

// Profile is a deep product profile for one candidate.
type Profile struct {
	Name           string   `json:"name"`
	Content        string   `json:"content"`
	Features       []string `json:"features,omitempty"`
	PricingTiers   string   `json:"pricing_tiers,omitempty"`
	TargetAudience string   `json:"target_audience,omitempty"`
	Strengths      []string `json:"strengths,omitempty"`
	Weaknesses     []string `json:"weaknesses,omitempty"`
	CommunityVoice string   `json:"community_voice,omitempty"`
	Sources        []string `json:"sources,omitempty"`
}

func (p *Profile) Validate() error {
	if p.Name == "" || p.Content == "" {
		return fmt.Errorf("profile missing name or content")
	}
	return nil
}

// MarketSummary is the cross-candidate market view generated alongside the
// per-candidate profiles.
type MarketSummary struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Sources []string `json:"sources,omitempty"`
}

func (m *MarketSummary) Validate() error {
	if m.Content == "" {
		return fmt.Errorf("market summary has no content")
	}
	return nil
}

// ProblemArea is one market gap identified by the gap analysis.
type ProblemArea struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Evidence        []string `json:"evidence,omitempty"`
	OpportunitySize string   `json:"opportunity_size,omitempty"`
}

// GapAnalysis is the structured output of the gap-analysis block.
type GapAnalysis struct {
	Title    string        `json:"title"`
	Problems []ProblemArea `json:"problems"`
	Sources  []string      `json:"sources,omitempty"`
}

func (g *GapAnalysis) Validate() error {
	if len(g.Problems) == 0 {
		return fmt.Errorf("gap analysis found no problems")
	}
	return nil
}

// Conclusion is the synthesized problem statement closing a build session.
type Conclusion struct {
	Title               string   `json:"title"`
	Content             string   `json:"content"`
	TargetUser          string   `json:"target_user,omitempty"`
	KeyDifferentiators  []string `json:"key_differentiators,omitempty"`
	ValidationQuestions []string `json:"validation_questions,omitempty"`
}

func (c *Conclusion) Validate() error {
	if c.Title == "" || c.Content == "" {
		return fmt.Errorf("conclusion missing title or content")
	}
	return nil
}

// Selection payloads, one shape per interactive stage kind.

// ClarifySelection answers the clarification questions.
type ClarifySelection struct {
	Answers []ClarificationAnswer `json:"answers"`
}

// CandidateSelection picks the candidates to profile.
type CandidateSelection struct {
	CandidateIDs []string `json:"candidate_ids"`
}

// FindingSelection picks the problem areas to synthesize.
type FindingSelection struct {
	FindingIDs []string `json:"finding_ids"`
}

// Step output snapshots. Every output-producing stage persists its emitted
// blocks so resumption can replay them without re-running the stage.

type classifyOutput struct {
	Intent    string                  `json:"intent"`
	Domain    string                  `json:"domain,omitempty"`
	Questions []ClarificationQuestion `json:"questions,omitempty"`
}

type findCandidatesOutput struct {
	Blocks     []Block     `json:"blocks"`
	Candidates []Candidate `json:"candidates"`
	Sources    []string    `json:"sources,omitempty"`
}

type deepProfileOutput struct {
	Blocks        []Block        `json:"blocks"`
	Profiles      []Profile      `json:"profiles"`
	MarketSummary *MarketSummary `json:"market_summary,omitempty"`
	GapAnalysis   *GapAnalysis   `json:"gap_analysis,omitempty"`
}

type synthesizeOutput struct {
	Blocks     []Block    `json:"blocks"`
	Conclusion Conclusion `json:"conclusion"`
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable type, which is a programming
		// error in this package.
		panic(err)
	}
	return raw
}
