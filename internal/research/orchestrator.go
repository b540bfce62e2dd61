package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/errcode"
	"github.com/blueprint-labs/blueprint-api/internal/metrics"
	"github.com/blueprint-labs/blueprint-api/internal/store"
)

// Stage labels shown to the user in stage_started events.
var stageLabels = map[string]string{
	StageClassify:       "Understanding your query",
	StageFindCandidates: "Finding competitors",
	StageDeepProfile:    "Analyzing products",
	StageSynthesize:     "Defining your problem",
}

// RunStart classifies a fresh prompt: quick-reply for non-research intents,
// otherwise creates a session, persists the classify step, and closes at the
// clarification boundary. Closes out when done.
func (s *Service) RunStart(ctx context.Context, prompt string, out chan<- Event) {
	defer close(out)

	log := s.logger.WithContext(ctx).WithComponent("research")
	start := time.Now()
	outcome := "completed"
	metrics.StagesStarted.WithLabelValues(StageClassify).Inc()
	defer func() {
		metrics.StageDuration.WithLabelValues(StageClassify, outcome).Observe(time.Since(start).Seconds())
	}()

	var result ClassifyResult
	err := s.gen.CompleteStructured(ctx, buildClassifyPrompt(prompt), &result, result.Validate)
	if err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("classification failed",
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgGenerationTrouble, false, code))
		return
	}

	// Non-research intents answer with a single quick_reply and nothing
	// else: no session, no stage events.
	if result.Intent == IntentSmallTalk || result.Intent == IntentOffTopic {
		msg := result.QuickReply
		if msg == "" {
			msg = "I'm Blueprint, a product research assistant. What would you like to explore?"
		}
		emit(ctx, out, quickReply(msg))
		log.Info("quick reply sent", slog.String("intent", result.Intent))
		return
	}

	emit(ctx, out, stageStarted(StageClassify, stageLabels[StageClassify]))
	emit(ctx, out, stageCompleted(StageClassify))

	intent := result.Intent
	if intent == IntentImprove {
		intent = IntentExplore
	}

	session, err := s.store.CreateSession(ctx, prompt, intent)
	if err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("session create failed",
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgSaveFailed, false, code))
		return
	}

	emit(ctx, out, sessionStarted(session.ID, intent))
	if result.Intent == IntentImprove {
		emit(ctx, out, intentRewritten(IntentImprove, IntentExplore,
			"Improve flow coming soon. Starting an explore session for your product."))
	}

	_, err = s.store.SaveStep(ctx, store.StepParams{
		SessionID: session.ID,
		Seq:       1,
		Stage:     StageClassify,
		Input:     map[string]string{"prompt": prompt},
		Output: classifyOutput{
			Intent:    intent,
			Domain:    result.Domain,
			Questions: result.Questions,
		},
	})
	if err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("step save failed",
			slog.String("session_id", session.ID),
			slog.String("stage", StageClassify),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgSaveFailed, false, code))
		return
	}

	if len(result.Questions) > 0 {
		emit(ctx, out, selectionNeeded(result.Questions))
	}
	emit(ctx, out, awaitingSelection(SelectionClarification))

	log.Info("classify pipeline completed",
		slog.String("session_id", session.ID),
		slog.String("intent", intent),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// RunAdvance continues a session from a user selection. The stage kind names
// the interactive boundary being answered. Closes out when done.
func (s *Service) RunAdvance(ctx context.Context, detail *store.SessionDetail, stageKind string, selection json.RawMessage, out chan<- Event) {
	defer close(out)

	log := s.logger.WithContext(ctx).WithComponent("research")

	switch stageKind {
	case StageClarify:
		s.advanceClarify(ctx, detail, selection, out)
	case StageSelectCandidates:
		s.advanceSelectCandidates(ctx, detail, selection, out)
	case StageSelectFindings:
		s.advanceSelectFindings(ctx, detail, selection, out)
	default:
		code := errcode.New()
		log.Error("invalid selection stage kind",
			slog.String("session_id", detail.ID),
			slog.String("stage_kind", stageKind),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgUnexpected, false, code))
	}
}

// ---------------------------------------------------------------------------
// clarify → find_candidates
// ---------------------------------------------------------------------------

func (s *Service) advanceClarify(ctx context.Context, detail *store.SessionDetail, selection json.RawMessage, out chan<- Event) {
	log := s.logger.WithContext(ctx).WithComponent("research")
	start := time.Now()
	outcome := "completed"
	metrics.StagesStarted.WithLabelValues(StageFindCandidates).Inc()
	defer func() {
		metrics.StageDuration.WithLabelValues(StageFindCandidates, outcome).Observe(time.Since(start).Seconds())
	}()

	classifyStep := findStep(detail.Steps, StageClassify)
	var classified classifyOutput
	if classifyStep != nil {
		_ = json.Unmarshal(classifyStep.Output, &classified)
	}

	// A replayed selection re-emits the persisted result instead of running
	// the stage again; a crash between the input step and the output step
	// re-runs the stage without duplicating the input step.
	skipInputStep := false
	if prior := findStep(detail.Steps, StageClarify); prior != nil && selectionEqual(prior.Selection, selection) {
		if done := findStep(detail.Steps, StageFindCandidates); done != nil {
			var saved findCandidatesOutput
			if err := json.Unmarshal(done.Output, &saved); err == nil {
				log.Info("replaying persisted find_candidates result",
					slog.String("session_id", detail.ID))
				s.replayStage(ctx, out, StageFindCandidates, saved.Blocks, awaitingSelection(SelectionCandidates))
				return
			}
		}
		skipInputStep = true
	}

	var answers ClarifySelection
	if err := json.Unmarshal(selection, &answers); err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("malformed clarify selection",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError("Invalid selection payload.", false, code))
		return
	}

	if !skipInputStep {
		seq, err := s.store.NextSeq(ctx, detail.ID)
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageClarify, err)
			return
		}
		step, err := s.store.SaveStep(ctx, store.StepParams{
			SessionID: detail.ID,
			Seq:       seq,
			Stage:     StageClarify,
			Input:     map[string]any{"questions_presented": classified.Questions},
			Selection: answers,
		})
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageClarify, err)
			return
		}
		s.store.LogChoice(ctx, detail.ID, step.ID, classified.Questions, answers)
	}

	emit(ctx, out, stageStarted(StageFindCandidates, stageLabels[StageFindCandidates]))

	userContext := contextFromAnswers(answers)
	searchQuery := strings.TrimSpace(classified.Domain + " " + userContext + " competitors")

	// Evidence fan-out. Every source is independently wrapped; a failed or
	// empty source just contributes nothing to the synthesis.
	ev := candidateEvidence{Domain: classified.Domain, Context: userContext}
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		norm := store.NormalizeProductName(coalesce(classified.Domain, "general"))
		if cached, err := s.store.GetCachedAlternatives(ctx, norm, s.cfg.AlternativesCacheTTL()); err == nil && cached != nil {
			ev.Alternatives = cached.Alternatives
		}
	}()
	go func() {
		defer wg.Done()
		if listings := s.stores.Lookup(ctx, classified.Domain, 10); len(listings) > 0 {
			ev.AppStore = listings
		}
	}()
	go func() {
		defer wg.Done()
		if results := s.searcher.Search(ctx, searchQuery, 10); len(results) > 0 {
			ev.SearchResults = results
		}
	}()
	go func() {
		defer wg.Done()
		if results := s.searcher.SearchCommunity(ctx, strings.TrimSpace(classified.Domain+" "+userContext), 5); len(results) > 0 {
			ev.Community = results
		}
	}()
	wg.Wait()

	var list CandidateList
	if err := s.gen.CompleteStructured(ctx, buildCandidatesPrompt(ev), &list, list.Validate); err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("candidate synthesis failed",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgGenerationTrouble, false, code))
		return
	}

	var lines []string
	for _, c := range list.Candidates {
		lines = append(lines, fmt.Sprintf("**%s**: %s", c.Name, c.Description))
	}
	block := newBlock(BlockCandidateList, "Competitors", strings.Join(lines, "\n\n"))
	block.Payload = map[string]any{"candidates": list.Candidates}
	block.Sources = list.Sources

	seq, err := s.store.NextSeq(ctx, detail.ID)
	if err != nil {
		outcome = "error"
		s.fatalSave(ctx, out, detail.ID, StageFindCandidates, err)
		return
	}
	_, err = s.store.SaveStep(ctx, store.StepParams{
		SessionID: detail.ID,
		Seq:       seq,
		Stage:     StageFindCandidates,
		Input: map[string]string{
			"domain":       classified.Domain,
			"user_context": userContext,
			"search_query": searchQuery,
		},
		Output: findCandidatesOutput{
			Blocks:     []Block{block},
			Candidates: list.Candidates,
			Sources:    list.Sources,
		},
	})
	if err != nil {
		outcome = "error"
		s.fatalSave(ctx, out, detail.ID, StageFindCandidates, err)
		return
	}

	emit(ctx, out, resultReady(block))
	emit(ctx, out, stageCompleted(StageFindCandidates))
	emit(ctx, out, awaitingSelection(SelectionCandidates))

	// Refresh the alternatives cache so later sessions in the same domain
	// start from this synthesis. Write failures never surface to the stream.
	sourceURL := ""
	if len(list.Sources) > 0 {
		sourceURL = list.Sources[0]
	}
	if err := s.store.StoreAlternatives(ctx, coalesce(classified.Domain, "general"), list.Candidates, sourceURL); err != nil {
		log.Warn("failed to cache alternatives",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()))
	}

	log.Info("find_candidates pipeline completed",
		slog.String("session_id", detail.ID),
		slog.Int("candidates", len(list.Candidates)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// ---------------------------------------------------------------------------
// select_candidates → deep_profile (and gap analysis for build intent)
// ---------------------------------------------------------------------------

func (s *Service) advanceSelectCandidates(ctx context.Context, detail *store.SessionDetail, selection json.RawMessage, out chan<- Event) {
	log := s.logger.WithContext(ctx).WithComponent("research")
	start := time.Now()
	outcome := "completed"
	metrics.StagesStarted.WithLabelValues(StageDeepProfile).Inc()
	defer func() {
		metrics.StageDuration.WithLabelValues(StageDeepProfile, outcome).Observe(time.Since(start).Seconds())
	}()

	var classified classifyOutput
	if step := findStep(detail.Steps, StageClassify); step != nil {
		_ = json.Unmarshal(step.Output, &classified)
	}
	var found findCandidatesOutput
	if step := findStep(detail.Steps, StageFindCandidates); step != nil {
		_ = json.Unmarshal(step.Output, &found)
	}

	terminal := func() Event {
		if detail.Intent == IntentBuild {
			return awaitingSelection(SelectionFindings)
		}
		return pipelineCompleted(detail.ID, "Research complete")
	}

	skipInputStep := false
	if prior := findStep(detail.Steps, StageSelectCandidates); prior != nil && selectionEqual(prior.Selection, selection) {
		if done := findStep(detail.Steps, StageDeepProfile); done != nil {
			var saved deepProfileOutput
			if err := json.Unmarshal(done.Output, &saved); err == nil {
				log.Info("replaying persisted deep_profile result",
					slog.String("session_id", detail.ID))
				s.replayStage(ctx, out, StageDeepProfile, saved.Blocks, terminal())
				return
			}
		}
		skipInputStep = true
	}

	var picked CandidateSelection
	if err := json.Unmarshal(selection, &picked); err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("malformed candidate selection",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError("Invalid selection payload.", false, code))
		return
	}

	var selected []Candidate
	for _, c := range found.Candidates {
		for _, id := range picked.CandidateIDs {
			if c.ID == id {
				selected = append(selected, c)
				break
			}
		}
	}

	if !skipInputStep {
		presented := make([]map[string]string, 0, len(found.Candidates))
		for _, c := range found.Candidates {
			presented = append(presented, map[string]string{"id": c.ID, "name": c.Name})
		}
		seq, err := s.store.NextSeq(ctx, detail.ID)
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageSelectCandidates, err)
			return
		}
		step, err := s.store.SaveStep(ctx, store.StepParams{
			SessionID: detail.ID,
			Seq:       seq,
			Stage:     StageSelectCandidates,
			Input:     map[string]any{"candidates_presented": presented},
			Selection: picked,
		})
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageSelectCandidates, err)
			return
		}
		s.store.LogChoice(ctx, detail.ID, step.ID, presented, picked)
	}

	emit(ctx, out, stageStarted(StageDeepProfile, stageLabels[StageDeepProfile]))

	profiles, market, blocks := s.profileConcurrently(ctx, detail.ID, classified.Domain, selected, out)

	output := deepProfileOutput{
		Blocks:        blocks,
		Profiles:      profiles,
		MarketSummary: market,
	}

	if detail.Intent == IntentBuild {
		gapBlock, gap := s.analyzeGaps(ctx, detail.ID, classified.Domain, profiles, contextFromSteps(detail.Steps), market)
		if gapBlock != nil {
			output.Blocks = append(output.Blocks, *gapBlock)
			output.GapAnalysis = gap
		}

		seq, err := s.store.NextSeq(ctx, detail.ID)
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageDeepProfile, err)
			return
		}
		if _, err := s.store.SaveStep(ctx, store.StepParams{
			SessionID: detail.ID,
			Seq:       seq,
			Stage:     StageDeepProfile,
			Input:     deepProfileInput(selected, classified.Domain),
			Output:    output,
		}); err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageDeepProfile, err)
			return
		}

		if gapBlock != nil {
			emit(ctx, out, resultReady(*gapBlock))
		} else {
			code := errcode.New()
			log.Error("gap analysis failed",
				slog.String("session_id", detail.ID),
				slog.String("error_code", code))
			emit(ctx, out, resultError("Gap Analysis", msgGapBlocked, code))
		}
		emit(ctx, out, stageCompleted(StageDeepProfile))
		emit(ctx, out, awaitingSelection(SelectionFindings))
	} else {
		seq, err := s.store.NextSeq(ctx, detail.ID)
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageDeepProfile, err)
			return
		}
		if _, err := s.store.SaveStep(ctx, store.StepParams{
			SessionID: detail.ID,
			Seq:       seq,
			Stage:     StageDeepProfile,
			Input:     deepProfileInput(selected, classified.Domain),
			Output:    output,
		}); err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageDeepProfile, err)
			return
		}
		if err := s.store.UpdateSessionStatus(ctx, detail.ID, store.StatusCompleted); err != nil {
			log.Error("session status update failed",
				slog.String("session_id", detail.ID),
				slog.String("error", err.Error()))
		}
		emit(ctx, out, stageCompleted(StageDeepProfile))
		emit(ctx, out, pipelineCompleted(detail.ID, "Research complete"))
	}

	log.Info("deep_profile pipeline completed",
		slog.String("session_id", detail.ID),
		slog.String("intent", detail.Intent),
		slog.Int("profiles", len(profiles)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

func deepProfileInput(selected []Candidate, domain string) map[string]any {
	names := make([]string, 0, len(selected))
	for _, c := range selected {
		names = append(names, c.Name)
	}
	return map[string]any{"products_to_profile": names, "domain": domain}
}

// profileConcurrently runs one goroutine per selected candidate plus one for
// the market summary, emitting each block or block error as its branch
// settles. The join is unconditional: every branch finishes or fails before
// the stage moves on.
func (s *Service) profileConcurrently(ctx context.Context, sessionID, domain string, selected []Candidate, out chan<- Event) ([]Profile, *MarketSummary, []Block) {
	log := s.logger.WithContext(ctx).WithComponent("research")

	type branchResult struct {
		block   *Block
		profile *Profile
		market  *MarketSummary
		errName string
		errMsg  string
	}

	results := make(chan branchResult, len(selected)+1)
	var wg sync.WaitGroup

	for _, cand := range selected {
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			block, profile, err := s.profileOne(ctx, c)
			if err != nil {
				log.Warn("profile branch failed",
					slog.String("session_id", sessionID),
					slog.String("candidate", c.Name),
					slog.String("error", err.Error()))
				results <- branchResult{errName: c.Name, errMsg: msgProfileBlocked}
				return
			}
			results <- branchResult{block: block, profile: profile}
		}(cand)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		var summary MarketSummary
		err := s.gen.CompleteStructured(ctx, buildMarketSummaryPrompt(domain, selected), &summary, summary.Validate)
		if err != nil {
			log.Warn("market summary branch failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			results <- branchResult{errName: "Market Summary", errMsg: msgMarketBlocked}
			return
		}
		block := newBlock(BlockMarketSummary, coalesce(summary.Title, "Market Summary"), summary.Content)
		block.Payload = map[string]any{"summary": summary}
		block.Sources = summary.Sources
		results <- branchResult{block: &block, market: &summary}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var profiles []Profile
	var market *MarketSummary
	var blocks []Block
	for r := range results {
		if r.errName != "" {
			code := errcode.New()
			metrics.BlockErrors.Inc()
			emit(ctx, out, resultError(r.errName, r.errMsg, code))
			continue
		}
		blocks = append(blocks, *r.block)
		emit(ctx, out, resultReady(*r.block))
		if r.profile != nil {
			profiles = append(profiles, *r.profile)
		}
		if r.market != nil {
			market = r.market
		}
	}
	return profiles, market, blocks
}

// profileOne produces one candidate's profile block, serving from the
// product cache when fresh and writing back on a successful generation.
func (s *Service) profileOne(ctx context.Context, c Candidate) (*Block, *Profile, error) {
	norm := store.NormalizeProductName(c.Name)

	if cached, err := s.store.GetCachedProduct(ctx, norm, s.cfg.ProductCacheTTL()); err == nil && cached != nil {
		var profile Profile
		if err := json.Unmarshal(cached.Profile, &profile); err == nil {
			refreshedAt := cached.RefreshedAt
			block := newBlock(BlockProfile, profile.Name, profile.Content)
			block.Payload = map[string]any{"profile": profile}
			block.Sources = profile.Sources
			block.Cached = true
			block.CachedAt = &refreshedAt
			return &block, &profile, nil
		}
	}

	var pageContent string
	if c.URL != "" {
		if content, err := s.fetcher.Fetch(ctx, c.URL); err == nil {
			pageContent = content
		}
	}

	var communityContent string
	if results := s.searcher.SearchCommunity(ctx, c.Name+" review", 5); len(results) > 0 {
		var snippets []string
		for _, r := range results {
			snippets = append(snippets, r.Snippet)
		}
		communityContent = strings.Join(snippets, "\n\n")
	}

	var profile Profile
	err := s.gen.CompleteStructured(ctx, buildProfilePrompt(c.Name, pageContent, communityContent), &profile, profile.Validate)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.StoreProduct(ctx, store.CachedProduct{
		NormalizedName: norm,
		Name:           profile.Name,
		URL:            c.URL,
		Profile:        mustMarshal(profile),
		Sources:        profile.Sources,
	}); err != nil {
		s.logger.WithContext(ctx).WithComponent("research").Warn("product cache write failed",
			slog.String("candidate", c.Name),
			slog.String("error", err.Error()))
	}

	block := newBlock(BlockProfile, profile.Name, profile.Content)
	block.Payload = map[string]any{"profile": profile}
	block.Sources = profile.Sources
	return &block, &profile, nil
}

// analyzeGaps produces the gap-analysis block for build sessions. A nil
// block means the analysis failed; the caller emits the block error.
func (s *Service) analyzeGaps(ctx context.Context, sessionID, domain string, profiles []Profile, userContext string, market *MarketSummary) (*Block, *GapAnalysis) {
	var gap GapAnalysis
	err := s.gen.CompleteStructured(ctx, buildGapPrompt(domain, profiles, userContext, market), &gap, gap.Validate)
	if err != nil {
		s.logger.WithContext(ctx).WithComponent("research").Warn("gap analysis generation failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, nil
	}

	var lines []string
	for _, p := range gap.Problems {
		lines = append(lines, fmt.Sprintf("**%s**: %s", p.Title, p.Description))
	}
	block := newBlock(BlockGapAnalysis, coalesce(gap.Title, "Market Gaps"), strings.Join(lines, "\n\n"))
	block.Payload = map[string]any{"problems": gap.Problems}
	block.Sources = gap.Sources
	return &block, &gap
}

// ---------------------------------------------------------------------------
// select_findings → synthesize
// ---------------------------------------------------------------------------

func (s *Service) advanceSelectFindings(ctx context.Context, detail *store.SessionDetail, selection json.RawMessage, out chan<- Event) {
	log := s.logger.WithContext(ctx).WithComponent("research")
	start := time.Now()
	outcome := "completed"
	metrics.StagesStarted.WithLabelValues(StageSynthesize).Inc()
	defer func() {
		metrics.StageDuration.WithLabelValues(StageSynthesize, outcome).Observe(time.Since(start).Seconds())
	}()

	var classified classifyOutput
	if step := findStep(detail.Steps, StageClassify); step != nil {
		_ = json.Unmarshal(step.Output, &classified)
	}
	var profiled deepProfileOutput
	if step := findStep(detail.Steps, StageDeepProfile); step != nil {
		_ = json.Unmarshal(step.Output, &profiled)
	}
	var found findCandidatesOutput
	if step := findStep(detail.Steps, StageFindCandidates); step != nil {
		_ = json.Unmarshal(step.Output, &found)
	}

	skipInputStep := false
	if prior := findStep(detail.Steps, StageSelectFindings); prior != nil && selectionEqual(prior.Selection, selection) {
		if done := findStep(detail.Steps, StageSynthesize); done != nil {
			var saved synthesizeOutput
			if err := json.Unmarshal(done.Output, &saved); err == nil {
				log.Info("replaying persisted synthesize result",
					slog.String("session_id", detail.ID))
				s.replayStage(ctx, out, StageSynthesize, saved.Blocks, pipelineCompleted(detail.ID, "Research complete"))
				return
			}
		}
		skipInputStep = true
	}

	var picked FindingSelection
	if err := json.Unmarshal(selection, &picked); err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("malformed finding selection",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError("Invalid selection payload.", false, code))
		return
	}

	var problems []ProblemArea
	var presented []map[string]string
	if profiled.GapAnalysis != nil {
		for _, p := range profiled.GapAnalysis.Problems {
			presented = append(presented, map[string]string{"id": p.ID, "title": p.Title})
			for _, id := range picked.FindingIDs {
				if p.ID == id {
					problems = append(problems, p)
					break
				}
			}
		}
	}

	if !skipInputStep {
		seq, err := s.store.NextSeq(ctx, detail.ID)
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageSelectFindings, err)
			return
		}
		step, err := s.store.SaveStep(ctx, store.StepParams{
			SessionID: detail.ID,
			Seq:       seq,
			Stage:     StageSelectFindings,
			Input:     map[string]any{"findings_presented": presented},
			Selection: picked,
		})
		if err != nil {
			outcome = "error"
			s.fatalSave(ctx, out, detail.ID, StageSelectFindings, err)
			return
		}
		s.store.LogChoice(ctx, detail.ID, step.ID, presented, picked)
	}

	emit(ctx, out, stageStarted(StageSynthesize, stageLabels[StageSynthesize]))

	var competitorNames []string
	for _, c := range found.Candidates {
		competitorNames = append(competitorNames, c.Name)
	}

	var conclusion Conclusion
	err := s.gen.CompleteStructured(ctx,
		buildConclusionPrompt(problems, classified.Domain, competitorNames, contextFromSteps(detail.Steps)),
		&conclusion, conclusion.Validate)
	if err != nil {
		outcome = "error"
		code := errcode.New()
		log.Error("conclusion synthesis failed",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		emit(ctx, out, fatalError(msgGenerationTrouble, false, code))
		return
	}

	block := newBlock(BlockConclusion, conclusion.Title, conclusion.Content)
	block.Payload = map[string]any{"conclusion": conclusion}

	seq, err := s.store.NextSeq(ctx, detail.ID)
	if err != nil {
		outcome = "error"
		s.fatalSave(ctx, out, detail.ID, StageSynthesize, err)
		return
	}
	if _, err := s.store.SaveStep(ctx, store.StepParams{
		SessionID: detail.ID,
		Seq:       seq,
		Stage:     StageSynthesize,
		Input:     map[string]any{"selected_problems": problems},
		Output:    synthesizeOutput{Blocks: []Block{block}, Conclusion: conclusion},
	}); err != nil {
		outcome = "error"
		s.fatalSave(ctx, out, detail.ID, StageSynthesize, err)
		return
	}
	if err := s.store.UpdateSessionStatus(ctx, detail.ID, store.StatusCompleted); err != nil {
		log.Error("session status update failed",
			slog.String("session_id", detail.ID),
			slog.String("error", err.Error()))
	}

	emit(ctx, out, resultReady(block))
	emit(ctx, out, stageCompleted(StageSynthesize))
	emit(ctx, out, pipelineCompleted(detail.ID, "Research complete"))

	log.Info("synthesize pipeline completed",
		slog.String("session_id", detail.ID),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// ---------------------------------------------------------------------------
// shared helpers
// ---------------------------------------------------------------------------

// replayStage re-emits a persisted stage result: started, its blocks, then
// the stage's terminal boundary. No store writes.
func (s *Service) replayStage(ctx context.Context, out chan<- Event, stage string, blocks []Block, terminal Event) {
	emit(ctx, out, stageStarted(stage, stageLabels[stage]))
	for _, b := range blocks {
		emit(ctx, out, resultReady(b))
	}
	emit(ctx, out, stageCompleted(stage))
	emit(ctx, out, terminal)
}

func (s *Service) fatalSave(ctx context.Context, out chan<- Event, sessionID, stage string, err error) {
	code := errcode.New()
	s.logger.WithContext(ctx).WithComponent("research").Error("step save failed",
		slog.String("session_id", sessionID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
		slog.String("error_code", code))
	emit(ctx, out, fatalError(msgSaveFailed, false, code))
}

// contextFromAnswers flattens the clarification answers into a compact
// free-text context string for downstream prompts.
func contextFromAnswers(sel ClarifySelection) string {
	var parts []string
	for _, a := range sel.Answers {
		parts = append(parts, a.SelectedOptionIDs...)
		if a.OtherText != "" {
			parts = append(parts, a.OtherText)
		}
	}
	return strings.Join(parts, " ")
}

// contextFromSteps recovers the clarification context from the persisted
// clarify step.
func contextFromSteps(steps []store.Step) string {
	step := findStep(steps, StageClarify)
	if step == nil || step.Selection == nil {
		return ""
	}
	var sel ClarifySelection
	if err := json.Unmarshal(step.Selection, &sel); err != nil {
		return ""
	}
	return contextFromAnswers(sel)
}

func coalesce(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
