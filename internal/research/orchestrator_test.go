package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/appstore"
	"github.com/blueprint-labs/blueprint-api/internal/config"
	"github.com/blueprint-labs/blueprint-api/internal/llm"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/search"
	"github.com/blueprint-labs/blueprint-api/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu           sync.Mutex
	sessions     map[string]*store.Session
	steps        map[string][]store.Step
	products     map[string]store.CachedProduct
	alternatives map[string]store.CachedAlternatives
	choiceLogs   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:     make(map[string]*store.Session),
		steps:        make(map[string][]store.Step),
		products:     make(map[string]store.CachedProduct),
		alternatives: make(map[string]store.CachedAlternatives),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, prompt, intent string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Session{
		ID:            uuid.New().String(),
		Title:         prompt,
		Status:        store.StatusActive,
		Intent:        intent,
		InitialPrompt: prompt,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (*store.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	detail := &store.SessionDetail{Session: *s}
	detail.Steps = append(detail.Steps, f.steps[sessionID]...)
	return detail, nil
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	return nil
}

func (f *fakeStore) SaveStep(ctx context.Context, params store.StepParams) (*store.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.steps[params.SessionID] {
		if existing.Seq == params.Seq {
			return nil, fmt.Errorf("duplicate step seq %d", params.Seq)
		}
	}
	step := store.Step{
		ID:        uuid.New().String(),
		SessionID: params.SessionID,
		Seq:       params.Seq,
		Stage:     params.Stage,
		CreatedAt: time.Now(),
	}
	if params.Input != nil {
		step.Input, _ = json.Marshal(params.Input)
	}
	if params.Output != nil {
		step.Output, _ = json.Marshal(params.Output)
	}
	if params.Selection != nil {
		step.Selection, _ = json.Marshal(params.Selection)
	}
	f.steps[params.SessionID] = append(f.steps[params.SessionID], step)
	return &step, nil
}

func (f *fakeStore) NextSeq(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.steps[sessionID]) + 1, nil
}

func (f *fakeStore) GetCachedProduct(ctx context.Context, normalizedName string, ttl time.Duration) (*store.CachedProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[normalizedName]
	if !ok || store.Expired(p.RefreshedAt, ttl, time.Now()) {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) StoreProduct(ctx context.Context, product store.CachedProduct) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	product.RefreshedAt = time.Now()
	f.products[product.NormalizedName] = product
	return nil
}

func (f *fakeStore) GetCachedAlternatives(ctx context.Context, normalizedName string, ttl time.Duration) (*store.CachedAlternatives, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alternatives[normalizedName]
	if !ok || store.Expired(a.RefreshedAt, ttl, time.Now()) {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) StoreAlternatives(ctx context.Context, productName string, alternatives any, sourceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, err := json.Marshal(alternatives)
	if err != nil {
		return err
	}
	norm := store.NormalizeProductName(productName)
	f.alternatives[norm] = store.CachedAlternatives{
		NormalizedName: norm,
		ProductName:    productName,
		Alternatives:   payload,
		SourceURL:      sourceURL,
		RefreshedAt:    time.Now(),
	}
	return nil
}

func (f *fakeStore) LogChoice(ctx context.Context, sessionID, stepID string, presented, selected any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choiceLogs++
}

func (f *fakeStore) stepsFor(sessionID string) []store.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Step{}, f.steps[sessionID]...)
}

// fakeGen fills structured outputs by type. failProfiles names candidates
// whose profile generation should fail.
type fakeGen struct {
	mu               sync.Mutex
	classify         ClassifyResult
	classifyErr      error
	candidates       []Candidate
	failProfiles     map[string]bool
	failMarket       bool
	failGap          bool
	profileCalls     int
	candidatesPrompt string
}

func (g *fakeGen) CompleteStructured(ctx context.Context, messages []llm.Message, out any, check func() error) error {
	prompt := messages[len(messages)-1].Content

	switch v := out.(type) {
	case *ClassifyResult:
		if g.classifyErr != nil {
			return g.classifyErr
		}
		*v = g.classify
	case *CandidateList:
		g.mu.Lock()
		g.candidatesPrompt = prompt
		g.mu.Unlock()
		v.Candidates = g.candidates
		v.Sources = []string{"https://example.com/roundup"}
	case *Profile:
		g.mu.Lock()
		g.profileCalls++
		g.mu.Unlock()
		name := g.candidateInPrompt(prompt)
		if g.failProfiles[name] {
			return errors.New("provider exploded")
		}
		*v = Profile{
			Name:      name,
			Content:   "Deep profile of " + name + ".",
			Strengths: []string{"polish"},
			Sources:   []string{"https://example.com/" + name},
		}
	case *MarketSummary:
		if g.failMarket {
			return errors.New("provider exploded")
		}
		*v = MarketSummary{Title: "Market Summary", Content: "A crowded but growing market."}
	case *GapAnalysis:
		if g.failGap {
			return errors.New("provider exploded")
		}
		*v = GapAnalysis{
			Title: "Market Gaps",
			Problems: []ProblemArea{
				{ID: "offline", Title: "Offline support", Description: "Nobody works offline."},
				{ID: "pricing", Title: "Pricing opacity", Description: "Plans are confusing."},
			},
		}
	case *Conclusion:
		*v = Conclusion{
			Title:      "Problem Statement",
			Content:    "Build an offline-first tool.",
			TargetUser: "Field workers",
		}
	default:
		return fmt.Errorf("unexpected output type %T", out)
	}

	if check != nil {
		return check()
	}
	return nil
}

func (g *fakeGen) candidateInPrompt(prompt string) string {
	for _, c := range g.candidates {
		if strings.Contains(prompt, c.Name) {
			return c.Name
		}
	}
	return "Unknown"
}

type fakeSearcher struct{}

func (fakeSearcher) Search(ctx context.Context, query string, numResults int) []search.Result {
	return []search.Result{{Title: "Roundup", URL: "https://example.com/roundup", Snippet: "top apps"}}
}

func (fakeSearcher) SearchCommunity(ctx context.Context, query string, numResults int) []search.Result {
	return []search.Result{{Title: "Thread", URL: "https://reddit.com/r/x", Snippet: "users like it"}}
}

type fakeStoreLookup struct{}

func (fakeStoreLookup) Lookup(ctx context.Context, query string, limit int) []appstore.Listing {
	return []appstore.Listing{{Name: "SomeApp", Store: "app_store"}}
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return "Landing page copy for " + url + ".", nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

func testConfig() *config.ResearchConfig {
	return &config.ResearchConfig{
		Persona:                  config.PersonaConfig{Name: "Blueprint", SystemPrompt: "You are a research assistant."},
		ProductCacheTTLDays:      7,
		AlternativesCacheTTLDays: 30,
	}
}

func newTestService(gen *fakeGen, fs *fakeStore) *Service {
	log := logger.New(logger.Config{Format: "text"})
	return NewService(log, gen, fakeSearcher{}, fakeStoreLookup{}, fakeFetcher{}, fs, testConfig())
}

func collectEvents(run func(chan<- Event)) []Event {
	ch := make(chan Event, 64)
	done := make(chan struct{})
	var events []Event
	go func() {
		for ev := range ch {
			events = append(events, ev)
		}
		close(done)
	}()
	run(ch)
	<-done
	return events
}

func eventTypes(events []Event) []string {
	var types []string
	for _, ev := range events {
		raw, _ := json.Marshal(ev)
		var tagged struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &tagged)
		types = append(types, tagged.Type)
	}
	return types
}

func countType(events []Event, typ string) int {
	n := 0
	for _, t := range eventTypes(events) {
		if t == typ {
			n++
		}
	}
	return n
}

func blocksOfKind(events []Event, kind string) []Block {
	var blocks []Block
	for _, ev := range events {
		if ready, ok := ev.(ResultReadyEvent); ok && ready.Block.Kind == kind {
			blocks = append(blocks, ready.Block)
		}
	}
	return blocks
}

func buildClassify() ClassifyResult {
	return ClassifyResult{
		Intent: IntentBuild,
		Domain: "note taking apps",
		Questions: []ClarificationQuestion{
			{ID: "audience", Label: "Who is it for?", Options: []ClarificationOption{{ID: "teams", Label: "Teams"}, {ID: "individuals", Label: "Individuals"}}},
			{ID: "platform", Label: "Which platform?", Options: []ClarificationOption{{ID: "mobile", Label: "Mobile"}, {ID: "desktop", Label: "Desktop"}}},
		},
	}
}

func threeCandidates() []Candidate {
	return []Candidate{
		{ID: "notion", Name: "Notion", Description: "All-in-one workspace", URL: "https://notion.so"},
		{ID: "obsidian", Name: "Obsidian", Description: "Local-first notes", URL: "https://obsidian.md"},
		{ID: "evernote", Name: "Evernote", Description: "Veteran note app", URL: "https://evernote.com"},
	}
}

// runToDeepProfileReady drives a session through classify and clarify so the
// next advance is select_candidates.
func runToCandidatesReady(t *testing.T, svc *Service, fs *fakeStore) string {
	t.Helper()
	ctx := context.Background()

	events := collectEvents(func(ch chan<- Event) { svc.RunStart(ctx, "I want to build a note taking app", ch) })
	var sessionID string
	for _, ev := range events {
		if started, ok := ev.(SessionStartedEvent); ok {
			sessionID = started.SessionID
		}
	}
	require.NotEmpty(t, sessionID)

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"answers":[{"question_id":"audience","selected_option_ids":["teams"]}]}`)
	collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageClarify, selection, ch) })
	return sessionID
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestSmallTalkQuickReplyOnly(t *testing.T) {
	gen := &fakeGen{classify: ClassifyResult{Intent: IntentSmallTalk, QuickReply: "Doing great! What should we research?"}}
	fs := newFakeStore()
	svc := newTestService(gen, fs)

	events := collectEvents(func(ch chan<- Event) { svc.RunStart(context.Background(), "how are you", ch) })

	require.Equal(t, []string{"quick_reply"}, eventTypes(events))
	assert.Empty(t, fs.sessions, "no session row for small talk")
}

func TestClassifyBuildWaitsForClarification(t *testing.T) {
	gen := &fakeGen{classify: buildClassify()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)

	events := collectEvents(func(ch chan<- Event) {
		svc.RunStart(context.Background(), "I want to build a note taking app", ch)
	})

	types := eventTypes(events)
	assert.Equal(t, []string{"stage_started", "stage_completed", "session_started", "selection_needed", "awaiting_selection"}, types)

	var started SessionStartedEvent
	for _, ev := range events {
		if s, ok := ev.(SessionStartedEvent); ok {
			started = s
		}
	}
	assert.Equal(t, IntentBuild, started.Intent)

	for _, ev := range events {
		if sel, ok := ev.(SelectionNeededEvent); ok {
			assert.GreaterOrEqual(t, len(sel.Questions), 2)
			assert.LessOrEqual(t, len(sel.Questions), 4)
		}
		if waiting, ok := ev.(AwaitingSelectionEvent); ok {
			assert.Equal(t, SelectionClarification, waiting.Kind)
		}
	}

	steps := fs.stepsFor(started.SessionID)
	require.Len(t, steps, 1)
	assert.Equal(t, StageClassify, steps[0].Stage)
	assert.Equal(t, 1, steps[0].Seq)
}

func TestImproveIntentRewrittenToExplore(t *testing.T) {
	classify := buildClassify()
	classify.Intent = IntentImprove
	gen := &fakeGen{classify: classify}
	fs := newFakeStore()
	svc := newTestService(gen, fs)

	events := collectEvents(func(ch chan<- Event) {
		svc.RunStart(context.Background(), "improve my notes app", ch)
	})

	assert.Equal(t, 1, countType(events, "intent_rewritten"))
	for _, s := range fs.sessions {
		assert.Equal(t, IntentExplore, s.Intent)
	}
}

func TestClassifyFailureIsFatal(t *testing.T) {
	gen := &fakeGen{classifyErr: llm.ErrAllProvidersFailed}
	fs := newFakeStore()
	svc := newTestService(gen, fs)

	events := collectEvents(func(ch chan<- Event) { svc.RunStart(context.Background(), "build something", ch) })

	require.Equal(t, []string{"fatal_error"}, eventTypes(events))
	fatal := events[0].(FatalErrorEvent)
	assert.False(t, fatal.Recoverable)
	assert.NotEmpty(t, fatal.ErrorCode)
	assert.Empty(t, fs.sessions)
}

func TestClarifyAdvanceProducesCandidateList(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	events := collectEvents(func(ch chan<- Event) {
		svc.RunStart(ctx, "I want to build a note taking app", ch)
	})
	var sessionID string
	for _, ev := range events {
		if started, ok := ev.(SessionStartedEvent); ok {
			sessionID = started.SessionID
		}
	}

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"answers":[{"question_id":"audience","selected_option_ids":["teams"]}]}`)
	events = collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageClarify, selection, ch) })

	types := eventTypes(events)
	assert.Equal(t, []string{"stage_started", "result_ready", "stage_completed", "awaiting_selection"}, types)

	lists := blocksOfKind(events, BlockCandidateList)
	require.Len(t, lists, 1)
	assert.Contains(t, lists[0].Content, "Notion")

	steps := fs.stepsFor(sessionID)
	require.Len(t, steps, 3)
	assert.Equal(t, StageClarify, steps[1].Stage)
	assert.Equal(t, StageFindCandidates, steps[2].Stage)
	assert.Equal(t, 1, fs.choiceLogs)
}

func TestBuildDeepProfileScenario(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"candidate_ids":["notion","obsidian"]}`)
	events := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })

	assert.Len(t, blocksOfKind(events, BlockProfile), 2)
	assert.Len(t, blocksOfKind(events, BlockMarketSummary), 1)
	assert.Len(t, blocksOfKind(events, BlockGapAnalysis), 1)
	assert.Equal(t, 0, countType(events, "result_error"))
	assert.Equal(t, 1, countType(events, "stage_completed"))
	assert.Equal(t, 0, countType(events, "pipeline_completed"))

	types := eventTypes(events)
	assert.Equal(t, "awaiting_selection", types[len(types)-1])
	last := events[len(events)-1].(AwaitingSelectionEvent)
	assert.Equal(t, SelectionFindings, last.Kind)

	steps := fs.stepsFor(sessionID)
	require.Len(t, steps, 5)
	assert.Equal(t, StageSelectCandidates, steps[3].Stage)
	assert.Equal(t, StageDeepProfile, steps[4].Stage)
}

func TestExploreDeepProfileCompletesSession(t *testing.T) {
	classify := buildClassify()
	classify.Intent = IntentExplore
	gen := &fakeGen{classify: classify, candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"candidate_ids":["notion"]}`)
	events := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })

	assert.Equal(t, 1, countType(events, "pipeline_completed"))
	assert.Equal(t, 0, countType(events, "awaiting_selection"))
	assert.Empty(t, blocksOfKind(events, BlockGapAnalysis))

	refreshed, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, refreshed.Status)
}

func TestPartialFailureContainment(t *testing.T) {
	gen := &fakeGen{
		classify:     buildClassify(),
		candidates:   threeCandidates(),
		failProfiles: map[string]bool{"Obsidian": true},
	}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"candidate_ids":["notion","obsidian","evernote"]}`)
	events := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })

	assert.Equal(t, 1, countType(events, "result_error"), "exactly one failed branch")
	assert.Len(t, blocksOfKind(events, BlockProfile), 2, "surviving branches still emit")
	assert.Len(t, blocksOfKind(events, BlockMarketSummary), 1)
	assert.Equal(t, 1, countType(events, "stage_completed"), "stage still completes")

	for _, ev := range events {
		if blockErr, ok := ev.(ResultErrorEvent); ok {
			assert.Equal(t, "Obsidian", blockErr.BlockName)
			assert.NotEmpty(t, blockErr.ErrorCode)
			assert.NotContains(t, blockErr.Error, "provider exploded", "internal error text must not leak")
		}
	}
}

func TestProfileCacheHitSkipsGeneration(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)

	cached := Profile{Name: "Notion", Content: "Cached profile.", Sources: []string{"https://notion.so"}}
	require.NoError(t, fs.StoreProduct(ctx, store.CachedProduct{
		NormalizedName: store.NormalizeProductName("Notion"),
		Name:           "Notion",
		Profile:        mustMarshal(cached),
	}))

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"candidate_ids":["notion"]}`)
	events := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })

	profiles := blocksOfKind(events, BlockProfile)
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Cached)
	assert.NotNil(t, profiles[0].CachedAt)
	assert.Equal(t, 0, gen.profileCalls, "cache hit short-circuits generation")
}

func TestAlternativesCacheRoundTrip(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)

	runToCandidatesReady(t, svc, fs)

	norm := store.NormalizeProductName("note taking apps")
	fs.mu.Lock()
	cached, ok := fs.alternatives[norm]
	fs.mu.Unlock()
	require.True(t, ok, "find_candidates must persist its synthesis")
	assert.Contains(t, string(cached.Alternatives), "Notion")
	assert.Equal(t, "https://example.com/roundup", cached.SourceURL)

	gen.mu.Lock()
	gen.candidatesPrompt = ""
	gen.mu.Unlock()

	// A second session in the same domain sees the cached list as evidence.
	runToCandidatesReady(t, svc, fs)
	gen.mu.Lock()
	prompt := gen.candidatesPrompt
	gen.mu.Unlock()
	assert.Contains(t, prompt, "Obsidian")
}

func TestSynthesizeCompletesBuildSession(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)
	detail, _ := fs.GetSession(ctx, sessionID)
	collectEvents(func(ch chan<- Event) {
		svc.RunAdvance(ctx, detail, StageSelectCandidates, json.RawMessage(`{"candidate_ids":["notion"]}`), ch)
	})

	detail, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	selection := json.RawMessage(`{"finding_ids":["offline"]}`)
	events := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectFindings, selection, ch) })

	types := eventTypes(events)
	assert.Equal(t, []string{"stage_started", "result_ready", "stage_completed", "pipeline_completed"}, types)
	require.Len(t, blocksOfKind(events, BlockConclusion), 1)

	refreshed, err := fs.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, refreshed.Status)

	steps := fs.stepsFor(sessionID)
	assert.Equal(t, StageSelectFindings, steps[len(steps)-2].Stage)
	assert.Equal(t, StageSynthesize, steps[len(steps)-1].Stage)
}

func TestIdempotentAdvanceReplay(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)
	detail, _ := fs.GetSession(ctx, sessionID)
	selection := json.RawMessage(`{"candidate_ids":["notion","obsidian"]}`)
	first := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })
	stepsAfterFirst := len(fs.stepsFor(sessionID))

	// Same selection replayed after a dropped connection.
	detail, _ = fs.GetSession(ctx, sessionID)
	second := collectEvents(func(ch chan<- Event) { svc.RunAdvance(ctx, detail, StageSelectCandidates, selection, ch) })

	assert.Equal(t, stepsAfterFirst, len(fs.stepsFor(sessionID)), "replay must not append steps")
	assert.Equal(t, countType(first, "result_ready"), countType(second, "result_ready"))
	assert.Equal(t, 1, countType(second, "awaiting_selection"))

	types := eventTypes(second)
	assert.Equal(t, "awaiting_selection", types[len(types)-1])
}

func TestMonotonicStepOrdering(t *testing.T) {
	gen := &fakeGen{classify: buildClassify(), candidates: threeCandidates()}
	fs := newFakeStore()
	svc := newTestService(gen, fs)
	ctx := context.Background()

	sessionID := runToCandidatesReady(t, svc, fs)
	detail, _ := fs.GetSession(ctx, sessionID)
	collectEvents(func(ch chan<- Event) {
		svc.RunAdvance(ctx, detail, StageSelectCandidates, json.RawMessage(`{"candidate_ids":["notion"]}`), ch)
	})
	detail, _ = fs.GetSession(ctx, sessionID)
	collectEvents(func(ch chan<- Event) {
		svc.RunAdvance(ctx, detail, StageSelectFindings, json.RawMessage(`{"finding_ids":["offline"]}`), ch)
	})

	steps := fs.stepsFor(sessionID)
	require.NotEmpty(t, steps)
	for i, step := range steps {
		assert.Equal(t, i+1, step.Seq, "sequence numbers must be contiguous from 1")
	}
}

func TestGuardDedup(t *testing.T) {
	guard := NewGuard()
	key := DedupKey("", "I want to build a note taking app")

	require.True(t, guard.Acquire(key))
	assert.False(t, guard.Acquire(key), "second concurrent start rejected")

	guard.Release(key)
	assert.True(t, guard.Acquire(key), "accepted again after release")
}

func TestDedupKeyShape(t *testing.T) {
	assert.Equal(t, "session:abc", DedupKey("abc", "ignored"))

	a := DedupKey("", "same prompt")
	b := DedupKey("", "same prompt")
	c := DedupKey("", "other prompt")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "prompt:"))
}
