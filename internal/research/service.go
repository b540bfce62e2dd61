package research

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/appstore"
	"github.com/blueprint-labs/blueprint-api/internal/config"
	"github.com/blueprint-labs/blueprint-api/internal/llm"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/search"
	"github.com/blueprint-labs/blueprint-api/internal/store"
)

// User-facing error messages. Internal detail stays in the logs, keyed by
// the correlation code carried on the event.
const (
	msgGenerationTrouble = "We're having trouble generating results right now. Please try again in a moment."
	msgUnexpected        = "Something unexpected happened. Please try again."
	msgSaveFailed        = "Something went wrong saving your research. Please try again."
	msgProfileBlocked    = "We couldn't access this product's data. Other results are still available."
	msgMarketBlocked     = "We couldn't generate the market summary. Other results are still available."
	msgGapBlocked        = "We couldn't identify market gaps. Other results are still available."
)

// Generator produces validated structured output, walking the provider
// fallback chain internally.
type Generator interface {
	CompleteStructured(ctx context.Context, messages []llm.Message, out any, check func() error) error
}

// WebSearcher is the search provider chain.
type WebSearcher interface {
	Search(ctx context.Context, query string, numResults int) []search.Result
	SearchCommunity(ctx context.Context, query string, numResults int) []search.Result
}

// StoreLookup is the app store evidence source.
type StoreLookup interface {
	Lookup(ctx context.Context, query string, limit int) []appstore.Listing
}

// Fetcher retrieves normalized page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// SessionStore is the persistence surface the orchestrator needs.
type SessionStore interface {
	CreateSession(ctx context.Context, prompt, intent string) (*store.Session, error)
	GetSession(ctx context.Context, sessionID string) (*store.SessionDetail, error)
	ListSessions(ctx context.Context) ([]store.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	SaveStep(ctx context.Context, params store.StepParams) (*store.Step, error)
	NextSeq(ctx context.Context, sessionID string) (int, error)
	GetCachedProduct(ctx context.Context, normalizedName string, ttl time.Duration) (*store.CachedProduct, error)
	StoreProduct(ctx context.Context, product store.CachedProduct) error
	GetCachedAlternatives(ctx context.Context, normalizedName string, ttl time.Duration) (*store.CachedAlternatives, error)
	StoreAlternatives(ctx context.Context, productName string, alternatives any, sourceURL string) error
	LogChoice(ctx context.Context, sessionID, stepID string, presented, selected any)
}

// Service runs the research pipeline. One instance per process; the Guard
// and the store are the only shared mutable state.
type Service struct {
	logger   *logger.Logger
	gen      Generator
	searcher WebSearcher
	stores   StoreLookup
	fetcher  Fetcher
	store    SessionStore
	guard    *Guard
	cfg      *config.ResearchConfig
}

func NewService(
	logger *logger.Logger,
	gen Generator,
	searcher WebSearcher,
	stores StoreLookup,
	fetcher Fetcher,
	sessionStore SessionStore,
	cfg *config.ResearchConfig,
) *Service {
	return &Service{
		logger:   logger,
		gen:      gen,
		searcher: searcher,
		stores:   stores,
		fetcher:  fetcher,
		store:    sessionStore,
		guard:    NewGuard(),
		cfg:      cfg,
	}
}

// Guard exposes the dedup guard to the HTTP layer.
func (s *Service) Guard() *Guard { return s.guard }

// Store exposes the session store for the read endpoints.
func (s *Service) Store() SessionStore { return s.store }

// emit pushes an event, giving up silently when the consumer is gone.
func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// findStep returns the last persisted step of the given stage kind, or nil.
func findStep(steps []store.Step, stage string) *store.Step {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Stage == stage {
			return &steps[i]
		}
	}
	return nil
}

// selectionEqual compares two selection snapshots structurally.
func selectionEqual(a, b json.RawMessage) bool {
	ca, errA := compactJSON(a)
	cb, errB := compactJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
