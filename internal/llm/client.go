// Package llm is the gateway to the text generation backends. It owns the
// ordered provider chain, the persona preamble, the permanent-fallback
// discipline, and structured output validation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/config"
	"github.com/blueprint-labs/blueprint-api/internal/errcode"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/metrics"
	gocache "github.com/patrickmn/go-cache"
)

// ErrAllProvidersFailed is the terminal gateway error: every provider in the
// chain was tried (or cooling down) and none produced a usable response.
var ErrAllProvidersFailed = errors.New("all generation providers failed")

// ValidationError is returned when provider output still does not match the
// expected shape after the single repair round-trip.
type ValidationError struct {
	RawOutput string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("generation output validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StateStore persists the active-provider pointer across restarts.
type StateStore interface {
	GetProviderState(ctx context.Context) (string, error)
	UpdateProviderState(ctx context.Context, provider, reason string) error
}

// Client walks the provider chain for every request. The active pointer is
// loaded from the state store once, on first use, and only ever moves
// forward on a confirmed successful fallback.
type Client struct {
	logger     *logger.Logger
	httpClient *http.Client
	cfg        *config.ResearchConfig
	state      StateStore

	// cooldowns tracks providers that recently hit a quota or rate limit.
	// Entries expire on their own; a provider with a live entry is skipped.
	cooldowns *gocache.Cache

	mu       sync.Mutex
	active   int
	initDone bool
}

// NewClient creates a generation client over the configured provider chain.
func NewClient(logger *logger.Logger, cfg *config.ResearchConfig, state StateStore) *Client {
	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		cfg:       cfg,
		state:     state,
		cooldowns: gocache.New(cfg.CooldownDuration(), time.Minute),
	}
}

// ActiveProvider returns the name of the currently active provider.
func (c *Client) ActiveProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Providers[c.active].Name
}

// ensureInitialized loads the persisted active-provider pointer exactly once.
// The steady-state path performs zero persistence reads.
func (c *Client) ensureInitialized(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initDone {
		return
	}
	c.initDone = true

	persisted, err := c.state.GetProviderState(ctx)
	if err != nil || persisted == "" {
		return
	}
	for i, p := range c.cfg.Providers {
		if p.Name == persisted {
			c.active = i
			c.logger.WithComponent("llm").Info("restored active provider",
				slog.String("provider", persisted))
			return
		}
	}
	c.logger.WithComponent("llm").Warn("persisted provider not in configured chain, using chain head",
		slog.String("provider", persisted))
}

// Complete invokes the active provider, walking down the chain on failure.
// A success at a later provider permanently switches the active pointer and
// persists the switch; the switch applies to all subsequent calls from any
// session until manually reverted.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	c.ensureInitialized(ctx)
	log := c.logger.WithContext(ctx).WithComponent("llm")

	c.mu.Lock()
	start := c.active
	c.mu.Unlock()

	full := c.injectPersona(messages)

	var lastErr error
	triedAny := false

	for idx := start; idx < len(c.cfg.Providers); idx++ {
		provider := c.cfg.Providers[idx]

		if _, cooling := c.cooldowns.Get(provider.Name); cooling {
			log.Info("skipping rate-limited provider", slog.String("provider", provider.Name))
			continue
		}
		triedAny = true

		callStart := time.Now()
		content, err := c.invoke(ctx, provider, full)
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(provider.Name, "success").Inc()
			log.Info("generation call succeeded",
				slog.String("provider", provider.Name),
				slog.Int64("duration_ms", time.Since(callStart).Milliseconds()))

			if idx != start {
				c.commitSwitch(ctx, start, idx, lastErr)
			}
			return content, nil
		}

		metrics.ProviderCalls.WithLabelValues(provider.Name, "error").Inc()
		code := errcode.New()
		log.Error("generation call failed",
			slog.String("provider", provider.Name),
			slog.String("error", err.Error()),
			slog.String("error_code", code))
		lastErr = err

		if isRateLimitError(err) {
			c.cooldowns.SetDefault(provider.Name, time.Now())
			log.Warn("provider rate-limited, skipping for cooldown",
				slog.String("provider", provider.Name),
				slog.Duration("cooldown", c.cfg.CooldownDuration()))
		}
	}

	// Every remaining provider was cooling down: clear cooldowns and make a
	// single last-ditch pass. Quota windows sometimes reset mid-flight.
	if !triedAny {
		log.Warn("all providers in cooldown, clearing cooldowns for retry")
		c.cooldowns.Flush()
		for idx := start; idx < len(c.cfg.Providers); idx++ {
			provider := c.cfg.Providers[idx]
			content, err := c.invoke(ctx, provider, full)
			if err == nil {
				if idx != start {
					c.commitSwitch(ctx, start, idx, lastErr)
				}
				return content, nil
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	}
	return "", ErrAllProvidersFailed
}

// commitSwitch makes the fallback permanent: in-process pointer plus the
// durable provider-state row. Quota exhaustion does not self-heal within a
// request's lifetime, so per-request reversion only wastes time.
func (c *Client) commitSwitch(ctx context.Context, from, to int, cause error) {
	c.mu.Lock()
	if to <= c.active {
		// Another request already switched at least this far.
		c.mu.Unlock()
		return
	}
	c.active = to
	c.mu.Unlock()

	fromName := c.cfg.Providers[from].Name
	toName := c.cfg.Providers[to].Name
	metrics.ProviderFallbacks.WithLabelValues(fromName, toName).Inc()

	reason := "fallback"
	if cause != nil {
		reason = fmt.Sprintf("fallback after: %v", cause)
	}

	c.logger.WithComponent("llm").Warn("provider switched",
		slog.String("from", fromName),
		slog.String("to", toName),
		slog.String("reason", reason))

	if err := c.state.UpdateProviderState(ctx, toName, reason); err != nil {
		c.logger.WithComponent("llm").Error("failed to persist provider switch",
			slog.String("provider", toName),
			slog.String("error", err.Error()))
	}
}

// invoke performs one OpenAI-compatible chat completion call.
func (c *Client) invoke(ctx context.Context, provider config.ProviderConfig, messages []Message) (string, error) {
	payload := map[string]any{
		"model":       provider.Model,
		"messages":    messages,
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
		"stream":      false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call provider %s: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider %s returned %d: %s", provider.Name, resp.StatusCode, truncateForError(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("provider %s returned empty content", provider.Name)
	}

	return result.Choices[0].Message.Content, nil
}

func (c *Client) injectPersona(messages []Message) []Message {
	system := Message{Role: "system", Content: c.cfg.Persona.SystemPrompt}
	return append([]Message{system}, messages...)
}

// isRateLimitError classifies quota/rate-limit/timeout failures. Only these
// put the provider into cooldown; other failures just advance the chain.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"rate_limit", "ratelimit", "429", "quota", "resource_exhausted",
		"timeout", "timed out",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func truncateForError(body []byte) string {
	const limit = 300
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
