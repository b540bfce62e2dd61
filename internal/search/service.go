// Package search provides web and community search over a chain of
// providers: Tavily first, Serper second, a keyless DuckDuckGo HTML scrape
// as the last resort.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/errcode"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/metrics"
	"golang.org/x/net/html"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; Blueprint/1.0; +https://github.com/blueprint-labs)"

// Result is a single search hit in the shape all providers normalize to.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Service handles web search with provider fallback.
type Service struct {
	httpClient   *http.Client
	logger       *logger.Logger
	tavilyAPIKey string
	serperAPIKey string

	// Overridable endpoints for tests.
	tavilyURL string
	serperURL string
	ddgURL    string
}

// NewService creates a search service. Keys may be empty; a provider with no
// key is skipped in the chain.
func NewService(logger *logger.Logger, tavilyAPIKey, serperAPIKey string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:       logger,
		tavilyAPIKey: tavilyAPIKey,
		serperAPIKey: serperAPIKey,
		tavilyURL:    "https://api.tavily.com/search",
		serperURL:    "https://google.serper.dev/search",
		ddgURL:       "https://html.duckduckgo.com/html/",
	}
}

// Search walks the provider chain and returns normalized results. It never
// surfaces an error: when every provider fails the caller gets an empty
// slice and the failure is logged with a correlation code.
func (s *Service) Search(ctx context.Context, query string, numResults int) []Result {
	log := s.logger.WithContext(ctx).WithComponent("search")
	start := time.Now()

	type provider struct {
		name    string
		enabled bool
		fn      func(context.Context, string, int) ([]Result, error)
	}
	chain := []provider{
		{"tavily", s.tavilyAPIKey != "", s.searchTavily},
		{"serper", s.serperAPIKey != "", s.searchSerper},
		{"duckduckgo", true, s.searchDuckDuckGo},
	}

	var lastErr error
	for _, p := range chain {
		if !p.enabled {
			continue
		}
		results, err := p.fn(ctx, query, numResults)
		if err == nil {
			log.Info("search completed",
				slog.String("provider", p.name),
				slog.Int("results", len(results)),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()))
			return results
		}
		lastErr = err
		metrics.SearchFailures.WithLabelValues(p.name).Inc()
		log.Warn("search provider failed, trying fallback",
			slog.String("provider", p.name),
			slog.String("error", err.Error()))
	}

	code := errcode.New()
	log.Error("search failed on all providers",
		slog.String("query", query),
		slog.String("error", fmt.Sprint(lastErr)),
		slog.String("error_code", code))
	return []Result{}
}

// SearchCommunity searches discussion threads by scoping the query to
// reddit.com.
func (s *Service) SearchCommunity(ctx context.Context, query string, numResults int) []Result {
	return s.Search(ctx, "site:reddit.com "+query, numResults)
}

// tavilyResponse is the raw Tavily Search API response.
type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *Service) searchTavily(ctx context.Context, query string, numResults int) ([]Result, error) {
	payload := map[string]any{
		"api_key":      s.tavilyAPIKey,
		"query":        query,
		"max_results":  numResults,
		"search_depth": "basic",
	}
	body, err := s.postJSON(ctx, s.tavilyURL, payload, nil)
	if err != nil {
		return nil, err
	}

	var resp tavilyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse tavily response: %w", err)
	}

	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// serperResponse is the raw Serper API response.
type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s *Service) searchSerper(ctx context.Context, query string, numResults int) ([]Result, error) {
	payload := map[string]any{"q": query, "num": numResults}
	body, err := s.postJSON(ctx, s.serperURL, payload, map[string]string{
		"X-API-KEY": s.serperAPIKey,
	})
	if err != nil {
		return nil, err
	}

	var resp serperResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse serper response: %w", err)
	}

	results := make([]Result, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		results = append(results, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return results, nil
}

// searchDuckDuckGo scrapes the keyless DuckDuckGo HTML endpoint. Quota-free,
// so it stays usable when every keyed provider is down.
func (s *Service) searchDuckDuckGo(ctx context.Context, query string, numResults int) ([]Result, error) {
	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ddgURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request duckduckgo: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	results, err := parseDuckDuckGoHTML(resp.Body, numResults)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("duckduckgo returned no results")
	}
	return results, nil
}

func (s *Service) postJSON(ctx context.Context, endpoint string, payload any, headers map[string]string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// parseDuckDuckGoHTML extracts results from the HTML SERP. Layout: each hit
// is a div.result with an a.result__a title link and a .result__snippet.
func parseDuckDuckGoHTML(r io.Reader, limit int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse duckduckgo html: %w", err)
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			res := Result{}
			extractResult(n, &res)
			if res.URL != "" && res.Title != "" {
				results = append(results, res)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractResult(n *html.Node, res *Result) {
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch {
			case node.Data == "a" && hasClass(node, "result__a"):
				res.Title = strings.TrimSpace(textContent(node))
				res.URL = cleanDuckDuckGoLink(attr(node, "href"))
			case hasClass(node, "result__snippet"):
				res.Snippet = strings.TrimSpace(textContent(node))
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
}

// cleanDuckDuckGoLink unwraps the /l/?uddg= redirect DDG puts on result
// links.
func cleanDuckDuckGoLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
