// Package scraper fetches page content for candidate profiling. Jina Reader
// is the primary extractor (markdown out); a direct fetch with HTML text
// extraction is the fallback. All fetches go through a small semaphore to
// respect upstream rate limits.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/errcode"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/sethvargo/go-retry"
	"golang.org/x/net/html"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; Blueprint/1.0; +https://github.com/blueprint-labs)"
	maxContentChars  = 15000
	concurrentFetch  = 2
)

// Scraper fetches and extracts readable page content.
type Scraper struct {
	httpClient *http.Client
	logger     *logger.Logger
	jinaAPIKey string

	jinaBase string
	sem      chan struct{}
}

// New creates a scraper. The Jina key is optional; without it the reader
// endpoint is still usable at a lower rate limit.
func New(logger *logger.Logger, jinaAPIKey string) *Scraper {
	return &Scraper{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     logger,
		jinaAPIKey: jinaAPIKey,
		jinaBase:   "https://r.jina.ai/",
		sem:        make(chan struct{}, concurrentFetch),
	}
}

// Fetch retrieves the readable content of url, truncated at a sentence
// boundary near the content cap. Jina Reader first, direct HTML extraction
// second; an error means both methods failed.
func (s *Scraper) Fetch(ctx context.Context, url string) (string, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	log := s.logger.WithContext(ctx).WithComponent("scraper")
	start := time.Now()

	content, jinaErr := s.fetchJina(ctx, url)
	if jinaErr == nil {
		log.Info("scrape completed",
			slog.String("url", url),
			slog.String("method", "jina"),
			slog.Int("content_length", len(content)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return content, nil
	}
	log.Warn("jina fetch failed, trying direct extraction",
		slog.String("url", url),
		slog.String("error", jinaErr.Error()))

	content, directErr := s.fetchDirect(ctx, url)
	if directErr == nil {
		log.Info("scrape completed",
			slog.String("url", url),
			slog.String("method", "direct"),
			slog.Int("content_length", len(content)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return content, nil
	}

	code := errcode.New()
	log.Error("scrape failed on all methods",
		slog.String("url", url),
		slog.String("error", directErr.Error()),
		slog.String("error_code", code))
	return "", fmt.Errorf("fetch %s: %w", url, directErr)
}

// fetchJina calls the Jina Reader endpoint with a short retry-with-backoff
// loop; the reader is flaky under load but usually recovers within seconds.
func (s *Scraper) fetchJina(ctx context.Context, url string) (string, error) {
	var content string

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jinaBase+url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/markdown")
		req.Header.Set("User-Agent", defaultUserAgent)
		if s.jinaAPIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.jinaAPIKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("jina returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("jina returned status %d", resp.StatusCode)
		}

		content = TruncateContent(string(body))
		return nil
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("jina returned empty content")
	}
	return content, nil
}

// fetchDirect downloads the page and extracts visible text from the HTML.
func (s *Scraper) fetchDirect(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	text, err := ExtractText(resp.Body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no extractable text")
	}
	return TruncateContent(text), nil
}

var (
	multiNewlineRe = regexp.MustCompile(`\n\s*\n`)
	multiSpaceRe   = regexp.MustCompile(` +`)
)

// skippedTags are elements whose text is chrome, not content.
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"nav":      true,
	"footer":   true,
	"header":   true,
	"noscript": true,
}

// ExtractText pulls visible text out of an HTML document, skipping script,
// style, and navigation chrome, and collapsing runs of whitespace.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := multiNewlineRe.ReplaceAllString(sb.String(), "\n\n")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text), nil
}

// TruncateContent caps content at the last sentence boundary before the
// character limit. If no boundary lands in the back half, a hard cut is
// better than dropping half the page.
func TruncateContent(content string) string {
	if len(content) <= maxContentChars {
		return content
	}
	truncated := content[:maxContentChars]
	last := -1
	for _, p := range []string{".", "!", "?"} {
		if i := strings.LastIndex(truncated, p); i > last {
			last = i
		}
	}
	if last > maxContentChars/2 {
		return strings.TrimSpace(truncated[:last+1])
	}
	return strings.TrimSpace(truncated)
}
