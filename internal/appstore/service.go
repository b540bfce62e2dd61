// Package appstore looks up mobile app listings as an extra evidence source
// for candidate discovery: the iTunes Search API (keyless) and Google Play
// via SerpAPI. Both lookups are best-effort; failures degrade to an empty
// result set.
package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/blueprint-labs/blueprint-api/internal/logger"
)

// Listing is one app entry normalized across both stores.
type Listing struct {
	Name        string  `json:"name"`
	Store       string  `json:"store"`
	Developer   string  `json:"developer,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	Description string  `json:"description,omitempty"`
	URL         string  `json:"url,omitempty"`
}

// Service performs app store lookups.
type Service struct {
	httpClient *http.Client
	logger     *logger.Logger
	serpAPIKey string

	itunesURL  string
	serpAPIURL string
}

// NewService creates an app store lookup service. An empty SerpAPI key
// disables the Google Play side.
func NewService(logger *logger.Logger, serpAPIKey string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:     logger,
		serpAPIKey: serpAPIKey,
		itunesURL:  "https://itunes.apple.com/search",
		serpAPIURL: "https://serpapi.com/search.json",
	}
}

// Lookup queries both stores and merges the listings. Never returns an
// error; a store that fails contributes nothing.
func (s *Service) Lookup(ctx context.Context, query string, limit int) []Listing {
	log := s.logger.WithContext(ctx).WithComponent("appstore")

	var listings []Listing

	itunes, err := s.searchITunes(ctx, query, limit)
	if err != nil {
		log.Warn("itunes lookup failed", slog.String("error", err.Error()))
	} else {
		listings = append(listings, itunes...)
	}

	if s.serpAPIKey != "" {
		play, err := s.searchGooglePlay(ctx, query, limit)
		if err != nil {
			log.Warn("google play lookup failed", slog.String("error", err.Error()))
		} else {
			listings = append(listings, play...)
		}
	}

	if listings == nil {
		listings = []Listing{}
	}
	return listings
}

// itunesResponse is the raw iTunes Search API response.
type itunesResponse struct {
	Results []struct {
		TrackName         string  `json:"trackName"`
		SellerName        string  `json:"sellerName"`
		AverageUserRating float64 `json:"averageUserRating"`
		Description       string  `json:"description"`
		TrackViewURL      string  `json:"trackViewUrl"`
	} `json:"results"`
}

func (s *Service) searchITunes(ctx context.Context, query string, limit int) ([]Listing, error) {
	params := url.Values{}
	params.Set("term", query)
	params.Set("entity", "software")
	params.Set("limit", fmt.Sprint(limit))

	body, err := s.get(ctx, s.itunesURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp itunesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse itunes response: %w", err)
	}

	listings := make([]Listing, 0, len(resp.Results))
	for _, r := range resp.Results {
		listings = append(listings, Listing{
			Name:        r.TrackName,
			Store:       "app_store",
			Developer:   r.SellerName,
			Rating:      r.AverageUserRating,
			Description: truncate(r.Description, 300),
			URL:         r.TrackViewURL,
		})
	}
	return listings, nil
}

// serpAPIPlayResponse is the raw SerpAPI google_play engine response.
type serpAPIPlayResponse struct {
	OrganicResults []struct {
		Items []struct {
			Title       string  `json:"title"`
			Link        string  `json:"link"`
			Rating      float64 `json:"rating"`
			Author      string  `json:"author"`
			Description string  `json:"description"`
		} `json:"items"`
	} `json:"organic_results"`
	Error string `json:"error,omitempty"`
}

func (s *Service) searchGooglePlay(ctx context.Context, query string, limit int) ([]Listing, error) {
	params := url.Values{}
	params.Set("engine", "google_play")
	params.Set("q", query)
	params.Set("api_key", s.serpAPIKey)

	body, err := s.get(ctx, s.serpAPIURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp serpAPIPlayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse serpapi response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("serpapi error: %s", resp.Error)
	}

	var listings []Listing
	for _, group := range resp.OrganicResults {
		for _, item := range group.Items {
			if len(listings) >= limit {
				return listings, nil
			}
			listings = append(listings, Listing{
				Name:        item.Title,
				Store:       "google_play",
				Developer:   item.Author,
				Rating:      item.Rating,
				Description: truncate(item.Description, 300),
				URL:         item.Link,
			})
		}
	}
	return listings, nil
}

func (s *Service) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
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
		return nil, fmt.Errorf("store returned status %d", resp.StatusCode)
	}
	return body, nil
}

// truncate cuts s after limit runes so multibyte descriptions stay valid
// UTF-8.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
