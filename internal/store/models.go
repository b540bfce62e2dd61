package store

import (
	"encoding/json"
	"time"
)

// Session lifecycle statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is one persisted research exploration.
type Session struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	Intent        string    `json:"intent"`
	InitialPrompt string    `json:"initial_prompt"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// StepCount is populated by ListSessions only.
	StepCount int `json:"step_count,omitempty"`
}

// Step is one persisted stage execution. Steps are append-only and uniquely
// ordered by (SessionID, Seq).
type Step struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	Stage     string          `json:"stage"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionDetail is a session together with its ordered steps.
type SessionDetail struct {
	Session
	Steps []Step `json:"steps"`
}

// CachedProduct is a product profile served from the cache when fresh.
type CachedProduct struct {
	NormalizedName string          `json:"normalized_name"`
	Name           string          `json:"name"`
	URL            string          `json:"url,omitempty"`
	Profile        json.RawMessage `json:"profile"`
	Sources        []string        `json:"sources"`
	RefreshedAt    time.Time       `json:"refreshed_at"`
}

// CachedAlternatives is a pre-seeded alternatives list for a product name.
type CachedAlternatives struct {
	NormalizedName string          `json:"normalized_name"`
	ProductName    string          `json:"product_name"`
	Alternatives   json.RawMessage `json:"alternatives"`
	SourceURL      string          `json:"source_url,omitempty"`
	RefreshedAt    time.Time       `json:"refreshed_at"`
}
