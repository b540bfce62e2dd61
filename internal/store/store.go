package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blueprint-labs/blueprint-api/internal/logger"
)

// ErrNotFound is returned when a session or step does not exist.
var ErrNotFound = errors.New("not found")

// Store persists sessions, steps, provider state and the evidence caches.
type Store struct {
	logger *logger.Logger
	db     *sql.DB

	now func() time.Time
}

// New creates a session store backed by PostgreSQL.
func New(logger *logger.Logger, db *sql.DB) *Store {
	return &Store{
		logger: logger,
		db:     db,
		now:    time.Now,
	}
}

// NormalizeProductName produces the cache key for a product name:
// lowercase, trimmed, inner whitespace collapsed.
func NormalizeProductName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}

// truncateRunes cuts s after limit runes. A byte-index cut can split a
// multibyte character and produce a string Postgres rejects as invalid UTF-8.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Expired reports whether a cache row refreshed at refreshedAt is past its
// time-to-live as of now.
func Expired(refreshedAt time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(refreshedAt) > ttl
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession inserts a new active session and returns it.
func (s *Store) CreateSession(ctx context.Context, prompt, intent string) (*Session, error) {
	log := s.logger.WithComponent("store")

	title := prompt
	if utf8.RuneCountInString(title) > 100 {
		title = truncateRunes(title, 100) + "…"
	}

	query := `
		INSERT INTO sessions (title, status, intent, initial_prompt)
		VALUES ($1, $2, $3, $4)
		RETURNING id, title, status, intent, initial_prompt, created_at, updated_at
	`

	var sess Session
	err := s.db.QueryRowContext(ctx, query, title, StatusActive, intent, prompt).Scan(
		&sess.ID, &sess.Title, &sess.Status, &sess.Intent, &sess.InitialPrompt,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create session", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &sess, nil
}

// GetSession loads a session with its steps ordered by sequence number.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	log := s.logger.WithComponent("store")

	query := `
		SELECT id, title, status, intent, initial_prompt, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`

	var detail SessionDetail
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&detail.ID, &detail.Title, &detail.Status, &detail.Intent,
		&detail.InitialPrompt, &detail.CreatedAt, &detail.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error("failed to load session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	stepsQuery := `
		SELECT id, session_id, seq, stage, input, output, selection, created_at
		FROM session_steps
		WHERE session_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, stepsQuery, sessionID)
	if err != nil {
		log.Error("failed to query steps",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step Step
		var input, output, selection sql.NullString
		if err := rows.Scan(&step.ID, &step.SessionID, &step.Seq, &step.Stage,
			&input, &output, &selection, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if input.Valid {
			step.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			step.Output = json.RawMessage(output.String)
		}
		if selection.Valid {
			step.Selection = json.RawMessage(selection.String)
		}
		detail.Steps = append(detail.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return &detail, nil
}

// ListSessions returns all sessions ordered by recency, with step counts.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	log := s.logger.WithComponent("store")

	query := `
		SELECT s.id, s.title, s.status, s.intent, s.initial_prompt,
		       s.created_at, s.updated_at, COUNT(st.id)
		FROM sessions s
		LEFT JOIN session_steps st ON st.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		log.Error("failed to list sessions", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Status, &sess.Intent,
			&sess.InitialPrompt, &sess.CreatedAt, &sess.UpdatedAt, &sess.StepCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateSessionStatus sets the session lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	query := `UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionID, status); err != nil {
		s.logger.WithComponent("store").Error("failed to update session status",
			slog.String("session_id", sessionID),
			slog.String("status", status),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

// StepParams carries the snapshots persisted for one stage execution.
type StepParams struct {
	SessionID string
	Seq       int
	Stage     string
	Input     any
	Output    any
	Selection any
}

// SaveStep appends a step row. The (session_id, seq) unique constraint makes
// concurrent duplicate appends fail loudly instead of corrupting order.
func (s *Store) SaveStep(ctx context.Context, params StepParams) (*Step, error) {
	log := s.logger.WithComponent("store")

	input, err := marshalNullable(params.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step input: %w", err)
	}
	output, err := marshalNullable(params.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step output: %w", err)
	}
	selection, err := marshalNullable(params.Selection)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step selection: %w", err)
	}

	query := `
		INSERT INTO session_steps (session_id, seq, stage, input, output, selection)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	step := Step{
		SessionID: params.SessionID,
		Seq:       params.Seq,
		Stage:     params.Stage,
	}
	if input != nil {
		step.Input = json.RawMessage(*input)
	}
	if output != nil {
		step.Output = json.RawMessage(*output)
	}
	if selection != nil {
		step.Selection = json.RawMessage(*selection)
	}

	err = s.db.QueryRowContext(ctx, query, params.SessionID, params.Seq, params.Stage,
		nullableString(input), nullableString(output), nullableString(selection)).
		Scan(&step.ID, &step.CreatedAt)
	if err != nil {
		log.Error("failed to save step",
			slog.String("session_id", params.SessionID),
			slog.Int("seq", params.Seq),
			slog.String("stage", params.Stage),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to save step: %w", err)
	}

	// Touch the session so recency ordering follows activity.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = NOW() WHERE id = $1`, params.SessionID); err != nil {
		log.Warn("failed to touch session",
			slog.String("session_id", params.SessionID),
			slog.String("error", err.Error()))
	}

	return &step, nil
}

// NextSeq returns max(seq)+1 for a session, or 1 if it has no steps.
func (s *Store) NextSeq(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT COALESCE(MAX(seq), 0) + 1 FROM session_steps WHERE session_id = $1`

	var next int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&next); err != nil {
		s.logger.WithComponent("store").Error("failed to compute next seq",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}
	return next, nil
}

// ---------------------------------------------------------------------------
// Provider state
// ---------------------------------------------------------------------------

// GetProviderState returns the persisted active provider, or "" when no
// switch has ever been recorded.
func (s *Store) GetProviderState(ctx context.Context) (string, error) {
	query := `SELECT active_provider FROM provider_state WHERE id = 1`

	var provider string
	err := s.db.QueryRowContext(ctx, query).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		s.logger.WithComponent("store").Error("failed to read provider state",
			slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to read provider state: %w", err)
	}
	return provider, nil
}

// UpdateProviderState records a permanent provider switch.
func (s *Store) UpdateProviderState(ctx context.Context, provider, reason string) error {
	query := `
		INSERT INTO provider_state (id, active_provider, switched_at, switch_reason, updated_at)
		VALUES (1, $1, NOW(), $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET active_provider = EXCLUDED.active_provider,
		    switched_at = EXCLUDED.switched_at,
		    switch_reason = EXCLUDED.switch_reason,
		    updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, provider, reason); err != nil {
		s.logger.WithComponent("store").Error("failed to update provider state",
			slog.String("provider", provider),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update provider state: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Evidence caches
// ---------------------------------------------------------------------------

// GetCachedProduct returns a product profile if present and fresh.
// A stale or missing row returns (nil, nil): callers treat both as a miss.
func (s *Store) GetCachedProduct(ctx context.Context, normalizedName string, ttl time.Duration) (*CachedProduct, error) {
	query := `
		SELECT normalized_name, name, url, profile, sources, refreshed_at
		FROM product_cache
		WHERE normalized_name = $1
	`

	var cached CachedProduct
	var url sql.NullString
	var sources []byte
	err := s.db.QueryRowContext(ctx, query, normalizedName).Scan(
		&cached.NormalizedName, &cached.Name, &url, (*[]byte)(&cached.Profile),
		&sources, &cached.RefreshedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithComponent("store").Error("failed to read product cache",
			slog.String("normalized_name", normalizedName),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to read product cache: %w", err)
	}
	if url.Valid {
		cached.URL = url.String
	}
	if err := json.Unmarshal(sources, &cached.Sources); err != nil {
		cached.Sources = nil
	}

	if Expired(cached.RefreshedAt, ttl, s.now()) {
		return nil, nil
	}
	return &cached, nil
}

// StoreProduct upserts a product profile keyed by normalized name.
func (s *Store) StoreProduct(ctx context.Context, product CachedProduct) error {
	sources, err := json.Marshal(product.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	query := `
		INSERT INTO product_cache (normalized_name, name, url, profile, sources, refreshed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW())
		ON CONFLICT (normalized_name) DO UPDATE
		SET name = EXCLUDED.name,
		    url = EXCLUDED.url,
		    profile = EXCLUDED.profile,
		    sources = EXCLUDED.sources,
		    refreshed_at = EXCLUDED.refreshed_at
	`

	if _, err := s.db.ExecContext(ctx, query, product.NormalizedName, product.Name,
		product.URL, []byte(product.Profile), sources); err != nil {
		s.logger.WithComponent("store").Error("failed to store product",
			slog.String("normalized_name", product.NormalizedName),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to store product: %w", err)
	}
	return nil
}

// GetCachedAlternatives returns a fresh alternatives list or (nil, nil).
func (s *Store) GetCachedAlternatives(ctx context.Context, normalizedName string, ttl time.Duration) (*CachedAlternatives, error) {
	query := `
		SELECT normalized_name, product_name, alternatives, source_url, refreshed_at
		FROM alternatives_cache
		WHERE normalized_name = $1
	`

	var cached CachedAlternatives
	var sourceURL sql.NullString
	err := s.db.QueryRowContext(ctx, query, normalizedName).Scan(
		&cached.NormalizedName, &cached.ProductName,
		(*[]byte)(&cached.Alternatives), &sourceURL, &cached.RefreshedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithComponent("store").Error("failed to read alternatives cache",
			slog.String("normalized_name", normalizedName),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to read alternatives cache: %w", err)
	}
	if sourceURL.Valid {
		cached.SourceURL = sourceURL.String
	}

	if Expired(cached.RefreshedAt, ttl, s.now()) {
		return nil, nil
	}
	return &cached, nil
}

// StoreAlternatives upserts an alternatives list keyed by normalized name.
func (s *Store) StoreAlternatives(ctx context.Context, productName string, alternatives any, sourceURL string) error {
	payload, err := json.Marshal(alternatives)
	if err != nil {
		return fmt.Errorf("failed to marshal alternatives: %w", err)
	}

	query := `
		INSERT INTO alternatives_cache (normalized_name, product_name, alternatives, source_url, refreshed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NOW())
		ON CONFLICT (normalized_name) DO UPDATE
		SET product_name = EXCLUDED.product_name,
		    alternatives = EXCLUDED.alternatives,
		    source_url = EXCLUDED.source_url,
		    refreshed_at = EXCLUDED.refreshed_at
	`

	if _, err := s.db.ExecContext(ctx, query, NormalizeProductName(productName),
		productName, payload, sourceURL); err != nil {
		s.logger.WithComponent("store").Error("failed to store alternatives",
			slog.String("product_name", productName),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to store alternatives: %w", err)
	}
	return nil
}

// PurgeExpiredCaches deletes cache rows past their time-to-live.
// Invoked by the maintenance cron job.
func (s *Store) PurgeExpiredCaches(ctx context.Context, productTTL, alternativesTTL time.Duration) error {
	log := s.logger.WithComponent("store")

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM product_cache WHERE refreshed_at < $1`, s.now().Add(-productTTL))
	if err != nil {
		return fmt.Errorf("failed to purge product cache: %w", err)
	}
	productRows, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM alternatives_cache WHERE refreshed_at < $1`, s.now().Add(-alternativesTTL))
	if err != nil {
		return fmt.Errorf("failed to purge alternatives cache: %w", err)
	}
	altRows, _ := res.RowsAffected()

	log.Info("purged expired cache rows",
		slog.Int64("products", productRows),
		slog.Int64("alternatives", altRows))
	return nil
}

// ---------------------------------------------------------------------------
// Choice log
// ---------------------------------------------------------------------------

// LogChoice records what was presented vs selected. Best effort: failures
// are logged and discarded, never surfaced into the stage's error handling.
func (s *Store) LogChoice(ctx context.Context, sessionID, stepID string, presented, selected any) {
	log := s.logger.WithComponent("store")

	presentedJSON, err := marshalNullable(presented)
	if err != nil {
		log.Warn("choice log marshal failed", slog.String("error", err.Error()))
		return
	}
	selectedJSON, err := marshalNullable(selected)
	if err != nil {
		log.Warn("choice log marshal failed", slog.String("error", err.Error()))
		return
	}

	query := `
		INSERT INTO choice_log (session_id, step_id, options_presented, options_selected)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.ExecContext(ctx, query, sessionID, stepID,
		nullableString(presentedJSON), nullableString(selectedJSON)); err != nil {
		log.Warn("choice log insert failed",
			slog.String("session_id", sessionID),
			slog.String("step_id", stepID),
			slog.String("error", err.Error()))
	}
}

func marshalNullable(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
