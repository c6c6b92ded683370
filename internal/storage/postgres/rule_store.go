// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// ErrNotFound is returned when a rule or profile does not exist.
var ErrNotFound = errors.New("not found")

// RuleStoreConfig controls the Postgres connection pool used for rules
// and fetch profiles.
type RuleStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RuleStore implements watch.RuleStore and watch.ProfileSource on
// Postgres.
type RuleStore struct {
	pool pool
}

// NewRuleStore creates a Postgres-backed RuleStore using the provided
// config.
func NewRuleStore(ctx context.Context, cfg RuleStoreConfig) (*RuleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RuleStore{pool: p}, nil
}

// NewRuleStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRuleStoreWithPool(p pool) (*RuleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RuleStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *RuleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const ruleColumns = `
	id,
	source_id,
	url,
	domain,
	rule_type,
	extraction,
	schedule,
	enabled,
	health_score,
	last_error_code,
	last_error_at,
	next_run_at,
	alert_policy`

// FindDueRules returns enabled rules whose next_run_at is at or before
// now, oldest first, capped at batchSize.
func (s *RuleStore) FindDueRules(ctx context.Context, now time.Time, batchSize int) ([]watch.Rule, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM rules
WHERE enabled = TRUE AND next_run_at <= $1
ORDER BY next_run_at ASC
LIMIT $2`, ruleColumns)

	rows, err := s.pool.Query(ctx, query, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query due rules: %w", err)
	}
	defer rows.Close()

	var rules []watch.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due rules: %w", err)
	}
	return rules, nil
}

// GetRule loads one rule by ID.
func (s *RuleStore) GetRule(ctx context.Context, ruleID string) (watch.Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM rules WHERE id = $1`, ruleColumns)
	rule, err := scanRule(s.pool.QueryRow(ctx, query, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.Rule{}, fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return watch.Rule{}, err
	}
	return rule, nil
}

// UpdateNextRunAt advances a rule's next scheduled run.
func (s *RuleStore) UpdateNextRunAt(ctx context.Context, ruleID string, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rules SET next_run_at = $2 WHERE id = $1`, ruleID, next)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return nil
}

// UpdateRunResult records the outcome of one run on the rule row.
func (s *RuleStore) UpdateRunResult(ctx context.Context, ruleID string, healthScore int, errCode watch.ErrorCode, at time.Time) error {
	var (
		code    *string
		errorAt *time.Time
	)
	if errCode != "" {
		c := string(errCode)
		code = &c
		errorAt = &at
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE rules
SET health_score = $2,
    last_error_code = $3,
    last_error_at = COALESCE($4, last_error_at)
WHERE id = $1`, ruleID, healthScore, code, errorAt)
	if err != nil {
		return fmt.Errorf("update run result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return nil
}

// CountEnabled returns how many rules are currently enabled.
func (s *RuleStore) CountEnabled(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rules WHERE enabled = TRUE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count enabled rules: %w", err)
	}
	return count, nil
}

// GetProfile loads the fetch profile for one source. Legacy error codes
// stored in overrides are not involved here; profile JSON is decoded
// as-is.
func (s *RuleStore) GetProfile(ctx context.Context, sourceID string) (watch.FetchProfile, error) {
	var (
		profile       watch.FetchProfile
		preferred     *string
		overridesJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT source_id, domain, domain_tier, preferred_provider, geo_country, tier_policy_overrides
FROM fetch_profiles
WHERE source_id = $1`, sourceID).Scan(
		&profile.SourceID,
		&profile.Domain,
		&profile.DomainTier,
		&preferred,
		&profile.GeoCountry,
		&overridesJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.FetchProfile{}, fmt.Errorf("fetch profile %q: %w", sourceID, ErrNotFound)
	}
	if err != nil {
		return watch.FetchProfile{}, fmt.Errorf("query fetch profile: %w", err)
	}

	if preferred != nil {
		p := watch.Provider(*preferred)
		profile.PreferredProvider = &p
	}
	if len(overridesJSON) > 0 {
		var overrides watch.TierPolicyOverrides
		if err := json.Unmarshal(overridesJSON, &overrides); err != nil {
			return watch.FetchProfile{}, fmt.Errorf("decode tier policy overrides: %w", err)
		}
		profile.Overrides = &overrides
	}
	return profile, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (watch.Rule, error) {
	var (
		rule           watch.Rule
		extractionJSON []byte
		scheduleJSON   []byte
		lastErrorCode  *string
	)
	err := row.Scan(
		&rule.ID,
		&rule.SourceID,
		&rule.URL,
		&rule.Domain,
		&rule.Type,
		&extractionJSON,
		&scheduleJSON,
		&rule.Enabled,
		&rule.HealthScore,
		&lastErrorCode,
		&rule.LastErrorAt,
		&rule.NextRunAt,
		&rule.AlertPolicy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.Rule{}, err
		}
		return watch.Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	if len(extractionJSON) > 0 {
		if err := json.Unmarshal(extractionJSON, &rule.Extraction); err != nil {
			return watch.Rule{}, fmt.Errorf("decode extraction: %w", err)
		}
	}
	if len(scheduleJSON) > 0 {
		if err := json.Unmarshal(scheduleJSON, &rule.Schedule); err != nil {
			return watch.Rule{}, fmt.Errorf("decode schedule: %w", err)
		}
	}
	if lastErrorCode != nil {
		// Rows written before the error taxonomy rename carry legacy
		// codes; canonicalize at the read boundary.
		rule.LastErrorCode = watch.CanonicalCode(*lastErrorCode)
	}
	return rule, nil
}
