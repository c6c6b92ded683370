package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/watch"
)

func newMockStore(t *testing.T) (*RuleStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRuleStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func ruleRowColumns() []string {
	return []string{
		"id", "source_id", "url", "domain", "rule_type", "extraction",
		"schedule", "enabled", "health_score", "last_error_code",
		"last_error_at", "next_run_at", "alert_policy",
	}
}

func TestRuleStore_FindDueRules(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	next := now.Add(-time.Minute)

	rows := pgxmock.NewRows(ruleRowColumns()).AddRow(
		"r1", "s1", "https://shop.example.com/p/1", "shop.example.com", "price",
		[]byte(`{"method":"css","selector":".price"}`),
		[]byte(`{"interval_seconds":900,"jitter_seconds":60}`),
		true, 100, nil, nil, next, "",
	)
	mock.ExpectQuery("SELECT(.|\n)*FROM rules(.|\n)*WHERE enabled = TRUE AND next_run_at <=").
		WithArgs(now, 500).
		WillReturnRows(rows)

	rules, err := store.FindDueRules(context.Background(), now, 500)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].ID)
	require.Equal(t, watch.RuleTypePrice, rules[0].Type)
	require.Equal(t, ".price", rules[0].Extraction.Selector)
	require.Equal(t, 900, rules[0].Schedule.IntervalSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_GetRule_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM rules WHERE id =").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(ruleRowColumns()))

	_, err := store.GetRule(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_GetRule_CanonicalizesLegacyErrorCode(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	legacy := "CAPTCHA_BLOCK"
	errorAt := time.Unix(1699990000, 0).UTC()
	rows := pgxmock.NewRows(ruleRowColumns()).AddRow(
		"r1", "s1", "https://shop.example.com/p/1", "shop.example.com", "price",
		[]byte(`{"method":"css","selector":".price"}`),
		[]byte(`{"interval_seconds":900}`),
		true, 60, &legacy, &errorAt, time.Unix(1700000300, 0).UTC(), "",
	)
	mock.ExpectQuery("SELECT(.|\n)*FROM rules WHERE id =").
		WithArgs("r1").
		WillReturnRows(rows)

	rule, err := store.GetRule(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, watch.ErrBlockCaptchaSuspected, rule.LastErrorCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_UpdateNextRunAt(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	next := time.Unix(1700003600, 0).UTC()
	mock.ExpectExec("UPDATE rules SET next_run_at =").
		WithArgs("r1", next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateNextRunAt(context.Background(), "r1", next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_UpdateNextRunAt_MissingRule(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	next := time.Unix(1700003600, 0).UTC()
	mock.ExpectExec("UPDATE rules SET next_run_at =").
		WithArgs("ghost", next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateNextRunAt(context.Background(), "ghost", next)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_UpdateRunResult_Success(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000500, 0).UTC()
	mock.ExpectExec("UPDATE rules(.|\n)*SET health_score =").
		WithArgs("r1", 100, (*string)(nil), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateRunResult(context.Background(), "r1", 100, "", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_UpdateRunResult_Failure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000500, 0).UTC()
	code := string(watch.ErrBlockCloudflareSuspected)
	mock.ExpectExec("UPDATE rules(.|\n)*SET health_score =").
		WithArgs("r1", 55, &code, &at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateRunResult(context.Background(), "r1", 55, watch.ErrBlockCloudflareSuspected, at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_CountEnabled(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	count, err := store.CountEnabled(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_GetProfile(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	preferred := "brightdata"
	geo := "de"
	rows := pgxmock.NewRows([]string{
		"source_id", "domain", "domain_tier", "preferred_provider", "geo_country", "tier_policy_overrides",
	}).AddRow(
		"s1", "shop.example.com", "tier_b", &preferred, &geo,
		[]byte(`{"stop_after_preferred_failure":false,"slo_target":0.9}`),
	)
	mock.ExpectQuery("SELECT(.|\n)*FROM fetch_profiles").
		WithArgs("s1").
		WillReturnRows(rows)

	profile, err := store.GetProfile(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, watch.TierB, profile.DomainTier)
	require.NotNil(t, profile.PreferredProvider)
	require.Equal(t, watch.ProviderBrightdata, *profile.PreferredProvider)
	require.NotNil(t, profile.Overrides)
	require.NotNil(t, profile.Overrides.StopAfterPreferredFailure)
	require.False(t, *profile.Overrides.StopAfterPreferredFailure)
	require.NotNil(t, profile.Overrides.SLOTarget)
	require.InDelta(t, 0.9, *profile.Overrides.SLOTarget, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStore_GetProfile_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM fetch_profiles").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"source_id", "domain", "domain_tier", "preferred_provider", "geo_country", "tier_policy_overrides",
		}))

	_, err := store.GetProfile(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
