package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pagewatch/pagewatch/internal/watch"
)

func provider(p watch.Provider) *watch.Provider { return &p }

func TestResolver_Resolve_TierBDefaults(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	policy := r.Resolve(watch.FetchProfile{DomainTier: watch.TierB})

	require.NotNil(t, policy.PreferredProvider)
	require.Equal(t, watch.ProviderBrightdata, *policy.PreferredProvider)
	require.True(t, policy.StopAfterPreferredFailure)
	require.InDelta(t, 0.95, policy.SLOTarget, 1e-9)
	require.True(t, policy.AllowPaid)
	require.ElementsMatch(t, []watch.Provider{
		watch.ProviderHTTP,
		watch.ProviderMobileUA,
		watch.ProviderHeadless,
		watch.ProviderFlaresolverr,
	}, policy.DisabledProviders)
	require.Equal(t, 90*time.Second, policy.Timeouts[watch.ProviderBrightdata])
	require.Equal(t, 120*time.Second, policy.Timeouts[watch.ProviderScrapingBrowser])
}

func TestResolver_Resolve_TierADefaults(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	policy := r.Resolve(watch.FetchProfile{DomainTier: watch.TierA})

	require.Nil(t, policy.PreferredProvider)
	require.Empty(t, policy.DisabledProviders)
	require.False(t, policy.StopAfterPreferredFailure)
	require.InDelta(t, 0.95, policy.SLOTarget, 1e-9)
	require.False(t, policy.AllowPaid)
}

func TestResolver_Resolve_TierCKeepsWalkingChain(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	policy := r.Resolve(watch.FetchProfile{DomainTier: watch.TierC})

	require.NotNil(t, policy.PreferredProvider)
	require.False(t, policy.StopAfterPreferredFailure)
	require.InDelta(t, 0.80, policy.SLOTarget, 1e-9)
	require.Equal(t, 120*time.Second, policy.Timeouts[watch.ProviderBrightdata])
	require.Equal(t, 180*time.Second, policy.Timeouts[watch.ProviderTwocaptchaDatadome])
}

func TestResolver_Resolve_TimeoutsFullyPopulated(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	for _, tierValue := range []watch.DomainTier{watch.TierA, watch.TierB, watch.TierC, watch.TierUnknown, "something_new"} {
		policy := r.Resolve(watch.FetchProfile{DomainTier: tierValue})
		for _, p := range watch.FallbackOrder {
			require.Positive(t, policy.Timeouts[p], "tier %s provider %s", tierValue, p)
		}
	}
}

func TestResolver_Resolve_UnknownTierMatchesTierA(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	geo := "DE"
	profileA := watch.FetchProfile{DomainTier: watch.TierA, GeoCountry: &geo}
	profileU := watch.FetchProfile{DomainTier: watch.TierUnknown, GeoCountry: &geo}

	require.Equal(t, r.Resolve(profileA), r.Resolve(profileU))
}

func TestResolver_Resolve_Idempotent(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	stop := true
	profile := watch.FetchProfile{
		DomainTier:        watch.TierB,
		PreferredProvider: provider(watch.ProviderHTTP),
		Overrides: &watch.TierPolicyOverrides{
			StopAfterPreferredFailure: &stop,
		},
	}
	require.Equal(t, r.Resolve(profile), r.Resolve(profile))
}

func TestResolver_Resolve_OverrideReplacesDisabledSet(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	disabled := []watch.Provider{watch.ProviderFlaresolverr}
	policy := r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierA,
		Overrides:  &watch.TierPolicyOverrides{DisabledProviders: &disabled},
	})
	require.Equal(t, []watch.Provider{watch.ProviderFlaresolverr}, policy.DisabledProviders)

	// Same override on tier_b replaces the four-provider default wholesale.
	policy = r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierB,
		Overrides:  &watch.TierPolicyOverrides{DisabledProviders: &disabled},
	})
	require.Equal(t, []watch.Provider{watch.ProviderFlaresolverr}, policy.DisabledProviders)
}

func TestResolver_Resolve_OverrideWinsOverLegacy(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	policy := r.Resolve(watch.FetchProfile{
		DomainTier:        watch.TierA,
		PreferredProvider: provider(watch.ProviderHTTP),
		Overrides: &watch.TierPolicyOverrides{
			PreferredProvider: provider(watch.ProviderBrightdata),
		},
	})
	require.NotNil(t, policy.PreferredProvider)
	require.Equal(t, watch.ProviderBrightdata, *policy.PreferredProvider)
}

func TestResolver_Resolve_LegacyFieldsOverlayTierDefaults(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	geo := "US"
	policy := r.Resolve(watch.FetchProfile{
		DomainTier:        watch.TierB,
		PreferredProvider: provider(watch.ProviderScrapingBrowser),
		GeoCountry:        &geo,
	})
	require.Equal(t, watch.ProviderScrapingBrowser, *policy.PreferredProvider)
	require.Equal(t, "US", *policy.GeoCountry)
}

func TestResolver_Resolve_OverrideTimeoutLayersOnTop(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	policy := r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierA,
		Overrides: &watch.TierPolicyOverrides{
			Timeouts: map[watch.Provider]time.Duration{watch.ProviderHTTP: 5 * time.Second},
		},
	})
	require.Equal(t, 5*time.Second, policy.Timeouts[watch.ProviderHTTP])
	require.Equal(t, 60*time.Second, policy.Timeouts[watch.ProviderHeadless])
}

func TestResolver_Resolve_DriftWarnings(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(zap.New(core))

	// tier_a with paid-style config.
	r.Resolve(watch.FetchProfile{
		DomainTier:        watch.TierA,
		PreferredProvider: provider(watch.ProviderBrightdata),
	})
	require.Equal(t, 1, logs.Len())

	// tier_b with allow_paid disabled by override.
	allowPaid := false
	r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierB,
		Overrides:  &watch.TierPolicyOverrides{AllowPaid: &allowPaid},
	})
	require.Equal(t, 2, logs.Len())

	// nil override fields leave the tier default in place, no drift.
	r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierC,
		Overrides:  &watch.TierPolicyOverrides{PreferredProvider: nil},
	})
	require.Equal(t, 2, logs.Len())

	// tier_c with the preferred provider explicitly cleared.
	r.Resolve(watch.FetchProfile{
		DomainTier: watch.TierC,
		Overrides:  &watch.TierPolicyOverrides{PreferredProvider: provider("")},
	})
	require.Equal(t, 3, logs.Len())
}

func TestIsProviderEnabled(t *testing.T) {
	t.Parallel()

	policy := watch.TierPolicy{DisabledProviders: []watch.Provider{watch.ProviderHTTP}}
	require.False(t, IsProviderEnabled(policy, watch.ProviderHTTP))
	require.True(t, IsProviderEnabled(policy, watch.ProviderHeadless))
}
