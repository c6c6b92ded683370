// Package tier resolves partial per-source fetch configuration into a
// complete, deterministic fetch policy.
package tier

import (
	"time"

	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// globalTimeouts cover every provider; tier tables only override entries.
var globalTimeouts = map[watch.Provider]time.Duration{
	watch.ProviderHTTP:               25 * time.Second,
	watch.ProviderMobileUA:           25 * time.Second,
	watch.ProviderHeadless:           60 * time.Second,
	watch.ProviderFlaresolverr:       60 * time.Second,
	watch.ProviderBrightdata:         90 * time.Second,
	watch.ProviderScrapingBrowser:    120 * time.Second,
	watch.ProviderTwocaptchaProxy:    180 * time.Second,
	watch.ProviderTwocaptchaDatadome: 180 * time.Second,
}

type tierDefaults struct {
	preferredProvider         *watch.Provider
	disabledProviders         []watch.Provider
	stopAfterPreferredFailure bool
	sloTarget                 float64
	allowPaid                 bool
	timeouts                  map[watch.Provider]time.Duration
}

var brightdata = watch.ProviderBrightdata

// paidTierDisabled is the free-provider set tiers B and C disable: once a
// domain needs a residential proxy, the cheap paths only burn attempts.
var paidTierDisabled = []watch.Provider{
	watch.ProviderHTTP,
	watch.ProviderMobileUA,
	watch.ProviderHeadless,
	watch.ProviderFlaresolverr,
}

var defaultsByTier = map[watch.DomainTier]tierDefaults{
	watch.TierA: {
		sloTarget: 0.95,
		timeouts: map[watch.Provider]time.Duration{
			watch.ProviderHTTP:         25 * time.Second,
			watch.ProviderHeadless:     60 * time.Second,
			watch.ProviderFlaresolverr: 60 * time.Second,
		},
	},
	watch.TierB: {
		preferredProvider:         &brightdata,
		disabledProviders:         paidTierDisabled,
		stopAfterPreferredFailure: true,
		sloTarget:                 0.95,
		allowPaid:                 true,
		timeouts: map[watch.Provider]time.Duration{
			watch.ProviderBrightdata:      90 * time.Second,
			watch.ProviderScrapingBrowser: 120 * time.Second,
		},
	},
	watch.TierC: {
		preferredProvider: &brightdata,
		disabledProviders: paidTierDisabled,
		// Best effort: keep walking the paid chain after brightdata fails.
		stopAfterPreferredFailure: false,
		sloTarget:                 0.80,
		allowPaid:                 true,
		timeouts: map[watch.Provider]time.Duration{
			watch.ProviderBrightdata:         120 * time.Second,
			watch.ProviderScrapingBrowser:    120 * time.Second,
			watch.ProviderTwocaptchaDatadome: 180 * time.Second,
		},
	},
}

// Resolver merges tier defaults, legacy profile fields, and explicit
// overrides into a complete policy. Resolution itself is pure; the logger
// is used only for drift warnings.
type Resolver struct {
	log *zap.Logger
}

// NewResolver creates a Resolver. A nil logger disables drift warnings.
func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{log: log}
}

// Resolve produces the fully populated policy for a profile. Identical
// inputs always yield identical output.
func (r *Resolver) Resolve(profile watch.FetchProfile) watch.TierPolicy {
	tier := profile.DomainTier
	if tier == "" {
		tier = watch.TierA
	}
	defaults, ok := defaultsByTier[tier]
	if !ok {
		// tier_unknown and any unrecognized value behave as tier_a.
		defaults = defaultsByTier[watch.TierA]
	}

	policy := watch.TierPolicy{
		PreferredProvider:         copyProvider(defaults.preferredProvider),
		DisabledProviders:         append([]watch.Provider{}, defaults.disabledProviders...),
		StopAfterPreferredFailure: defaults.stopAfterPreferredFailure,
		Timeouts:                  layerTimeouts(defaults.timeouts),
		SLOTarget:                 defaults.sloTarget,
		AllowPaid:                 defaults.allowPaid,
	}

	// Legacy flat fields, below overrides in precedence.
	if profile.PreferredProvider != nil {
		policy.PreferredProvider = copyProvider(profile.PreferredProvider)
	}
	if profile.GeoCountry != nil {
		policy.GeoCountry = copyString(profile.GeoCountry)
	}

	if o := profile.Overrides; o != nil {
		if o.PreferredProvider != nil {
			policy.PreferredProvider = copyProvider(o.PreferredProvider)
		}
		if o.DisabledProviders != nil {
			// Full replacement, not a merge.
			policy.DisabledProviders = append([]watch.Provider{}, (*o.DisabledProviders)...)
		}
		if o.StopAfterPreferredFailure != nil {
			policy.StopAfterPreferredFailure = *o.StopAfterPreferredFailure
		}
		if o.GeoCountry != nil {
			policy.GeoCountry = copyString(o.GeoCountry)
		}
		if o.AllowPaid != nil {
			policy.AllowPaid = *o.AllowPaid
		}
		if o.SLOTarget != nil {
			policy.SLOTarget = *o.SLOTarget
		}
		for provider, timeout := range o.Timeouts {
			policy.Timeouts[provider] = timeout
		}
	}

	r.warnDrift(tier, profile, policy)
	return policy
}

// IsProviderEnabled reports whether provider is absent from the policy's
// disabled set.
func IsProviderEnabled(policy watch.TierPolicy, provider watch.Provider) bool {
	for _, disabled := range policy.DisabledProviders {
		if disabled == provider {
			return false
		}
	}
	return true
}

// warnDrift flags profiles whose tier and configuration contradict each
// other. Observability only; the resolved policy is not changed.
func (r *Resolver) warnDrift(tier watch.DomainTier, profile watch.FetchProfile, policy watch.TierPolicy) {
	fields := []zap.Field{
		zap.String("source_id", profile.SourceID),
		zap.String("domain", profile.Domain),
		zap.String("tier", string(tier)),
	}
	switch tier {
	case watch.TierA, watch.TierUnknown:
		if policy.PreferredProvider != nil || policy.StopAfterPreferredFailure {
			r.log.Warn("free-tier profile carries paid-style configuration, consider upgrading to tier_b", fields...)
		}
	case watch.TierB, watch.TierC:
		if !policy.AllowPaid {
			r.log.Warn("paid-tier profile resolved with allow_paid=false", fields...)
		}
		if tier == watch.TierC && (policy.PreferredProvider == nil || *policy.PreferredProvider == "") {
			r.log.Warn("tier_c profile resolved without a preferred provider", fields...)
		}
	}
}

func layerTimeouts(overrides map[watch.Provider]time.Duration) map[watch.Provider]time.Duration {
	out := make(map[watch.Provider]time.Duration, len(globalTimeouts))
	for provider, timeout := range globalTimeouts {
		out[provider] = timeout
	}
	for provider, timeout := range overrides {
		out[provider] = timeout
	}
	return out
}

func copyProvider(p *watch.Provider) *watch.Provider {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
