// Package watch defines core types shared across the monitoring subsystems.
package watch

import "time"

// RuleType classifies what a monitoring rule extracts from a page.
type RuleType string

// Rule type values persisted in the rule store.
const (
	RuleTypePrice        RuleType = "price"
	RuleTypeAvailability RuleType = "availability"
	RuleTypeText         RuleType = "text"
	RuleTypeNumber       RuleType = "number"
	RuleTypeJSONField    RuleType = "json_field"
)

// Provider identifies a fetch strategy/backend.
type Provider string

// Known providers, cheapest first. FallbackOrder below is the canonical
// escalation order and must not be reordered.
const (
	ProviderHTTP               Provider = "http"
	ProviderMobileUA           Provider = "mobile_ua"
	ProviderHeadless           Provider = "headless"
	ProviderFlaresolverr       Provider = "flaresolverr"
	ProviderBrightdata         Provider = "brightdata"
	ProviderScrapingBrowser    Provider = "scraping_browser"
	ProviderTwocaptchaProxy    Provider = "twocaptcha_proxy"
	ProviderTwocaptchaDatadome Provider = "twocaptcha_datadome"
)

// FallbackOrder is the fixed provider escalation order used when no
// preferred provider applies.
var FallbackOrder = []Provider{
	ProviderHTTP,
	ProviderMobileUA,
	ProviderHeadless,
	ProviderFlaresolverr,
	ProviderBrightdata,
	ProviderScrapingBrowser,
	ProviderTwocaptchaProxy,
	ProviderTwocaptchaDatadome,
}

// PaidProviders are the providers that incur per-request vendor cost.
var PaidProviders = map[Provider]bool{
	ProviderBrightdata:         true,
	ProviderScrapingBrowser:    true,
	ProviderTwocaptchaProxy:    true,
	ProviderTwocaptchaDatadome: true,
}

// DomainTier is a coarse classification of how aggressively a domain
// resists automated fetching.
type DomainTier string

// Domain tier values.
const (
	TierA       DomainTier = "tier_a"
	TierB       DomainTier = "tier_b"
	TierC       DomainTier = "tier_c"
	TierUnknown DomainTier = "unknown"
)

// Extraction describes how a value is pulled out of a fetched page.
type Extraction struct {
	Method            string   `json:"method"`
	Selector          string   `json:"selector"`
	Attribute         string   `json:"attribute,omitempty"`
	Postprocess       string   `json:"postprocess,omitempty"`
	FallbackSelectors []string `json:"fallback_selectors,omitempty"`
}

// ActiveHours restricts runs to a daily window, hours in [0,24).
type ActiveHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether t falls inside the window. A window that wraps
// midnight (start > end) covers both sides of it.
func (w ActiveHours) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Schedule holds a rule's cadence configuration.
type Schedule struct {
	IntervalSeconds int          `json:"interval_seconds"`
	JitterSeconds   int          `json:"jitter_seconds,omitempty"`
	ActiveHours     *ActiveHours `json:"active_hours,omitempty"`
}

// Rule is a monitoring configuration for one value on one page.
type Rule struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	URL           string     `json:"url"`
	Domain        string     `json:"domain"`
	Type          RuleType   `json:"type"`
	Extraction    Extraction `json:"extraction"`
	Schedule      Schedule   `json:"schedule"`
	Enabled       bool       `json:"enabled"`
	HealthScore   int        `json:"health_score"`
	LastErrorCode ErrorCode  `json:"last_error_code,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	AlertPolicy   string     `json:"alert_policy,omitempty"`
}

// TierPolicyOverrides is the explicit override structure carried on a
// FetchProfile. Every field is optional; a present field fully replaces
// the corresponding resolved value, it is never merged.
type TierPolicyOverrides struct {
	PreferredProvider         *Provider                  `json:"preferred_provider,omitempty"`
	DisabledProviders         *[]Provider                `json:"disabled_providers,omitempty"`
	StopAfterPreferredFailure *bool                      `json:"stop_after_preferred_failure,omitempty"`
	GeoCountry                *string                    `json:"geo_country,omitempty"`
	AllowPaid                 *bool                      `json:"allow_paid,omitempty"`
	SLOTarget                 *float64                   `json:"slo_target,omitempty"`
	Timeouts                  map[Provider]time.Duration `json:"timeouts,omitempty"`
}

// FetchProfile is the per-source fetch configuration read by the tier
// policy resolver. PreferredProvider and GeoCountry are legacy fields
// kept for backward compatibility; Overrides wins over both.
type FetchProfile struct {
	SourceID          string               `json:"source_id"`
	Domain            string               `json:"domain"`
	DomainTier        DomainTier           `json:"domain_tier"`
	PreferredProvider *Provider            `json:"preferred_provider,omitempty"`
	GeoCountry        *string              `json:"geo_country,omitempty"`
	Overrides         *TierPolicyOverrides `json:"tier_policy_overrides,omitempty"`
}

// TierPolicy is a fully resolved fetch policy. It is computed fresh per
// fetch attempt and never persisted.
type TierPolicy struct {
	PreferredProvider         *Provider                  `json:"preferred_provider,omitempty"`
	DisabledProviders         []Provider                 `json:"disabled_providers"`
	StopAfterPreferredFailure bool                       `json:"stop_after_preferred_failure"`
	GeoCountry                *string                    `json:"geo_country,omitempty"`
	Timeouts                  map[Provider]time.Duration `json:"timeouts"`
	SLOTarget                 float64                    `json:"slo_target"`
	AllowPaid                 bool                       `json:"allow_paid"`
}

// RunTrigger says why a run job was created.
type RunTrigger string

// Run trigger values.
const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
)

// RunJobPayload is the message enqueued for each scheduled rule run.
type RunJobPayload struct {
	RuleID      string     `json:"rule_id"`
	Trigger     RunTrigger `json:"trigger"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Backoff describes the queue-side retry delay curve for a job.
type Backoff struct {
	Type         string        `json:"type"`
	InitialDelay time.Duration `json:"initial_delay"`
}

// Retention describes how long the queue keeps finished jobs.
type Retention struct {
	SucceededAge   time.Duration `json:"succeeded_age"`
	SucceededCount int           `json:"succeeded_count"`
	FailedAge      time.Duration `json:"failed_age"`
}

// EnqueueOptions carries per-job queue semantics.
type EnqueueOptions struct {
	JobID     string    `json:"job_id"`
	Attempts  int       `json:"attempts"`
	Backoff   Backoff   `json:"backoff"`
	Retention Retention `json:"retention"`
}

// FetchResponse is a single raw provider response before block
// classification.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	Duration   time.Duration
	Provider   Provider
}

// ProviderAttempt records one provider try inside an orchestrated fetch.
type ProviderAttempt struct {
	Provider   Provider      `json:"provider"`
	StatusCode int           `json:"status_code,omitempty"`
	ErrorCode  ErrorCode     `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	CostUnits  float64       `json:"cost_units"`
}

// RunOutcome is the final result of one orchestrated fetch.
type RunOutcome struct {
	RuleID       string            `json:"rule_id"`
	URL          string            `json:"url"`
	Succeeded    bool              `json:"succeeded"`
	ProviderUsed Provider          `json:"provider_used,omitempty"`
	StatusCode   int               `json:"status_code,omitempty"`
	Body         []byte            `json:"-"`
	ErrorCode    ErrorCode         `json:"error_code,omitempty"`
	Attempts     []ProviderAttempt `json:"attempts"`
	TotalCost    float64           `json:"total_cost"`
	FinishedAt   time.Time         `json:"finished_at"`
}
