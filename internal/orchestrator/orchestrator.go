// Package orchestrator drives fetch providers in policy order, detecting
// silent blocks and escalating until one provider returns real content.
package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/block"
	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/tier"
	"github.com/pagewatch/pagewatch/internal/watch"
)

// costUnits is the relative per-attempt cost of each provider; it feeds
// escalation telemetry, not billing.
var costUnits = map[watch.Provider]float64{
	watch.ProviderHTTP:               0,
	watch.ProviderMobileUA:           0,
	watch.ProviderHeadless:           1,
	watch.ProviderFlaresolverr:       1,
	watch.ProviderBrightdata:         10,
	watch.ProviderScrapingBrowser:    15,
	watch.ProviderTwocaptchaProxy:    20,
	watch.ProviderTwocaptchaDatadome: 25,
}

const defaultAttemptTimeout = 30 * time.Second

// Config controls Orchestrator behavior.
type Config struct {
	DomainRPS   float64
	DomainBurst int
}

// Orchestrator walks the resolved provider chain for one URL.
type Orchestrator struct {
	providers map[watch.Provider]watch.ProviderClient
	detector  *block.Detector
	limiter   *domainLimiter
	clock     watch.Clock
	log       *zap.Logger
}

// New constructs an Orchestrator over the registered provider clients.
// Providers missing from the map are skipped during chain walking.
func New(
	providers map[watch.Provider]watch.ProviderClient,
	detector *block.Detector,
	clock watch.Clock,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		providers: providers,
		detector:  detector,
		limiter:   newDomainLimiter(cfg.DomainRPS, cfg.DomainBurst),
		clock:     clock,
		log:       log,
	}
}

// Fetch attempts providers in policy order: the preferred provider first
// when set and usable, then the remaining usable providers in the fixed
// fallback order. Every HTTP-level response passes through the block
// detector before it counts as success.
func (o *Orchestrator) Fetch(ctx context.Context, url string, policy watch.TierPolicy) watch.RunOutcome {
	outcome := watch.RunOutcome{URL: url}
	chain := o.buildChain(policy)
	if len(chain) == 0 {
		o.log.Warn("no usable providers for url", zap.String("url", url))
		outcome.ErrorCode = watch.ErrFetchConnection
		outcome.FinishedAt = o.clock.Now()
		return outcome
	}

	for i, provider := range chain {
		attempt, body := o.tryProvider(ctx, provider, url, policy)
		outcome.Attempts = append(outcome.Attempts, attempt)
		outcome.TotalCost += attempt.CostUnits

		if attempt.ErrorCode == "" {
			outcome.Succeeded = true
			outcome.ProviderUsed = provider
			outcome.StatusCode = attempt.StatusCode
			outcome.Body = body
			break
		}
		outcome.ErrorCode = attempt.ErrorCode
		outcome.StatusCode = attempt.StatusCode

		preferredFailed := i == 0 && policy.PreferredProvider != nil && *policy.PreferredProvider == provider
		if preferredFailed && policy.StopAfterPreferredFailure {
			o.log.Debug("stopping after preferred provider failure",
				zap.String("url", url),
				zap.String("provider", string(provider)),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	outcome.FinishedAt = o.clock.Now()
	return outcome
}

// tryProvider runs one attempt and classifies its result. The body is
// returned only when the attempt counts as a clean success.
func (o *Orchestrator) tryProvider(ctx context.Context, provider watch.Provider, url string, policy watch.TierPolicy) (watch.ProviderAttempt, []byte) {
	attempt := watch.ProviderAttempt{
		Provider:  provider,
		CostUnits: costUnits[provider],
	}
	start := o.clock.Now()

	if err := o.limiter.Wait(ctx, url); err != nil {
		attempt.ErrorCode = watch.ErrFetchTimeout
		attempt.Duration = o.clock.Now().Sub(start)
		return attempt, nil
	}

	timeout := policy.Timeouts[provider]
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.providers[provider].Fetch(attemptCtx, url, policy.GeoCountry)
	attempt.Duration = o.clock.Now().Sub(start)
	if err != nil {
		attempt.ErrorCode = classifyFetchError(err)
		metrics.ObserveProviderAttempt(string(provider), "error", attempt.CostUnits)
		o.log.Debug("provider attempt failed",
			zap.String("url", url),
			zap.String("provider", string(provider)),
			zap.String("error_code", string(attempt.ErrorCode)),
			zap.Error(err),
		)
		return attempt, nil
	}
	attempt.StatusCode = resp.StatusCode

	result := o.detector.Detect(resp.StatusCode, resp.Body, resp.Headers)
	metrics.ObserveBlockDetection(string(result.Type))
	if result.Blocked {
		attempt.ErrorCode = block.ErrorCodeFor(result.Type)
		metrics.ObserveProviderAttempt(string(provider), "blocked", attempt.CostUnits)
		o.log.Info("silent block detected",
			zap.String("url", url),
			zap.String("provider", string(provider)),
			zap.String("block_type", string(result.Type)),
			zap.String("confidence", string(result.Confidence)),
			zap.String("recommendation", result.Recommendation),
		)
		return attempt, nil
	}

	switch {
	case resp.StatusCode >= 500:
		attempt.ErrorCode = watch.ErrFetchHTTP5xx
		metrics.ObserveProviderAttempt(string(provider), "http_error", attempt.CostUnits)
		return attempt, nil
	case resp.StatusCode >= 400:
		attempt.ErrorCode = watch.ErrFetchHTTP4xx
		metrics.ObserveProviderAttempt(string(provider), "http_error", attempt.CostUnits)
		return attempt, nil
	}
	metrics.ObserveProviderAttempt(string(provider), "ok", attempt.CostUnits)
	return attempt, resp.Body
}

// buildChain returns the providers to try, preferred first, skipping
// disabled providers, unregistered providers, and paid providers when the
// policy forbids them.
func (o *Orchestrator) buildChain(policy watch.TierPolicy) []watch.Provider {
	usable := func(p watch.Provider) bool {
		if _, registered := o.providers[p]; !registered {
			return false
		}
		if !tier.IsProviderEnabled(policy, p) {
			return false
		}
		if watch.PaidProviders[p] && !policy.AllowPaid {
			return false
		}
		return true
	}

	var chain []watch.Provider
	if pref := policy.PreferredProvider; pref != nil && *pref != "" && usable(*pref) {
		chain = append(chain, *pref)
	}
	for _, p := range watch.FallbackOrder {
		if len(chain) > 0 && p == chain[0] {
			continue
		}
		if usable(p) {
			chain = append(chain, p)
		}
	}
	return chain
}

func classifyFetchError(err error) watch.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return watch.ErrFetchTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return watch.ErrFetchDNS
	}
	var tlsErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) || errors.As(err, &certErr) {
		return watch.ErrFetchTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return watch.ErrFetchTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return watch.ErrFetchConnection
	}
	return watch.ErrFetchConnection
}
