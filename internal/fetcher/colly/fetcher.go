// Package collyfetcher implements the plain-HTTP provider clients using
// gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// DesktopUserAgent is the default UA for the http provider.
const DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// MobileUserAgent is the default UA for the mobile_ua provider. Some
// anti-bot stacks serve mobile traffic a lighter challenge path.
const MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (Version/17.4 Mobile/15E148 Safari/604.1)"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Provider  watch.Provider
	Timeout   time.Duration
}

// Fetcher implements watch.ProviderClient using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher for one user-agent identity.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DesktopUserAgent
	}
	if cfg.Provider == "" {
		cfg.Provider = watch.ProviderHTTP
	}
	c := colly.NewCollector()
	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; set the field directly to keep the collector synchronous.
	c.Async = false
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// NewMobile builds a Fetcher presenting a mobile browser identity.
func NewMobile(timeout time.Duration) *Fetcher {
	return New(Config{
		UserAgent: MobileUserAgent,
		Provider:  watch.ProviderMobileUA,
		Timeout:   timeout,
	})
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, url string, _ *string) (watch.FetchResponse, error) {
	var (
		result   watch.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 25 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = watch.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Provider:   f.cfg.Provider,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports 4xx/5xx through OnError; keep the response so the
		// block detector can inspect it.
		if r != nil && r.StatusCode != 0 {
			result = watch.FetchResponse{
				URL:        url,
				StatusCode: r.StatusCode,
				Headers:    r.Headers.Clone(),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
				Provider:   f.cfg.Provider,
			}
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, url); err != nil {
		if result.StatusCode != 0 {
			return result, nil
		}
		if fetchErr != nil {
			return watch.FetchResponse{}, fmt.Errorf("colly visit: %w", fetchErr)
		}
		return watch.FetchResponse{}, err
	}
	if fetchErr != nil {
		return watch.FetchResponse{}, fmt.Errorf("colly response: %w", fetchErr)
	}
	return result, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
