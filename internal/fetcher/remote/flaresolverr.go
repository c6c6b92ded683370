// Package remote implements provider clients that delegate fetching to
// external anti-bot services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// FlaresolverrConfig configures the FlareSolverr client.
type FlaresolverrConfig struct {
	Endpoint   string
	MaxTimeout time.Duration
	HTTPClient *http.Client
}

// Flaresolverr implements watch.ProviderClient against a FlareSolverr
// instance, which solves Cloudflare challenges in a managed browser.
type Flaresolverr struct {
	endpoint   string
	maxTimeout time.Duration
	client     *http.Client
}

// NewFlaresolverr builds a client for the given FlareSolverr endpoint.
func NewFlaresolverr(cfg FlaresolverrConfig) (*Flaresolverr, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("flaresolverr endpoint is required")
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 55 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.MaxTimeout + 10*time.Second}
	}
	return &Flaresolverr{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		maxTimeout: cfg.MaxTimeout,
		client:     client,
	}, nil
}

type flaresolverrRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int64  `json:"maxTimeout"`
}

type flaresolverrSolution struct {
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Response string            `json:"response"`
}

type flaresolverrResponse struct {
	Status   string               `json:"status"`
	Message  string               `json:"message"`
	Solution flaresolverrSolution `json:"solution"`
}

// Fetch runs a request.get command through FlareSolverr. The geo country
// hint is ignored; FlareSolverr egresses from wherever it is deployed.
func (f *Flaresolverr) Fetch(ctx context.Context, url string, _ *string) (watch.FetchResponse, error) {
	payload, err := json.Marshal(flaresolverrRequest{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: f.maxTimeout.Milliseconds(),
	})
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("marshal flaresolverr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+"/v1", bytes.NewReader(payload))
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("build flaresolverr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("flaresolverr call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("read flaresolverr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return watch.FetchResponse{}, fmt.Errorf("flaresolverr returned HTTP %d", resp.StatusCode)
	}

	var parsed flaresolverrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return watch.FetchResponse{}, fmt.Errorf("decode flaresolverr response: %w", err)
	}
	if parsed.Status != "ok" {
		return watch.FetchResponse{}, fmt.Errorf("flaresolverr solve failed: %s", parsed.Message)
	}

	headers := make(map[string][]string, len(parsed.Solution.Headers))
	for k, v := range parsed.Solution.Headers {
		headers[http.CanonicalHeaderKey(k)] = []string{v}
	}
	status := parsed.Solution.Status
	if status == 0 {
		status = http.StatusOK
	}
	finalURL := parsed.Solution.URL
	if finalURL == "" {
		finalURL = url
	}

	return watch.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(parsed.Solution.Response),
		Duration:   time.Since(start),
		Provider:   watch.ProviderFlaresolverr,
	}, nil
}
