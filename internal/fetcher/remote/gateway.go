package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// GatewayConfig configures a solver-gateway client. The gateway is an
// internal sidecar that fronts vendor APIs (scraping browsers, 2Captcha
// flows) behind one JSON contract.
type GatewayConfig struct {
	Endpoint   string
	APIKey     string
	Provider   watch.Provider
	Solver     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Gateway implements watch.ProviderClient against the solver gateway.
type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewScrapingBrowser builds a client for the hosted scraping-browser
// solver.
func NewScrapingBrowser(endpoint, apiKey string, timeout time.Duration) (*Gateway, error) {
	return newGateway(GatewayConfig{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Provider: watch.ProviderScrapingBrowser,
		Solver:   "scraping_browser",
		Timeout:  timeout,
	})
}

// NewTwocaptchaProxy builds a client for the 2Captcha proxy solver.
func NewTwocaptchaProxy(endpoint, apiKey string, timeout time.Duration) (*Gateway, error) {
	return newGateway(GatewayConfig{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Provider: watch.ProviderTwocaptchaProxy,
		Solver:   "twocaptcha_proxy",
		Timeout:  timeout,
	})
}

// NewTwocaptchaDatadome builds a client for the 2Captcha DataDome
// solver.
func NewTwocaptchaDatadome(endpoint, apiKey string, timeout time.Duration) (*Gateway, error) {
	return newGateway(GatewayConfig{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Provider: watch.ProviderTwocaptchaDatadome,
		Solver:   "twocaptcha_datadome",
		Timeout:  timeout,
	})
}

func newGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 170 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout + 10*time.Second}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Gateway{cfg: cfg, client: client}, nil
}

type gatewayRequest struct {
	Solver     string `json:"solver"`
	URL        string `json:"url"`
	GeoCountry string `json:"geo_country,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

type gatewayResponse struct {
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	FinalURL   string            `json:"final_url"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	BodyB64    string            `json:"body_b64"`
}

// Fetch asks the gateway to solve and fetch the target URL.
func (g *Gateway) Fetch(ctx context.Context, target string, geoCountry *string) (watch.FetchResponse, error) {
	payload := gatewayRequest{
		Solver:    g.cfg.Solver,
		URL:       target,
		TimeoutMS: g.cfg.Timeout.Milliseconds(),
	}
	if geoCountry != nil {
		payload.GeoCountry = *geoCountry
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint+"/v1/solve", bytes.NewReader(encoded))
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("gateway call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 48<<20))
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return watch.FetchResponse{}, fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return watch.FetchResponse{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if parsed.Status != "ok" {
		return watch.FetchResponse{}, fmt.Errorf("gateway solve failed: %s", parsed.Error)
	}

	body, err := base64.StdEncoding.DecodeString(parsed.BodyB64)
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("decode gateway body: %w", err)
	}
	headers := make(map[string][]string, len(parsed.Headers))
	for k, v := range parsed.Headers {
		headers[http.CanonicalHeaderKey(k)] = []string{v}
	}
	status := parsed.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	finalURL := parsed.FinalURL
	if finalURL == "" {
		finalURL = target
	}

	return watch.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Duration:   time.Since(start),
		Provider:   g.cfg.Provider,
	}, nil
}
