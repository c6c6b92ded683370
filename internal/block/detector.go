// Package block classifies HTTP responses that look successful but are
// actually anti-bot challenge or restriction pages.
package block

import (
	"bytes"
	"strings"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// Type is the single block classification picked per response.
type Type string

// Block types, strongest semantic first. TypeGeneric covers weak signals
// (bare 403, suspiciously short 200 body) that do not name a vendor.
const (
	TypeCloudflare Type = "cloudflare"
	TypeCaptcha    Type = "captcha"
	TypeRateLimit  Type = "rate_limit"
	TypeGeoBlock   Type = "geo_block"
	TypeGeneric    Type = "generic"
	TypeNone       Type = "none"
)

// Confidence grades how certain a classification is.
type Confidence string

// Confidence levels.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Result is the outcome of classifying one HTTP response.
type Result struct {
	Blocked        bool       `json:"blocked"`
	Type           Type       `json:"type"`
	Confidence     Confidence `json:"confidence"`
	Recommendation string     `json:"recommendation"`
}

type input struct {
	status  int
	body    []byte
	lower   []byte
	headers map[string][]string
}

type signal struct {
	blockType  Type
	confidence Confidence
}

// evaluator inspects one independent evidence source. Evaluators are held
// in a fixed, append-only list; list order is the classification
// precedence and must never change for existing entries.
type evaluator func(in input) (signal, bool)

// Detector classifies responses using an ordered evaluator chain.
type Detector struct {
	bodyLengthThreshold int
	evaluators          []evaluator
}

// NewDetector creates a Detector. threshold is the body size below which
// a 200 response with no recognizable content is treated as suspicious;
// zero selects the default.
func NewDetector(threshold int) *Detector {
	if threshold == 0 {
		threshold = 2048
	}
	d := &Detector{bodyLengthThreshold: threshold}
	d.evaluators = []evaluator{
		evalBlockStatus,
		evalCloudflareHeaders,
		evalCloudflareBody,
		evalCaptchaMarkers,
		evalRateLimitPhrasing,
		evalGeoPhrasing,
		d.evalWeakGeneric,
	}
	return d
}

var (
	cfChallengeScripts = [][]byte{
		[]byte("cf_chl_opt"),
		[]byte("/cdn-cgi/challenge-platform"),
		[]byte("cf-challenge"),
		[]byte("__cf_chl_jschl_tk__"),
	}
	cfChallengePhrases = [][]byte{
		[]byte("checking your browser"),
		[]byte("just a moment"),
		[]byte("attention required! | cloudflare"),
	}
	captchaScripts = [][]byte{
		[]byte("recaptcha/api.js"),
		[]byte("g-recaptcha"),
		[]byte("hcaptcha.com/1/api.js"),
		[]byte("h-captcha"),
		[]byte("cdn-cgi/challenge-platform/turnstile"),
	}
	captchaPhrases = [][]byte{
		[]byte("solve the captcha"),
		[]byte("complete the security check"),
		[]byte("verify you are human"),
	}
	rateLimitPhrases = [][]byte{
		[]byte("too many requests"),
		[]byte("rate limit exceeded"),
		[]byte("you have been rate limited"),
		[]byte("slow down"),
	}
	geoPhrases = [][]byte{
		[]byte("not available in your country"),
		[]byte("not available in your region"),
		[]byte("unavailable in your location"),
		[]byte("access from your region is restricted"),
	}
	realContentMarkers = [][]byte{
		[]byte("<article"),
		[]byte("<main"),
		[]byte("<product"),
		[]byte("itemprop="),
		[]byte("og:title"),
	}
)

var recommendations = map[Type]string{
	TypeCloudflare: "Cloudflare challenge detected; switch to the headless or residential-proxy provider.",
	TypeCaptcha:    "CAPTCHA detected; escalate to a CAPTCHA-solving provider.",
	TypeRateLimit:  "Rate limited; back off this domain and rotate to a provider with a different IP pool.",
	TypeGeoBlock:   "Geo-restricted; set a geo country on the fetch profile and use a regional proxy.",
	TypeGeneric:    "Response looks like an empty block shell; escalate to a stronger provider.",
	TypeNone:       "",
}

// Detect classifies a response. It never fails: missing body or headers is
// treated as absence of evidence, not an error.
func (d *Detector) Detect(status int, body []byte, headers map[string][]string) Result {
	in := input{
		status:  status,
		body:    body,
		lower:   bytes.ToLower(body),
		headers: headers,
	}
	for _, eval := range d.evaluators {
		if sig, fired := eval(in); fired {
			return Result{
				Blocked:        true,
				Type:           sig.blockType,
				Confidence:     sig.confidence,
				Recommendation: recommendations[sig.blockType],
			}
		}
	}

	confidence := ConfidenceHigh
	if len(body) == 0 || len(body) < d.bodyLengthThreshold {
		// Thin or absent body carries no positive evidence either way.
		confidence = ConfidenceLow
	}
	return Result{Blocked: false, Type: TypeNone, Confidence: confidence}
}

// ErrorCodeFor maps a block classification onto the error taxonomy.
func ErrorCodeFor(t Type) watch.ErrorCode {
	switch t {
	case TypeCloudflare:
		return watch.ErrBlockCloudflareSuspected
	case TypeCaptcha:
		return watch.ErrBlockCaptchaSuspected
	case TypeRateLimit:
		return watch.ErrBlockRateLimit429
	case TypeGeoBlock:
		return watch.ErrBlockGeoRestricted
	case TypeGeneric:
		return watch.ErrBlockForbidden403
	default:
		return ""
	}
}

func evalBlockStatus(in input) (signal, bool) {
	switch in.status {
	case 429:
		return signal{blockType: TypeRateLimit, confidence: ConfidenceHigh}, true
	case 403:
		if containsAny(in.lower, geoPhrases) {
			return signal{blockType: TypeGeoBlock, confidence: ConfidenceHigh}, true
		}
	}
	return signal{}, false
}

func evalCloudflareHeaders(in input) (signal, bool) {
	if strings.EqualFold(headerValue(in.headers, "server"), "cloudflare") ||
		headerValue(in.headers, "cf-ray") != "" ||
		headerValue(in.headers, "cf-mitigated") != "" {
		// Header alone only proves the CDN; require any challenge hint in
		// the body before calling it a block.
		if containsAny(in.lower, cfChallengeScripts) || containsAny(in.lower, cfChallengePhrases) {
			return signal{blockType: TypeCloudflare, confidence: ConfidenceHigh}, true
		}
	}
	return signal{}, false
}

func evalCloudflareBody(in input) (signal, bool) {
	if containsAny(in.lower, cfChallengeScripts) {
		return signal{blockType: TypeCloudflare, confidence: ConfidenceHigh}, true
	}
	if containsAny(in.lower, cfChallengePhrases) {
		return signal{blockType: TypeCloudflare, confidence: ConfidenceMedium}, true
	}
	return signal{}, false
}

func evalCaptchaMarkers(in input) (signal, bool) {
	if containsAny(in.lower, captchaScripts) {
		return signal{blockType: TypeCaptcha, confidence: ConfidenceHigh}, true
	}
	if containsAny(in.lower, captchaPhrases) {
		return signal{blockType: TypeCaptcha, confidence: ConfidenceMedium}, true
	}
	return signal{}, false
}

func evalRateLimitPhrasing(in input) (signal, bool) {
	if containsAny(in.lower, rateLimitPhrases) {
		return signal{blockType: TypeRateLimit, confidence: ConfidenceMedium}, true
	}
	return signal{}, false
}

func evalGeoPhrasing(in input) (signal, bool) {
	if containsAny(in.lower, geoPhrases) {
		return signal{blockType: TypeGeoBlock, confidence: ConfidenceMedium}, true
	}
	return signal{}, false
}

func (d *Detector) evalWeakGeneric(in input) (signal, bool) {
	if in.status == 403 {
		return signal{blockType: TypeGeneric, confidence: ConfidenceMedium}, true
	}
	if in.status == 200 && len(in.body) > 0 && len(in.body) < d.bodyLengthThreshold &&
		!containsAny(in.lower, realContentMarkers) {
		return signal{blockType: TypeGeneric, confidence: ConfidenceLow}, true
	}
	return signal{}, false
}

func containsAny(lower []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func headerValue(headers map[string][]string, name string) string {
	for key, values := range headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
