package watch

// ErrorCode is the closed vocabulary of failure causes surfaced by the
// fetch and extraction pipeline.
type ErrorCode string

// Fetch-layer codes.
const (
	ErrFetchTimeout    ErrorCode = "FETCH_TIMEOUT"
	ErrFetchDNS        ErrorCode = "FETCH_DNS_ERROR"
	ErrFetchConnection ErrorCode = "FETCH_CONNECTION_ERROR"
	ErrFetchTLS        ErrorCode = "FETCH_TLS_ERROR"
	ErrFetchHTTP4xx    ErrorCode = "FETCH_HTTP_4XX"
	ErrFetchHTTP5xx    ErrorCode = "FETCH_HTTP_5XX"
)

// Block-layer codes.
const (
	ErrBlockCaptchaSuspected    ErrorCode = "BLOCK_CAPTCHA_SUSPECTED"
	ErrBlockCloudflareSuspected ErrorCode = "BLOCK_CLOUDFLARE_SUSPECTED"
	ErrBlockForbidden403        ErrorCode = "BLOCK_FORBIDDEN_403"
	ErrBlockRateLimit429        ErrorCode = "BLOCK_RATE_LIMIT_429"
	ErrBlockGeoRestricted       ErrorCode = "BLOCK_GEO_RESTRICTED"
)

// Extraction-layer codes.
const (
	ErrExtractSelectorNotFound ErrorCode = "EXTRACT_SELECTOR_NOT_FOUND"
	ErrExtractSchemaNotFound   ErrorCode = "EXTRACT_SCHEMA_NOT_FOUND"
	ErrExtractEmptyValue       ErrorCode = "EXTRACT_EMPTY_VALUE"
	ErrExtractParseError       ErrorCode = "EXTRACT_PARSE_ERROR"
	ErrExtractUnstable         ErrorCode = "EXTRACT_UNSTABLE"
)

// System-layer codes.
const (
	ErrSystemWorkerCrash ErrorCode = "SYSTEM_WORKER_CRASH"
	ErrSystemQueueDelay  ErrorCode = "SYSTEM_QUEUE_DELAY"
)

// Severity ranks how urgently an operator should look at an error.
type Severity string

// Severity levels.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ErrorInfo is the operator-facing description of one error code.
type ErrorInfo struct {
	Code           ErrorCode `json:"code"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	Severity       Severity  `json:"severity"`
	Retryable      bool      `json:"retryable"`
}

var errorTable = map[ErrorCode]ErrorInfo{
	ErrFetchTimeout: {
		Code:           ErrFetchTimeout,
		Title:          "Fetch timed out",
		Description:    "The provider did not return a response within its timeout.",
		Recommendation: "Retry; if persistent, raise the provider timeout or escalate to a slower-but-stronger provider.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrFetchDNS: {
		Code:           ErrFetchDNS,
		Title:          "DNS resolution failed",
		Description:    "The target hostname could not be resolved.",
		Recommendation: "Verify the rule URL; transient resolver failures clear on retry.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrFetchConnection: {
		Code:           ErrFetchConnection,
		Title:          "Connection failed",
		Description:    "A TCP connection to the target could not be established.",
		Recommendation: "Retry; check the site is reachable from the worker network.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrFetchTLS: {
		Code:           ErrFetchTLS,
		Title:          "TLS handshake failed",
		Description:    "The TLS negotiation with the target failed.",
		Recommendation: "Usually a certificate or fingerprinting issue; switch to a browser-grade provider rather than retrying.",
		Severity:       SeverityWarning,
		Retryable:      false,
	},
	ErrFetchHTTP4xx: {
		Code:           ErrFetchHTTP4xx,
		Title:          "Client error response",
		Description:    "The target returned a 4xx status other than a recognized block.",
		Recommendation: "Check the rule URL; 4xx responses rarely clear on retry.",
		Severity:       SeverityWarning,
		Retryable:      false,
	},
	ErrFetchHTTP5xx: {
		Code:           ErrFetchHTTP5xx,
		Title:          "Server error response",
		Description:    "The target returned a 5xx status.",
		Recommendation: "Retry later; the site itself is having trouble.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrBlockCaptchaSuspected: {
		Code:           ErrBlockCaptchaSuspected,
		Title:          "CAPTCHA challenge suspected",
		Description:    "The response contains CAPTCHA widget markers instead of page content.",
		Recommendation: "Escalate to a CAPTCHA-solving or residential-proxy provider; do not retry the same provider.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrBlockCloudflareSuspected: {
		Code:           ErrBlockCloudflareSuspected,
		Title:          "Cloudflare challenge suspected",
		Description:    "The response looks like a Cloudflare browser-check page.",
		Recommendation: "Escalate to a headless or residential-proxy provider; do not retry the same provider.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrBlockForbidden403: {
		Code:           ErrBlockForbidden403,
		Title:          "Access forbidden",
		Description:    "The target returned 403 or an empty shell page with no recognizable content.",
		Recommendation: "Escalate to a stronger provider; repeated 403s may mean the worker IP range is blacklisted.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrBlockRateLimit429: {
		Code:           ErrBlockRateLimit429,
		Title:          "Rate limited",
		Description:    "The target is rate limiting requests (429 or rate-limit phrasing).",
		Recommendation: "Back off this domain and escalate to a provider with a different IP pool.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrBlockGeoRestricted: {
		Code:           ErrBlockGeoRestricted,
		Title:          "Geo-restricted",
		Description:    "The target refuses to serve content to the worker's region.",
		Recommendation: "Set a geo country on the fetch profile and use a proxy provider in that region.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrExtractSelectorNotFound: {
		Code:           ErrExtractSelectorNotFound,
		Title:          "Selector not found",
		Description:    "The configured selector matched nothing on the fetched page.",
		Recommendation: "Re-pick the element; the site layout likely changed.",
		Severity:       SeverityCritical,
		Retryable:      false,
	},
	ErrExtractSchemaNotFound: {
		Code:           ErrExtractSchemaNotFound,
		Title:          "Structured data not found",
		Description:    "No JSON-LD/microdata schema was found on the page.",
		Recommendation: "Switch the rule to a CSS selector extraction method.",
		Severity:       SeverityCritical,
		Retryable:      false,
	},
	ErrExtractEmptyValue: {
		Code:           ErrExtractEmptyValue,
		Title:          "Extracted value empty",
		Description:    "The selector matched but the value was empty.",
		Recommendation: "May be a render-timing issue; retry with the headless provider before re-picking.",
		Severity:       SeverityWarning,
		Retryable:      true,
	},
	ErrExtractParseError: {
		Code:           ErrExtractParseError,
		Title:          "Value parse failed",
		Description:    "The extracted text could not be parsed into the rule's value type.",
		Recommendation: "Check the postprocessing configuration and the rule's locale.",
		Severity:       SeverityCritical,
		Retryable:      false,
	},
	ErrExtractUnstable: {
		Code:           ErrExtractUnstable,
		Title:          "Extraction unstable",
		Description:    "Consecutive runs extracted wildly different values.",
		Recommendation: "The selector probably matches a rotating element; re-pick it.",
		Severity:       SeverityWarning,
		Retryable:      false,
	},
	ErrSystemWorkerCrash: {
		Code:           ErrSystemWorkerCrash,
		Title:          "Worker crashed",
		Description:    "The run worker terminated before recording an outcome.",
		Recommendation: "Transient infrastructure failure; the queue will retry the job.",
		Severity:       SeverityCritical,
		Retryable:      true,
	},
	ErrSystemQueueDelay: {
		Code:           ErrSystemQueueDelay,
		Title:          "Queue delayed",
		Description:    "The run job sat in the queue well past its requested time.",
		Recommendation: "Check queue backlog and worker capacity.",
		Severity:       SeverityInfo,
		Retryable:      true,
	},
}

var unknownErrorInfo = ErrorInfo{
	Code:           "UNKNOWN",
	Title:          "Unknown error",
	Description:    "An unrecognized error code was recorded.",
	Recommendation: "Inspect the worker logs for the raw failure.",
	Severity:       SeverityWarning,
	Retryable:      false,
}

// LookupError translates a code into its operator-facing info. Unknown
// codes get a generic fallback entry, never an error.
func LookupError(code ErrorCode) ErrorInfo {
	if info, ok := errorTable[code]; ok {
		return info
	}
	info := unknownErrorInfo
	if code != "" {
		info.Code = code
	}
	return info
}

// Retryable reports whether the code is worth retrying at all. Block-layer
// codes are retryable via provider escalation, not by repeating the same
// provider.
func (c ErrorCode) Retryable() bool {
	return LookupError(c).Retryable
}

// legacyCodes maps deprecated string values still present in stored rows
// to their canonical codes. Applied only at the storage/ingestion
// boundary, never inside decision logic.
var legacyCodes = map[string]ErrorCode{
	"CAPTCHA_BLOCK":    ErrBlockCaptchaSuspected,
	"CLOUDFLARE_BLOCK": ErrBlockCloudflareSuspected,
	"RATE_LIMITED":     ErrBlockRateLimit429,
	"GEO_BLOCK":        ErrBlockGeoRestricted,
	"TIMEOUT":          ErrFetchTimeout,
	"SELECTOR_MISSING": ErrExtractSelectorNotFound,
}

// CanonicalCode normalizes a stored error-code string, translating legacy
// values to the canonical enum.
func CanonicalCode(raw string) ErrorCode {
	if canonical, ok := legacyCodes[raw]; ok {
		return canonical
	}
	return ErrorCode(raw)
}
