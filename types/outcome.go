package types

import (
	"errors"
	"fmt"
	"strings"
)

// User-visible error codes. Every failure surfaced on a Job or an Outcome
// uses one of these, never raw transport or parse text.
const (
	// Fetch.
	CodeTimeout            = "timeout"
	CodeFetchFailed        = "fetch_failed"
	CodeStealthUnavailable = "stealth_unavailable"
	CodeNavigationFailed   = "navigation_failed"
	CodeNoHTML             = "no_html"

	// Governance.
	CodeRateLimited                     = "rate_limited"
	CodeCircuitOpen                     = "circuit_open"
	CodeLLMBudgetExceeded               = "llm_budget_exceeded"
	CodeExternalDisabled                = "external_disabled"
	CodeExternalAPIKeyMissing           = "external_api_key_missing"
	CodeExternalNotAllowed              = "external_not_allowed"
	CodeExternalCircuitOpen             = "external_circuit_open"
	CodeExternalBudgetExceeded          = "external_budget_exceeded"
	CodeExternalProviderUnconfigured    = "external_provider_unconfigured"
	CodeExternalAuthFailed              = "external_auth_failed"
	CodeExternalProviderUnavailable     = "external_provider_unavailable"
	CodeExternalProviderResponseInvalid = "external_provider_response_invalid"

	// URL safety.
	CodeInvalidURL       = "invalid_url"
	CodeInvalidScheme    = "invalid_scheme"
	CodeDNSFailed        = "dns_failed"
	CodeDomainDenied     = "domain_denied"
	CodeDomainNotAllowed = "domain_not_allowed"
	CodeSSRFBlocked      = "ssrf_blocked"

	// Parsing and schema.
	CodeJobNotFound   = "job_not_found"
	CodeSchemaMissing = "schema_missing"
	CodeNoSelectors   = "no_selectors"

	// Detection and escalation.
	CodeHTTP403         = "http_403"
	CodeHTTP429         = "http_429"
	CodeBlockedURL      = "blocked_url"
	CodeBlockedTitle    = "blocked_title"
	CodeBlockedHeader   = "blocked_header"
	CodeCaptchaDetected = "captcha_detected"
	CodeChallengeScript = "challenge_script"
	CodeEmptyParse      = "empty_parse"
	CodeVisionOCRBlock  = "vision_ocr_block"

	// Oracle.
	CodeLLMUnavailable      = "llm_unavailable"
	CodeLLMFailed           = "llm_failed"
	CodeLLMValidationFailed = "llm_validation_failed"

	// Plugins.
	CodePluginInvalid    = "plugin_invalid"
	CodePluginNotAllowed = "plugin_not_allowed"
	CodePluginMissing    = "plugin_missing"
	CodePluginLoadFailed = "plugin_load_failed"
	CodePluginURLChanged = "plugin_url_changed"
)

// Parameterized code constructors.

// CodeMissing marks a required field that produced no value.
func CodeMissing(key string) string { return "missing:" + key }

// CodeType marks a value that failed data-type coercion.
func CodeType(key string) string { return "type:" + key }

// CodeMissingGroupSelector marks a grouped field set with no item selector.
func CodeMissingGroupSelector(group string) string { return "missing_group_selector:" + group }

// CodeVisionYOLO marks object-detection block signals.
func CodeVisionYOLO(labels []string) string { return "vision_yolo:" + strings.Join(labels, ",") }

// CodePluginHookFailed marks a plugin hook that returned an error.
func CodePluginHookFailed(hook, name string) string {
	return fmt.Sprintf("plugin_%s_failed:%s", hook, name)
}

// CodePluginHookInvalid marks a plugin hook that returned a malformed context.
func CodePluginHookInvalid(hook, name string) string {
	return fmt.Sprintf("plugin_%s_invalid:%s", hook, name)
}

// CodedError wraps an underlying error with a user-visible code. Layers
// unwrap the code with ErrorCode and never surface the cause to users.
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return e.Code
	}
	return e.Code + ": " + e.Cause.Error()
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewCodedError wraps cause under code. Cause may be nil.
func NewCodedError(code string, cause error) *CodedError {
	return &CodedError{Code: code, Cause: cause}
}

// ErrorCode extracts the user-visible code from err, falling back to
// fetch_failed for untagged errors. A nil err returns "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeFetchFailed
}

// Outcome is the tagged result of one engine attempt. Exactly one of
// Success or Error is meaningful; Escalate asks the worker to retry the
// job on the next engine tier.
type Outcome struct {
	Success  bool
	Data     map[string]any
	Error    string
	Escalate bool
}

// OutcomeSuccess builds a successful outcome carrying extracted data.
func OutcomeSuccess(data map[string]any) Outcome {
	return Outcome{Success: true, Data: data}
}

// OutcomeFailure builds a terminal failure outcome.
func OutcomeFailure(code string) Outcome {
	return Outcome{Error: code}
}

// OutcomeEscalate builds a failure outcome that requests the next tier.
func OutcomeEscalate(code string) Outcome {
	return Outcome{Error: code, Escalate: true}
}
