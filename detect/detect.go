// Package detect classifies fetched responses as anti-bot blocks and
// decides when a parse came back suspiciously empty. All checks are pure
// functions over the response surface; first match wins.
package detect

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pithecene-io/prospect/types"
)

var (
	titlePattern = regexp.MustCompile(`(?i)access denied|attention required|just a moment|verify you are human|are you human|robot check|unusual traffic|request blocked|temporarily unavailable|service unavailable|forbidden`)

	urlPattern = regexp.MustCompile(`(?i)captcha|challenge|verify|blocked|denied|unusual-traffic|access-denied`)

	captchaPattern = regexp.MustCompile(`(?i)g-recaptcha|hcaptcha|recaptcha|turnstile|captcha`)

	scriptPattern = regexp.MustCompile(`(?i)cf-chl|challenge-platform|datadome|perimeterx|distil|incapsula`)

	headerValuePattern = regexp.MustCompile(`(?i)captcha|challenge|blocked|bot|verify`)
)

// Header names whose mere presence marks a mitigation layer.
var blockHeaderKeys = map[string]struct{}{
	"cf-mitigated":   {},
	"cf-chl-bypass":  {},
	"cf-chl-out":     {},
	"x-sucuri-block": {},
	"x-distil-cs":    {},
	"x-datadome":     {},
}

// BlockedResponse returns the first matching block code for a response, or
// "" when nothing looks blocked. Check order: status, URL, page title,
// captcha markup, challenge scripts, headers.
func BlockedResponse(status int, headers map[string]string, url, html string) string {
	switch status {
	case 403:
		return types.CodeHTTP403
	case 429:
		return types.CodeHTTP429
	}

	if url != "" && urlPattern.MatchString(url) {
		return types.CodeBlockedURL
	}

	if title := pageTitle(html); title != "" && titlePattern.MatchString(title) {
		return types.CodeBlockedTitle
	}

	if html != "" {
		if captchaPattern.MatchString(html) {
			return types.CodeCaptchaDetected
		}
		if scriptPattern.MatchString(html) {
			return types.CodeChallengeScript
		}
	}

	if headersSuspicious(headers) {
		return types.CodeBlockedHeader
	}
	return ""
}

func pageTitle(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func headersSuspicious(headers map[string]string) bool {
	for key, value := range headers {
		if _, ok := blockHeaderKeys[strings.ToLower(key)]; ok {
			return true
		}
		if headerValuePattern.MatchString(value) {
			return true
		}
	}
	return false
}

// EmptyParse reports empty_parse when a 200 (or unset-status) response
// with at least one required selector produced no usable value, and the
// parse was not aborted by a parser-availability failure.
func EmptyParse(status int, data map[string]any, selectors []types.SelectorSpec, errors []string) string {
	if status != 0 && status != 200 {
		return ""
	}
	if !hasRequired(selectors) {
		return ""
	}
	for _, code := range errors {
		if code == CodeParserUnavailable {
			return ""
		}
	}
	if !hasValue(data) {
		return types.CodeEmptyParse
	}
	return ""
}

// CodeParserUnavailable is raised by the extractor when a selector dialect
// needs a parser the document could not be loaded into.
const CodeParserUnavailable = "parsel_unavailable"

func hasRequired(selectors []types.SelectorSpec) bool {
	for _, spec := range selectors {
		if spec.Required {
			return true
		}
	}
	return false
}

// hasValue walks nested maps and slices looking for any non-blank leaf.
func hasValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case map[string]any:
		for _, item := range v {
			if hasValue(item) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range v {
			if hasValue(item) {
				return true
			}
		}
		return false
	default:
		// Numbers and bools count as values, including zero values.
		return true
	}
}

// OCRSignal maps screenshot OCR text onto the block taxonomy. The OCR
// pipeline itself lives outside the core; this is the contract it feeds.
func OCRSignal(text string) string {
	if text == "" {
		return ""
	}
	if titlePattern.MatchString(text) || captchaPattern.MatchString(text) {
		return types.CodeVisionOCRBlock
	}
	return ""
}

// YOLOSignal maps detected UI element labels (checkbox challenges, puzzle
// sliders) onto a vision block code.
func YOLOSignal(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return types.CodeVisionYOLO(labels)
}

// IsVisionCode reports whether a code came from the vision contract.
func IsVisionCode(code string) bool {
	return strings.HasPrefix(code, "vision_")
}
