// Package oracle recovers extractions that selector parsing could not
// complete. It hands the (truncated) HTML and the selector schema to an
// LLM with a structured response contract, validates what comes back with
// the extractor's own coercion rules, and returns rescued data plus the
// selectors the model claims it used.
package oracle

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/extract"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Result is one recovery attempt. Selectors is keyed "<field>" or
// "<group>.<field>" and feeds the candidate registry.
type Result struct {
	Success   bool
	Data      map[string]any
	Selectors map[string]string
	Error     string
}

// generator is the LLM call boundary, injected in tests.
type generator interface {
	generate(ctx context.Context, prompt string, schema *genai.Schema) (string, error)
}

// Client drives extraction recovery.
type Client struct {
	gen      generator
	settings config.OracleSettings
	logger   *log.Logger
}

// NewClient builds a recovery client. Without an API key the client stays
// usable and every Recover call reports llm_unavailable.
func NewClient(ctx context.Context, settings config.OracleSettings, logger *log.Logger) (*Client, error) {
	c := &Client{settings: settings, logger: logger}
	if settings.APIKey == "" {
		return c, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: settings.APIKey})
	if err != nil {
		return nil, err
	}
	c.gen = &genaiGenerator{client: client, settings: settings}
	return c, nil
}

// Configured reports whether recovery calls can be made at all.
func (c *Client) Configured() bool { return c.gen != nil }

// response is the structured shape the model is asked to produce.
type response struct {
	Data      map[string]any  `json:"data"`
	Selectors []selectorEntry `json:"selectors"`
}

type selectorEntry struct {
	Key      string `json:"key"`
	Selector string `json:"selector"`
}

// Recover asks the model to extract the schema's fields from the HTML.
// The caller is responsible for budget admission before calling.
func (c *Client) Recover(ctx context.Context, html string, selectors []types.SelectorSpec) Result {
	if c.gen == nil {
		return Result{Error: types.CodeLLMUnavailable}
	}

	snippet := TruncateHTML(html, c.settings.MaxHTMLChars)
	prompt := buildPrompt(selectors, snippet)
	schema := responseSchema(selectors)

	if c.settings.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.settings.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	raw, err := c.gen.generate(ctx, prompt, schema)
	if err != nil {
		c.logger.Warn("oracle call failed", zap.String("error", err.Error()))
		return Result{Error: types.CodeLLMFailed}
	}

	var parsed response
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		c.logger.Warn("oracle response is not valid JSON")
		return Result{Error: types.CodeLLMFailed}
	}

	normalized, errs := extract.NormalizeData(parsed.Data, selectors)
	if len(errs) > 0 {
		c.logger.Warn("oracle data failed validation", zap.Strings("errors", errs))
		return Result{Error: types.CodeLLMValidationFailed}
	}

	rescued := filterSelectors(parsed.Selectors, selectors)
	if len(rescued) == 0 {
		rescued = InferSelectors(snippet, normalized, selectors)
	}

	return Result{Success: true, Data: normalized, Selectors: rescued}
}

// filterSelectors keeps only entries whose key names a known selector and
// whose value is non-blank.
func filterSelectors(entries []selectorEntry, selectors []types.SelectorSpec) map[string]string {
	allowed := make(map[string]struct{}, len(selectors))
	for _, spec := range selectors {
		allowed[spec.Key()] = struct{}{}
	}

	out := map[string]string{}
	for _, entry := range entries {
		selector := strings.TrimSpace(entry.Selector)
		if selector == "" {
			continue
		}
		if _, ok := allowed[entry.Key]; !ok {
			continue
		}
		out[entry.Key] = selector
	}
	return out
}

// genaiGenerator is the production LLM boundary.
type genaiGenerator struct {
	client   *genai.Client
	settings config.OracleSettings
}

const systemInstruction = "You extract structured fields from HTML. Return JSON with `data` and `selectors`."

func (g *genaiGenerator) generate(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		ResponseSchema:    schema,
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	}
	if g.settings.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(g.settings.Temperature))
	}
	if g.settings.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.settings.MaxTokens)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.settings.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}
