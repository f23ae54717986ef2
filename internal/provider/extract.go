package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/resilience"
	"github.com/v-shaal/arbitageX/pkg/anthropic"
)

// maxExtractContent caps how much page content goes into one prompt.
const maxExtractContent = 60000

// ClaudeExtractor implements ExtractionProvider using the Anthropic API.
type ClaudeExtractor struct {
	client    anthropic.Client
	extModel  string
	maxTokens int64
	fields    []FieldDef
}

// ExtractorOption customizes a ClaudeExtractor.
type ExtractorOption func(*ClaudeExtractor)

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(n int64) ExtractorOption {
	return func(e *ClaudeExtractor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// NewClaudeExtractor creates the production extraction provider.
func NewClaudeExtractor(client anthropic.Client, extModel string, fields []FieldDef, opts ...ExtractorOption) *ClaudeExtractor {
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	e := &ClaudeExtractor{
		client:    client,
		extModel:  extModel,
		maxTokens: 1024,
		fields:    fields,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ClaudeExtractor) Extract(ctx context.Context, page Page) (*model.StructuredData, error) {
	content := page.Content
	if len(content) > maxExtractContent {
		content = content[:maxExtractContent]
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.extModel,
		MaxTokens: e.maxTokens,
		System:    e.systemPrompt(),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Source URL: %s\n\nPage content:\n%s", page.URL, content)},
		},
	})
	if err != nil {
		// The SDK surfaces rate limits and server errors as plain errors;
		// treat model availability as a transient provider condition.
		return nil, resilience.NewTransientError(eris.Wrap(err, "extract: model call"), 0)
	}

	data, err := parseExtraction(resp.Text())
	if err != nil {
		// Malformed model output is retried until the attempt budget runs
		// out, at which point the dispatcher records it as a permanent
		// branch failure.
		zap.L().Warn("extract: malformed model output",
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return nil, resilience.NewTransientError(err, 0)
	}

	data.SourceURL = page.URL
	return data, nil
}

func (e *ClaudeExtractor) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract structured company data from web pages. ")
	b.WriteString("Respond with a single JSON object and nothing else. Fields:\n")
	for _, f := range e.fields {
		b.WriteString("- ")
		b.WriteString(f.Key)
		if f.List {
			b.WriteString(" (array of strings)")
		}
		b.WriteString(": ")
		b.WriteString(f.Description)
		b.WriteString("\n")
	}
	b.WriteString("Also include \"confidence\": a number from 0 to 1 for overall extraction confidence. ")
	b.WriteString("Omit fields the page does not support. Never invent values.")
	return b.String()
}

// parseExtraction decodes the model response, tolerating code fences around
// the JSON object.
func parseExtraction(text string) (*model.StructuredData, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}
	if idx := strings.LastIndex(text, "}"); idx >= 0 {
		text = text[:idx+1]
	}
	if text == "" || !strings.HasPrefix(text, "{") {
		return nil, eris.New("extract: response contains no JSON object")
	}

	var data model.StructuredData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, eris.Wrap(err, "extract: unmarshal model output")
	}
	if strings.TrimSpace(data.Summary) == "" {
		return nil, eris.New("extract: model output missing summary")
	}
	return &data, nil
}
