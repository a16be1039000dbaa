package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/RichardoC/listing-designer/internal/catalog"
)

const anthropicMaxTokens = 512

// AnthropicExtractor extracts through the Anthropic Messages API.
type AnthropicExtractor struct {
	client        anthropic.Client
	model         string
	catalog       *catalog.Catalog
	timeout       time.Duration
	historyBudget int
}

func NewAnthropic(apiKey, baseURL, model string, cat *catalog.Catalog, timeout time.Duration, historyBudget int) *AnthropicExtractor {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicExtractor{
		client:        anthropic.NewClient(opts...),
		model:         model,
		catalog:       cat,
		timeout:       timeout,
		historyBudget: historyBudget,
	}
}

func (a *AnthropicExtractor) Extract(ctx context.Context, text string, ec Context) (*Extraction, error) {
	ec.History = trimHistory(ec.History, a.historyBudget)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(a.catalog, text, ec))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(tb.Text)
		}
	}
	return parseExtraction(out.String())
}
