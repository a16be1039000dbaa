package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/RichardoC/listing-designer/internal/catalog"
)

// Service extracts through any OpenAI-compatible chat endpoint.
type Service struct {
	llm           llms.LLM
	catalog       *catalog.Catalog
	timeout       time.Duration
	historyBudget int
}

func New(baseURL, token, model string, cat *catalog.Catalog, timeout time.Duration, historyBudget int) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithLLM(llm, cat, timeout, historyBudget), nil
}

// NewWithLLM wraps an already constructed model.
func NewWithLLM(llm llms.LLM, cat *catalog.Catalog, timeout time.Duration, historyBudget int) *Service {
	return &Service{llm: llm, catalog: cat, timeout: timeout, historyBudget: historyBudget}
}

func (s *Service) Extract(ctx context.Context, text string, ec Context) (*Extraction, error) {
	ec.History = trimHistory(ec.History, s.historyBudget)
	prompt := systemPrompt + "\n\n" + buildPrompt(s.catalog, text, ec)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt, llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return parseExtraction(completion)
}
