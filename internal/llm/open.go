package llm

import (
	"fmt"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/config"
)

// Open builds the extractor named by cfg.Provider.
func Open(cfg config.LLMConfig, cat *catalog.Catalog) (Extractor, error) {
	switch cfg.Provider {
	case "openai":
		key := cfg.OpenAIKey
		if key == "" {
			// local OpenAI-compatible servers ignore the key but the client requires one
			key = "unused"
		}
		return New(cfg.BaseURL, key, cfg.Model, cat, cfg.Timeout, cfg.HistoryTokenBudget)
	case "anthropic":
		return NewAnthropic(cfg.AnthropicKey, "", cfg.AnthropicModel, cat, cfg.Timeout, cfg.HistoryTokenBudget), nil
	case "rules":
		return NewRules(cat), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
