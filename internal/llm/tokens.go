package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/RichardoC/listing-designer/internal/models"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens uses cl100k_base when the encoding is available and falls
// back to roughly four characters per token when it is not (offline hosts).
func countTokens(s string) int {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// trimHistory keeps the newest messages whose combined size fits budget
// tokens. A budget of zero or less keeps nothing.
func trimHistory(history []models.Message, budget int) []models.Message {
	if budget <= 0 {
		return nil
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := countTokens(history[i].Role) + countTokens(history[i].Content) + 1
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}
