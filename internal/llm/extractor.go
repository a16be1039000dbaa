package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/models"
)

// ErrExtraction wraps every provider failure during understanding.
var ErrExtraction = errors.New("extraction failed")

// Extraction is the structured reading of one user message.
type Extraction struct {
	Intent     string            `json:"intent"`     // template name, or "" when unclear
	Slots      map[string]string `json:"slots"`      // slot name -> raw candidate text
	Confidence float64           `json:"confidence"` // 0.0 - 1.0
}

// Context is what the extractor knows about the thread so far.
type Context struct {
	Template  *catalog.Template // nil until a template is selected
	Collected map[string]string
	AskedSlot string
	History   []models.Message
}

// Extractor reads intent and slot candidates out of free text.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, text string, ec Context) (*Extraction, error)
}

const systemPrompt = `You are the intake step of a design assistant for real estate agents.
Agents ask for marketing images (open house ads, just listed posts and so on).
Your only job is to read the agent's latest message and extract structured data.
Never invent values that the agent did not say. Never ask for address, price,
photos or features of the property; those come from the MLS automatically.

Respond ONLY with a raw JSON object, no markdown:
{
	"intent": "<template name from the list, or empty if unclear>",
	"slots": {"<slot name>": "<value exactly as the agent phrased it>"},
	"confidence": <0.0 to 1.0, how sure you are about intent and slots>
}`

// buildPrompt renders the catalog, thread context and message as a user
// prompt for the system prompt above.
func buildPrompt(cat *catalog.Catalog, text string, ec Context) string {
	var b strings.Builder
	b.WriteString("Available templates:\n")
	for _, t := range cat.Templates() {
		fmt.Fprintf(&b, "- %s (%s)", t.Name, t.DisplayName)
		var slots []string
		for _, s := range t.Slots {
			slots = append(slots, s.Name)
		}
		if len(slots) > 0 {
			fmt.Fprintf(&b, ": slots %s", strings.Join(slots, ", "))
		}
		b.WriteString("\n")
	}

	if ec.Template != nil {
		fmt.Fprintf(&b, "\nThe agent already chose the template %q. Keep intent as %q unless they clearly ask for a different design.\n", ec.Template.Name, ec.Template.Name)
	}
	if len(ec.Collected) > 0 {
		collected, _ := json.Marshal(ec.Collected)
		fmt.Fprintf(&b, "Already collected: %s\n", collected)
	}
	if ec.AskedSlot != "" {
		fmt.Fprintf(&b, "The assistant just asked for %q; a bare answer fills that slot.\n", ec.AskedSlot)
	}

	if len(ec.History) > 0 {
		b.WriteString("\nConversation history:\n")
		for _, m := range ec.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&b, "\nLatest message:\nuser: %s\n\nJSON:", text)
	return b.String()
}

// parseExtraction decodes a model completion, tolerating code fences and
// chatter around the JSON object.
func parseExtraction(completion string) (*Extraction, error) {
	raw := strings.TrimSpace(completion)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return nil, fmt.Errorf("%w: unparseable completion: %v", ErrExtraction, err)
	}
	ex.Intent = strings.TrimSpace(ex.Intent)
	cleaned := make(map[string]string, len(ex.Slots))
	for k, v := range ex.Slots {
		if v = strings.TrimSpace(v); v != "" {
			cleaned[strings.TrimSpace(k)] = v
		}
	}
	ex.Slots = cleaned
	ex.Confidence = min(max(ex.Confidence, 0), 1)
	return &ex, nil
}
