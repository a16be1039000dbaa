package llm

import (
	"context"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/RichardoC/listing-designer/internal/catalog"
)

// Finders locate a candidate for each validator kind inside free text.
var (
	listingFinder = regexp2.MustCompile(`(?:\b(?:mls|listing)\s*(?:listing\s*)?(?:id|#|number|no\.?)?\s*[:#]?\s*#?|(?<![\w#])#)([A-Z0-9-]*\d[A-Z0-9-]*)`, regexp2.IgnoreCase)

	dateFinder = regexp2.MustCompile(`\b(?:(?:this|next|coming)\s+)?(?:`+
		`today|tomorrow|`+
		`(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:,?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sept?|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?)?|`+
		`(?:jan|feb|mar|apr|may|jun|jul|aug|sept?|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?|`+
		`\d{4}-\d{2}-\d{2}|`+
		`(?<![\d:])\d{1,2}/\d{1,2}(?:/\d{2,4})?`+
		`)\b`, regexp2.IgnoreCase)

	timeFinder = regexp2.MustCompile(`(?<![\d:/])(?:from\s+)?\d{1,2}(?::\d{2})?\s*(?:[ap]\.m\.|[ap]m\b)?\s*(?:-|–|to|until|till)\s*\d{1,2}(?::\d{2})?\s*(?:[ap]\.m\.|[ap]m\b)?(?![\d/])`, regexp2.IgnoreCase)

	priceFinder = regexp2.MustCompile(`\$\s?\d[\d,]*(?:\.\d{1,2})?\s?[km]?\b`, regexp2.IgnoreCase)

	quotedFinder = regexp2.MustCompile(`["“]([^"”]{1,80})["”]`, 0)
)

// RuleExtractor is a deterministic keyword and pattern extractor. It needs
// no credentials and is used for local runs and smoke tests.
type RuleExtractor struct {
	catalog *catalog.Catalog
}

func NewRules(cat *catalog.Catalog) *RuleExtractor {
	return &RuleExtractor{catalog: cat}
}

func (r *RuleExtractor) Extract(_ context.Context, text string, ec Context) (*Extraction, error) {
	ex := &Extraction{Slots: map[string]string{}}

	tmpl := ec.Template
	if resolved, ok := r.catalog.Resolve("", text); ok {
		ex.Intent = resolved.Name
		if tmpl == nil || resolved.Name != tmpl.Name {
			tmpl = resolved
		}
	}

	if tmpl != nil {
		for _, slot := range tmpl.Slots {
			if v := findCandidate(slot, text); v != "" {
				ex.Slots[slot.Name] = v
			}
		}
		// A bare answer to the question just asked fills that slot.
		if ec.AskedSlot != "" && ex.Slots[ec.AskedSlot] == "" && (ex.Intent == "" || tmpl == ec.Template) {
			if slot, ok := tmpl.Slot(ec.AskedSlot); ok {
				ex.Slots[slot.Name] = strings.TrimSpace(text)
			}
		}
	}

	switch {
	case ex.Intent != "" || len(ex.Slots) > 0:
		ex.Confidence = 0.9
	default:
		ex.Confidence = 0.2
	}
	return ex, nil
}

func findCandidate(slot catalog.SlotSpec, text string) string {
	switch slot.ValidatorName {
	case "listing_id":
		return group(listingFinder, text, 1)
	case "date":
		return group(dateFinder, text, 0)
	case "time_range":
		v := group(timeFinder, text, 0)
		lower := strings.ToLower(v)
		for _, marker := range []string{"am", "pm", "a.m", "p.m", ":"} {
			if strings.Contains(lower, marker) {
				return v
			}
		}
	case "price":
		return group(priceFinder, text, 0)
	case "text":
		return group(quotedFinder, text, 1)
	}
	return ""
}

func group(re *regexp2.Regexp, text string, n int) string {
	m, err := re.FindStringMatch(text)
	if err != nil || m == nil {
		return ""
	}
	return strings.TrimSpace(m.GroupByNumber(n).String())
}
