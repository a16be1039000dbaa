// Package catalog declares the marketing-image templates and the slots each
// one needs before it can be rendered. Templates are data, not code: adding a
// design means adding a YAML entry.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Validator turns raw user text into a normalised slot value. The returned
// error text is shown to the user, so it should say what was expected.
type Validator func(raw string) (string, error)

// SlotSpec is one required field of a template.
type SlotSpec struct {
	Name          string
	Prompt        string
	Priority      int
	ValidatorName string
	Validate      Validator
}

// Template is an immutable catalog entry.
type Template struct {
	Name        string
	DisplayName string
	Aliases     []string
	Layout      string // provider layout id understood by the renderer
	Slots       []SlotSpec
}

// Slot looks up a slot by name.
func (t *Template) Slot(name string) (SlotSpec, bool) {
	for _, s := range t.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return SlotSpec{}, false
}

// Catalog is the set of templates available to the dialogue engine.
type Catalog struct {
	templates []*Template
	byName    map[string]*Template
}

// New builds a catalog, rejecting duplicate names and unbound validators.
func New(templates []*Template) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Template, len(templates))}
	for _, t := range templates {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: template without a name")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate template %q", t.Name)
		}
		seen := map[string]bool{}
		for _, s := range t.Slots {
			if s.Validate == nil {
				return nil, fmt.Errorf("catalog: template %q slot %q has no validator", t.Name, s.Name)
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("catalog: template %q declares slot %q twice", t.Name, s.Name)
			}
			seen[s.Name] = true
		}
		c.templates = append(c.templates, t)
		c.byName[t.Name] = t
	}
	return c, nil
}

// Get returns the template called name.
func (c *Catalog) Get(name string) (*Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Templates returns the templates in declaration order.
func (c *Catalog) Templates() []*Template {
	out := make([]*Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// DisplayNames lists the human names of every template.
func (c *Catalog) DisplayNames() []string {
	names := make([]string, 0, len(c.templates))
	for _, t := range c.templates {
		names = append(names, t.DisplayName)
	}
	return names
}

// Resolve maps an extracted intent onto a template. The intent is matched
// against names, display names and aliases. When the intent is empty or
// unknown the raw user text is searched for an alias instead. Nothing is
// returned when no template matches; callers must not guess.
func (c *Catalog) Resolve(intent, rawText string) (*Template, bool) {
	key := normalize(intent)
	if key != "" {
		for _, t := range c.templates {
			for _, k := range t.keys() {
				if k == key {
					return t, true
				}
			}
		}
	}
	text := normalize(rawText)
	if text == "" {
		return nil, false
	}
	var best *Template
	bestLen := 0
	for _, t := range c.templates {
		for _, k := range t.keys() {
			if len(k) > bestLen && strings.Contains(text, k) {
				best, bestLen = t, len(k)
			}
		}
	}
	return best, best != nil
}

func (t *Template) keys() []string {
	keys := []string{normalize(t.Name), normalize(t.DisplayName)}
	for _, a := range t.Aliases {
		keys = append(keys, normalize(a))
	}
	return keys
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// MissingSlots lists the template slots absent from collected, highest
// priority first and by declaration order among equal priorities.
func MissingSlots(t *Template, collected map[string]string) []SlotSpec {
	var missing []SlotSpec
	for _, s := range t.Slots {
		if _, ok := collected[s.Name]; !ok {
			missing = append(missing, s)
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		return missing[i].Priority > missing[j].Priority
	})
	return missing
}
