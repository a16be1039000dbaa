package dialogue

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/llm"
	"github.com/RichardoC/listing-designer/internal/models"
)

// errUnchanged aborts a thread write when the turn leaves state as it is.
var errUnchanged = errors.New("thread unchanged")

// outcome is what a turn decided, beyond the thread fields it wrote.
type outcome struct {
	text     string // engine's message; the assembler adds job results
	dispatch bool
}

// advance applies one extraction to t. It returns errUnchanged when the
// turn must not write the thread. It runs inside an optimistic update and
// may be called again with a fresher thread, so it only reads its inputs.
func (e *Engine) advance(t *models.Thread, ex *llm.Extraction, input string) (outcome, error) {
	switch t.State {
	case models.StateGenerating:
		return outcome{}, errUnchanged
	case models.StateReadyToGenerate:
		return outcome{dispatch: true}, errUnchanged
	case models.StateComplete, models.StateFailed:
		return e.restart(t, ex, input)
	case models.StateCollectingIntent:
		return e.selectTemplate(t, ex, input)
	default:
		tmpl, ok := e.catalog.Get(t.Template)
		if !ok {
			return e.selectTemplate(t, ex, input)
		}
		if !e.confident(ex) {
			return outcome{text: "Sorry, I didn't quite catch that. " + e.nextPrompt(t, tmpl)}, errUnchanged
		}
		return e.collect(t, tmpl, ex, false), nil
	}
}

func (e *Engine) confident(ex *llm.Extraction) bool {
	return ex != nil && ex.Confidence >= e.cfg.ConfidenceThreshold
}

// selectTemplate fixes the thread's template from the first turn that names
// one. Nothing is guessed: without a match the engine asks again.
func (e *Engine) selectTemplate(t *models.Thread, ex *llm.Extraction, input string) (outcome, error) {
	if !e.confident(ex) {
		return outcome{text: "I'm not sure which design you'd like. " + e.menu()}, errUnchanged
	}
	tmpl, ok := e.catalog.Resolve(ex.Intent, input)
	if !ok {
		return outcome{text: "I can help with marketing images for your listings. " + e.menu()}, errUnchanged
	}
	t.Template = tmpl.Name
	t.State = models.StateCollectingSlots
	t.Slots = map[string]string{}
	t.AskedSlot = ""
	return e.collect(t, tmpl, ex, false), nil
}

// restart handles a turn on a finished thread. Input that asks for a design
// by name, switches design or carries slot values starts a new collection
// cycle; anything else only re-surfaces the last result. An extracted intent
// equal to the current template is not enough on its own since extractors
// are told to keep it.
func (e *Engine) restart(t *models.Thread, ex *llm.Extraction, input string) (outcome, error) {
	if !e.confident(ex) {
		return outcome{}, errUnchanged
	}
	tmpl, _ := e.catalog.Get(t.Template)
	material := false
	if resolved, ok := e.catalog.Resolve(ex.Intent, input); ok && resolved.Name != t.Template {
		tmpl, material = resolved, true
	} else if _, named := e.catalog.Resolve("", input); named {
		material = true
	}
	if tmpl == nil || (!material && !hasCandidates(tmpl, ex)) {
		return outcome{}, errUnchanged
	}

	if tmpl.Name != t.Template {
		kept := map[string]string{}
		for _, s := range tmpl.Slots {
			if v, ok := t.Slots[s.Name]; ok {
				kept[s.Name] = v
			}
		}
		t.Template, t.Slots = tmpl.Name, kept
	}
	t.State = models.StateCollectingSlots
	t.AskedSlot = ""
	return e.collect(t, tmpl, ex, true), nil
}

func hasCandidates(tmpl *catalog.Template, ex *llm.Extraction) bool {
	for _, s := range tmpl.Slots {
		if _, ok := ex.Slots[s.Name]; ok {
			return true
		}
	}
	return false
}

// collect merges slot candidates into t and decides the next question.
// Existing values are only replaced when override is set or the slot is the
// one the user was just asked about. A filled slot that is still being asked
// about awaits an explicit value; a bare "yes" does not settle it.
func (e *Engine) collect(t *models.Thread, tmpl *catalog.Template, ex *llm.Extraction, override bool) outcome {
	var (
		invalid    *catalog.SlotSpec
		invalidErr error
		conflict   *catalog.SlotSpec
		proposed   string
		confirming string
	)
	if _, filled := t.Slots[t.AskedSlot]; filled && !override {
		confirming = t.AskedSlot
	}
	for _, slot := range byPriority(tmpl.Slots) {
		raw, ok := ex.Slots[slot.Name]
		if !ok {
			continue
		}
		v, err := slot.Validate(raw)
		if err != nil {
			if invalid == nil {
				invalid, invalidErr = &slot, err
			}
			continue
		}
		if old, had := t.Slots[slot.Name]; had && old != v && !override && slot.Name != t.AskedSlot {
			if conflict == nil {
				conflict, proposed = &slot, v
			}
			continue
		}
		t.Slots[slot.Name] = v
		if slot.Name == confirming {
			confirming = ""
		}
	}

	switch {
	case invalid != nil:
		t.AskedSlot = invalid.Name
		return outcome{text: fmt.Sprintf("Hmm, %s. %s", invalidErr, invalid.Prompt)}
	case conflict != nil:
		t.AskedSlot = conflict.Name
		return outcome{text: fmt.Sprintf("I already have the %s as %q. Should I change it to %q? Please confirm the %s.",
			humanize(conflict.Name), t.Slots[conflict.Name], proposed, humanize(conflict.Name))}
	case confirming != "":
		return outcome{text: fmt.Sprintf("I still have the %s as %q. Please tell me the %s you'd like me to use.",
			humanize(confirming), t.Slots[confirming], humanize(confirming))}
	}

	if missing := catalog.MissingSlots(tmpl, t.Slots); len(missing) > 0 {
		t.AskedSlot = missing[0].Name
		return outcome{text: missing[0].Prompt}
	}
	t.State = models.StateReadyToGenerate
	t.AskedSlot = ""
	return outcome{
		text:     fmt.Sprintf("Perfect, I have everything I need for your %s design.", tmpl.DisplayName),
		dispatch: true,
	}
}

// nextPrompt re-asks the pending question.
func (e *Engine) nextPrompt(t *models.Thread, tmpl *catalog.Template) string {
	if s, ok := tmpl.Slot(t.AskedSlot); ok {
		return s.Prompt
	}
	if missing := catalog.MissingSlots(tmpl, t.Slots); len(missing) > 0 {
		return missing[0].Prompt
	}
	return "Could you tell me what you'd like to change?"
}

func (e *Engine) menu() string {
	names := e.catalog.DisplayNames()
	switch len(names) {
	case 0:
		return "Which design would you like?"
	case 1:
		return fmt.Sprintf("I can create a %s design. Would you like one?", names[0])
	}
	return fmt.Sprintf("I can create %s or %s designs. Which one would you like?",
		strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
}

func byPriority(slots []catalog.SlotSpec) []catalog.SlotSpec {
	out := append([]catalog.SlotSpec(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func humanize(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
