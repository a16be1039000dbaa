package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Kind classifies a render failure for the retry policy.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error is returned by every adapter in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Errors that were not
// classified by an adapter, such as a context deadline, count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return true
}

func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindPermanent
}

// Status is the provider-side state of a submitted render.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PollResult is a snapshot of a submitted render.
type PollResult struct {
	Status    Status
	ResultURL string
	Error     string
}

// Layer is one named modification applied to a layout.
type Layer struct {
	Name     string `json:"name"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Renderer is the external image rendering provider.
type Renderer interface {
	Submit(ctx context.Context, layout string, layers []Layer) (ref string, err error)
	Poll(ctx context.Context, ref string) (*PollResult, error)
}

// Host copies a provider result to durable public storage.
type Host interface {
	Host(ctx context.Context, sourceURL string) (string, error)
}

// Listings returns layers describing a listing.
type Listings interface {
	Layers(ctx context.Context, listingID string) ([]Layer, error)
}

// TextLayers turns slot values into text layers, sorted by name.
func TextLayers(values map[string]string) []Layer {
	layers := make([]Layer, 0, len(values))
	for name, v := range values {
		layers = append(layers, Layer{Name: name, Text: v})
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })
	return layers
}

// Merge combines base and overrides; a layer in overrides replaces the base
// layer with the same name. The result is sorted by name.
func Merge(base, overrides []Layer) []Layer {
	byName := make(map[string]Layer, len(base)+len(overrides))
	for _, l := range base {
		byName[l.Name] = l
	}
	for _, l := range overrides {
		byName[l.Name] = l
	}
	out := make([]Layer, 0, len(byName))
	for _, l := range byName {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
