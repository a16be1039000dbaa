package render

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited gates every provider call through a shared token bucket so all
// workers in the process respect the provider's request rate.
type Limited struct {
	next    Renderer
	limiter *rate.Limiter
}

func NewLimited(next Renderer, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Submit(ctx context.Context, layout string, layers []Layer) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", Transient("rate limit", err)
	}
	return l.next.Submit(ctx, layout, layers)
}

func (l *Limited) Poll(ctx context.Context, ref string) (*PollResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, Transient("rate limit", err)
	}
	return l.next.Poll(ctx, ref)
}
