package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/render"
)

var errSuperseded = errors.New("thread moved on to another job")

// process renders one claimed job to a terminal status.
func (d *Dispatcher) process(ctx context.Context, id string) {
	log := d.logger.With(zap.String("job_id", id))
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		log.Error("load claimed job", zap.Error(err))
		return
	}
	job.Status = models.JobRunning
	log = log.With(zap.String("thread_id", job.ThreadID), zap.String("template", job.Template))

	tmpl, ok := d.catalog.Get(job.Template)
	if !ok {
		d.finish(ctx, log, job, "", render.Permanent("render", fmt.Errorf("template %q is not in the catalog", job.Template)))
		return
	}

	remaining := max(d.cfg.MaxAttempts-job.Attempts, 1)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	eb.MaxInterval = min(eb.MaxInterval, d.cfg.Lease/3)
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(remaining-1)), ctx)

	var resultURL string
	err = backoff.Retry(func() error {
		job.Attempts++
		d.attempts.Add(ctx, 1)
		url, err := d.attempt(ctx, tmpl, job)
		if saveErr := d.store.SaveJob(ctx, job); saveErr != nil && ctx.Err() == nil {
			log.Warn("save job progress", zap.Error(saveErr))
		}
		if err != nil {
			if render.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			if ctx.Err() == nil {
				log.Warn("render attempt failed", zap.Int("attempt", job.Attempts), zap.Error(err))
			}
			return err
		}
		resultURL = url
		return nil
	}, policy)

	if ctx.Err() != nil {
		log.Info("job interrupted by shutdown; it is requeued once its lease lapses")
		return
	}
	d.finish(ctx, log, job, resultURL, err)
}

// attempt drives one submit-poll-host cycle. A job that already carries a
// provider reference resumes polling it instead of submitting again.
func (d *Dispatcher) attempt(ctx context.Context, tmpl *catalog.Template, job *models.Job) (string, error) {
	if job.ProviderRef == "" {
		layers, err := d.layers(ctx, tmpl, job)
		if err != nil {
			return "", err
		}
		ref, err := d.renderer.Submit(ctx, tmpl.Layout, layers)
		if err != nil {
			return "", err
		}
		job.ProviderRef = ref
		if err := d.store.SaveJob(ctx, job); err != nil {
			return "", render.Transient("record provider ref", err)
		}
	}

	res, err := d.await(ctx, job)
	if err != nil {
		return "", err
	}
	if res.Status == render.StatusFailed {
		job.ProviderRef = ""
		return "", render.Permanent("render", errors.New(res.Error))
	}

	url := res.ResultURL
	if d.host != nil {
		if url, err = d.host.Host(ctx, url); err != nil {
			return "", err
		}
	}
	return url, nil
}

// await polls the provider until the render settles, renewing the job's
// lease while it waits.
func (d *Dispatcher) await(ctx context.Context, job *models.Job) (*render.PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RenderTimeout)
	defer cancel()

	for {
		res, err := d.renderer.Poll(ctx, job.ProviderRef)
		if err != nil {
			return nil, err
		}
		if res.Status != render.StatusPending {
			return res, nil
		}
		if err := d.store.TouchJob(ctx, job.ID); err != nil && ctx.Err() == nil {
			d.logger.Warn("renew job lease", zap.String("job_id", job.ID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, render.Transient("render", fmt.Errorf("still pending after %s", d.cfg.RenderTimeout))
		case <-time.After(d.cfg.RenderPoll):
		}
	}
}

// layers builds the layout modifications: listing data first, then the
// agent's slot values on top.
func (d *Dispatcher) layers(ctx context.Context, tmpl *catalog.Template, job *models.Job) ([]render.Layer, error) {
	own := render.TextLayers(job.Slots)
	if d.listings == nil {
		return own, nil
	}
	for _, slot := range tmpl.Slots {
		if slot.ValidatorName != "listing_id" || job.Slots[slot.Name] == "" {
			continue
		}
		base, err := d.listings.Layers(ctx, job.Slots[slot.Name])
		if err != nil {
			return nil, err
		}
		return render.Merge(base, own), nil
	}
	return own, nil
}

// finish stores the terminal job status and moves the owning thread to
// COMPLETE or FAILED if the job is still its active one.
func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, job *models.Job, resultURL string, renderErr error) {
	state := models.StateComplete
	if renderErr == nil {
		job.Status, job.ResultURL, job.Error = models.JobSucceeded, resultURL, ""
	} else {
		job.Status, job.Error = models.JobFailed, renderErr.Error()
		state = models.StateFailed
	}

	if err := d.store.SaveJob(ctx, job); err != nil {
		log.Error("save terminal job", zap.Error(err))
		return
	}
	d.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(job.Status))))

	_, err := d.store.UpdateLatest(ctx, job.ThreadID, func(t *models.Thread) error {
		if t.ActiveJobID != job.ID {
			return errSuperseded
		}
		t.State = state
		return nil
	})
	switch {
	case errors.Is(err, errSuperseded):
		log.Info("job finished after the thread moved on")
	case err != nil:
		log.Error("advance thread", zap.Error(err))
	case renderErr != nil:
		log.Warn("job failed", zap.Int("attempts", job.Attempts), zap.Bool("permanent", render.IsPermanent(renderErr)), zap.Error(renderErr))
	default:
		log.Info("job succeeded", zap.Int("attempts", job.Attempts), zap.String("result_url", resultURL))
	}
}
