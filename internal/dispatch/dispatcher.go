// Package dispatch runs generation jobs. The jobs table is the queue:
// Enqueue writes a queued job and wakes the local workers, and any process
// sharing the database can claim and render it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/db"
	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/render"
	"github.com/RichardoC/listing-designer/internal/telemetry"
)

// Store is the slice of the conversation store the dispatcher needs.
type Store interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	UpdateLatest(ctx context.Context, id string, mutate func(*models.Thread) error) (*models.Thread, error)
	EnqueueJob(ctx context.Context, job *models.Job, expectedVersion int64) (int64, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	QueuedJobIDs(ctx context.Context, limit int) ([]string, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	SaveJob(ctx context.Context, job *models.Job) error
	TouchJob(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, lease time.Duration) (int64, error)
}

type Config struct {
	Workers        int
	QueuePoll      time.Duration // fallback poll for jobs enqueued by other processes
	MaxAttempts    int
	InitialBackoff time.Duration
	RenderPoll     time.Duration
	RenderTimeout  time.Duration // per attempt, from submit to completed
	Lease          time.Duration // a running job untouched this long is requeued
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueuePoll:      2 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		RenderPoll:     2 * time.Second,
		RenderTimeout:  60 * time.Second,
		Lease:          5 * time.Minute,
	}
}

type Option func(*Dispatcher)

// WithHost re-hosts every finished image before it is stored.
func WithHost(h render.Host) Option {
	return func(d *Dispatcher) { d.host = h }
}

// WithListings fills listing layers from an MLS source before submitting.
func WithListings(l render.Listings) Option {
	return func(d *Dispatcher) { d.listings = l }
}

type Dispatcher struct {
	store    Store
	catalog  *catalog.Catalog
	renderer render.Renderer
	host     render.Host
	listings render.Listings
	cfg      Config
	logger   *zap.Logger
	wake     chan struct{}

	enqueued  metric.Int64Counter
	completed metric.Int64Counter
	attempts  metric.Int64Counter
}

func New(store Store, cat *catalog.Catalog, renderer render.Renderer, logger *zap.Logger, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultConfig().Lease
	}
	d := &Dispatcher{
		store:    store,
		catalog:  cat,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := telemetry.Meter("designer/dispatch")
	d.enqueued, _ = meter.Int64Counter("designer.jobs.enqueued",
		metric.WithDescription("Generation jobs created"))
	d.completed, _ = meter.Int64Counter("designer.jobs.completed",
		metric.WithDescription("Generation jobs that reached a terminal status"))
	d.attempts, _ = meter.Int64Counter("designer.render.attempts",
		metric.WithDescription("Render attempts, including retries"))
	return d
}

// Enqueue creates a job for the thread's frozen template and slots, or
// returns the thread's active job if one is still queued or running.
func (d *Dispatcher) Enqueue(ctx context.Context, threadID, template string, slots map[string]string) (string, error) {
	var jobID string
	created := false
	err := db.RetryConflicts(ctx, func() error {
		thread, err := d.store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread.ActiveJobID != "" {
			active, err := d.store.GetJob(ctx, thread.ActiveJobID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
			if active != nil && active.Status.Active() {
				jobID = active.ID
				return nil
			}
		}

		job := &models.Job{
			ID:       uuid.NewString(),
			ThreadID: threadID,
			Template: template,
			Slots:    maps.Clone(slots),
		}
		if _, err := d.store.EnqueueJob(ctx, job, thread.Version); err != nil {
			return err
		}
		jobID, created = job.ID, true
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue for thread %s: %w", threadID, err)
	}

	if created {
		d.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
		d.logger.Info("job enqueued",
			zap.String("thread_id", threadID),
			zap.String("job_id", jobID),
			zap.String("template", template))
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return jobID, nil
}

// Run feeds queued jobs to the worker pool until ctx is cancelled. On every
// queue poll it also requeues running jobs whose lease has lapsed, so work
// abandoned by a dead process is picked up by a live one. A job interrupted
// by shutdown stays running until its lease lapses.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan string)
	g, ctx := errgroup.WithContext(ctx)
	for range d.cfg.Workers {
		g.Go(func() error {
			for id := range jobs {
				d.process(ctx, id)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		d.pollLoop(ctx, jobs)
		return nil
	})
	return g.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context, jobs chan<- string) {
	ticker := time.NewTicker(d.cfg.QueuePoll)
	defer ticker.Stop()

	d.requeueStale(ctx)
	for {
		d.drainQueue(ctx, jobs)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.requeueStale(ctx)
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) requeueStale(ctx context.Context) {
	n, err := d.store.RequeueStale(ctx, d.cfg.Lease)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			d.logger.Warn("requeue stale jobs", zap.Error(err))
		}
	case n > 0:
		d.logger.Info("requeued abandoned jobs", zap.Int64("count", n))
	}
}

func (d *Dispatcher) drainQueue(ctx context.Context, jobs chan<- string) {
	for ctx.Err() == nil {
		ids, err := d.store.QueuedJobIDs(ctx, d.cfg.Workers)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("list queued jobs", zap.Error(err))
			}
			return
		}
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			claimed, err := d.store.ClaimJob(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("claim job", zap.String("job_id", id), zap.Error(err))
				}
				return
			}
			if !claimed {
				continue
			}
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}
}
