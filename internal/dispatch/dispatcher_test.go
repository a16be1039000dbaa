package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/db"
	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/render"
	"github.com/RichardoC/listing-designer/internal/testutil"
)

type fakeRenderer struct {
	mu         sync.Mutex
	submitErrs []error // consumed one per Submit
	alwaysErr  error
	result     render.PollResult
	submitted  [][]render.Layer
	polled     []string
}

func (f *fakeRenderer) Submit(_ context.Context, layout string, layers []render.Layer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, layers)
	if f.alwaysErr != nil {
		return "", f.alwaysErr
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s/%d", layout, len(f.submitted)), nil
}

func (f *fakeRenderer) Poll(_ context.Context, ref string) (*render.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, ref)
	res := f.result
	return &res, nil
}

func (f *fakeRenderer) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type prefixHost struct{}

func (prefixHost) Host(_ context.Context, src string) (string, error) {
	return "https://hosted.example/?src=" + src, nil
}

type staticListings []render.Layer

func (s staticListings) Layers(context.Context, string) ([]render.Layer, error) {
	return s, nil
}

func testConfig() Config {
	return Config{
		Workers:        2,
		QueuePoll:      10 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		RenderPoll:     time.Millisecond,
		RenderTimeout:  time.Second,
		Lease:          100 * time.Millisecond,
	}
}

func completed(url string) render.PollResult {
	return render.PollResult{Status: render.StatusCompleted, ResultURL: url}
}

func newThread(t *testing.T, store *db.Database) string {
	t.Helper()
	th, err := store.CreateThread(context.Background())
	require.NoError(t, err)
	return th.ID
}

func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForJob(t *testing.T, store *db.Database, id string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

var openHouseSlots = map[string]string{
	"mls_listing_id":  "12345",
	"open_house_date": "this Friday",
	"open_house_time": "4 PM - 6 PM",
}

func TestEnqueueIsIdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	d := New(store, catalog.Default(), &fakeRenderer{}, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	th, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, models.StateGenerating, th.State)
	assert.Equal(t, ids[0], th.ActiveJobID)

	queued, err := store.QueuedJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, queued)
}

func TestEnqueueUnknownThread(t *testing.T) {
	store := testutil.NewDB(t)
	d := New(store, catalog.Default(), &fakeRenderer{}, testutil.Logger(t), testConfig())

	_, err := d.Enqueue(context.Background(), "missing", "open_house", openHouseSlots)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunCompletesJobAndThread(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{result: completed("https://cdn.example/1.png")}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig(),
		WithHost(prefixHost{}),
		WithListings(staticListings{
			{Name: "property_address", Text: "12 Elm St"},
			{Name: "mls_listing_id", Text: "from listing"},
		}))
	threadID := newThread(t, store)
	start(t, d)

	jobID, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, models.JobSucceeded)
	assert.Equal(t, "https://hosted.example/?src=https://cdn.example/1.png", job.ResultURL)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, openHouseSlots, job.Slots)

	require.Eventually(t, func() bool {
		th, err := store.GetThread(ctx, threadID)
		return err == nil && th.State == models.StateComplete
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, renderer.submits())
	assert.Equal(t, []render.Layer{
		{Name: "mls_listing_id", Text: "12345"},
		{Name: "open_house_date", Text: "this Friday"},
		{Name: "open_house_time", Text: "4 PM - 6 PM"},
		{Name: "property_address", Text: "12 Elm St"},
	}, renderer.submitted[0])
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{
		submitErrs: []error{
			render.Transient("submit", errors.New("429")),
			render.Transient("submit", errors.New("502")),
		},
		result: completed("https://cdn.example/2.png"),
	}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)
	start(t, d)

	jobID, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, models.JobSucceeded)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "https://cdn.example/2.png", job.ResultURL)
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{alwaysErr: render.Transient("submit", errors.New("503"))}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)
	start(t, d)

	jobID, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, models.JobFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.Error, "503")
	assert.Empty(t, job.ResultURL)

	require.Eventually(t, func() bool {
		th, err := store.GetThread(ctx, threadID)
		return err == nil && th.State == models.StateFailed
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{result: render.PollResult{Status: render.StatusFailed, Error: "layer price_display missing"}}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)
	start(t, d)

	jobID, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, models.JobFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, renderer.submits())
	assert.Contains(t, job.Error, "layer price_display missing")

	require.Eventually(t, func() bool {
		th, err := store.GetThread(ctx, threadID)
		return err == nil && th.State == models.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	// The failed job no longer blocks a new one.
	next, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)
	assert.NotEqual(t, jobID, next)
}

func TestRunResumesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{result: completed("https://cdn.example/3.png")}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)

	jobID, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	// Simulate a process that submitted the render and died while polling.
	// Nothing renews the lease, so the job is requeued once it lapses.
	claimed, err := store.ClaimJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, claimed)
	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	job.Attempts, job.ProviderRef = 1, "open-house-v1/earlier"
	require.NoError(t, store.SaveJob(ctx, job))

	start(t, d)

	job = waitForJob(t, store, jobID, models.JobSucceeded)
	assert.Equal(t, 2, job.Attempts)
	assert.Zero(t, renderer.submits(), "polling resumed without a second submit")
	renderer.mu.Lock()
	assert.Contains(t, renderer.polled, "open-house-v1/earlier")
	renderer.mu.Unlock()
}

func TestUnknownTemplateFailsPermanently(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)
	renderer := &fakeRenderer{result: completed("https://cdn.example/4.png")}
	d := New(store, catalog.Default(), renderer, testutil.Logger(t), testConfig())
	threadID := newThread(t, store)
	start(t, d)

	jobID, err := d.Enqueue(ctx, threadID, "retired_template", map[string]string{})
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, models.JobFailed)
	assert.Zero(t, renderer.submits())
	assert.Contains(t, job.Error, "retired_template")
}

func TestLiveJobIsNotTakenOverByAnotherDispatcher(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)

	slow := &fakeRenderer{result: render.PollResult{Status: render.StatusPending}}
	cfgA := testConfig()
	cfgA.Workers = 1
	cfgA.RenderPoll = 5 * time.Millisecond
	cfgA.RenderTimeout = 10 * time.Second
	a := New(store, catalog.Default(), slow, testutil.Logger(t), cfgA)
	start(t, a)

	threadID := newThread(t, store)
	jobID, err := a.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, jobID)
		return err == nil && j.Status == models.JobRunning && j.ProviderRef != ""
	}, 5*time.Second, 5*time.Millisecond)

	// A second process sharing the database starts while A is still polling.
	other := &fakeRenderer{result: completed("https://cdn.example/other.png")}
	start(t, New(store, catalog.Default(), other, testutil.Logger(t), testConfig()))

	assert.Never(t, func() bool {
		other.mu.Lock()
		defer other.mu.Unlock()
		return len(other.submitted)+len(other.polled) > 0
	}, 400*time.Millisecond, 10*time.Millisecond, "the live job stays with its worker")

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, slow.submits())

	slow.mu.Lock()
	slow.result = completed("https://cdn.example/slow.png")
	slow.mu.Unlock()
	job = waitForJob(t, store, jobID, models.JobSucceeded)
	assert.Equal(t, "https://cdn.example/slow.png", job.ResultURL)
	assert.Zero(t, other.submits())
}

// flakyClaims fails every claim and counts queue listings.
type flakyClaims struct {
	*db.Database
	mu    sync.Mutex
	lists int
}

func (f *flakyClaims) QueuedJobIDs(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	return f.Database.QueuedJobIDs(ctx, limit)
}

func (f *flakyClaims) ClaimJob(context.Context, string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestDrainQueueBacksOffOnClaimErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyClaims{Database: testutil.NewDB(t)}
	d := New(store, catalog.Default(), &fakeRenderer{}, testutil.Logger(t), testConfig())

	threadID := newThread(t, store.Database)
	_, err := d.Enqueue(ctx, threadID, "open_house", openHouseSlots)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.drainQueue(ctx, make(chan string))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drainQueue kept retrying a failing claim")
	}
	assert.Equal(t, 1, store.lists)
}
