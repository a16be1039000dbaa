package db_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RichardoC/listing-designer/internal/db"
	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/testutil"
)

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)

	created, err := database.GetOrCreate(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StateCollectingIntent, created.State)
	assert.Equal(t, int64(1), created.Version)

	loaded, err := database.GetOrCreate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Empty(t, loaded.Slots)

	_, err = database.GetOrCreate(ctx, uuid.NewString())
	require.ErrorIs(t, err, models.ErrNotFound)

	other, err := database.GetOrCreate(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)

	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	v, err := database.Update(ctx, th.ID, th.Version, func(t *models.Thread) error {
		t.State = models.StateCollectingSlots
		t.Template = "open_house"
		t.Slots["mls_listing_id"] = "12345"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A writer still holding version 1 loses.
	_, err = database.Update(ctx, th.ID, th.Version, func(t *models.Thread) error {
		t.Template = "just_sold"
		return nil
	})
	require.ErrorIs(t, err, models.ErrConflict)

	got, err := database.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "open_house", got.Template)
	assert.Equal(t, map[string]string{"mls_listing_id": "12345"}, got.Slots)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateMutatorErrorAbortsWrite(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	_, err = database.Update(ctx, th.ID, th.Version, func(t *models.Thread) error {
		t.State = models.StateFailed
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := database.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollectingIntent, got.State)
	assert.Equal(t, th.Version, got.Version)
}

func TestMessagesAppendInOrder(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	for i := range 5 {
		msg := &models.Message{ThreadID: th.ID, Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, database.SaveMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}

	all, err := database.GetConversationHistory(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}

	last, err := database.GetConversationHistory(ctx, th.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].Content)
	assert.Equal(t, "m4", last[1].Content)

	err = database.SaveMessage(ctx, &models.Message{ThreadID: "nope", Role: models.RoleUser, Content: "x"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestEnqueueJobAttachesAndGuardsVersion(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	job := &models.Job{ID: uuid.NewString(), ThreadID: th.ID, Template: "just_sold", Slots: map[string]string{"mls_listing_id": "1"}}
	v, err := database.EnqueueJob(ctx, job, th.Version)
	require.NoError(t, err)
	assert.Equal(t, th.Version+1, v)

	got, err := database.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateGenerating, got.State)
	assert.Equal(t, job.ID, got.ActiveJobID)

	second := &models.Job{ID: uuid.NewString(), ThreadID: th.ID, Template: "just_sold", Slots: map[string]string{}}
	_, err = database.EnqueueJob(ctx, second, th.Version)
	require.ErrorIs(t, err, models.ErrConflict)
	_, err = database.GetJob(ctx, second.ID)
	require.ErrorIs(t, err, models.ErrNotFound, "losing enqueue must not leave a job row behind")

	_, err = database.EnqueueJob(ctx, &models.Job{ID: uuid.NewString(), ThreadID: "missing"}, 1)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	job := &models.Job{ID: uuid.NewString(), ThreadID: th.ID, Template: "just_sold", Slots: map[string]string{"mls_listing_id": "1"}}
	_, err = database.EnqueueJob(ctx, job, th.Version)
	require.NoError(t, err)

	ids, err := database.QueuedJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	ok, err := database.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = database.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a job is claimed once")

	n, err := database.RequeueStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "a freshly claimed job holds its lease")

	require.NoError(t, database.TouchJob(ctx, job.ID))
	db.SetClock(database, func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	n, err = database.RequeueStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	db.SetClock(database, func() time.Time { return time.Now().UTC() })
	ok, err = database.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	loaded.Attempts = 2
	loaded.ProviderRef = "https://render.example/images/abc"
	loaded.Status = models.JobSucceeded
	loaded.ResultURL = "https://cdn.example/abc.png"
	require.NoError(t, database.SaveJob(ctx, loaded))

	final, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, "https://cdn.example/abc.png", final.ResultURL)
	assert.Equal(t, map[string]string{"mls_listing_id": "1"}, final.Slots)

	final.Status = models.JobFailed
	require.ErrorIs(t, database.SaveJob(ctx, final), models.ErrConflict, "terminal jobs stay terminal")
}

func TestUpdateLatestRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	th, err := database.CreateThread(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := database.UpdateLatest(ctx, th.ID, func(t *models.Thread) error {
				t.Slots[fmt.Sprintf("k%d", i)] = "v"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := database.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, got.Slots, 10, "no write may be lost")
	assert.Equal(t, int64(11), got.Version)
}

func TestThreadIsolation(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	a, err := database.CreateThread(ctx)
	require.NoError(t, err)
	b, err := database.CreateThread(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := database.UpdateLatest(ctx, a.ID, func(t *models.Thread) error {
				t.Slots[fmt.Sprintf("a%d", i)] = "x"
				return nil
			})
			assert.NoError(t, err)
			assert.NoError(t, database.SaveMessage(ctx, &models.Message{ThreadID: a.ID, Role: models.RoleUser, Content: "hi"}))
		}()
	}
	wg.Wait()

	gotB, err := database.GetThread(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Version, gotB.Version)
	assert.Empty(t, gotB.Slots)
	hist, err := database.GetConversationHistory(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestWithRetryOnlyRetriesConflicts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := db.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("write thread: %w", models.ErrConflict)
	})
	require.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, 4, calls, "one try plus three retries")

	calls = 0
	err = db.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return models.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = db.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return models.ErrNotFound
	})
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = db.WithRetry(cancelled, 3, time.Millisecond, func() error { return models.ErrConflict })
	require.ErrorIs(t, err, context.Canceled)
}
