package pipeline

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jamesstaub/listenup/internal/data/repos/testutil"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
)

func newTestStore(t *testing.T) JobStore {
	t.Helper()
	db := testutil.DB(t)
	require.NoError(t, db.AutoMigrate(&jobRow{}))
	tx := testutil.Tx(t, db)
	return NewJobStore(tx, testutil.Logger(t))
}

func sampleJob() *domain.Job {
	return &domain.Job{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: domain.JobPending,
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepPending},
		},
	}
}

func TestJobStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := dbctx.Background()

	job := sampleJob()
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, domain.JobPending, got.Status)
	require.Len(t, got.Steps, 1)
	require.Equal(t, "transcode", got.Steps[0].Name)
}

func TestJobStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(dbctx.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobStoreWithJobMutatesAndPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := dbctx.Background()
	job := sampleJob()
	require.NoError(t, store.Create(ctx, job))

	err := store.WithJob(ctx, job.ID, func(j *domain.Job) error {
		j.Steps[0].Status = domain.StepComplete
		j.Status = domain.JobComplete
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobComplete, got.Status)
	require.Equal(t, domain.StepComplete, got.Steps[0].Status)
}

func TestJobStoreWithJobErrorAbortsMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := dbctx.Background()
	job := sampleJob()
	require.NoError(t, store.Create(ctx, job))

	mutateErr := errors.New("mutate failed")
	err := store.WithJob(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.JobComplete
		return mutateErr
	})
	require.ErrorIs(t, err, mutateErr)

	got, getErr := store.Get(ctx, job.ID)
	require.NoError(t, getErr)
	require.Equal(t, domain.JobPending, got.Status)
}

func TestJobStoreCompareAndSetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := dbctx.Background()
	job := sampleJob()
	require.NoError(t, store.Create(ctx, job))

	ok, err := store.CompareAndSetStatus(ctx, job.ID, []domain.JobStatus{domain.JobPending}, domain.JobComplete)
	require.NoError(t, err)
	require.True(t, ok)

	// Second CAS against the now-stale "from" set must no-op.
	ok, err = store.CompareAndSetStatus(ctx, job.ID, []domain.JobStatus{domain.JobPending}, domain.JobFailed)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobComplete, got.Status)
}
