package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/data/repos/testutil"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
)

func newStore(t *testing.T) pipeline.JobStore {
	t.Helper()
	db := testutil.DB(t)
	require.NoError(t, pipeline.AutoMigrate(db))
	tx := testutil.Tx(t, db)
	return pipeline.NewJobStore(tx, testutil.Logger(t))
}

func TestSweepReapsStepPastItsDeadline(t *testing.T) {
	store := newStore(t)
	s := New(store, logger.Nop(), time.Second)
	s.globalCeiling = 10 * time.Minute

	longAgo := time.Now().UTC().Add(-20 * time.Minute)
	job := &domain.Job{
		ID:     uuid.New(),
		Status: domain.JobProcessing,
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepDispatched, DispatchedAt: &longAgo, Timeout: 5 * time.Minute},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	require.NoError(t, s.Sweep(context.Background()))

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepFailed, got.Steps[0].Status)
	require.NotNil(t, got.Steps[0].Error)
	require.Equal(t, domain.InfrastructureError, got.Steps[0].Error.ErrorType)
	require.Equal(t, domain.JobFailed, got.Status)
}

func TestSweepLeavesFreshDispatchUntouched(t *testing.T) {
	store := newStore(t)
	s := New(store, logger.Nop(), time.Second)

	recent := time.Now().UTC()
	job := &domain.Job{
		ID:     uuid.New(),
		Status: domain.JobProcessing,
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepDispatched, DispatchedAt: &recent, Timeout: 5 * time.Minute},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	require.NoError(t, s.Sweep(context.Background()))

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepDispatched, got.Steps[0].Status)
}

func TestSweepIgnoresJobsNotActive(t *testing.T) {
	store := newStore(t)
	s := New(store, logger.Nop(), time.Second)
	s.globalCeiling = 10 * time.Minute

	longAgo := time.Now().UTC().Add(-20 * time.Minute)
	job := &domain.Job{
		ID:     uuid.New(),
		Status: domain.JobComplete,
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepComplete, DispatchedAt: &longAgo},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	require.NoError(t, s.Sweep(context.Background()))

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepComplete, got.Steps[0].Status)
}
