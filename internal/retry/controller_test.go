package retry

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
	"github.com/jamesstaub/listenup/internal/queue"
)

type fakeBus struct{ enqueued int }

func (f *fakeBus) Enqueue(ctx context.Context, service string, msg queue.DispatchMessage) error {
	f.enqueued++
	return nil
}
func (f *fakeBus) Dequeue(ctx context.Context, service string, timeout time.Duration) (*queue.DispatchMessage, error) {
	return nil, queue.ErrEmpty
}
func (f *fakeBus) PublishStatus(ctx context.Context, msg queue.StatusMessage) error { return nil }
func (f *fakeBus) ConsumeStatus(ctx context.Context, timeout time.Duration) (*queue.StatusMessage, error) {
	return nil, queue.ErrEmpty
}
func (f *fakeBus) InitJoin(ctx context.Context, jobID uuid.UUID, stepName string, n int) error {
	return nil
}
func (f *fakeBus) DecrementJoin(ctx context.Context, jobID uuid.UUID, stepName string) (int64, error) {
	return 0, nil
}
func (f *fakeBus) Close() error { return nil }

type fakeCache struct{}

func (f *fakeCache) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	return nil, false, nil
}
func (f *fakeCache) Put(ctx context.Context, key string, entry *domain.CacheEntry) error { return nil }

func manifestSet() domain.ManifestSet {
	return domain.ManifestSet{
		"audio":    {Service: "audio", Program: "transcode"},
		"waveform": {Service: "waveform", Program: "render"},
	}
}

func newStore(t *testing.T) pipeline.JobStore {
	t.Helper()
	db := testutil.DB(t)
	require.NoError(t, pipeline.AutoMigrate(db))
	tx := testutil.Tx(t, db)
	return pipeline.NewJobStore(tx, testutil.Logger(t))
}

// Three-step chain: transcode -> waveform -> thumbnail. waveform fails;
// retry should reset waveform and thumbnail but preserve transcode's output.
func threeStepJob() *domain.Job {
	return &domain.Job{
		ID: uuid.New(),
		Steps: []*domain.Step{
			{
				Name: "transcode", Service: "audio", Status: domain.StepComplete,
				Outputs:         map[string]string{"audio_out": "x"},
				ProducedOutputs: map[string]string{"audio_out": "s3://bucket/out.mp3"},
			},
			{
				Name: "waveform", Service: "waveform", Status: domain.StepFailed,
				Inputs: map[string]domain.Placeholder{
					"audio": domain.Template("{{steps.transcode.outputs.audio_out}}"),
				},
				Outputs: map[string]string{"image_out": "y"},
				Error:   domain.NewApplicationError("render_failed", "boom", nil),
			},
			{
				Name: "thumbnail", Service: "waveform", Status: domain.StepPending,
				Inputs: map[string]domain.Placeholder{
					"image": domain.Template("{{steps.waveform.outputs.image_out}}"),
				},
			},
		},
		Transitions: []domain.Transition{
			{From: "transcode", To: "waveform", Mapping: map[string]string{"audio_out": "audio"}},
			{From: "waveform", To: "thumbnail", Mapping: map[string]string{"image_out": "image"}},
		},
	}
}

func TestRetryResetsFailedStepAndDownstream(t *testing.T) {
	store := newStore(t)
	bus := &fakeBus{}
	c := New(store, bus, &fakeCache{}, manifestSet(), logger.Nop())

	job := threeStepJob()
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	res, err := c.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, "waveform", res.ResumeStep)

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)

	// transcode's completed output is preserved.
	require.Equal(t, domain.StepComplete, got.StepByName("transcode").Status)
	require.Equal(t, "s3://bucket/out.mp3", got.StepByName("transcode").ProducedOutputs["audio_out"])

	// waveform was reset and immediately re-dispatched since its input is
	// still bound by the preserved transcode output.
	require.Equal(t, domain.StepDispatched, got.StepByName("waveform").Status)
	require.Nil(t, got.StepByName("waveform").Error)

	// thumbnail was reset too and remains blocked until waveform completes.
	require.Equal(t, domain.StepPending, got.StepByName("thumbnail").Status)

	require.Equal(t, 1, bus.enqueued)
	require.Equal(t, domain.JobProcessing, got.Status)
}

func TestRetryWithNoFailedStepReturnsError(t *testing.T) {
	store := newStore(t)
	c := New(store, &fakeBus{}, &fakeCache{}, manifestSet(), logger.Nop())

	job := threeStepJob()
	job.Steps[1].Status = domain.StepComplete
	job.Steps[1].Error = nil
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	_, err := c.Retry(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrNoFailedStep)
}
