package statusconsumer

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

type fakeBus struct{}

func (f *fakeBus) Enqueue(ctx context.Context, service string, msg queue.DispatchMessage) error {
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

// recordingBus wraps fakeBus to capture join-counter calls so tests can
// assert the Fan-in Counter is armed and decremented under the join
// (consumer) step's name, not the fanned-out producer's.
type recordingBus struct {
	fakeBus
	initCalls []joinInit
	decCalls  []string
}

type joinInit struct {
	step string
	n    int
}

func (f *recordingBus) InitJoin(ctx context.Context, jobID uuid.UUID, stepName string, n int) error {
	f.initCalls = append(f.initCalls, joinInit{step: stepName, n: n})
	return nil
}

func (f *recordingBus) DecrementJoin(ctx context.Context, jobID uuid.UUID, stepName string) (int64, error) {
	f.decCalls = append(f.decCalls, stepName)
	return 0, nil
}

type fakeCache struct{ entries map[string]*domain.CacheEntry }

func (f *fakeCache) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}
func (f *fakeCache) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	if f.entries == nil {
		f.entries = map[string]*domain.CacheEntry{}
	}
	f.entries[key] = entry
	return nil
}

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

func TestApplyCompleteAdvancesChain(t *testing.T) {
	store := newStore(t)
	idx := &fakeCache{}
	c := New(&fakeBus{}, store, idx, manifestSet(), logger.Nop(), 2)

	job := &domain.Job{
		ID: uuid.New(),
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepDispatched, Outputs: map[string]string{"audio_out": "x"}},
			{Name: "waveform", Service: "waveform", Status: domain.StepPending, Inputs: map[string]domain.Placeholder{
				"audio": domain.Template("{{steps.transcode.outputs.audio_out}}"),
			}},
		},
		Transitions: []domain.Transition{
			{From: "transcode", To: "waveform", Mapping: map[string]string{"audio_out": "audio"}},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	err := c.apply(context.Background(), queue.StatusMessage{
		JobID:    job.ID,
		StepName: "transcode",
		Outcome:  queue.StatusComplete,
		Outputs:  map[string]string{"audio_out": "s3://bucket/out.mp3"},
	})
	require.NoError(t, err)

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepComplete, got.Steps[0].Status)
	// waveform should now have been dispatched by the replan phase.
	require.Equal(t, domain.StepDispatched, got.Steps[1].Status)
	require.Equal(t, domain.JobProcessing, got.Status)
}

func TestApplyFailedMarksJobFailedOnceDrained(t *testing.T) {
	store := newStore(t)

	c := New(&fakeBus{}, store, &fakeCache{}, manifestSet(), logger.Nop(), 2)

	job := &domain.Job{
		ID: uuid.New(),
		Steps: []*domain.Step{
			{Name: "transcode", Service: "audio", Status: domain.StepDispatched},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	err := c.apply(context.Background(), queue.StatusMessage{
		JobID:        job.ID,
		StepName:     "transcode",
		Outcome:      queue.StatusFailed,
		ErrorType:    string(domain.ApplicationError),
		ErrorMessage: "boom",
	})
	require.NoError(t, err)

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepFailed, got.Steps[0].Status)
	require.Equal(t, domain.JobFailed, got.Status)
}

func manifestsWithFanOut() domain.ManifestSet {
	return domain.ManifestSet{
		"splitter":  {Service: "splitter", Program: "split"},
		"analyzer":  {Service: "analyzer", Program: "analyze", FanOut: &domain.FanOutSpec{OnInput: "chunk"}},
		"aggregator": {Service: "aggregator", Program: "aggregate"},
	}
}

// TestApplyArmsJoinCounterOnFanOut covers the S3 shape: completing the
// fan-out producer ("split") must materialize "analyze" instances and arm
// "aggregate"'s join counter at the producer's width, under "aggregate"'s
// own name.
func TestApplyArmsJoinCounterOnFanOut(t *testing.T) {
	store := newStore(t)
	bus := &recordingBus{}
	c := New(bus, store, &fakeCache{}, manifestsWithFanOut(), logger.Nop(), 2)

	job := &domain.Job{
		ID: uuid.New(),
		Steps: []*domain.Step{
			{Name: "split", Service: "splitter", Status: domain.StepDispatched, Outputs: map[string]string{"piece": "x"}},
			{Name: "analyze", Service: "analyzer", Status: domain.StepPending, Inputs: map[string]domain.Placeholder{
				"chunk": domain.Template("{{steps.split.outputs.piece}}"),
			}, Outputs: map[string]string{"result": "y"}},
			{Name: "aggregate", Service: "aggregator", Status: domain.StepPending, Inputs: map[string]domain.Placeholder{
				"results": domain.Template("{{steps.analyze.outputs.result}}"),
			}},
		},
		Transitions: []domain.Transition{
			{From: "split", To: "analyze", Mapping: map[string]string{"piece": "chunk"}},
			{From: "analyze", To: "aggregate", Mapping: map[string]string{"result": "results"}},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	err := c.apply(context.Background(), queue.StatusMessage{
		JobID:    job.ID,
		StepName: "split",
		Outcome:  queue.StatusComplete,
		Outputs:  map[string]string{"piece.0": "s3://a", "piece.1": "s3://b"},
	})
	require.NoError(t, err)

	require.Len(t, bus.initCalls, 1)
	require.Equal(t, "aggregate", bus.initCalls[0].step)
	require.Equal(t, 2, bus.initCalls[0].n)

	got, err := store.Get(dbc, job.ID)
	require.NoError(t, err)
	require.Len(t, got.InstancesOf("analyze"), 2)
}

// TestApplyCompleteDecrementsJoinCounterUnderConsumerName covers the
// decrement side: completing one fan-out instance must decrement the join
// counter keyed by the downstream join step's name, not the instance's own
// base name.
func TestApplyCompleteDecrementsJoinCounterUnderConsumerName(t *testing.T) {
	store := newStore(t)
	bus := &recordingBus{}
	c := New(bus, store, &fakeCache{}, manifestsWithFanOut(), logger.Nop(), 2)

	zero, one := 0, 1
	job := &domain.Job{
		ID: uuid.New(),
		Steps: []*domain.Step{
			{Name: "analyze#0", DeclaredName: "analyze", Service: "analyzer", InstanceIndex: &zero, Status: domain.StepDispatched, Outputs: map[string]string{"result": "y"}},
			{Name: "analyze#1", DeclaredName: "analyze", Service: "analyzer", InstanceIndex: &one, Status: domain.StepComplete, Outputs: map[string]string{"result": "y"}},
			{Name: "aggregate", Service: "aggregator", Status: domain.StepPending, Inputs: map[string]domain.Placeholder{
				"results": domain.Template("{{steps.analyze.outputs.result}}"),
			}},
		},
		Transitions: []domain.Transition{
			{From: "analyze", To: "aggregate", Mapping: map[string]string{"result": "results"}},
		},
	}
	dbc := dbctx.Background()
	require.NoError(t, store.Create(dbc, job))

	err := c.apply(context.Background(), queue.StatusMessage{
		JobID:         job.ID,
		StepName:      "analyze",
		InstanceIndex: &zero,
		Outcome:       queue.StatusComplete,
		Outputs:       map[string]string{"result": "z"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"aggregate"}, bus.decCalls)
}
