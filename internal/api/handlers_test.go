package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/data/repos/testutil"
	"github.com/jamesstaub/listenup/internal/domain"
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
		"audio": {Service: "audio", Program: "transcode"},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, pipeline.JobStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.DB(t)
	require.NoError(t, pipeline.AutoMigrate(db))
	tx := testutil.Tx(t, db)
	store := pipeline.NewJobStore(tx, testutil.Logger(t))

	engine := NewEngine(store, &fakeBus{}, &fakeCache{}, manifestSet(), logger.Nop())
	router := NewRouter(RouterConfig{Handler: NewHandler(engine)})
	return router, store
}

func TestSubmitAndGetRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	body := submitRequest{
		UserID: uuid.New(),
		Steps: []*domain.Step{
			{
				Name:        "transcode",
				Service:     "audio",
				CommandSpec: domain.CommandSpec{Program: "transcode"},
				Outputs:     map[string]string{"audio_out": "{{composite_name}}/out.wav"},
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/pipelines", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var submitResp struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	require.NotEqual(t, uuid.Nil, submitResp.JobID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/pipelines/%s", submitResp.JobID), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var getResp struct {
		Job domain.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResp))
	require.Equal(t, submitResp.JobID, getResp.Job.ID)
	require.Equal(t, domain.StepDispatched, getResp.Job.Steps[0].Status)
}

func TestGetUnknownJobReturns404(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/pipelines/%s", uuid.New()), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRejectsUnknownService(t *testing.T) {
	router, _ := newTestRouter(t)

	body := submitRequest{
		UserID: uuid.New(),
		Steps: []*domain.Step{
			{Name: "mystery", Service: "does-not-exist", CommandSpec: domain.CommandSpec{Program: "x"}},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/pipelines", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
