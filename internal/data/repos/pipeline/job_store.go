// Package pipeline is the Job Store (§3, §4.7): a durable mapping from
// job-id to job document, with atomic field updates and a row-lock-based
// compare-and-set for the terminal-status invariant (§4.4, invariant 6).
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
)

// jobRow is the persisted shape: identity + status columns for indexing and
// querying, with the full step/transition graph serialized as JSONB — the
// same "thin columns, fat JSON body" pattern as the JobRun.Result.
type jobRow struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID      `gorm:"type:uuid;not null;index"`
	Status       string         `gorm:"column:status;not null;index"`
	Cursor       int            `gorm:"column:cursor;not null;default:0"`
	LastProgress int            `gorm:"column:last_progress;not null;default:0"`
	Version      int            `gorm:"column:version;not null;default:1"`
	Steps        datatypes.JSON `gorm:"column:steps;type:jsonb"`
	Transitions  datatypes.JSON `gorm:"column:transitions;type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
	UpdatedAt    time.Time      `gorm:"not null;index"`
}

func (jobRow) TableName() string { return "pipeline_job" }

var ErrNotFound = errors.New("job not found")

// JobStore is the engine-facing contract: everything the orchestrator needs
// from durable storage, and nothing it doesn't.
type JobStore interface {
	Create(dbc dbctx.Context, job *domain.Job) error
	Get(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)

	// WithJob loads the job document under a row lock, lets mutate apply
	// changes, and persists the result in the same transaction — the
	// "mutations serialized per job via compare-and-set" guarantee of §5.
	// mutate returning an error aborts the transaction and the document is
	// left unchanged.
	WithJob(dbc dbctx.Context, id uuid.UUID, mutate func(job *domain.Job) error) error

	// CompareAndSetStatus implements the at-most-once terminal transition
	// (§4.4, invariant 6): the update only applies if the row's current
	// status is still one of `from`.
	CompareAndSetStatus(dbc dbctx.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus) (bool, error)

	// ListActiveJobIDs returns every job currently in one of the given
	// statuses. Only the thin status column is queried; per-step staleness
	// still requires loading the full document via WithJob, the same
	// "thin columns, fat JSON body" split as Create/Get. Used by the
	// sweeper to find candidates worth inspecting for a timed-out step.
	ListActiveJobIDs(dbc dbctx.Context, statuses []domain.JobStatus) ([]uuid.UUID, error)
}

type jobStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStore(db *gorm.DB, baseLog *logger.Logger) JobStore {
	return &jobStore{db: db, log: baseLog.With("repo", "JobStore")}
}

// AutoMigrate creates/updates the pipeline_job table. Exported so callers in
// other packages (tests, cmd/orchestrator) can migrate without reaching into
// this package's unexported row type.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{})
}

func (r *jobStore) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobStore) Create(dbc dbctx.Context, job *domain.Job) error {
	job.EnsureDefaults()
	row, err := toRow(job)
	if err != nil {
		return err
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return err
	}
	job.CreatedAt = row.CreatedAt
	job.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *jobStore) Get(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var row jobRow
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (r *jobStore) WithJob(dbc dbctx.Context, id uuid.UUID, mutate func(job *domain.Job) error) error {
	run := func(txx *gorm.DB) error {
		var row jobRow
		q := txx.WithContext(dbc.Ctx)
		if rowLockingSupported(txx) {
			// SQLite has no row-level locking and errors on "FOR UPDATE"; the
			// transaction's own serialization is enough for the test suite.
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := fromRow(&row)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		newRow, err := toRow(job)
		if err != nil {
			return err
		}
		newRow.CreatedAt = row.CreatedAt
		return txx.WithContext(dbc.Ctx).Model(&jobRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":        newRow.Status,
			"cursor":        newRow.Cursor,
			"last_progress": newRow.LastProgress,
			"version":       newRow.Version,
			"steps":         newRow.Steps,
			"transitions":   newRow.Transitions,
			"updated_at":    newRow.UpdatedAt,
		}).Error
	}
	if dbc.Tx != nil {
		return run(dbc.Tx)
	}
	return r.db.Transaction(run)
}

func (r *jobStore) CompareAndSetStatus(dbc dbctx.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus) (bool, error) {
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&jobRow{}).Where("id = ?", id)
	if len(from) > 0 {
		statuses := make([]string, len(from))
		for i, s := range from {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	res := q.Updates(map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobStore) ListActiveJobIDs(dbc dbctx.Context, statuses []domain.JobStatus) ([]uuid.UUID, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	var ids []uuid.UUID
	err := r.tx(dbc).WithContext(dbc.Ctx).Model(&jobRow{}).
		Where("status IN ?", strs).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func rowLockingSupported(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "postgres"
}

func toRow(job *domain.Job) (*jobRow, error) {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	transitions, err := json.Marshal(job.Transitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}
	return &jobRow{
		ID:           job.ID,
		UserID:       job.UserID,
		Status:       string(job.Status),
		Cursor:       job.Cursor,
		LastProgress: job.LastProgress,
		Version:      job.Version,
		Steps:        datatypes.JSON(steps),
		Transitions:  datatypes.JSON(transitions),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	job := &domain.Job{
		ID:           row.ID,
		UserID:       row.UserID,
		Status:       domain.JobStatus(row.Status),
		Cursor:       row.Cursor,
		LastProgress: row.LastProgress,
		Version:      row.Version,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if len(row.Steps) > 0 && string(row.Steps) != "null" {
		if err := json.Unmarshal(row.Steps, &job.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(row.Transitions) > 0 && string(row.Transitions) != "null" {
		if err := json.Unmarshal(row.Transitions, &job.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
	}
	job.EnsureDefaults()
	return job, nil
}
