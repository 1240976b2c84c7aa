package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/apierr"
)

// Handler wraps an Engine with gin bindings, the same thin-handler-over-a-
// service-type split as the internal/handlers package.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func respondErr(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, errorEnvelope{Error: apiError{Message: apiErr.Error(), Code: apiErr.Code}})
		return
	}
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(http.StatusInternalServerError, errorEnvelope{Error: apiError{Message: msg, Code: "internal_error"}})
}

// submitRequest mirrors domain.Job's own JSON shape: callers never set id,
// status, or the bookkeeping fields, so this is just domain.Job with those
// stripped out to make the contract explicit in the wire schema.
type submitRequest struct {
	UserID      uuid.UUID           `json:"user_id" binding:"required"`
	Steps       []*domain.Step      `json:"steps" binding:"required"`
	Transitions []domain.Transition `json:"transitions"`
}

// POST /api/pipelines
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierr.InvalidArgument("invalid_request_body", err))
		return
	}

	job := &domain.Job{
		UserID:      req.UserID,
		Steps:       req.Steps,
		Transitions: req.Transitions,
	}

	jobID, err := h.engine.Submit(c.Request.Context(), job)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"job_id": jobID, "status": domain.JobPending})
}

// GET /api/pipelines/:id
func (h *Handler) Get(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, apierr.InvalidArgument("invalid_job_id", err))
		return
	}
	job, err := h.engine.Get(c.Request.Context(), jobID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"job": job})
}

// POST /api/pipelines/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, apierr.InvalidArgument("invalid_job_id", err))
		return
	}
	res, err := h.engine.Retry(c.Request.Context(), jobID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"status": res.Status, "resume_step": res.ResumeStep})
}

// GET /api/pipelines/:id/steps/:step/hydrate?instance_index=N
func (h *Handler) Hydrate(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondErr(c, apierr.InvalidArgument("invalid_job_id", err))
		return
	}
	stepName := c.Param("step")

	var instanceIndex *int
	if raw := c.Query("instance_index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(c, apierr.InvalidArgument("invalid_instance_index", err))
			return
		}
		instanceIndex = &n
	}

	result, err := h.engine.Hydrate(c.Request.Context(), jobID, stepName, instanceIndex)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, result)
}
