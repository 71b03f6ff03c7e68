// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/workmove/services/migrate/job"
	"github.com/AleutianAI/workmove/services/migrate/podio"
)

// Handlers contains the HTTP handlers for the migration service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleStartMigration handles POST /v1/migrate/jobs.
//
// Description:
//
//	Validates the spec and launches a migration job. The response
//	returns immediately with the job in planning state; progress is
//	observed via GET /v1/migrate/jobs/:id.
//
// Request Body:
//
//	StartMigrationRequest
//
// Response:
//
//	202 Accepted: JobResponse
//	400 Bad Request: Validation error
//	500 Internal Server Error: Store error
func (h *Handlers) HandleStartMigration(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartMigration")

	var req StartMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	spec := req.spec()
	if err := spec.Validate(); err != nil {
		logger.Warn("Invalid migration spec", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SPEC"})
		return
	}

	j, err := h.svc.Runner().Start(c.Request.Context(), spec)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	logger.Info("Migration job started",
		"job_id", j.ID,
		"source_app", spec.SourceAppID,
		"target_app", spec.TargetAppID,
		"mode", string(spec.Mode),
		"dry_run", spec.DryRun)
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleListJobs handles GET /v1/migrate/jobs.
//
// Query Parameters:
//
//	kind - Optional filter: "migration" or "cleanup"
//
// Response:
//
//	200 OK: JobListResponse, newest first
func (h *Handlers) HandleListJobs(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListJobs")

	jobs, err := h.svc.Runner().List(c.Request.Context())
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if kind := c.Query("kind"); kind != "" {
		filtered := make([]*job.Job, 0, len(jobs))
		for _, j := range jobs {
			if string(j.Kind) == kind {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleGetJob handles GET /v1/migrate/jobs/:id.
//
// Response:
//
//	200 OK: JobResponse with progress, checkpoint, failures and (for
//	cleanup jobs) detected groups
//	404 Not Found: Unknown job ID
func (h *Handlers) HandleGetJob(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetJob")

	j, err := h.svc.Runner().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, JobResponse{Job: j})
}

// HandlePauseJob handles POST /v1/migrate/jobs/:id/pause.
//
// Description:
//
//	Requests a stop at the next page boundary. In-flight writes drain
//	first, then the checkpoint persists, so a later resume continues
//	without gaps or repeats.
//
// Response:
//
//	202 Accepted: JobResponse
//	404 Not Found: Unknown job ID
//	409 Conflict: Job is not running
func (h *Handlers) HandlePauseJob(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePauseJob")
	id := c.Param("id")

	if err := h.svc.Runner().Pause(c.Request.Context(), id); err != nil {
		respondError(c, logger, err)
		return
	}

	j, err := h.svc.Runner().Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Pause requested", "job_id", id)
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleResumeJob handles POST /v1/migrate/jobs/:id/resume.
//
// Response:
//
//	202 Accepted: JobResponse
//	404 Not Found: Unknown job ID
//	409 Conflict: Job is not paused, or is already running
func (h *Handlers) HandleResumeJob(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResumeJob")

	j, err := h.svc.Runner().Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Job resumed", "job_id", j.ID, "offset", j.Checkpoint.Offset)
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleRetryFailed handles POST /v1/migrate/jobs/:id/retry.
//
// Description:
//
//	Re-executes a settled job's failed items. Each item is re-read from
//	the source first, so the retry writes current data.
//
// Response:
//
//	202 Accepted: JobResponse
//	404 Not Found: Unknown job ID
//	409 Conflict: Nothing to retry, or the job is running
//	422 Unprocessable Entity: Update-mode jobs do not support retry
func (h *Handlers) HandleRetryFailed(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRetryFailed")

	j, err := h.svc.Runner().RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Retrying failed items", "job_id", j.ID, "failed", len(j.FailedItems))
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleCancelJob handles POST /v1/migrate/jobs/:id/cancel.
//
// Response:
//
//	202 Accepted: JobResponse
//	404 Not Found: Unknown job ID
//	409 Conflict: Job is already terminal
func (h *Handlers) HandleCancelJob(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelJob")
	id := c.Param("id")

	if err := h.svc.Runner().Cancel(c.Request.Context(), id); err != nil {
		respondError(c, logger, err)
		return
	}

	j, err := h.svc.Runner().Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Cancel requested", "job_id", id)
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandlePreview handles POST /v1/migrate/preview.
//
// Description:
//
//	Runs a migration as a dry run and waits for the result. The real
//	source data streams through the full matching pipeline, but every
//	write is replaced by a recording no-op, so the response predicts
//	outcomes without touching the target.
//
// Request Body:
//
//	StartMigrationRequest (dry_run is implied)
//
// Response:
//
//	200 OK: PreviewResponse
//	400 Bad Request: Validation error
//	500 Internal Server Error: Streaming failure
func (h *Handlers) HandlePreview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePreview")

	var req StartMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	spec := req.spec()
	spec.DryRun = true
	if err := spec.Validate(); err != nil {
		logger.Warn("Invalid migration spec", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SPEC"})
		return
	}

	j, err := h.svc.Runner().Start(c.Request.Context(), spec)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	h.svc.Runner().Wait(j.ID)
	j, err = h.svc.Runner().Get(c.Request.Context(), j.ID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if j.Status == job.StatusFailed {
		logger.Error("Preview run failed", "job_id", j.ID, "error", j.Error)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: j.Error, Code: "PREVIEW_FAILED"})
		return
	}

	logger.Info("Preview complete", "job_id", j.ID)
	c.JSON(http.StatusOK, PreviewResponse{JobID: j.ID, Preview: j.Preview})
}

// HandleJobEvents handles GET /v1/migrate/jobs/:id/events.
//
// Description:
//
//	Returns the recently buffered events for a job, oldest first. The
//	buffer is bounded and in-memory; it complements status polling, it
//	does not replace the durable job record.
func (h *Handlers) HandleJobEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleJobEvents")
	id := c.Param("id")

	// 404 on unknown jobs, not an empty list.
	if _, err := h.svc.Runner().Get(c.Request.Context(), id); err != nil {
		respondError(c, logger, err)
		return
	}

	evs := h.svc.Events().Recent(id)
	c.JSON(http.StatusOK, JobEventsResponse{Events: evs, Count: len(evs)})
}

// HandleProposeMapping handles POST /v1/migrate/mappings/propose.
//
// Description:
//
//	Fetches both application schemas and suggests a field mapping by
//	external ID and label similarity, with a confidence per pair.
//
// Request Body:
//
//	ProposeMappingRequest
//
// Response:
//
//	200 OK: ProposeMappingResponse
//	400 Bad Request: Validation error
//	404 Not Found: Unknown application
func (h *Handlers) HandleProposeMapping(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProposeMapping")

	var req ProposeMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	mappings, err := h.svc.ProposeMapping(c.Request.Context(), req.SourceAppID, req.TargetAppID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ProposeMappingResponse{Mappings: mappings, Count: len(mappings)})
}

// HandleStartCleanup handles POST /v1/cleanup/jobs.
//
// Description:
//
//	Launches a duplicate cleanup job. Manual mode (the default) stops
//	after detection with the groups attached and waits for explicit
//	approval via the execute endpoint; automated mode deletes
//	immediately after detection.
//
// Request Body:
//
//	StartCleanupRequest
//
// Response:
//
//	202 Accepted: JobResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleStartCleanup(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartCleanup")

	var req StartCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	spec := req.spec()
	if err := spec.Validate(); err != nil {
		logger.Warn("Invalid cleanup spec", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SPEC"})
		return
	}

	j, err := h.svc.Runner().StartCleanup(c.Request.Context(), spec)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Cleanup job started",
		"job_id", j.ID,
		"app", spec.AppID,
		"match_field", spec.MatchField,
		"mode", string(j.Cleanup.Mode))
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleExecuteCleanup handles POST /v1/cleanup/jobs/:id/execute.
//
// Description:
//
//	Deletes the detected groups of a manual cleanup job awaiting
//	approval. The body may narrow execution to approved group values;
//	an empty body executes every detected group.
//
// Request Body:
//
//	ExecuteCleanupRequest (optional)
//
// Response:
//
//	202 Accepted: JobResponse
//	404 Not Found: Unknown job ID
//	409 Conflict: Job is not awaiting approval, or is running
func (h *Handlers) HandleExecuteCleanup(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExecuteCleanup")

	var req ExecuteCleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
			return
		}
	}

	j, err := h.svc.Runner().ExecuteCleanup(c.Request.Context(), c.Param("id"), req.Approved)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Cleanup execution approved", "job_id", j.ID, "approved", len(req.Approved))
	c.JSON(http.StatusAccepted, JobResponse{Job: j})
}

// HandleQuota handles GET /v1/migrate/quota.
//
// Response:
//
//	200 OK: QuotaResponse with the last observed rate-limit window
func (h *Handlers) HandleQuota(c *gin.Context) {
	q := h.svc.Quota()
	resp := QuotaResponse{Limit: q.Limit, Remaining: q.Remaining}
	if !q.ResetAt.IsZero() {
		resp.ResetAt = q.ResetAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /v1/migrate/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: ServiceVersion})
}

// HandleReady handles GET /v1/migrate/ready.
//
// Ready means the job store answers; it does not probe the remote
// platform, whose availability is the jobs' concern.
func (h *Handlers) HandleReady(c *gin.Context) {
	if _, err := h.svc.Runner().List(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true})
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "JOB_NOT_FOUND"})
	case errors.Is(err, job.ErrRetryNotSupported):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "RETRY_NOT_SUPPORTED"})
	case errors.Is(err, job.ErrNothingToRetry):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "NOTHING_TO_RETRY"})
	case errors.Is(err, job.ErrNotAwaitingApproval):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "NOT_AWAITING_APPROVAL"})
	case errors.Is(err, job.ErrJobRunning):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "JOB_RUNNING"})
	case errors.Is(err, job.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_TRANSITION"})
	case errors.Is(err, podio.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "REMOTE_NOT_FOUND"})
	default:
		logger.Error("Request failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL_ERROR"})
	}
}

// getOrCreateRequestID returns the request ID from the X-Request-ID
// header, generating one if absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
