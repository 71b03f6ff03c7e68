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
	"github.com/AleutianAI/workmove/services/migrate/dedupe"
	"github.com/AleutianAI/workmove/services/migrate/events"
	"github.com/AleutianAI/workmove/services/migrate/job"
	"github.com/AleutianAI/workmove/services/migrate/match"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	// Error is a human-readable error message.
	Error string `json:"error"`

	// Code is a machine-readable error code.
	Code string `json:"code"`
}

// StartMigrationRequest is the request body for starting a migration.
type StartMigrationRequest struct {
	// SourceAppID is the application items are read from.
	SourceAppID int64 `json:"source_app_id" binding:"required"`

	// TargetAppID is the application items are written to.
	TargetAppID int64 `json:"target_app_id" binding:"required"`

	// Mode is "create", "update" or "upsert".
	Mode string `json:"mode" binding:"required"`

	// Mapping routes source external field IDs to target external
	// field IDs.
	Mapping map[string]string `json:"mapping" binding:"required"`

	// MatchField locates counterpart target items for update and upsert.
	MatchField string `json:"match_field,omitempty"`

	// TargetMatchField overrides the match field name on the target side.
	TargetMatchField string `json:"target_match_field,omitempty"`

	// Filters narrows the migrated source set.
	Filters map[string]any `json:"filters,omitempty"`

	// TransferFiles copies file attachments along with created items.
	TransferFiles bool `json:"transfer_files,omitempty"`

	// DryRun previews outcomes without writing.
	DryRun bool `json:"dry_run,omitempty"`
}

// spec converts the request into a migration spec.
func (r StartMigrationRequest) spec() job.MigrationSpec {
	return job.MigrationSpec{
		SourceAppID:      r.SourceAppID,
		TargetAppID:      r.TargetAppID,
		Mode:             job.Mode(r.Mode),
		Mapping:          r.Mapping,
		MatchField:       r.MatchField,
		TargetMatchField: r.TargetMatchField,
		Filters:          r.Filters,
		TransferFiles:    r.TransferFiles,
		DryRun:           r.DryRun,
	}
}

// StartCleanupRequest is the request body for starting a duplicate
// cleanup.
type StartCleanupRequest struct {
	// AppID is the application to scan.
	AppID int64 `json:"app_id" binding:"required"`

	// MatchField anchors duplicate comparison.
	MatchField string `json:"match_field" binding:"required"`

	// Strategy is "oldest" or "newest". Empty defaults to oldest.
	Strategy string `json:"strategy,omitempty"`

	// Mode is "manual" or "automated". Empty defaults to manual.
	Mode string `json:"mode,omitempty"`

	// DryRun detects and reports without deleting.
	DryRun bool `json:"dry_run,omitempty"`
}

// spec converts the request into a cleanup spec.
func (r StartCleanupRequest) spec() job.CleanupSpec {
	return job.CleanupSpec{
		AppID:      r.AppID,
		MatchField: r.MatchField,
		Strategy:   dedupe.KeepStrategy(r.Strategy),
		Mode:       job.CleanupMode(r.Mode),
		DryRun:     r.DryRun,
	}
}

// ExecuteCleanupRequest approves detected groups for deletion.
type ExecuteCleanupRequest struct {
	// Approved lists group value keys to execute. Empty executes every
	// detected group.
	Approved []string `json:"approved,omitempty"`
}

// JobResponse wraps a job for the wire. The job's own JSON shape is the
// response body; the wrapper exists so list and detail endpoints stay
// symmetric.
type JobResponse struct {
	Job *job.Job `json:"job"`
}

// JobListResponse is the response body for job listings.
type JobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

// ProposeMappingRequest asks for a field mapping suggestion.
type ProposeMappingRequest struct {
	SourceAppID int64 `json:"source_app_id" binding:"required"`
	TargetAppID int64 `json:"target_app_id" binding:"required"`
}

// ProposeMappingResponse carries the suggested mapping.
type ProposeMappingResponse struct {
	Mappings []match.Mapping `json:"mappings"`
	Count    int             `json:"count"`
}

// PreviewResponse is the synchronous dry-run result.
type PreviewResponse struct {
	// JobID identifies the recorded preview run; its full job record
	// remains inspectable.
	JobID string `json:"job_id"`

	Preview *job.Preview `json:"preview"`
}

// JobEventsResponse carries a job's recently buffered events.
type JobEventsResponse struct {
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`
}

// ReadyResponse is the readiness endpoint body.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// QuotaResponse reports the last observed platform rate-limit window.
type QuotaResponse struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at,omitempty"`
}
