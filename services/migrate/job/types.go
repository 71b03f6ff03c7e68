// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package job runs migrations and cleanups as durable, resumable jobs.
//
// A job's full state (spec, progress, checkpoint, failures) persists on
// every page boundary, so a crash or pause loses at most one page of
// work and a resume continues where the checkpoint points.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/workmove/services/migrate/dedupe"
)

// Kind distinguishes job families.
type Kind string

const (
	// KindMigration copies items from a source application to a target.
	KindMigration Kind = "migration"

	// KindCleanup detects and removes duplicates within one application.
	KindCleanup Kind = "cleanup"
)

// Status is a job's lifecycle state.
type Status string

const (
	// StatusPlanning covers validation and target index construction.
	StatusPlanning Status = "planning"

	// StatusDetecting covers the duplicate scan of cleanup jobs.
	StatusDetecting Status = "detecting"

	// StatusInProgress covers page-by-page execution.
	StatusInProgress Status = "in_progress"

	// StatusPaused is a deliberate stop at a page boundary; resumable.
	StatusPaused Status = "paused"

	// StatusCompleted is terminal success (possibly with failed items).
	StatusCompleted Status = "completed"

	// StatusFailed is a terminal error before completion.
	StatusFailed Status = "failed"

	// StatusCancelled is a terminal user abort.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further execution.
// Completed jobs remain eligible for retry-failed sub-runs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the legal status graph.
var transitions = map[Status][]Status{
	StatusPlanning:   {StatusDetecting, StatusInProgress, StatusFailed, StatusCancelled},
	StatusDetecting:  {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
	// Completed and failed jobs re-enter execution only for bounded
	// sub-runs (retry-failed, approved cleanup execution).
	StatusCompleted: {StatusInProgress},
	StatusFailed:    {StatusInProgress},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode selects what a migration does with each source item.
type Mode string

const (
	// ModeCreate creates every source item in the target.
	ModeCreate Mode = "create"

	// ModeUpdate updates target items matched by the match field;
	// unmatched source items are skipped.
	ModeUpdate Mode = "update"

	// ModeUpsert updates matched target items and creates the rest.
	ModeUpsert Mode = "upsert"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	return m == ModeCreate || m == ModeUpdate || m == ModeUpsert
}

// Sentinel errors for the job layer.
var (
	// ErrJobNotFound indicates the job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition rejects an illegal status change.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobRunning rejects operations that need a settled job.
	ErrJobRunning = errors.New("job is currently running")

	// ErrRetryNotSupported rejects retry-failed on update-mode jobs:
	// replaying an update against a target that may have changed since
	// would clobber newer data.
	ErrRetryNotSupported = errors.New("retry of failed items is not supported for update mode")

	// ErrNothingToRetry indicates the job has no failed items recorded.
	ErrNothingToRetry = errors.New("job has no failed items to retry")

	// ErrNotAwaitingApproval rejects cleanup execution on a job that has
	// no pending manual groups.
	ErrNotAwaitingApproval = errors.New("cleanup job is not awaiting approval")
)

// MigrationSpec describes a migration job.
type MigrationSpec struct {
	// SourceAppID is the application items are read from.
	SourceAppID int64 `json:"source_app_id"`

	// TargetAppID is the application items are written to.
	TargetAppID int64 `json:"target_app_id"`

	// Mode selects create, update or upsert semantics.
	Mode Mode `json:"mode"`

	// Mapping routes source external field IDs to target external
	// field IDs.
	Mapping map[string]string `json:"mapping"`

	// MatchField is the source field whose normalized value locates the
	// counterpart target item. Required for update and upsert.
	MatchField string `json:"match_field,omitempty"`

	// TargetMatchField overrides the match field name on the target
	// side; defaults to the mapped name of MatchField.
	TargetMatchField string `json:"target_match_field,omitempty"`

	// Filters narrows the migrated source set.
	Filters map[string]any `json:"filters,omitempty"`

	// TransferFiles copies file attachments along with created items.
	TransferFiles bool `json:"transfer_files,omitempty"`

	// DryRun records intended writes without performing any.
	DryRun bool `json:"dry_run,omitempty"`
}

// Validate checks the spec.
func (s MigrationSpec) Validate() error {
	if s.SourceAppID == 0 || s.TargetAppID == 0 {
		return fmt.Errorf("source and target app IDs are required")
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("unknown migration mode %q", s.Mode)
	}
	if len(s.Mapping) == 0 {
		return fmt.Errorf("field mapping is required")
	}
	if (s.Mode == ModeUpdate || s.Mode == ModeUpsert) && s.MatchField == "" {
		return fmt.Errorf("match field is required for %s mode", s.Mode)
	}
	return nil
}

// targetMatchField resolves the match field name on the target side.
func (s MigrationSpec) targetMatchField() string {
	if s.TargetMatchField != "" {
		return s.TargetMatchField
	}
	if mapped, ok := s.Mapping[s.MatchField]; ok {
		return mapped
	}
	return s.MatchField
}

// CleanupMode selects how cleanup deletions are authorized.
type CleanupMode string

const (
	// CleanupManual detects groups and waits for explicit approval
	// before deleting anything.
	CleanupManual CleanupMode = "manual"

	// CleanupAutomated deletes immediately after detection.
	CleanupAutomated CleanupMode = "automated"
)

// CleanupSpec describes a duplicate cleanup job.
type CleanupSpec struct {
	// AppID is the application to scan.
	AppID int64 `json:"app_id"`

	// MatchField anchors duplicate comparison.
	MatchField string `json:"match_field"`

	// Strategy picks each group's survivor. Empty defaults to oldest.
	Strategy dedupe.KeepStrategy `json:"strategy,omitempty"`

	// Mode selects manual approval or automated deletion.
	// Empty defaults to manual.
	Mode CleanupMode `json:"mode,omitempty"`

	// DryRun detects and reports without ever deleting.
	DryRun bool `json:"dry_run,omitempty"`
}

// Validate checks the spec.
func (s CleanupSpec) Validate() error {
	if s.AppID == 0 {
		return fmt.Errorf("app ID is required")
	}
	if s.MatchField == "" {
		return fmt.Errorf("match field is required")
	}
	if s.Mode != "" && s.Mode != CleanupManual && s.Mode != CleanupAutomated {
		return fmt.Errorf("unknown cleanup mode %q", s.Mode)
	}
	if s.Strategy != "" && !s.Strategy.Valid() {
		return fmt.Errorf("unknown keep strategy %q", s.Strategy)
	}
	return nil
}

// Progress tracks a job's counters.
type Progress struct {
	// Total is the filtered source set size, once known.
	Total int `json:"total"`

	// Processed counts items whose outcome is settled.
	Processed int `json:"processed"`

	// Succeeded counts successful writes.
	Succeeded int `json:"succeeded"`

	// Failed counts items that failed after retries.
	Failed int `json:"failed"`

	// Skipped counts items deliberately not written (unmatched in
	// update mode).
	Skipped int `json:"skipped"`
}

// Percent reports completion as 0-100. Zero totals report 0.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// Checkpoint marks the resume point within the source set.
type Checkpoint struct {
	// Offset is where the next page starts.
	Offset int `json:"offset"`

	// LastItemID is the final item of the last completed page.
	LastItemID int64 `json:"last_item_id"`

	// UpdatedAt is when the checkpoint last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxFailedItems caps the per-job failed item log. Beyond the cap only
// the counter advances; a job drowning in failures should be fixed, not
// exhaustively cataloged.
const MaxFailedItems = 1000

// FailedItem records one item that failed after retries.
type FailedItem struct {
	// SourceItemID identifies the source item.
	SourceItemID int64 `json:"source_item_id"`

	// Op is the write kind that failed.
	Op string `json:"op"`

	// Reason is the final error's rendering.
	Reason string `json:"reason"`

	// At is when the failure was recorded.
	At time.Time `json:"at"`
}

// Preview is a dry run's predicted outcome.
type Preview struct {
	WouldCreate int `json:"would_create"`
	WouldUpdate int `json:"would_update"`
	WouldSkip   int `json:"would_skip"`
	WouldFail   int `json:"would_fail"`

	// SampleFailures shows up to a handful of predicted failure reasons.
	SampleFailures []string `json:"sample_failures,omitempty"`
}

// Job is a durable migration or cleanup run.
type Job struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// Migration is set for migration jobs.
	Migration *MigrationSpec `json:"migration,omitempty"`

	// Cleanup is set for cleanup jobs.
	Cleanup *CleanupSpec `json:"cleanup,omitempty"`

	Progress   Progress   `json:"progress"`
	Checkpoint Checkpoint `json:"checkpoint"`

	// FailedItems lists failures up to MaxFailedItems.
	FailedItems []FailedItem `json:"failed_items,omitempty"`

	// Groups holds a cleanup job's detected duplicate groups.
	Groups []dedupe.Group `json:"groups,omitempty"`

	// AwaitingApproval marks a manual cleanup whose groups have not
	// been executed yet.
	AwaitingApproval bool `json:"awaiting_approval,omitempty"`

	// Preview holds a dry run's predicted outcome.
	Preview *Preview `json:"preview,omitempty"`

	// RetryAttempts counts retry-failed sub-runs.
	RetryAttempts int `json:"retry_attempts,omitempty"`

	// LastRetryAt is when the latest retry-failed sub-run started.
	LastRetryAt time.Time `json:"last_retry_at,omitzero"`

	// Error is the terminal failure rendering, for failed jobs.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Throughput reports processed items per second since the job started.
// Settled jobs measure against FinishedAt; zero before any processing.
func (j *Job) Throughput() float64 {
	if j.StartedAt.IsZero() || j.Progress.Processed == 0 {
		return 0
	}
	end := j.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	elapsed := end.Sub(j.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(j.Progress.Processed) / elapsed
}

// SetStatus applies a validated status transition.
func (j *Job) SetStatus(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	return nil
}

// RecordFailure appends a failed item, honoring the cap. The failure
// counter always advances even past the cap.
func (j *Job) RecordFailure(sourceItemID int64, op, reason string) {
	j.Progress.Failed++
	if len(j.FailedItems) >= MaxFailedItems {
		return
	}
	j.FailedItems = append(j.FailedItems, FailedItem{
		SourceItemID: sourceItemID,
		Op:           op,
		Reason:       reason,
		At:           time.Now(),
	})
}
