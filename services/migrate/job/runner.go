// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/workmove/services/migrate/bulk"
	"github.com/AleutianAI/workmove/services/migrate/dedupe"
	"github.com/AleutianAI/workmove/services/migrate/events"
	"github.com/AleutianAI/workmove/services/migrate/match"
	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/retry"
	"github.com/AleutianAI/workmove/services/migrate/stream"
)

// Client is the remote surface a runner drives.
// Satisfied by the gateway client.
type Client interface {
	stream.Pager
	bulk.Doer
	GetApp(ctx context.Context, appID int64) (podio.App, error)
	GetItem(ctx context.Context, itemID int64) (podio.Item, error)
	ItemFiles(ctx context.Context, itemID int64) ([]podio.File, error)
	DownloadFile(ctx context.Context, fileID int64) (io.ReadCloser, error)
	UploadFile(ctx context.Context, name string, content io.Reader) (int64, error)
	AttachFile(ctx context.Context, fileID, itemID int64) error
}

// Config tunes job execution.
type Config struct {
	// PageSize caps source pages. Defaults to the stream default.
	PageSize int

	// Concurrency caps in-flight writes per wave.
	Concurrency int

	// Retry tunes remote call retries.
	Retry retry.Config

	// Logger records job execution. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Runner executes jobs against the remote platform.
//
// One Runner serves the whole process; each job runs on its own
// goroutine with its own cancellation, while state lives in the store so
// a restart can resume from checkpoints.
//
// Thread Safety: Safe for concurrent use.
type Runner struct {
	store   *Store
	client  Client
	emitter events.Emitter
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the in-memory handle of a running job.
type activeRun struct {
	cancel context.CancelFunc
	pause  atomic.Bool
	done   chan struct{}
}

// NewRunner creates a runner.
func NewRunner(store *Store, client Client, emitter events.Emitter, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Runner{
		store:   store,
		client:  client,
		emitter: emitter,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "job_runner")),
		active:  make(map[string]*activeRun),
	}
}

// Start creates and launches a migration job.
//
// Outputs:
//
//	*Job - The persisted job in planning state; execution continues on
//	a background goroutine.
func (r *Runner) Start(ctx context.Context, spec MigrationSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	j := &Job{
		ID:        uuid.NewString(),
		Kind:      KindMigration,
		Status:    StatusPlanning,
		Migration: &spec,
		CreatedAt: time.Now(),
	}
	if err := r.store.Save(ctx, j); err != nil {
		return nil, err
	}
	r.launch(j, r.runMigration)
	return j, nil
}

// StartCleanup creates and launches a duplicate cleanup job.
func (r *Runner) StartCleanup(ctx context.Context, spec CleanupSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Mode == "" {
		spec.Mode = CleanupManual
	}
	if spec.Strategy == "" {
		spec.Strategy = dedupe.KeepOldest
	}

	j := &Job{
		ID:        uuid.NewString(),
		Kind:      KindCleanup,
		Status:    StatusPlanning,
		Cleanup:   &spec,
		CreatedAt: time.Now(),
	}
	if err := r.store.Save(ctx, j); err != nil {
		return nil, err
	}
	r.launch(j, r.runCleanup)
	return j, nil
}

// Get returns a job's current persisted state.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// List returns all jobs, newest first.
func (r *Runner) List(ctx context.Context) ([]*Job, error) {
	return r.store.List(ctx)
}

// Unfinished returns jobs a previous process left non-terminal. A job
// found in_progress after a restart is effectively paused at its last
// checkpoint; Resume picks it up once its status is corrected.
func (r *Runner) Unfinished(ctx context.Context) ([]*Job, error) {
	jobs, err := r.store.Unfinished(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Status != StatusInProgress || j.Kind != KindMigration {
			continue
		}
		r.mu.Lock()
		_, running := r.active[j.ID]
		r.mu.Unlock()
		if running {
			continue
		}
		if err := j.SetStatus(StatusPaused); err == nil {
			if err := r.store.Save(ctx, j); err != nil {
				return nil, err
			}
		}
	}
	return jobs, nil
}

// Pause requests a stop at the next page boundary.
//
// In-flight writes always drain first: pausing never abandons a wave
// half-written, so resume can trust the checkpoint.
func (r *Runner) Pause(ctx context.Context, id string) error {
	r.mu.Lock()
	run, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		j, err := r.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot pause job in %s state", ErrInvalidTransition, j.Status)
	}
	run.pause.Store(true)
	return nil
}

// Resume relaunches a paused migration from its checkpoint.
func (r *Runner) Resume(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	_, running := r.active[id]
	r.mu.Unlock()
	if running {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPaused {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusInProgress)
	}
	if j.Kind != KindMigration {
		return nil, fmt.Errorf("only migration jobs resume; %s is %s", id, j.Kind)
	}

	r.launch(j, r.runMigration)
	return j, nil
}

// Cancel aborts a job. Running jobs stop at the next boundary; paused
// jobs transition directly.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	run, running := r.active[id]
	r.mu.Unlock()
	if running {
		run.cancel()
		return nil
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := j.SetStatus(StatusCancelled); err != nil {
		return err
	}
	j.FinishedAt = time.Now()
	if err := r.store.Save(ctx, j); err != nil {
		return err
	}
	r.emitState(j)
	return nil
}

// RetryFailed relaunches a settled job's failed items as a bounded
// sub-run.
//
// Description:
//
//	Each failed item is re-read from the source so the retry writes
//	current data, then re-executed under the job's original semantics.
//	Items that succeed leave the failure log; items that fail again
//	stay. Update-mode jobs are refused: replaying an update against a
//	target that may have moved on would clobber newer data.
func (r *Runner) RetryFailed(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	_, running := r.active[id]
	r.mu.Unlock()
	if running {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Kind != KindMigration || j.Migration == nil {
		return nil, fmt.Errorf("retry-failed applies to migration jobs; %s is %s", id, j.Kind)
	}
	if j.Migration.Mode == ModeUpdate {
		return nil, ErrRetryNotSupported
	}
	if len(j.FailedItems) == 0 {
		return nil, ErrNothingToRetry
	}
	if err := j.SetStatus(StatusInProgress); err != nil {
		return nil, err
	}
	j.RetryAttempts++
	j.LastRetryAt = time.Now()
	if err := r.store.Save(ctx, j); err != nil {
		return nil, err
	}

	r.launch(j, r.runRetryFailed)
	return j, nil
}

// ExecuteCleanup deletes the detected groups of a manual cleanup job.
//
// Inputs:
//
//	approved - Group value keys to execute. Empty executes every group.
func (r *Runner) ExecuteCleanup(ctx context.Context, id string, approved []string) (*Job, error) {
	r.mu.Lock()
	_, running := r.active[id]
	r.mu.Unlock()
	if running {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Kind != KindCleanup || !j.AwaitingApproval {
		return nil, ErrNotAwaitingApproval
	}

	groups := j.Groups
	if len(approved) > 0 {
		want := make(map[string]bool, len(approved))
		for _, v := range approved {
			want[v] = true
		}
		groups = nil
		for _, g := range j.Groups {
			if want[g.Value] {
				groups = append(groups, g)
			}
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("no detected groups match the approved values")
		}
	}

	if err := j.SetStatus(StatusInProgress); err != nil {
		return nil, err
	}
	j.AwaitingApproval = false
	if err := r.store.Save(ctx, j); err != nil {
		return nil, err
	}

	r.launch(j, func(ctx context.Context, j *Job, run *activeRun) {
		r.executeCleanupGroups(ctx, j, groups)
	})
	return j, nil
}

// Wait blocks until the job's current run finishes. Test and CLI helper;
// the HTTP surface never waits.
func (r *Runner) Wait(id string) {
	r.mu.Lock()
	run, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		<-run.done
	}
}

// launch registers and starts a job goroutine.
func (r *Runner) launch(j *Job, fn func(ctx context.Context, j *Job, run *activeRun)) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[j.ID] = run
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, j.ID)
			r.mu.Unlock()
			close(run.done)
		}()
		fn(ctx, j, run)
	}()
}

// setStatus transitions, persists and emits.
func (r *Runner) setStatus(ctx context.Context, j *Job, to Status) error {
	if err := j.SetStatus(to); err != nil {
		return err
	}
	if to.Terminal() {
		j.FinishedAt = time.Now()
	}
	if err := r.store.Save(ctx, j); err != nil {
		return err
	}
	r.emitState(j)
	return nil
}

func (r *Runner) emitState(j *Job) {
	r.emitter.Emit(events.TypeJobState, j.ID, map[string]any{
		"status": string(j.Status),
		"kind":   string(j.Kind),
	})
}

// fail marks the job failed with the given cause.
func (r *Runner) fail(j *Job, err error) {
	// Persist with a background context: the run context may be the
	// reason we are here.
	ctx := context.Background()
	j.Error = err.Error()
	if setErr := r.setStatus(ctx, j, StatusFailed); setErr != nil {
		r.logger.Error("failed to persist job failure",
			slog.String("job_id", j.ID),
			slog.String("error", setErr.Error()),
		)
	}
	r.logger.Error("job failed",
		slog.String("job_id", j.ID),
		slog.String("error", err.Error()),
	)
}

// finishForContext settles a job whose run context ended: cancellation
// becomes the cancelled status.
func (r *Runner) finishForContext(j *Job) {
	ctx := context.Background()
	if err := r.setStatus(ctx, j, StatusCancelled); err != nil {
		r.logger.Error("failed to persist cancellation",
			slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
}

// ---- migration ----

func (r *Runner) runMigration(ctx context.Context, j *Job, run *activeRun) {
	spec := *j.Migration
	logger := r.logger.With(slog.String("job_id", j.ID))

	// Resumed jobs re-enter from paused; fresh jobs from planning.
	if j.Status == StatusPaused {
		if err := r.setStatus(ctx, j, StatusInProgress); err != nil {
			r.fail(j, err)
			return
		}
	}

	// Mappings aimed at read-only target fields can never be written;
	// drop them up front and warn instead of failing every item.
	if dropped, err := r.dropUnwritableTargets(ctx, &spec); err != nil {
		if ctx.Err() != nil {
			r.finishForContext(j)
			return
		}
		r.fail(j, fmt.Errorf("inspect target schema: %w", err))
		return
	} else if len(dropped) > 0 {
		logger.Warn("dropped mappings onto read-only target fields", slog.Any("fields", dropped))
		r.emitter.Emit(events.TypeJobWarning, j.ID, map[string]any{
			"reason": "mapping targets read-only fields; entries dropped",
			"fields": dropped,
		})
	}

	var index map[string]int64
	if spec.Mode != ModeCreate {
		var err error
		index, err = r.buildTargetIndex(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				r.finishForContext(j)
				return
			}
			r.fail(j, fmt.Errorf("build target index: %w", err))
			return
		}
		logger.Info("target index built", slog.Int("entries", len(index)))
	}

	if j.Status == StatusPlanning {
		j.StartedAt = time.Now()
		if err := r.setStatus(ctx, j, StatusInProgress); err != nil {
			r.fail(j, err)
			return
		}
	}

	// Dry runs swap the write surface for a recorder; reads stay real.
	doer := bulk.Doer(r.client)
	var rec *recorder
	var pb *previewBuilder
	if spec.DryRun {
		rec = newRecorder()
		pb = &previewBuilder{}
		doer = rec
	}

	ex := bulk.New(doer, bulk.Config{
		Concurrency: r.cfg.Concurrency,
		Retry:       r.cfg.Retry,
		Logger:      r.cfg.Logger,
	})

	it := stream.New(r.client, stream.Config{
		AppID:       spec.SourceAppID,
		PageSize:    r.cfg.PageSize,
		StartOffset: j.Checkpoint.Offset,
		Filters:     spec.Filters,
		Retry:       r.cfg.Retry,
		Logger:      r.cfg.Logger,
	})

	for it.Next(ctx) {
		page := it.Page()
		j.Progress.Total = page.Filtered

		reqs, sources, skipped := r.buildRequests(spec, index, page.Items)
		j.Progress.Skipped += skipped
		j.Progress.Processed += skipped
		if pb != nil {
			pb.addSkip(skipped)
		}

		res, err := ex.Run(ctx, reqs)
		if err != nil {
			// Cancellation between waves; the drained waves still count.
			r.absorbOutcomes(j, reqs, res, sources, pb, false)
			r.finishForContext(j)
			return
		}
		r.absorbOutcomes(j, reqs, res, sources, pb, !spec.DryRun && spec.TransferFiles)

		// Page boundary: checkpoint, persist, notify.
		j.Checkpoint = Checkpoint{
			Offset:     it.Offset(),
			LastItemID: page.Items[len(page.Items)-1].ItemID,
			UpdatedAt:  time.Now(),
		}
		if err := r.store.Save(ctx, j); err != nil {
			r.fail(j, fmt.Errorf("persist checkpoint: %w", err))
			return
		}
		r.emitter.Emit(events.TypeJobBatch, j.ID, map[string]any{
			"offset":    j.Checkpoint.Offset,
			"processed": j.Progress.Processed,
		})
		r.emitter.Emit(events.TypeJobProgress, j.ID, map[string]any{
			"total":     j.Progress.Total,
			"processed": j.Progress.Processed,
			"succeeded": j.Progress.Succeeded,
			"failed":    j.Progress.Failed,
			"skipped":   j.Progress.Skipped,
		})

		if run.pause.Load() {
			if err := r.setStatus(context.Background(), j, StatusPaused); err != nil {
				r.fail(j, err)
			}
			logger.Info("job paused at page boundary",
				slog.Int("offset", j.Checkpoint.Offset))
			return
		}
	}
	if err := it.Err(); err != nil {
		if ctx.Err() != nil {
			r.finishForContext(j)
			return
		}
		r.fail(j, err)
		return
	}

	if pb != nil {
		j.Preview = pb.finish(rec)
	}
	if err := r.setStatus(ctx, j, StatusCompleted); err != nil {
		r.fail(j, err)
		return
	}
	logger.Info("migration complete",
		slog.Int("processed", j.Progress.Processed),
		slog.Int("succeeded", j.Progress.Succeeded),
		slog.Int("failed", j.Progress.Failed),
		slog.Int("skipped", j.Progress.Skipped),
		slog.Bool("dry_run", spec.DryRun),
	)
}

// buildTargetIndex maps normalized match values to target item IDs.
// dropUnwritableTargets removes mapping entries whose target field is
// read-only (calculation), returning the dropped target IDs.
func (r *Runner) dropUnwritableTargets(ctx context.Context, spec *MigrationSpec) ([]string, error) {
	app, err := r.client.GetApp(ctx, spec.TargetAppID)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]podio.FieldKind, len(app.Fields))
	for _, f := range app.Fields {
		kinds[f.ExternalID] = f.FieldKind
	}

	var dropped []string
	for source, target := range spec.Mapping {
		if kind, ok := kinds[target]; ok && kind.ReadOnly() {
			dropped = append(dropped, target)
			delete(spec.Mapping, source)
		}
	}
	return dropped, nil
}

// The first item claims a value; later duplicates in the target are the
// cleanup engine's business, not the migration's.
func (r *Runner) buildTargetIndex(ctx context.Context, spec MigrationSpec) (map[string]int64, error) {
	field := spec.targetMatchField()
	index := make(map[string]int64)

	it := stream.New(r.client, stream.Config{
		AppID:    spec.TargetAppID,
		PageSize: r.cfg.PageSize,
		Retry:    r.cfg.Retry,
		Logger:   r.cfg.Logger,
	})
	for it.Next(ctx) {
		for _, item := range it.Page().Items {
			f, ok := item.FieldByExternalID(field)
			if !ok {
				continue
			}
			key := match.Normalize(f)
			if key == match.Empty {
				continue
			}
			if _, taken := index[key]; !taken {
				index[key] = item.ItemID
			}
		}
	}
	return index, it.Err()
}

// buildRequests converts a source page into bulk writes.
//
// Outputs:
//
//	[]bulk.Request - Writes in page order.
//	[]int64 - Source item IDs, parallel to the requests.
//	int - Items skipped (unmatched in update mode).
func (r *Runner) buildRequests(spec MigrationSpec, index map[string]int64, items []podio.Item) ([]bulk.Request, []int64, int) {
	var reqs []bulk.Request
	var sources []int64
	skipped := 0

	for _, item := range items {
		fields := mapFields(item, spec.Mapping)

		var targetID int64
		matched := false
		if spec.Mode != ModeCreate {
			if f, ok := item.FieldByExternalID(spec.MatchField); ok {
				if key := match.Normalize(f); key != match.Empty {
					targetID, matched = index[key]
				}
			}
		}

		switch spec.Mode {
		case ModeCreate:
			reqs = append(reqs, bulk.Request{Op: bulk.OpCreate, AppID: spec.TargetAppID, Fields: fields})
		case ModeUpdate:
			if !matched {
				skipped++
				continue
			}
			reqs = append(reqs, bulk.Request{Op: bulk.OpUpdate, ItemID: targetID, Fields: fields})
		case ModeUpsert:
			if matched {
				reqs = append(reqs, bulk.Request{Op: bulk.OpUpdate, ItemID: targetID, Fields: fields})
			} else {
				reqs = append(reqs, bulk.Request{Op: bulk.OpCreate, AppID: spec.TargetAppID, Fields: fields})
			}
		}
		sources = append(sources, item.ItemID)
	}
	return reqs, sources, skipped
}

// absorbOutcomes folds a bulk result into the job's progress and failure
// log, transferring files for successful creates when asked.
func (r *Runner) absorbOutcomes(j *Job, reqs []bulk.Request, res bulk.Result, sources []int64, pb *previewBuilder, transferFiles bool) {
	for i, o := range res.Outcomes {
		if i >= len(sources) {
			break
		}
		// Unattempted tail after a cancellation: no error, no item ID.
		// Attempted writes always carry one or the other.
		if o.Err == nil && o.ItemID == 0 {
			continue
		}

		j.Progress.Processed++
		if o.Err != nil {
			j.RecordFailure(sources[i], string(reqs[i].Op), o.Err.Error())
			if pb != nil {
				pb.addFailure(o.Err.Error())
			}
			continue
		}
		j.Progress.Succeeded++

		if transferFiles && reqs[i].Op == bulk.OpCreate {
			if err := r.transferFiles(context.Background(), j, sources[i], o.ItemID); err != nil {
				j.Progress.Succeeded--
				j.RecordFailure(sources[i], string(reqs[i].Op), err.Error())
				if pb != nil {
					pb.addFailure(err.Error())
				}
			}
		}
	}
}

// transferFiles copies a source item's attachments to the new target
// item. Each file is isolated: one failed transfer warns and moves on.
// When the item has files and not a single one arrives, the item itself
// is reported failed.
func (r *Runner) transferFiles(ctx context.Context, j *Job, sourceItemID, targetItemID int64) error {
	files, err := r.client.ItemFiles(ctx, sourceItemID)
	if err != nil {
		r.warnFile(j, sourceItemID, "", fmt.Errorf("list files: %w", err))
		return nil
	}
	if len(files) == 0 {
		return nil
	}

	transferred := 0
	for _, f := range files {
		if err := r.transferOneFile(ctx, f, targetItemID); err != nil {
			r.warnFile(j, sourceItemID, f.Name, err)
			continue
		}
		transferred++
	}
	if transferred == 0 {
		return fmt.Errorf("all %d file transfers failed", len(files))
	}
	return nil
}

func (r *Runner) transferOneFile(ctx context.Context, f podio.File, targetItemID int64) error {
	body, err := r.client.DownloadFile(ctx, f.FileID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	newID, err := r.client.UploadFile(ctx, f.Name, body)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := r.client.AttachFile(ctx, newID, targetItemID); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

func (r *Runner) warnFile(j *Job, sourceItemID int64, name string, err error) {
	r.logger.Warn("file transfer failed",
		slog.String("job_id", j.ID),
		slog.Int64("source_item_id", sourceItemID),
		slog.String("file", name),
		slog.String("error", err.Error()),
	)
	r.emitter.Emit(events.TypeJobWarning, j.ID, map[string]any{
		"warning":        "file_transfer_failed",
		"source_item_id": sourceItemID,
		"file":           name,
		"error":          err.Error(),
	})
}

// ---- retry-failed sub-run ----

func (r *Runner) runRetryFailed(ctx context.Context, j *Job, run *activeRun) {
	spec := *j.Migration
	logger := r.logger.With(slog.String("job_id", j.ID))

	var index map[string]int64
	if spec.Mode == ModeUpsert {
		var err error
		index, err = r.buildTargetIndex(ctx, spec)
		if err != nil {
			r.fail(j, fmt.Errorf("build target index: %w", err))
			return
		}
	}

	retried := j.FailedItems
	j.FailedItems = nil
	j.Progress.Failed = 0

	doer := bulk.Doer(r.client)
	ex := bulk.New(doer, bulk.Config{
		Concurrency: r.cfg.Concurrency,
		Retry:       r.cfg.Retry,
		Logger:      r.cfg.Logger,
	})

	recovered := 0
	for _, fi := range retried {
		if ctx.Err() != nil {
			// Unattempted failures stay on the log.
			j.RecordFailure(fi.SourceItemID, fi.Op, fi.Reason)
			continue
		}

		item, err := r.client.GetItem(ctx, fi.SourceItemID)
		if err != nil {
			j.RecordFailure(fi.SourceItemID, fi.Op, fmt.Sprintf("re-read source: %s", err))
			continue
		}

		reqs, sources, skipped := r.buildRequests(spec, index, []podio.Item{item})
		if skipped > 0 || len(reqs) == 0 {
			j.RecordFailure(fi.SourceItemID, fi.Op, "no longer eligible for migration")
			continue
		}

		res, runErr := ex.Run(ctx, reqs)
		if runErr != nil {
			j.RecordFailure(fi.SourceItemID, fi.Op, fi.Reason)
			continue
		}
		if res.FailureCount > 0 {
			j.RecordFailure(sources[0], fi.Op, res.Failures[0].Reason)
			continue
		}

		recovered++
		j.Progress.Succeeded++
		if spec.TransferFiles && reqs[0].Op == bulk.OpCreate {
			if err := r.transferFiles(context.Background(), j, sources[0], res.Outcomes[0].ItemID); err != nil {
				recovered--
				j.Progress.Succeeded--
				j.RecordFailure(sources[0], fi.Op, err.Error())
			}
		}
	}

	if err := r.setStatus(context.Background(), j, StatusCompleted); err != nil {
		r.fail(j, err)
		return
	}
	logger.Info("retry of failed items complete",
		slog.Int("retried", len(retried)),
		slog.Int("recovered", recovered),
		slog.Int("still_failing", j.Progress.Failed),
	)
}

// ---- cleanup ----

func (r *Runner) runCleanup(ctx context.Context, j *Job, run *activeRun) {
	spec := *j.Cleanup
	logger := r.logger.With(slog.String("job_id", j.ID))

	if err := r.setStatus(ctx, j, StatusDetecting); err != nil {
		r.fail(j, err)
		return
	}

	eng := dedupe.New(r.client, dedupe.Config{
		Retry:       r.cfg.Retry,
		Concurrency: r.cfg.Concurrency,
		Logger:      r.cfg.Logger,
	})

	groups, err := eng.Detect(ctx, spec.AppID, spec.MatchField, spec.Strategy)
	if err != nil {
		if ctx.Err() != nil {
			r.finishForContext(j)
			return
		}
		r.fail(j, err)
		return
	}

	j.Groups = groups
	toDelete := 0
	for _, g := range groups {
		toDelete += len(g.DeleteIDs)
	}
	j.Progress.Total = toDelete

	switch {
	case spec.DryRun:
		// Report only: groups are attached for inspection, nothing is
		// ever deleted and the job never awaits approval.
		if err := r.setStatus(ctx, j, StatusCompleted); err != nil {
			r.fail(j, err)
			return
		}
		logger.Info("cleanup dry run complete",
			slog.Int("groups", len(groups)),
			slog.Int("would_delete", toDelete))

	case spec.Mode == CleanupManual:
		j.AwaitingApproval = true
		if err := r.setStatus(ctx, j, StatusCompleted); err != nil {
			r.fail(j, err)
			return
		}
		logger.Info("cleanup detection complete, awaiting approval",
			slog.Int("groups", len(groups)),
			slog.Int("candidates", toDelete))

	default: // automated
		if err := r.setStatus(ctx, j, StatusInProgress); err != nil {
			r.fail(j, err)
			return
		}
		r.executeCleanupGroups(ctx, j, groups)
	}
}

// executeCleanupGroups deletes the groups' non-survivors and settles the
// job.
func (r *Runner) executeCleanupGroups(ctx context.Context, j *Job, groups []dedupe.Group) {
	eng := dedupe.New(r.client, dedupe.Config{
		Retry:       r.cfg.Retry,
		Concurrency: r.cfg.Concurrency,
		Logger:      r.cfg.Logger,
	})

	res, err := eng.Execute(ctx, groups)
	if err != nil {
		if ctx.Err() != nil {
			r.finishForContext(j)
			return
		}
		r.fail(j, err)
		return
	}

	j.Progress.Processed += res.Deleted + len(res.Failed)
	j.Progress.Succeeded += res.Deleted
	for _, f := range res.Failed {
		j.RecordFailure(f.Request.ItemID, string(bulk.OpDelete), f.Reason)
	}

	if err := r.setStatus(context.Background(), j, StatusCompleted); err != nil {
		r.fail(j, err)
		return
	}
	r.logger.Info("cleanup execution complete",
		slog.String("job_id", j.ID),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", len(res.Failed)),
	)
}

// mapFields routes a source item's values through the field mapping into
// the target's write shape. Unset source fields are dropped, never sent
// as nulls.
func mapFields(item podio.Item, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for srcExt, tgtExt := range mapping {
		f, ok := item.FieldByExternalID(srcExt)
		if !ok {
			continue
		}
		if v := f.WriteValue(); v != nil {
			out[tgtExt] = v
		}
	}
	return out
}
