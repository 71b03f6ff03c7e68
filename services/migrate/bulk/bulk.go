// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bulk executes batches of item writes with bounded concurrency.
//
// Work proceeds in sequential waves of Concurrency requests; a wave must
// drain completely before the next starts. That keeps the write pressure
// on the remote quota flat and gives the job layer a natural checkpoint
// boundary between waves.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/workmove/services/migrate/retry"
)

// DefaultConcurrency is the in-flight write cap per wave.
const DefaultConcurrency = 5

// Op is a bulk write kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Request is one item write.
type Request struct {
	// Op selects the write kind.
	Op Op

	// AppID is the target application for creates.
	AppID int64

	// ItemID is the target item for updates and deletes.
	ItemID int64

	// Fields is the write payload for creates and updates, keyed by
	// external field ID.
	Fields map[string]any

	// Ref is an opaque caller tag carried through to the outcome
	// (source item ID, file name), never sent to the remote.
	Ref string
}

// Doer executes single writes. Implemented by the gateway client and by
// the dry-run recorder.
type Doer interface {
	CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error)
	UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error
	DeleteItem(ctx context.Context, itemID int64) error
}

// Failure is one request that failed after retries.
type Failure struct {
	// Index is the request's position in the submitted slice.
	Index int

	// Request is the failed write.
	Request Request

	// Reason is the final error's rendering.
	Reason string
}

// Outcome is one request's result.
type Outcome struct {
	// Index is the request's position in the submitted slice.
	Index int

	// ItemID is the created item's ID for successful creates; for
	// updates and deletes it echoes the request's target.
	ItemID int64

	// Err is the final error, nil on success.
	Err error
}

// Result summarizes one Run.
type Result struct {
	SuccessCount int
	FailureCount int

	// Failures lists failed requests in submission order.
	Failures []Failure

	// Outcomes lists every request's result in submission order.
	Outcomes []Outcome
}

// Config tunes the executor.
type Config struct {
	// Concurrency caps in-flight writes per wave.
	// Defaults to DefaultConcurrency.
	Concurrency int

	// StopOnError aborts after the first wave containing a failure,
	// leaving later requests unattempted.
	StopOnError bool

	// Retry tunes the per-request retry policy.
	Retry retry.Config

	// OnWave, when non-nil, runs after each drained wave with the count
	// of requests attempted so far. The job layer checkpoints here.
	OnWave func(attempted int)

	// Logger records wave progress. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Executor runs batches of writes against a Doer.
//
// Thread Safety: Safe for concurrent use; each Run is independent.
type Executor struct {
	doer   Doer
	cfg    Config
	logger *slog.Logger
}

// New creates an executor.
func New(doer Doer, cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		doer:   doer,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "bulk")),
	}
}

// Run executes the requests in waves.
//
// Description:
//
//	Requests run in submission-order waves of Concurrency. Each request
//	retries independently; one item's failure never poisons its wave.
//	Cancellation is honored between waves: the in-flight wave drains,
//	then Run returns ctx.Err() with the partial Result.
//
// Outputs:
//
//	Result - Per-request outcomes, valid even when error is non-nil.
//	error - Non-nil only for cancellation or StopOnError aborts.
func (e *Executor) Run(ctx context.Context, reqs []Request) (Result, error) {
	res := Result{Outcomes: make([]Outcome, len(reqs))}
	for i := range res.Outcomes {
		res.Outcomes[i].Index = i
	}

	for start := 0; start < len(reqs); start += e.cfg.Concurrency {
		if err := ctx.Err(); err != nil {
			e.collectFailures(&res, reqs, start)
			return res, err
		}

		end := start + e.cfg.Concurrency
		if end > len(reqs) {
			end = len(reqs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				itemID, err := e.execOne(ctx, reqs[i])
				res.Outcomes[i].ItemID = itemID
				res.Outcomes[i].Err = err
			}(i)
		}
		wg.Wait()

		if e.cfg.OnWave != nil {
			e.cfg.OnWave(end)
		}

		if e.cfg.StopOnError {
			for i := start; i < end; i++ {
				if res.Outcomes[i].Err != nil {
					e.collectFailures(&res, reqs, end)
					return res, fmt.Errorf("stopping after failed wave: %w", res.Outcomes[i].Err)
				}
			}
		}
	}

	e.collectFailures(&res, reqs, len(reqs))
	e.logger.Info("bulk run complete",
		slog.Int("requests", len(reqs)),
		slog.Int("succeeded", res.SuccessCount),
		slog.Int("failed", res.FailureCount),
	)
	return res, nil
}

// execOne runs one request with per-item retry.
func (e *Executor) execOne(ctx context.Context, req Request) (int64, error) {
	var itemID int64
	op := "item_" + string(req.Op)

	err := retry.Do(ctx, e.cfg.Retry, op, func(ctx context.Context) error {
		switch req.Op {
		case OpCreate:
			id, err := e.doer.CreateItem(ctx, req.AppID, req.Fields)
			if err != nil {
				return err
			}
			itemID = id
			return nil
		case OpUpdate:
			itemID = req.ItemID
			return e.doer.UpdateItem(ctx, req.ItemID, req.Fields)
		case OpDelete:
			itemID = req.ItemID
			return e.doer.DeleteItem(ctx, req.ItemID)
		default:
			return fmt.Errorf("unknown bulk op %q", req.Op)
		}
	})
	return itemID, err
}

// collectFailures fills the summary counters from outcomes [0, attempted).
func (e *Executor) collectFailures(res *Result, reqs []Request, attempted int) {
	res.SuccessCount = 0
	res.FailureCount = 0
	res.Failures = res.Failures[:0]

	for i := 0; i < attempted && i < len(res.Outcomes); i++ {
		if err := res.Outcomes[i].Err; err != nil {
			res.FailureCount++
			res.Failures = append(res.Failures, Failure{
				Index:   i,
				Request: reqs[i],
				Reason:  err.Error(),
			})
		} else {
			res.SuccessCount++
		}
	}
}
