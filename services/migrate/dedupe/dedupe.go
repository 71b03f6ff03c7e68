// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedupe finds and removes duplicate items within an application.
//
// Items are grouped by the normalized value of a chosen match field; each
// group keeps exactly one survivor picked by the keep strategy, and the
// rest become deletion candidates. Detection never deletes anything by
// itself: execution is a separate, explicit step.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/workmove/services/migrate/bulk"
	"github.com/AleutianAI/workmove/services/migrate/match"
	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/retry"
	"github.com/AleutianAI/workmove/services/migrate/stream"
)

// KeepStrategy picks the survivor of a duplicate group.
type KeepStrategy string

const (
	// KeepOldest keeps the earliest-created item. The default: the
	// original record survives, later re-entries go.
	KeepOldest KeepStrategy = "oldest"

	// KeepNewest keeps the latest-created item.
	KeepNewest KeepStrategy = "newest"
)

// Valid reports whether the strategy is known.
func (s KeepStrategy) Valid() bool {
	return s == KeepOldest || s == KeepNewest
}

// ErrUnknownStrategy rejects unrecognized keep strategies.
var ErrUnknownStrategy = errors.New("unknown keep strategy")

// Group is one set of items sharing a normalized match value.
type Group struct {
	// Value is the shared comparison key.
	Value string `json:"value"`

	// Items lists the group's members ordered by creation time
	// ascending, item ID breaking ties.
	Items []GroupItem `json:"items"`

	// KeepID is the survivor chosen by the keep strategy.
	KeepID int64 `json:"keep_id"`

	// DeleteIDs are the members slated for deletion.
	DeleteIDs []int64 `json:"delete_ids"`
}

// GroupItem is one member's identity within a group.
type GroupItem struct {
	ItemID    int64  `json:"item_id"`
	Title     string `json:"title"`
	CreatedOn string `json:"created_on"`
}

// Client is the remote surface the engine needs.
type Client interface {
	stream.Pager
	bulk.Doer
	GetApp(ctx context.Context, appID int64) (podio.App, error)
}

// Config tunes the engine.
type Config struct {
	// Retry tunes remote call retries during detection and execution.
	Retry retry.Config

	// Concurrency caps in-flight deletions. Defaults to the bulk default.
	Concurrency int

	// Logger records detection and execution. If nil, slog.Default().
	Logger *slog.Logger
}

// Engine detects and executes duplicate cleanup.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	client Client
	cfg    Config
	logger *slog.Logger
}

// New creates an engine.
func New(client Client, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "dedupe")),
	}
}

// Detect walks an application and groups items by their normalized match
// value.
//
// Description:
//
//	The match field must be text, number or calculation; anything else
//	is rejected up front. Items whose match value normalizes to the
//	same key form a group. Absent or empty values never form a group:
//	an empty value carries no identity, so two blank records are not
//	duplicates of each other. Singleton keys are not duplicates and are
//	dropped. Detection is read-only and idempotent: repeated runs over
//	unchanged data yield identical groups.
//
// Inputs:
//
//	appID - The application to scan.
//	matchField - External ID of the comparison field.
//	strategy - Survivor selection. Empty defaults to KeepOldest.
//
// Outputs:
//
//	[]Group - Duplicate groups ordered by value key.
//	error - Validation or remote failure.
func (e *Engine) Detect(ctx context.Context, appID int64, matchField string, strategy KeepStrategy) ([]Group, error) {
	if strategy == "" {
		strategy = KeepOldest
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	app, err := e.client.GetApp(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("load app %d schema: %w", appID, err)
	}
	if _, err := match.ValidateMatchField(app.Fields, matchField); err != nil {
		return nil, err
	}

	byKey := make(map[string][]podio.Item)
	it := stream.New(e.client, stream.Config{
		AppID:  appID,
		Retry:  e.cfg.Retry,
		Logger: e.cfg.Logger,
	})
	scanned := 0
	for it.Next(ctx) {
		for _, item := range it.Page().Items {
			scanned++
			f, ok := item.FieldByExternalID(matchField)
			if !ok {
				continue
			}
			key := match.Normalize(f)
			if key == match.Empty {
				continue
			}
			byKey[key] = append(byKey[key], item)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan app %d: %w", appID, err)
	}

	var groups []Group
	for key, items := range byKey {
		if len(items) < 2 {
			continue
		}
		groups = append(groups, buildGroup(key, items, strategy))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Value < groups[j].Value })

	e.logger.Info("duplicate detection complete",
		slog.Int64("app_id", appID),
		slog.String("match_field", matchField),
		slog.Int("items_scanned", scanned),
		slog.Int("groups", len(groups)),
	)
	return groups, nil
}

// buildGroup orders members and applies the keep strategy.
func buildGroup(key string, items []podio.Item, strategy KeepStrategy) Group {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedOn.Equal(items[j].CreatedOn) {
			return items[i].CreatedOn.Before(items[j].CreatedOn)
		}
		return items[i].ItemID < items[j].ItemID
	})

	g := Group{Value: key}
	for _, item := range items {
		g.Items = append(g.Items, GroupItem{
			ItemID:    item.ItemID,
			Title:     item.Title,
			CreatedOn: item.CreatedOn.UTC().Format("2006-01-02 15:04:05"),
		})
	}

	keepIdx := 0
	if strategy == KeepNewest {
		keepIdx = len(items) - 1
	}
	g.KeepID = items[keepIdx].ItemID
	for i, item := range items {
		if i != keepIdx {
			g.DeleteIDs = append(g.DeleteIDs, item.ItemID)
		}
	}
	return g
}

// ExecResult summarizes an executed cleanup.
type ExecResult struct {
	// Deleted counts removed items.
	Deleted int

	// Failed lists deletions that failed after retries.
	Failed []bulk.Failure

	// Kept counts survivors across all executed groups.
	Kept int
}

// Execute deletes every group's non-survivors.
//
// Description:
//
//	Deletions run through the bulk executor with bounded concurrency
//	and per-item retry. A failed deletion never cascades: the survivor
//	and the rest of the group are unaffected. Execution is idempotent
//	at the remote: re-deleting an already-gone item reports not-found,
//	which is counted as success since the end state holds.
func (e *Engine) Execute(ctx context.Context, groups []Group) (ExecResult, error) {
	var reqs []bulk.Request
	kept := 0
	for _, g := range groups {
		kept++
		for _, id := range g.DeleteIDs {
			reqs = append(reqs, bulk.Request{
				Op:     bulk.OpDelete,
				ItemID: id,
				Ref:    g.Value,
			})
		}
	}

	ex := bulk.New(e.client, bulk.Config{
		Concurrency: e.cfg.Concurrency,
		Retry:       e.cfg.Retry,
		Logger:      e.cfg.Logger,
	})
	res, err := ex.Run(ctx, reqs)
	if err != nil {
		return ExecResult{}, err
	}

	out := ExecResult{Kept: kept}
	for _, o := range res.Outcomes {
		if o.Err == nil || errors.Is(o.Err, podio.ErrNotFound) {
			out.Deleted++
		}
	}
	for _, f := range res.Failures {
		if strings.Contains(f.Reason, podio.ErrNotFound.Error()) {
			continue
		}
		out.Failed = append(out.Failed, f)
	}

	e.logger.Info("duplicate cleanup executed",
		slog.Int("groups", len(groups)),
		slog.Int("deleted", out.Deleted),
		slog.Int("failed", len(out.Failed)),
	)
	return out, nil
}
