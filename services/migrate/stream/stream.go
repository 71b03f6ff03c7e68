// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream walks an application's items page by page without ever
// holding the full item set in memory.
//
// The iterator is pull-based: callers ask for the next page, so a paused
// or cancelled job simply stops pulling and no goroutine is left behind.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/retry"
)

// DefaultPageSize is the platform's maximum filter page size.
const DefaultPageSize = 500

// Pager fetches one page of items. Implemented by the gateway client.
type Pager interface {
	FilterItems(ctx context.Context, appID int64, req podio.FilterRequest) (podio.FilterResponse, error)
}

// Config configures a page stream.
type Config struct {
	// AppID is the application to walk.
	AppID int64

	// PageSize caps items per page. Defaults to DefaultPageSize.
	PageSize int

	// StartOffset resumes the walk mid-application (checkpoint replay).
	StartOffset int

	// Filters narrows the walked item set.
	Filters map[string]any

	// Retry tunes the per-page retry policy.
	Retry retry.Config

	// Logger records page fetches. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Page is one fetched page.
type Page struct {
	// Offset is the page's starting offset within the filtered set.
	Offset int

	// Items is the page content. Never empty for a page returned by Next.
	Items []podio.Item

	// Filtered is the total size of the filtered set, as reported with
	// this page.
	Filtered int
}

// Iter walks pages one at a time.
//
// Usage follows the scanner idiom:
//
//	it := stream.New(client, cfg)
//	for it.Next(ctx) {
//	    page := it.Page()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Thread Safety: Not safe for concurrent use. One goroutine drives an Iter.
type Iter struct {
	pager  Pager
	cfg    Config
	logger *slog.Logger

	offset   int
	filtered int
	haveSize bool

	page Page
	err  error
	done bool
}

// New creates a page iterator over one application.
func New(pager Pager, cfg Config) *Iter {
	if cfg.PageSize <= 0 || cfg.PageSize > DefaultPageSize {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Iter{
		pager:  pager,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "stream"), slog.Int64("app_id", cfg.AppID)),
		offset: cfg.StartOffset,
	}
}

// Next fetches the next page. Returns false when the filtered set is
// exhausted or a page failed after retries; Err distinguishes the two.
func (it *Iter) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.haveSize && it.offset >= it.filtered {
		it.done = true
		return false
	}

	var resp podio.FilterResponse
	err := retry.Do(ctx, it.cfg.Retry, "filter_items", func(ctx context.Context) error {
		var err error
		resp, err = it.pager.FilterItems(ctx, it.cfg.AppID, podio.FilterRequest{
			Offset:  it.offset,
			Limit:   it.cfg.PageSize,
			Filters: it.cfg.Filters,
		})
		return err
	})
	if err != nil {
		it.err = fmt.Errorf("fetch page at offset %d: %w", it.offset, err)
		return false
	}

	it.filtered = resp.Filtered
	it.haveSize = true

	if len(resp.Items) == 0 {
		// The filtered count can overshoot when items vanish mid-walk;
		// an empty page is the authoritative end.
		it.done = true
		return false
	}

	it.page = Page{
		Offset:   it.offset,
		Items:    resp.Items,
		Filtered: resp.Filtered,
	}
	it.offset += len(resp.Items)

	it.logger.Debug("fetched page",
		slog.Int("offset", it.page.Offset),
		slog.Int("items", len(it.page.Items)),
		slog.Int("filtered", resp.Filtered),
	)
	return true
}

// Page returns the page fetched by the last successful Next.
func (it *Iter) Page() Page {
	return it.page
}

// Err returns the terminal error, if the walk failed.
func (it *Iter) Err() error {
	return it.err
}

// Offset returns the offset the next page would start at. Persisted as
// the resume checkpoint.
func (it *Iter) Offset() int {
	return it.offset
}

// Collect drains the iterator into a single slice. Intended for small
// filtered sets (previews, schema-sized lookups), not full migrations.
func Collect(ctx context.Context, it *Iter) ([]podio.Item, error) {
	var items []podio.Item
	for it.Next(ctx) {
		items = append(items, it.Page().Items...)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
