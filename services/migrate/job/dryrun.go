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
	"sync"
	"sync/atomic"
)

// maxSampleFailures bounds the dry-run failure examples.
const maxSampleFailures = 5

// recorder satisfies the bulk executor's write surface without issuing a
// single remote write. A dry run swaps it in for the gateway, so the
// read path (pagination, schema, index construction) is exercised for
// real while every write becomes a counter.
type recorder struct {
	creates atomic.Int64
	updates atomic.Int64
	deletes atomic.Int64

	nextID atomic.Int64
}

func newRecorder() *recorder {
	r := &recorder{}
	// Synthetic IDs are negative so they can never collide with real
	// item IDs if a bug ever lets one escape the preview.
	r.nextID.Store(-1)
	return r
}

func (r *recorder) CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error) {
	r.creates.Add(1)
	return r.nextID.Add(-1), nil
}

func (r *recorder) UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error {
	r.updates.Add(1)
	return nil
}

func (r *recorder) DeleteItem(ctx context.Context, itemID int64) error {
	r.deletes.Add(1)
	return nil
}

// previewBuilder accumulates a dry run's predicted outcome.
type previewBuilder struct {
	mu      sync.Mutex
	preview Preview
}

func (b *previewBuilder) addSkip(n int) {
	b.mu.Lock()
	b.preview.WouldSkip += n
	b.mu.Unlock()
}

func (b *previewBuilder) addFailure(reason string) {
	b.mu.Lock()
	b.preview.WouldFail++
	if len(b.preview.SampleFailures) < maxSampleFailures {
		b.preview.SampleFailures = append(b.preview.SampleFailures, reason)
	}
	b.mu.Unlock()
}

func (b *previewBuilder) finish(r *recorder) *Preview {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preview.WouldCreate = int(r.creates.Load())
	b.preview.WouldUpdate = int(r.updates.Load())
	out := b.preview
	return &out
}
