// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bulk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/retry"
)

// fakeDoer counts writes and fails scripted item indices.
type fakeDoer struct {
	mu          sync.Mutex
	created     []map[string]any
	updated     []int64
	deleted     []int64
	nextID      atomic.Int64
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// failOnce fails the first attempt for a given ref with a transient
	// error; retries succeed.
	failOnce map[string]bool
	// failAlways fails every attempt for a ref with a fatal error.
	failAlways map[string]bool
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{failOnce: map[string]bool{}, failAlways: map[string]bool{}}
}

func (d *fakeDoer) track() func() {
	n := d.inFlight.Add(1)
	for {
		max := d.maxInFlight.Load()
		if n <= max || d.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	return func() { d.inFlight.Add(-1) }
}

func (d *fakeDoer) fail(fields map[string]any) error {
	ref, _ := fields["ref"].(string)
	if d.failAlways[ref] {
		return &podio.APIError{StatusCode: 403, Detail: "forbidden"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOnce[ref] {
		delete(d.failOnce, ref)
		return &podio.APIError{StatusCode: 503, Detail: "unavailable"}
	}
	return nil
}

func (d *fakeDoer) CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error) {
	defer d.track()()
	if err := d.fail(fields); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.created = append(d.created, fields)
	d.mu.Unlock()
	return d.nextID.Add(1), nil
}

func (d *fakeDoer) UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error {
	defer d.track()()
	if err := d.fail(fields); err != nil {
		return err
	}
	d.mu.Lock()
	d.updated = append(d.updated, itemID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDoer) DeleteItem(ctx context.Context, itemID int64) error {
	defer d.track()()
	d.mu.Lock()
	d.deleted = append(d.deleted, itemID)
	d.mu.Unlock()
	return nil
}

func createReqs(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		ref := fmt.Sprintf("item-%d", i)
		reqs[i] = Request{Op: OpCreate, AppID: 7, Fields: map[string]any{"ref": ref}, Ref: ref}
	}
	return reqs
}

func noSleepRetry() retry.Config {
	return retry.Config{BaseDelay: 1, MaxDelay: 1}
}

// TestRunAllSucceed verifies a clean run over several waves.
func TestRunAllSucceed(t *testing.T) {
	doer := newFakeDoer()
	ex := New(doer, Config{Retry: noSleepRetry()})

	res, err := ex.Run(context.Background(), createReqs(17))
	require.NoError(t, err)
	assert.Equal(t, 17, res.SuccessCount)
	assert.Zero(t, res.FailureCount)
	assert.Len(t, doer.created, 17)

	// Every create outcome carries the new item ID.
	for _, o := range res.Outcomes {
		assert.NoError(t, o.Err)
		assert.NotZero(t, o.ItemID)
	}
}

// TestRunBoundsConcurrency verifies no more than Concurrency writes are
// ever in flight.
func TestRunBoundsConcurrency(t *testing.T) {
	doer := newFakeDoer()
	ex := New(doer, Config{Concurrency: 5, Retry: noSleepRetry()})

	_, err := ex.Run(context.Background(), createReqs(100))
	require.NoError(t, err)
	assert.LessOrEqual(t, doer.maxInFlight.Load(), int32(5))
}

// TestRunIsolatesFailures verifies one bad item does not poison its wave:
// a 1000-item run with a block of transient failures still lands every item.
func TestRunIsolatesFailures(t *testing.T) {
	doer := newFakeDoer()
	for i := 501; i <= 510; i++ {
		doer.failOnce[fmt.Sprintf("item-%d", i)] = true
	}
	ex := New(doer, Config{Retry: noSleepRetry()})

	res, err := ex.Run(context.Background(), createReqs(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, res.SuccessCount)
	assert.Zero(t, res.FailureCount)
}

// TestRunRecordsFatalFailures verifies fatal items land in Failures with
// their request attached, while the rest of the run proceeds.
func TestRunRecordsFatalFailures(t *testing.T) {
	doer := newFakeDoer()
	doer.failAlways["item-3"] = true
	doer.failAlways["item-12"] = true
	ex := New(doer, Config{Retry: noSleepRetry()})

	res, err := ex.Run(context.Background(), createReqs(20))
	require.NoError(t, err)
	assert.Equal(t, 18, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 3, res.Failures[0].Index)
	assert.Equal(t, "item-3", res.Failures[0].Request.Ref)
	assert.Contains(t, res.Failures[0].Reason, "403")
}

// TestRunStopOnError verifies the abort path leaves later waves untouched.
func TestRunStopOnError(t *testing.T) {
	doer := newFakeDoer()
	doer.failAlways["item-2"] = true
	ex := New(doer, Config{Concurrency: 5, StopOnError: true, Retry: noSleepRetry()})

	res, err := ex.Run(context.Background(), createReqs(20))
	require.Error(t, err)
	assert.Equal(t, 4, res.SuccessCount, "rest of the failing wave still ran")
	assert.Equal(t, 1, res.FailureCount)
	assert.Len(t, doer.created, 4, "no wave after the failed one")
}

// TestRunWaveCallback verifies the checkpoint hook fires per wave with a
// cumulative count.
func TestRunWaveCallback(t *testing.T) {
	var checkpoints []int
	doer := newFakeDoer()
	ex := New(doer, Config{
		Concurrency: 5,
		Retry:       noSleepRetry(),
		OnWave:      func(attempted int) { checkpoints = append(checkpoints, attempted) },
	})

	_, err := ex.Run(context.Background(), createReqs(12))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 12}, checkpoints)
}

// TestRunHonorsCancellation verifies cancellation stops between waves with
// a valid partial result.
func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	doer := newFakeDoer()
	ex := New(doer, Config{
		Concurrency: 5,
		Retry:       noSleepRetry(),
		OnWave:      func(attempted int) { cancel() },
	})

	res, err := ex.Run(ctx, createReqs(20))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, res.SuccessCount, "first wave drained before stopping")
	assert.Len(t, doer.created, 5)
}

// TestRunMixedOps verifies op dispatch.
func TestRunMixedOps(t *testing.T) {
	doer := newFakeDoer()
	ex := New(doer, Config{Retry: noSleepRetry()})

	res, err := ex.Run(context.Background(), []Request{
		{Op: OpCreate, AppID: 7, Fields: map[string]any{"ref": "new"}},
		{Op: OpUpdate, ItemID: 11, Fields: map[string]any{"ref": "upd"}},
		{Op: OpDelete, ItemID: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, []int64{11}, doer.updated)
	assert.Equal(t, []int64{12}, doer.deleted)
	assert.Equal(t, int64(11), res.Outcomes[1].ItemID)
}

// TestRunUnknownOp verifies an unknown op fails its item only.
func TestRunUnknownOp(t *testing.T) {
	ex := New(newFakeDoer(), Config{Retry: noSleepRetry()})
	res, err := ex.Run(context.Background(), []Request{{Op: Op("rename")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailureCount)
}
