// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedupe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/retry"
)

// fakeApp is an in-memory application serving the engine's Client surface.
type fakeApp struct {
	mu     sync.Mutex
	schema podio.App
	items  map[int64]podio.Item
	order  []int64

	deleted     []int64
	failDelete  map[int64]error
	deleteCalls int
}

func newFakeApp() *fakeApp {
	return &fakeApp{
		schema: podio.App{
			AppID: 7,
			Name:  "Contacts",
			Fields: []podio.AppField{
				{FieldID: 1, ExternalID: "email", Label: "Email", FieldKind: podio.KindText},
				{FieldID: 2, ExternalID: "status", Label: "Status", FieldKind: podio.KindCategory},
			},
		},
		items:      map[int64]podio.Item{},
		failDelete: map[int64]error{},
	}
}

func (a *fakeApp) add(id int64, createdOn time.Time, email string) {
	item := podio.Item{
		ItemID:    id,
		AppID:     7,
		Title:     fmt.Sprintf("Item %d", id),
		CreatedOn: createdOn,
	}
	if email != "" {
		item.Fields = []podio.Field{{
			FieldID:    1,
			ExternalID: "email",
			FieldKind:  podio.KindText,
			Values:     []podio.Value{podio.TextValue(email)},
		}}
	}
	a.items[id] = item
	a.order = append(a.order, id)
}

func (a *fakeApp) GetApp(ctx context.Context, appID int64) (podio.App, error) {
	return a.schema, nil
}

func (a *fakeApp) FilterItems(ctx context.Context, appID int64, req podio.FilterRequest) (podio.FilterResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []podio.Item
	for _, id := range a.order {
		if item, ok := a.items[id]; ok {
			all = append(all, item)
		}
	}
	end := req.Offset + req.Limit
	if end > len(all) {
		end = len(all)
	}
	var page []podio.Item
	if req.Offset < len(all) {
		page = all[req.Offset:end]
	}
	return podio.FilterResponse{Total: len(all), Filtered: len(all), Items: page}, nil
}

func (a *fakeApp) CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error) {
	return 0, fmt.Errorf("not used")
}

func (a *fakeApp) UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error {
	return fmt.Errorf("not used")
}

func (a *fakeApp) DeleteItem(ctx context.Context, itemID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteCalls++
	if err := a.failDelete[itemID]; err != nil {
		return err
	}
	if _, ok := a.items[itemID]; !ok {
		return fmt.Errorf("%w: item %d", podio.ErrNotFound, itemID)
	}
	delete(a.items, itemID)
	a.deleted = append(a.deleted, itemID)
	return nil
}

func noSleepRetry() retry.Config {
	return retry.Config{BaseDelay: 1, MaxDelay: 1}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

// TestDetectGroupsByNormalizedValue verifies grouping respects the
// normalizer's equivalences.
func TestDetectGroupsByNormalizedValue(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "Alice@Example.com")
	app.add(2, day(2), "  alice@example.com ")
	app.add(3, day(3), "bob@example.com")
	app.add(4, day(4), "carol@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	require.Len(t, groups, 1, "only the alice pair is duplicated")
	g := groups[0]
	assert.Equal(t, "alice@example.com", g.Value)
	require.Len(t, g.Items, 2)
	assert.Equal(t, int64(1), g.KeepID, "default strategy keeps the oldest")
	assert.Equal(t, []int64{2}, g.DeleteIDs)
}

// TestDetectKeepNewest verifies the newest strategy flips the survivor.
func TestDetectKeepNewest(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "x@example.com")
	app.add(2, day(2), "x@example.com")
	app.add(3, day(3), "x@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", KeepNewest)
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Equal(t, int64(3), groups[0].KeepID)
	assert.ElementsMatch(t, []int64{1, 2}, groups[0].DeleteIDs)
}

// TestDetectOrdersByCreationTime verifies member ordering: creation time
// ascending, item ID breaking ties.
func TestDetectOrdersByCreationTime(t *testing.T) {
	app := newFakeApp()
	app.add(30, day(2), "x@example.com")
	app.add(10, day(1), "x@example.com")
	app.add(20, day(2), "x@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	require.Len(t, groups, 1)
	ids := []int64{groups[0].Items[0].ItemID, groups[0].Items[1].ItemID, groups[0].Items[2].ItemID}
	assert.Equal(t, []int64{10, 20, 30}, ids)
	assert.Equal(t, int64(10), groups[0].KeepID)
}

// TestDetectSkipsEmptyValues verifies items with an absent or empty
// match value never form a duplicate group.
func TestDetectSkipsEmptyValues(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "")
	app.add(2, day(2), "")
	app.add(3, day(3), "   ")
	app.add(4, day(4), "present@example.com")
	app.add(5, day(5), "present@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	require.Len(t, groups, 1, "blank records are not duplicates of each other")
	assert.Equal(t, "present@example.com", groups[0].Value)
}

// TestDetectIdempotent verifies repeated detection over unchanged data
// yields identical groups.
func TestDetectIdempotent(t *testing.T) {
	app := newFakeApp()
	for i := 1; i <= 10; i++ {
		app.add(int64(i), day(i), fmt.Sprintf("dup-%d@example.com", i%3))
	}

	eng := New(app, Config{Retry: noSleepRetry()})
	first, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	second, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestDetectRejectsBadMatchField verifies up-front validation.
func TestDetectRejectsBadMatchField(t *testing.T) {
	eng := New(newFakeApp(), Config{Retry: noSleepRetry()})

	_, err := eng.Detect(context.Background(), 7, "status", "")
	assert.Error(t, err, "category fields cannot anchor matching")

	_, err = eng.Detect(context.Background(), 7, "missing", "")
	assert.Error(t, err)

	_, err = eng.Detect(context.Background(), 7, "email", KeepStrategy("random"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

// TestExecuteDeletesNonSurvivors verifies execution removes exactly the
// delete set.
func TestExecuteDeletesNonSurvivors(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "x@example.com")
	app.add(2, day(2), "x@example.com")
	app.add(3, day(3), "x@example.com")
	app.add(4, day(4), "unique@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	res, err := eng.Execute(context.Background(), groups)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Empty(t, res.Failed)
	assert.ElementsMatch(t, []int64{2, 3}, app.deleted)

	_, survivorExists := app.items[1]
	assert.True(t, survivorExists)
	_, uniqueExists := app.items[4]
	assert.True(t, uniqueExists)
}

// TestExecuteTreatsNotFoundAsSuccess verifies re-running a cleanup whose
// items are already gone converges instead of failing.
func TestExecuteTreatsNotFoundAsSuccess(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "x@example.com")

	eng := New(app, Config{Retry: noSleepRetry()})
	res, err := eng.Execute(context.Background(), []Group{{
		Value:     "x@example.com",
		KeepID:    1,
		DeleteIDs: []int64{999},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, res.Failed)
}

// TestExecuteIsolatesFailedDeletion verifies one stuck deletion does not
// block the rest of the cleanup.
func TestExecuteIsolatesFailedDeletion(t *testing.T) {
	app := newFakeApp()
	app.add(1, day(1), "x@example.com")
	app.add(2, day(2), "x@example.com")
	app.add(3, day(3), "x@example.com")
	app.failDelete[2] = &podio.APIError{StatusCode: 403, Detail: "locked"}

	eng := New(app, Config{Retry: noSleepRetry()})
	groups, err := eng.Detect(context.Background(), 7, "email", "")
	require.NoError(t, err)

	res, err := eng.Execute(context.Background(), groups)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, []int64{3}, app.deleted)
}
