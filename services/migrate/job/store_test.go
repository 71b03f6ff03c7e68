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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/workmove/services/migrate/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

// TestStoreRoundTrip verifies full job state survives save and load.
func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{
		ID:     "job-1",
		Kind:   KindMigration,
		Status: StatusInProgress,
		Migration: &MigrationSpec{
			SourceAppID: 1,
			TargetAppID: 2,
			Mode:        ModeUpsert,
			Mapping:     map[string]string{"email": "contact_email"},
			MatchField:  "email",
		},
		Progress:   Progress{Total: 1000, Processed: 500, Succeeded: 490, Failed: 10},
		Checkpoint: Checkpoint{Offset: 500, LastItemID: 777, UpdatedAt: time.Now()},
		CreatedAt:  time.Now(),
	}
	j.RecordFailure(123, "create", "boom")

	require.NoError(t, s.Save(ctx, j))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 500, got.Checkpoint.Offset)
	assert.Equal(t, int64(777), got.Checkpoint.LastItemID)
	assert.Equal(t, ModeUpsert, got.Migration.Mode)
	require.Len(t, got.FailedItems, 1)
	assert.Equal(t, int64(123), got.FailedItems[0].SourceItemID)
}

// TestStoreGetUnknown verifies the sentinel.
func TestStoreGetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// TestStoreListNewestFirst verifies list ordering.
func TestStoreListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Save(ctx, &Job{
			ID:        id,
			Kind:      KindMigration,
			Status:    StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[2].ID)
}

// TestStoreDelete verifies deletion and its idempotence.
func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Job{ID: "gone", Kind: KindCleanup, Status: StatusCompleted}))
	require.NoError(t, s.Delete(ctx, "gone"))

	_, err := s.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, s.Delete(ctx, "gone"))
}

// TestStoreUnfinished verifies resume candidates exclude terminal jobs.
func TestStoreUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id, status := range map[string]Status{
		"a": StatusInProgress,
		"b": StatusPaused,
		"c": StatusCompleted,
		"d": StatusFailed,
		"e": StatusCancelled,
	} {
		require.NoError(t, s.Save(ctx, &Job{ID: id, Kind: KindMigration, Status: status}))
	}

	unfinished, err := s.Unfinished(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(unfinished))
	for _, j := range unfinished {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
