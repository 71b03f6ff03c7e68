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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatusTransitions verifies the legal status graph.
func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPlanning, StatusInProgress},
		{StatusPlanning, StatusDetecting},
		{StatusPlanning, StatusFailed},
		{StatusDetecting, StatusCompleted},
		{StatusInProgress, StatusPaused},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusPaused, StatusInProgress},
		{StatusPaused, StatusCancelled},
		{StatusCompleted, StatusInProgress},
		{StatusFailed, StatusInProgress},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusPaused},
		{StatusCancelled, StatusInProgress},
		{StatusPaused, StatusCompleted},
		{StatusPlanning, StatusPaused},
		{StatusFailed, StatusPaused},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

// TestSetStatusRejectsIllegalMove verifies the transition guard.
func TestSetStatusRejectsIllegalMove(t *testing.T) {
	j := &Job{Status: StatusCancelled}
	err := j.SetStatus(StatusInProgress)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCancelled, j.Status, "status unchanged on rejection")
}

// TestMigrationSpecValidate verifies spec guards.
func TestMigrationSpecValidate(t *testing.T) {
	valid := MigrationSpec{
		SourceAppID: 1,
		TargetAppID: 2,
		Mode:        ModeCreate,
		Mapping:     map[string]string{"a": "b"},
	}
	assert.NoError(t, valid.Validate())

	noApps := valid
	noApps.SourceAppID = 0
	assert.Error(t, noApps.Validate())

	badMode := valid
	badMode.Mode = Mode("replace")
	assert.Error(t, badMode.Validate())

	noMapping := valid
	noMapping.Mapping = nil
	assert.Error(t, noMapping.Validate())

	updateNoMatch := valid
	updateNoMatch.Mode = ModeUpdate
	assert.Error(t, updateNoMatch.Validate(), "update mode needs a match field")

	upsertWithMatch := valid
	upsertWithMatch.Mode = ModeUpsert
	upsertWithMatch.MatchField = "email"
	assert.NoError(t, upsertWithMatch.Validate())
}

// TestTargetMatchField verifies match field resolution on the target side.
func TestTargetMatchField(t *testing.T) {
	s := MigrationSpec{MatchField: "email", Mapping: map[string]string{"email": "contact_email"}}
	assert.Equal(t, "contact_email", s.targetMatchField(), "mapped name wins")

	s.TargetMatchField = "explicit"
	assert.Equal(t, "explicit", s.targetMatchField(), "override wins over mapping")

	s = MigrationSpec{MatchField: "email", Mapping: map[string]string{"other": "x"}}
	assert.Equal(t, "email", s.targetMatchField(), "unmapped falls back to source name")
}

// TestRecordFailureCap verifies the failed item log stops growing at the
// cap while the counter keeps advancing.
func TestRecordFailureCap(t *testing.T) {
	j := &Job{}
	for i := 0; i < MaxFailedItems+50; i++ {
		j.RecordFailure(int64(i), "create", fmt.Sprintf("boom %d", i))
	}
	assert.Len(t, j.FailedItems, MaxFailedItems)
	assert.Equal(t, MaxFailedItems+50, j.Progress.Failed)
}

// TestCleanupSpecValidate verifies cleanup spec guards.
func TestCleanupSpecValidate(t *testing.T) {
	valid := CleanupSpec{AppID: 1, MatchField: "email"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, CleanupSpec{MatchField: "email"}.Validate())
	assert.Error(t, CleanupSpec{AppID: 1}.Validate())
	assert.Error(t, CleanupSpec{AppID: 1, MatchField: "x", Mode: CleanupMode("loose")}.Validate())
	assert.Error(t, CleanupSpec{AppID: 1, MatchField: "x", Strategy: "middle"}.Validate())
}
