// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/workmove/services/migrate/podio"
)

func field(externalID, label string, kind podio.FieldKind) podio.AppField {
	return podio.AppField{ExternalID: externalID, Label: label, FieldKind: kind}
}

func findMapping(t *testing.T, ms []Mapping, source string) Mapping {
	t.Helper()
	for _, m := range ms {
		if m.SourceExternalID == source {
			return m
		}
	}
	t.Fatalf("no mapping proposed for source %q", source)
	return Mapping{}
}

// TestProposeMappingExactLabels verifies identical labels pair with full
// confidence.
func TestProposeMappingExactLabels(t *testing.T) {
	source := []podio.AppField{
		field("name", "Name", podio.KindText),
		field("amount", "Amount", podio.KindNumber),
	}
	target := []podio.AppField{
		field("title", "Name", podio.KindText),
		field("value", "Amount", podio.KindNumber),
	}

	ms := ProposeMapping(source, target)
	require.Len(t, ms, 2)

	m := findMapping(t, ms, "name")
	assert.Equal(t, "title", m.TargetExternalID)
	assert.Equal(t, 1.0, m.Confidence)
}

// TestProposeMappingFoldedLabels verifies case/separator folding pairs
// with reduced confidence.
func TestProposeMappingFoldedLabels(t *testing.T) {
	ms := ProposeMapping(
		[]podio.AppField{field("a", "Contact_Email", podio.KindText)},
		[]podio.AppField{field("b", "contact email", podio.KindText)},
	)
	require.Len(t, ms, 1)
	assert.Equal(t, 0.9, ms[0].Confidence)
	assert.NotEmpty(t, ms[0].Note)
}

// TestProposeMappingTokenOverlap verifies shared terms pair weakly.
func TestProposeMappingTokenOverlap(t *testing.T) {
	ms := ProposeMapping(
		[]podio.AppField{field("a", "Customer Email Address", podio.KindText)},
		[]podio.AppField{field("b", "Email Address", podio.KindText)},
	)
	require.Len(t, ms, 1)
	assert.Less(t, ms[0].Confidence, 0.9)
	assert.Greater(t, ms[0].Confidence, 0.4)
}

// TestProposeMappingKindCompatibility verifies cross-kind rules.
func TestProposeMappingKindCompatibility(t *testing.T) {
	assert.True(t, kindsCompatible(podio.KindText, podio.KindLink))
	assert.True(t, kindsCompatible(podio.KindNumber, podio.KindMoney))
	assert.True(t, kindsCompatible(podio.KindProgress, podio.KindNumber))
	assert.True(t, kindsCompatible(podio.KindDate, podio.KindDuration))
	assert.True(t, kindsCompatible(podio.KindCalculation, podio.KindText))
	assert.True(t, kindsCompatible(podio.KindCalculation, podio.KindNumber))

	assert.False(t, kindsCompatible(podio.KindText, podio.KindNumber))
	assert.False(t, kindsCompatible(podio.KindDate, podio.KindText))
	assert.False(t, kindsCompatible(podio.KindCategory, podio.KindText))
}

// TestProposeMappingSkipsIncompatibleKinds verifies a matching label with
// clashing kinds is not proposed.
func TestProposeMappingSkipsIncompatibleKinds(t *testing.T) {
	ms := ProposeMapping(
		[]podio.AppField{field("a", "Score", podio.KindText)},
		[]podio.AppField{field("b", "Score", podio.KindNumber)},
	)
	assert.Empty(t, ms)
}

// TestProposeMappingNeverTargetsReadOnly verifies calculation fields are
// excluded as targets but usable as sources.
func TestProposeMappingNeverTargetsReadOnly(t *testing.T) {
	// Calculation target: excluded.
	ms := ProposeMapping(
		[]podio.AppField{field("a", "Total", podio.KindNumber)},
		[]podio.AppField{field("b", "Total", podio.KindCalculation)},
	)
	assert.Empty(t, ms)

	// Calculation source onto a writable number field: allowed.
	ms = ProposeMapping(
		[]podio.AppField{field("a", "Total", podio.KindCalculation)},
		[]podio.AppField{field("b", "Total", podio.KindNumber)},
	)
	require.Len(t, ms, 1)
	assert.NotEmpty(t, ms[0].Note)
}

// TestProposeMappingClaimsTargetOnce verifies two sources cannot share a
// target; the better label evidence wins.
func TestProposeMappingClaimsTargetOnce(t *testing.T) {
	ms := ProposeMapping(
		[]podio.AppField{
			field("exact", "Phone", podio.KindText),
			field("folded", "phone", podio.KindText),
		},
		[]podio.AppField{field("t", "Phone", podio.KindText)},
	)
	require.Len(t, ms, 1)
	assert.Equal(t, "exact", ms[0].SourceExternalID)
}

// TestProposeMappingDeterministic verifies repeated proposals agree.
func TestProposeMappingDeterministic(t *testing.T) {
	source := []podio.AppField{
		field("s1", "Alpha Beta", podio.KindText),
		field("s2", "Alpha Gamma", podio.KindText),
	}
	target := []podio.AppField{
		field("t1", "Alpha Beta Gamma", podio.KindText),
		field("t2", "Alpha", podio.KindText),
	}

	first := ProposeMapping(source, target)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ProposeMapping(source, target))
	}
}

// TestValidateMatchField verifies kind gating for the duplicate anchor.
func TestValidateMatchField(t *testing.T) {
	schema := []podio.AppField{
		field("name", "Name", podio.KindText),
		field("score", "Score", podio.KindNumber),
		field("derived", "Derived", podio.KindCalculation),
		field("status", "Status", podio.KindCategory),
	}

	for _, ok := range []string{"name", "score", "derived"} {
		f, err := ValidateMatchField(schema, ok)
		require.NoError(t, err, ok)
		assert.Equal(t, ok, f.ExternalID)
	}

	_, err := ValidateMatchField(schema, "status")
	assert.Error(t, err)

	_, err = ValidateMatchField(schema, "missing")
	assert.ErrorIs(t, err, ErrNoMatchField)
}
