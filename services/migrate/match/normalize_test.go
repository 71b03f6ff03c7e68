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

	"github.com/AleutianAI/workmove/services/migrate/podio"
)

// TestNormalizeAbsence verifies every absence flavor collapses to Empty.
func TestNormalizeAbsence(t *testing.T) {
	for _, v := range []any{nil, "", "   ", 0, 0.0, false, []any{}, []any{nil, ""}} {
		assert.Equal(t, Empty, Normalize(v), "value %#v", v)
	}
}

// TestNormalizeText verifies trimming and case folding.
func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello World  "))
	assert.Equal(t, Normalize("ALPHA"), Normalize("alpha"))
}

// TestNormalizeNumbers verifies half-away-from-zero rounding.
func TestNormalizeNumbers(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{42, "42"},
		{42.4, "42"},
		{42.5, "43"},
		{42.6, "43"},
		{-2.5, "-3"},
		{-2.4, "-2"},
		{0.4, "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %v", tt.in)
	}
}

// TestNormalizeNumericStrings verifies numeric text and numbers share keys.
func TestNormalizeNumericStrings(t *testing.T) {
	assert.Equal(t, Normalize(42), Normalize("42"))
	assert.Equal(t, Normalize(42.0), Normalize(" 42.0 "))
	assert.Equal(t, Normalize(43), Normalize("42.5"))
}

// TestNormalizeLists verifies order independence and empty filtering.
func TestNormalizeLists(t *testing.T) {
	a := Normalize([]any{"b", "a", "c"})
	b := Normalize([]any{"C", "B", "A"})
	assert.Equal(t, a, b)
	assert.Equal(t, "a|b|c", a)

	assert.Equal(t, "x", Normalize([]any{"", "x", nil}))
}

// TestNormalizePodioValues verifies decoded platform values flow through
// their scalar extraction.
func TestNormalizePodioValues(t *testing.T) {
	assert.Equal(t, "alpha", Normalize(podio.TextValue("  Alpha ")))
	assert.Equal(t, "43", Normalize(podio.NumberValue(42.5)))
	assert.Equal(t, "in progress", Normalize(podio.CategoryValue{OptionID: 3, Text: "In Progress"}))

	calc := podio.CalculationValue{Number: 17.2, HasNumber: true}
	assert.Equal(t, "17", Normalize(calc))

	field := podio.Field{
		FieldKind: podio.KindCategory,
		Values: []podio.Value{
			podio.CategoryValue{Text: "B"},
			podio.CategoryValue{Text: "A"},
		},
	}
	assert.Equal(t, "a|b", Normalize(field))
}

// TestNormalizeUnsetField verifies an unset field reads as absent.
func TestNormalizeUnsetField(t *testing.T) {
	assert.Equal(t, Empty, Normalize(podio.Field{FieldKind: podio.KindText}))
}

// TestNormalizeIdempotent verifies normalizing a key returns the key.
func TestNormalizeIdempotent(t *testing.T) {
	for _, v := range []any{"  Hello ", 42.5, []any{"b", "a"}, nil, true} {
		once := Normalize(v)
		assert.Equal(t, once, Normalize(once), "value %#v", v)
	}
}
