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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/workmove/services/migrate/podio"
)

// ErrNoMatchField indicates the requested match field does not exist in
// the schema.
var ErrNoMatchField = errors.New("match field not found in schema")

// Mapping pairs a source field with a compatible target field.
type Mapping struct {
	// SourceExternalID identifies the source field.
	SourceExternalID string

	// TargetExternalID identifies the target field.
	TargetExternalID string

	// Confidence scores the pairing in (0, 1]: 1.0 for identical labels,
	// lower for weaker label evidence.
	Confidence float64

	// Note explains non-obvious pairings (kind coercion, label fold).
	Note string
}

// ProposeMapping suggests source-to-target field pairings by label
// similarity, constrained to compatible value kinds.
//
// Description:
//
//	For each source field the best-scoring compatible target wins.
//	Label evidence is tiered: exact match, case/space-folded match,
//	then token overlap. A target is claimed by at most one source.
//	Read-only targets (calculation fields) are never proposed as write
//	targets, though a calculation source can map onto a writable text
//	or number field.
//
// Outputs:
//
//	[]Mapping - Proposals sorted by source external ID. Sources with no
//	compatible target are simply absent.
func ProposeMapping(source, target []podio.AppField) []Mapping {
	type candidate struct {
		mapping Mapping
		source  int
		target  int
	}
	var candidates []candidate

	for si, sf := range source {
		for ti, tf := range target {
			if tf.FieldKind.ReadOnly() {
				continue
			}
			if !kindsCompatible(sf.FieldKind, tf.FieldKind) {
				continue
			}
			score, note := labelScore(sf.Label, tf.Label)
			if score == 0 {
				continue
			}
			if sf.FieldKind != tf.FieldKind && note == "" {
				note = fmt.Sprintf("coerces %s to %s", sf.FieldKind, tf.FieldKind)
			}
			candidates = append(candidates, candidate{
				mapping: Mapping{
					SourceExternalID: sf.ExternalID,
					TargetExternalID: tf.ExternalID,
					Confidence:       score,
					Note:             note,
				},
				source: si,
				target: ti,
			})
		}
	}

	// Greedy assignment, best evidence first. Ties break on schema order
	// so proposals are deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].mapping.Confidence != candidates[j].mapping.Confidence {
			return candidates[i].mapping.Confidence > candidates[j].mapping.Confidence
		}
		if candidates[i].source != candidates[j].source {
			return candidates[i].source < candidates[j].source
		}
		return candidates[i].target < candidates[j].target
	})

	usedSource := make(map[int]bool)
	usedTarget := make(map[int]bool)
	var out []Mapping
	for _, c := range candidates {
		if usedSource[c.source] || usedTarget[c.target] {
			continue
		}
		usedSource[c.source] = true
		usedTarget[c.target] = true
		out = append(out, c.mapping)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SourceExternalID < out[j].SourceExternalID
	})
	return out
}

// kindsCompatible reports whether a source kind's values can be written
// into a target kind.
func kindsCompatible(source, target podio.FieldKind) bool {
	if source == target {
		return true
	}
	switch source {
	case podio.KindText:
		return target == podio.KindLink
	case podio.KindLink:
		return target == podio.KindText
	case podio.KindNumber:
		return target == podio.KindMoney || target == podio.KindProgress
	case podio.KindMoney, podio.KindProgress:
		return target == podio.KindNumber
	case podio.KindDate:
		return target == podio.KindDuration
	case podio.KindDuration:
		return target == podio.KindDate
	case podio.KindCalculation:
		// Calculation outputs are readable; they land in writable
		// scalar fields.
		return target == podio.KindText || target == podio.KindNumber
	default:
		return false
	}
}

// labelScore rates two labels' similarity in [0, 1].
func labelScore(a, b string) (float64, string) {
	if a == "" || b == "" {
		return 0, ""
	}
	if a == b {
		return 1.0, ""
	}

	fa, fb := foldLabel(a), foldLabel(b)
	if fa == fb {
		return 0.9, fmt.Sprintf("label %q folded to %q", a, b)
	}

	overlap := tokenOverlap(fa, fb)
	if overlap >= 0.5 {
		// Scale into (0.4, 0.8] so any fold beats any overlap.
		return 0.4 * (1 + overlap), fmt.Sprintf("labels %q and %q share terms", a, b)
	}
	return 0, ""
}

// foldLabel lowercases and collapses separators to single spaces.
func foldLabel(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '/', '.':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// tokenOverlap is the Jaccard similarity of the labels' word sets.
func tokenOverlap(a, b string) float64 {
	as, bs := strings.Fields(a), strings.Fields(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	set := make(map[string]bool, len(as))
	for _, t := range as {
		set[t] = true
	}
	shared := 0
	union := len(set)
	for _, t := range bs {
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

// ValidateMatchField checks that a field can anchor duplicate detection.
//
// Description:
//
//	Only text, number and calculation fields produce stable comparison
//	keys. The field must exist in the schema; a multi-valued or exotic
//	kind is rejected with a descriptive error rather than silently
//	producing garbage groups.
//
// Inputs:
//
//	schema - The application's fields.
//	externalID - The proposed match field.
//
// Outputs:
//
//	podio.AppField - The resolved field on success.
//	error - ErrNoMatchField or a kind rejection.
func ValidateMatchField(schema []podio.AppField, externalID string) (podio.AppField, error) {
	for _, f := range schema {
		if f.ExternalID != externalID {
			continue
		}
		switch f.FieldKind {
		case podio.KindText, podio.KindNumber, podio.KindCalculation:
			return f, nil
		default:
			return podio.AppField{}, fmt.Errorf(
				"field %q has kind %s; duplicate matching needs text, number or calculation",
				externalID, f.FieldKind)
		}
	}
	return podio.AppField{}, fmt.Errorf("%w: %q", ErrNoMatchField, externalID)
}
