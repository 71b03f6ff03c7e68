// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package match turns raw field values into canonical comparison keys and
// proposes field mappings between application schemas.
package match

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/workmove/services/migrate/podio"
)

// Empty is the canonical key for absent values. All absence flavors
// (nil, empty string, zero, false) collapse to it so callers can detect
// absence with one comparison. An Empty key carries no identity: matching
// and duplicate grouping skip it rather than treating blanks as equal.
const Empty = "empty"

// Normalize renders any field value as a canonical comparison key.
//
// Description:
//
//	The equality backbone of duplicate detection: two values are "the
//	same" iff their normalized keys are equal.
//
//	  - nil, "", 0 and false collapse to Empty
//	  - numbers round half away from zero to an integer key
//	  - text trims and lowercases
//	  - lists drop empty elements, normalize each, sort, and join
//	    with "|" so element order never matters
//	  - decoded platform values normalize via their scalar extraction
//
// Inputs:
//
//	v - A raw value: Go scalar, []any, podio.Value, or podio.Field.
//
// Outputs:
//
//	string - The canonical key. Never empty; absence is Empty.
func Normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return Empty

	case string:
		return normalizeString(val)

	case bool:
		if !val {
			return Empty
		}
		return "true"

	case float64:
		return normalizeNumber(val)
	case float32:
		return normalizeNumber(float64(val))
	case int:
		return normalizeNumber(float64(val))
	case int32:
		return normalizeNumber(float64(val))
	case int64:
		return normalizeNumber(float64(val))

	case []any:
		return normalizeList(val)
	case []string:
		list := make([]any, len(val))
		for i, s := range val {
			list[i] = s
		}
		return normalizeList(list)

	case podio.Field:
		return Normalize(val.Scalar())
	case podio.Value:
		return Normalize(scalarOfValue(val))

	default:
		return Empty
	}
}

func normalizeString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Empty
	}
	// Numeric text compares as a number, so "42", "42.0" and 42 all
	// share one key.
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeNumber(n)
	}
	return s
}

// normalizeNumber rounds half away from zero to an integer key.
func normalizeNumber(n float64) string {
	if n == 0 {
		return Empty
	}
	var rounded float64
	if n >= 0 {
		rounded = math.Floor(n + 0.5)
	} else {
		rounded = math.Ceil(n - 0.5)
	}
	return strconv.FormatInt(int64(rounded), 10)
}

func normalizeList(list []any) string {
	keys := make([]string, 0, len(list))
	for _, el := range list {
		k := Normalize(el)
		if k == Empty {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return Empty
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// scalarOfValue extracts a scalar from a lone decoded value by wrapping
// it in a single-valued field.
func scalarOfValue(v podio.Value) any {
	f := podio.Field{FieldKind: v.Kind(), Values: []podio.Value{v}}
	return f.Scalar()
}
