// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package podio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FieldKind identifies the platform's per-field value shape.
//
// The remote API delivers field values as loosely-typed JSON whose shape
// depends on the field type. This package models them as a closed set of
// variants with an explicit extraction function per variant, instead of
// passing untyped dictionaries around.
type FieldKind string

const (
	KindText        FieldKind = "text"
	KindNumber      FieldKind = "number"
	KindDate        FieldKind = "date"
	KindMoney       FieldKind = "money"
	KindCategory    FieldKind = "category"
	KindContact     FieldKind = "contact"
	KindAppRef      FieldKind = "app"
	KindCalculation FieldKind = "calculation"
	KindLink        FieldKind = "embed"
	KindImage       FieldKind = "image"
	KindProgress    FieldKind = "progress"
	KindDuration    FieldKind = "duration"
	KindLocation    FieldKind = "location"
	KindPhone       FieldKind = "phone"
	KindEmail       FieldKind = "email"
	KindTag         FieldKind = "tag"
)

// ReadOnly reports whether the kind can never be a write target.
//
// Calculation outputs are the asymmetric case: their computed value is
// readable and extractable for mapping onto other fields, but the field
// itself is never a valid write target.
func (k FieldKind) ReadOnly() bool {
	return k == KindCalculation
}

// Value is one field value variant.
//
// The set of implementations is closed; sealed via the unexported method.
type Value interface {
	Kind() FieldKind
	sealed()
}

// TextValue is a plain or rich text value.
type TextValue string

func (TextValue) Kind() FieldKind { return KindText }
func (TextValue) sealed()         {}

// Text returns the raw text.
func (v TextValue) Text() string { return string(v) }

// NumberValue is a numeric value.
type NumberValue float64

func (NumberValue) Kind() FieldKind { return KindNumber }
func (NumberValue) sealed()         {}

// Number returns the numeric value.
func (v NumberValue) Number() float64 { return float64(v) }

// DateValue is a date or date range.
type DateValue struct {
	Start time.Time
	End   time.Time
}

func (DateValue) Kind() FieldKind { return KindDate }
func (DateValue) sealed()         {}

// MoneyValue is an amount with a currency.
type MoneyValue struct {
	Amount   float64
	Currency string
}

func (MoneyValue) Kind() FieldKind { return KindMoney }
func (MoneyValue) sealed()         {}

// CategoryValue is a selected option of a category field.
type CategoryValue struct {
	OptionID int64
	Text     string
}

func (CategoryValue) Kind() FieldKind { return KindCategory }
func (CategoryValue) sealed()         {}

// ContactValue references a workspace contact.
type ContactValue struct {
	ProfileID int64
	Name      string
}

func (ContactValue) Kind() FieldKind { return KindContact }
func (ContactValue) sealed()         {}

// AppRefValue references an item in another application.
type AppRefValue struct {
	ItemID int64
	Title  string
}

func (AppRefValue) Kind() FieldKind { return KindAppRef }
func (AppRefValue) sealed()         {}

// CalculationValue is the computed output of a calculation field.
//
// The output is either numeric or textual depending on the formula.
type CalculationValue struct {
	Number    float64
	HasNumber bool
	Text      string
}

func (CalculationValue) Kind() FieldKind { return KindCalculation }
func (CalculationValue) sealed()         {}

// LinkValue is an embedded link.
type LinkValue struct {
	URL   string
	Title string
}

func (LinkValue) Kind() FieldKind { return KindLink }
func (LinkValue) sealed()         {}

// ProgressValue is a 0-100 progress percentage.
type ProgressValue int

func (ProgressValue) Kind() FieldKind { return KindProgress }
func (ProgressValue) sealed()         {}

// DurationValue is a duration in seconds.
type DurationValue time.Duration

func (DurationValue) Kind() FieldKind { return KindDuration }
func (DurationValue) sealed()         {}

// Field is one field of an item, with its decoded values.
type Field struct {
	FieldID    int64
	ExternalID string
	Label      string
	FieldKind  FieldKind
	Values     []Value
}

// First returns the first value, or nil when the field is unset.
func (f Field) First() Value {
	if len(f.Values) == 0 {
		return nil
	}
	return f.Values[0]
}

// Scalar extracts a plain Go value suitable for match normalization.
//
// Description:
//
//	Maps each variant to the scalar the duplicate-detection normalizer
//	understands: text for textual kinds, float64 for numeric kinds
//	(including calculation outputs), and a stable textual rendering for
//	reference kinds. Multi-valued fields yield a []any.
//
// Outputs:
//
//	any - string, float64, []any, or nil when the field is unset.
func (f Field) Scalar() any {
	if len(f.Values) == 0 {
		return nil
	}
	if len(f.Values) == 1 {
		return scalarOf(f.Values[0])
	}
	out := make([]any, 0, len(f.Values))
	for _, v := range f.Values {
		out = append(out, scalarOf(v))
	}
	return out
}

func scalarOf(v Value) any {
	switch val := v.(type) {
	case TextValue:
		return string(val)
	case NumberValue:
		return float64(val)
	case DateValue:
		if val.Start.IsZero() {
			return nil
		}
		return val.Start.UTC().Format("2006-01-02 15:04:05")
	case MoneyValue:
		return val.Amount
	case CategoryValue:
		return val.Text
	case ContactValue:
		return val.Name
	case AppRefValue:
		return float64(val.ItemID)
	case CalculationValue:
		if val.HasNumber {
			return val.Number
		}
		return val.Text
	case LinkValue:
		return val.URL
	case ProgressValue:
		return float64(val)
	case DurationValue:
		return time.Duration(val).Seconds()
	default:
		return nil
	}
}

// WriteValue renders the field in the platform's write shape, suitable
// for the fields map of a create or update call.
//
// Outputs:
//
//	any - The write payload, or nil when the field is unset. Callers
//	must drop nil entries rather than sending explicit nulls.
func (f Field) WriteValue() any {
	if len(f.Values) == 0 {
		return nil
	}
	if len(f.Values) == 1 {
		return writeValueOf(f.Values[0])
	}
	out := make([]any, 0, len(f.Values))
	for _, v := range f.Values {
		out = append(out, writeValueOf(v))
	}
	return out
}

func writeValueOf(v Value) any {
	switch val := v.(type) {
	case TextValue:
		return string(val)
	case NumberValue:
		return float64(val)
	case DateValue:
		w := map[string]any{}
		if !val.Start.IsZero() {
			w["start"] = val.Start.UTC().Format(dateLayout)
		}
		if !val.End.IsZero() {
			w["end"] = val.End.UTC().Format(dateLayout)
		}
		return w
	case MoneyValue:
		return map[string]any{"value": val.Amount, "currency": val.Currency}
	case CategoryValue:
		return val.OptionID
	case ContactValue:
		return val.ProfileID
	case AppRefValue:
		return val.ItemID
	case CalculationValue:
		// Calculation sources land in writable scalar targets.
		if val.HasNumber {
			return val.Number
		}
		return val.Text
	case LinkValue:
		return val.URL
	case ProgressValue:
		return int(val)
	case DurationValue:
		return int64(time.Duration(val).Seconds())
	default:
		return nil
	}
}

// rawField is the wire shape of an item field.
type rawField struct {
	FieldID    int64             `json:"field_id"`
	ExternalID string            `json:"external_id"`
	Label      string            `json:"label"`
	Type       string            `json:"type"`
	Values     []json.RawMessage `json:"values"`
}

// decodeField converts a wire field into the closed variant model.
//
// Unknown kinds are preserved with their textual rendering so a migration
// never silently drops a field it merely does not understand.
func decodeField(raw rawField) (Field, error) {
	kind := FieldKind(raw.Type)
	f := Field{
		FieldID:    raw.FieldID,
		ExternalID: raw.ExternalID,
		Label:      raw.Label,
		FieldKind:  kind,
	}

	for _, rv := range raw.Values {
		v, err := decodeValue(kind, rv)
		if err != nil {
			return Field{}, fmt.Errorf("field %q: %w", raw.ExternalID, err)
		}
		if v != nil {
			f.Values = append(f.Values, v)
		}
	}
	return f, nil
}

// wireValue is the common {"value": ...} envelope of a field value entry.
type wireValue struct {
	Value    json.RawMessage `json:"value"`
	Start    string          `json:"start"`
	End      string          `json:"end"`
	Currency string          `json:"currency"`
	Embed    *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"embed"`
}

const dateLayout = "2006-01-02 15:04:05"

func decodeValue(kind FieldKind, raw json.RawMessage) (Value, error) {
	var wv wireValue
	if err := json.Unmarshal(raw, &wv); err != nil {
		return nil, fmt.Errorf("decode value envelope: %w", err)
	}

	switch kind {
	case KindText, KindPhone, KindEmail, KindTag, KindLocation:
		var s string
		if err := json.Unmarshal(wv.Value, &s); err != nil {
			return nil, fmt.Errorf("decode text value: %w", err)
		}
		return TextValue(s), nil

	case KindNumber:
		n, err := decodeNumeric(wv.Value)
		if err != nil {
			return nil, err
		}
		return NumberValue(n), nil

	case KindDate:
		var dv DateValue
		if wv.Start != "" {
			t, err := time.Parse(dateLayout, wv.Start)
			if err != nil {
				return nil, fmt.Errorf("decode date start: %w", err)
			}
			dv.Start = t
		}
		if wv.End != "" {
			t, err := time.Parse(dateLayout, wv.End)
			if err != nil {
				return nil, fmt.Errorf("decode date end: %w", err)
			}
			dv.End = t
		}
		return dv, nil

	case KindMoney:
		n, err := decodeNumeric(wv.Value)
		if err != nil {
			return nil, err
		}
		return MoneyValue{Amount: n, Currency: wv.Currency}, nil

	case KindCategory:
		var opt struct {
			ID   int64  `json:"id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(wv.Value, &opt); err != nil {
			return nil, fmt.Errorf("decode category value: %w", err)
		}
		return CategoryValue{OptionID: opt.ID, Text: opt.Text}, nil

	case KindContact:
		var c struct {
			ProfileID int64  `json:"profile_id"`
			Name      string `json:"name"`
		}
		if err := json.Unmarshal(wv.Value, &c); err != nil {
			return nil, fmt.Errorf("decode contact value: %w", err)
		}
		return ContactValue{ProfileID: c.ProfileID, Name: c.Name}, nil

	case KindAppRef:
		var ref struct {
			ItemID int64  `json:"item_id"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(wv.Value, &ref); err != nil {
			return nil, fmt.Errorf("decode app reference: %w", err)
		}
		return AppRefValue{ItemID: ref.ItemID, Title: ref.Title}, nil

	case KindCalculation:
		// Calculation output is a number or a string depending on the
		// formula; try numeric first.
		if n, err := decodeNumeric(wv.Value); err == nil {
			return CalculationValue{Number: n, HasNumber: true}, nil
		}
		var s string
		if err := json.Unmarshal(wv.Value, &s); err != nil {
			return nil, fmt.Errorf("decode calculation value: %w", err)
		}
		return CalculationValue{Text: s}, nil

	case KindLink:
		if wv.Embed != nil {
			return LinkValue{URL: wv.Embed.URL, Title: wv.Embed.Title}, nil
		}
		var s string
		if err := json.Unmarshal(wv.Value, &s); err != nil {
			return nil, fmt.Errorf("decode link value: %w", err)
		}
		return LinkValue{URL: s}, nil

	case KindProgress:
		var p int
		if err := json.Unmarshal(wv.Value, &p); err != nil {
			return nil, fmt.Errorf("decode progress value: %w", err)
		}
		return ProgressValue(p), nil

	case KindDuration:
		var secs int64
		if err := json.Unmarshal(wv.Value, &secs); err != nil {
			return nil, fmt.Errorf("decode duration value: %w", err)
		}
		return DurationValue(time.Duration(secs) * time.Second), nil

	default:
		// Unknown kind: keep a textual rendering rather than dropping it.
		var s string
		if err := json.Unmarshal(wv.Value, &s); err == nil {
			return TextValue(s), nil
		}
		return TextValue(string(wv.Value)), nil
	}
}

// decodeNumeric accepts both JSON numbers and numeric strings, which the
// platform uses interchangeably for number and money values.
func decodeNumeric(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode numeric value from %s", string(raw))
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("decode numeric string %q: %w", s, err)
	}
	return n, nil
}
