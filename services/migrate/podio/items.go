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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Item is one item of an application, with decoded fields.
type Item struct {
	ItemID    int64
	AppID     int64
	Title     string
	CreatedOn time.Time
	Fields    []Field
}

// FieldByExternalID returns the item's field with the given external ID.
func (it Item) FieldByExternalID(externalID string) (Field, bool) {
	for _, f := range it.Fields {
		if f.ExternalID == externalID {
			return f, true
		}
	}
	return Field{}, false
}

// rawItem is the wire shape of an item.
type rawItem struct {
	ItemID    int64      `json:"item_id"`
	App       rawApp     `json:"app"`
	Title     string     `json:"title"`
	CreatedOn string     `json:"created_on"`
	Fields    []rawField `json:"fields"`
}

type rawApp struct {
	AppID int64 `json:"app_id"`
}

func decodeItem(raw rawItem) (Item, error) {
	it := Item{
		ItemID: raw.ItemID,
		AppID:  raw.App.AppID,
		Title:  raw.Title,
	}
	if raw.CreatedOn != "" {
		t, err := time.Parse(dateLayout, raw.CreatedOn)
		if err != nil {
			return Item{}, fmt.Errorf("item %d: decode created_on: %w", raw.ItemID, err)
		}
		it.CreatedOn = t
	}
	for _, rf := range raw.Fields {
		f, err := decodeField(rf)
		if err != nil {
			return Item{}, fmt.Errorf("item %d: %w", raw.ItemID, err)
		}
		it.Fields = append(it.Fields, f)
	}
	return it, nil
}

// App describes an application and its field schema.
type App struct {
	AppID  int64      `json:"app_id"`
	Name   string     `json:"config_name"`
	Fields []AppField `json:"-"`
}

// AppField is one field definition of an application schema.
type AppField struct {
	FieldID    int64
	ExternalID string
	Label      string
	FieldKind  FieldKind
	Required   bool
}

// FilterRequest selects a page of items from an application.
type FilterRequest struct {
	// Offset is the zero-based index of the first item to return.
	Offset int `json:"offset"`

	// Limit is the page size. The platform caps this at 500.
	Limit int `json:"limit"`

	// SortBy orders the result set; defaults to creation time.
	SortBy string `json:"sort_by,omitempty"`

	// SortDesc reverses the sort order.
	SortDesc bool `json:"sort_desc,omitempty"`

	// Filters narrows the result set by field values.
	Filters map[string]any `json:"filters,omitempty"`
}

// FilterResponse is one page of filtered items.
type FilterResponse struct {
	// Total is the item count of the whole application.
	Total int

	// Filtered is the item count matching the filter. Pagination
	// terminates against this, not Total.
	Filtered int

	// Items is the decoded page.
	Items []Item
}

// GetItem fetches one item by ID.
func (c *Client) GetItem(ctx context.Context, itemID int64) (Item, error) {
	var raw rawItem
	err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/item/%d", itemID),
		Out:    &raw,
	})
	if err != nil {
		return Item{}, err
	}
	return decodeItem(raw)
}

// CreateItem creates an item in an application.
//
// Inputs:
//
//	appID - The target application.
//	fields - Field values keyed by external ID, in the platform's write shape.
//
// Outputs:
//
//	int64 - The new item's ID.
//	error - Non-nil on failure.
func (c *Client) CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error) {
	var out struct {
		ItemID int64 `json:"item_id"`
	}
	err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/item/app/%d/", appID),
		Body:   map[string]any{"fields": fields},
		Out:    &out,
	})
	if err != nil {
		return 0, err
	}
	return out.ItemID, nil
}

// UpdateItem replaces field values on an existing item.
func (c *Client) UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error {
	return c.Do(ctx, Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/item/%d", itemID),
		Body:   map[string]any{"fields": fields},
	})
}

// DeleteItem deletes an item.
func (c *Client) DeleteItem(ctx context.Context, itemID int64) error {
	return c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/item/%d", itemID),
	})
}

// FilterItems fetches one page of items from an application.
//
// Description:
//
//	The platform's offset/limit pagination primitive. Callers that want
//	the whole application should use the stream package, which drives
//	this page by page with per-page retry.
func (c *Client) FilterItems(ctx context.Context, appID int64, req FilterRequest) (FilterResponse, error) {
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 500
	}

	var raw struct {
		Total    int       `json:"total"`
		Filtered int       `json:"filtered"`
		Items    []rawItem `json:"items"`
	}
	err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/item/app/%d/filter/", appID),
		Body:   req,
		Out:    &raw,
	})
	if err != nil {
		return FilterResponse{}, err
	}

	resp := FilterResponse{Total: raw.Total, Filtered: raw.Filtered}
	for _, ri := range raw.Items {
		it, err := decodeItem(ri)
		if err != nil {
			return FilterResponse{}, err
		}
		resp.Items = append(resp.Items, it)
	}
	return resp, nil
}

// GetApp fetches an application's schema.
func (c *Client) GetApp(ctx context.Context, appID int64) (App, error) {
	var raw struct {
		AppID  int64 `json:"app_id"`
		Config struct {
			Name string `json:"name"`
		} `json:"config"`
		Fields []struct {
			FieldID    int64  `json:"field_id"`
			ExternalID string `json:"external_id"`
			Label      string `json:"label"`
			Type       string `json:"type"`
			Config     struct {
				Label    string          `json:"label"`
				Required bool            `json:"required"`
				Settings json.RawMessage `json:"settings"`
			} `json:"config"`
		} `json:"fields"`
	}
	err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/app/%d", appID),
		Out:    &raw,
	})
	if err != nil {
		return App{}, err
	}

	app := App{AppID: raw.AppID, Name: raw.Config.Name}
	for _, rf := range raw.Fields {
		label := rf.Label
		if label == "" {
			label = rf.Config.Label
		}
		app.Fields = append(app.Fields, AppField{
			FieldID:    rf.FieldID,
			ExternalID: rf.ExternalID,
			Label:      label,
			FieldKind:  FieldKind(rf.Type),
			Required:   rf.Config.Required,
		})
	}
	return app, nil
}
