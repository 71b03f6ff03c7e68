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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// File is a file attached to an item.
type File struct {
	FileID int64  `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Link   string `json:"link"`
}

// ItemFiles lists the files attached to an item.
func (c *Client) ItemFiles(ctx context.Context, itemID int64) ([]File, error) {
	var files []File
	err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/file/item/%d/", itemID),
		Out:    &files,
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DownloadFile streams a file's content.
//
// Description:
//
//	Fetches the raw bytes behind a file reference. The caller owns the
//	returned ReadCloser and must close it. Downloads bypass the JSON
//	machinery of Do but still pace through the limiter and carry the
//	bearer token, so a download storm cannot starve the quota unnoticed.
func (c *Client) DownloadFile(ctx context.Context, fileID int64) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/file/%d/raw", c.cfg.BaseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %d: %w", fileID, err)
	}

	c.tracker.UpdateFromHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}
	return resp.Body, nil
}

// UploadFile uploads a file and returns its new file ID.
//
// Inputs:
//
//	name - The filename presented to the platform.
//	content - The file bytes. Read fully before the request is sent.
//
// Outputs:
//
//	int64 - The uploaded file's ID, ready for AttachFile.
//	error - Non-nil on failure.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("source", name)
	if err != nil {
		return 0, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return 0, fmt.Errorf("read upload content: %w", err)
	}
	if err := mw.WriteField("filename", name); err != nil {
		return 0, fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("finalize multipart body: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/file/v2/", &buf)
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload file %q: %w", name, err)
	}
	defer resp.Body.Close()

	c.tracker.UpdateFromHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, c.apiError(resp)
	}

	var out struct {
		FileID int64 `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode upload response: %w", err)
	}
	return out.FileID, nil
}

// AttachFile attaches an uploaded file to an item.
func (c *Client) AttachFile(ctx context.Context, fileID, itemID int64) error {
	return c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/file/%d/attach", fileID),
		Body: map[string]any{
			"ref_type": "item",
			"ref_id":   itemID,
		},
	})
}
