// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/workmove/services/migrate/job"
	"github.com/AleutianAI/workmove/services/migrate/podio"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

// stubClient is an in-memory two-application platform for handler tests.
type stubClient struct {
	mu      sync.Mutex
	items   map[int64][]podio.Item
	nextID  int64
	created int
	deleted []int64
}

func newStubClient() *stubClient {
	return &stubClient{items: map[int64][]podio.Item{}, nextID: 1000}
}

func (c *stubClient) add(appID, itemID int64, email string, createdDay int) {
	item := podio.Item{
		ItemID:    itemID,
		AppID:     appID,
		Title:     fmt.Sprintf("Item %d", itemID),
		CreatedOn: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, createdDay),
		Fields: []podio.Field{{
			FieldID:    1,
			ExternalID: "email",
			Label:      "Email",
			FieldKind:  podio.KindText,
			Values:     []podio.Value{podio.TextValue(email)},
		}},
	}
	c.items[appID] = append(c.items[appID], item)
}

func (c *stubClient) GetApp(ctx context.Context, appID int64) (podio.App, error) {
	return podio.App{
		AppID: appID,
		Fields: []podio.AppField{
			{FieldID: 1, ExternalID: "email", Label: "Email", FieldKind: podio.KindText},
		},
	}, nil
}

func (c *stubClient) FilterItems(ctx context.Context, appID int64, req podio.FilterRequest) (podio.FilterResponse, error) {
	c.mu.Lock()
	all := append([]podio.Item(nil), c.items[appID]...)
	c.mu.Unlock()

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

func (c *stubClient) GetItem(ctx context.Context, itemID int64) (podio.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, items := range c.items {
		for _, item := range items {
			if item.ItemID == itemID {
				return item, nil
			}
		}
	}
	return podio.Item{}, fmt.Errorf("%w: item %d", podio.ErrNotFound, itemID)
}

func (c *stubClient) CreateItem(ctx context.Context, appID int64, fields map[string]any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.created++
	return c.nextID, nil
}

func (c *stubClient) UpdateItem(ctx context.Context, itemID int64, fields map[string]any) error {
	return nil
}

func (c *stubClient) DeleteItem(ctx context.Context, itemID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, itemID)
	return nil
}

func (c *stubClient) ItemFiles(ctx context.Context, itemID int64) ([]podio.File, error) {
	return nil, nil
}

func (c *stubClient) DownloadFile(ctx context.Context, fileID int64) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: file %d", podio.ErrNotFound, fileID)
}

func (c *stubClient) UploadFile(ctx context.Context, name string, content io.Reader) (int64, error) {
	return 0, fmt.Errorf("uploads not supported")
}

func (c *stubClient) AttachFile(ctx context.Context, fileID, itemID int64) error {
	return fmt.Errorf("attach not supported")
}

func setupTest(t *testing.T) (*gin.Engine, *Service, *stubClient) {
	t.Helper()
	stub := newStubClient()
	svc, err := NewService(ServiceConfig{
		InMemory: true,
		Client:   stub,
		Jobs:     job.Config{PageSize: 4, Concurrency: 2},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router, svc, stub
}

// TestServiceClosedRejectsCalls verifies a closed service refuses new
// work instead of reaching into a closed store.
func TestServiceClosedRejectsCalls(t *testing.T) {
	_, svc, _ := setupTest(t)
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := svc.ProposeMapping(context.Background(), 1, 2)
	if !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed, got %v", err)
	}

	// Close is idempotent.
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// waitDone blocks until the job's background run settles.
func waitDone(t *testing.T, svc *Service, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.Runner().Wait(id)
		j, err := svc.Runner().Get(context.Background(), id)
		if err != nil {
			t.Fatalf("failed to load job %s: %v", id, err)
		}
		if j.Status != job.StatusPlanning && j.Status != job.StatusDetecting && j.Status != job.StatusInProgress {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s", id, j.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _, _ := setupTest(t)

	w := doJSON(router, "GET", "/v1/migrate/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Version != ServiceVersion {
		t.Errorf("expected version %q, got %q", ServiceVersion, resp.Version)
	}
}

func TestHandlers_StartMigration(t *testing.T) {
	router, svc, stub := setupTest(t)
	for i := int64(1); i <= 6; i++ {
		stub.add(1, i, fmt.Sprintf("u%d@example.com", i), int(i))
	}

	w := doJSON(router, "POST", "/v1/migrate/jobs", StartMigrationRequest{
		SourceAppID: 1,
		TargetAppID: 2,
		Mode:        "create",
		Mapping:     map[string]string{"email": "email"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Job == nil || resp.Job.ID == "" {
		t.Fatal("expected a job with an ID")
	}

	j := waitDone(t, svc, resp.Job.ID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.Status, j.Error)
	}
	if j.Progress.Succeeded != 6 {
		t.Errorf("expected 6 succeeded, got %d", j.Progress.Succeeded)
	}
	if stub.created != 6 {
		t.Errorf("expected 6 creates, got %d", stub.created)
	}
}

func TestHandlers_StartMigration_Validation(t *testing.T) {
	router, _, _ := setupTest(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty body",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "malformed json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "unknown mode",
			body:       `{"source_app_id":1,"target_app_id":2,"mode":"replace","mapping":{"a":"b"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_SPEC",
		},
		{
			name:       "update without match field",
			body:       `{"source_app_id":1,"target_app_id":2,"mode":"update","mapping":{"a":"b"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_SPEC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/v1/migrate/jobs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestHandlers_DryRunMigration(t *testing.T) {
	router, svc, stub := setupTest(t)
	stub.add(1, 1, "a@example.com", 1)
	stub.add(1, 2, "b@example.com", 2)

	w := doJSON(router, "POST", "/v1/migrate/jobs", StartMigrationRequest{
		SourceAppID: 1,
		TargetAppID: 2,
		Mode:        "create",
		Mapping:     map[string]string{"email": "email"},
		DryRun:      true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var resp JobResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	j := waitDone(t, svc, resp.Job.ID)
	if j.Preview == nil {
		t.Fatal("expected a preview on the dry-run job")
	}
	if j.Preview.WouldCreate != 2 {
		t.Errorf("expected 2 predicted creates, got %d", j.Preview.WouldCreate)
	}
	if stub.created != 0 {
		t.Errorf("dry run must not write; got %d creates", stub.created)
	}
}

func TestHandlers_GetJob_NotFound(t *testing.T) {
	router, _, _ := setupTest(t)

	w := doJSON(router, "GET", "/v1/migrate/jobs/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Code != "JOB_NOT_FOUND" {
		t.Errorf("expected code JOB_NOT_FOUND, got %q", resp.Code)
	}
}

func TestHandlers_ListJobs(t *testing.T) {
	router, svc, stub := setupTest(t)
	stub.add(1, 1, "a@example.com", 1)

	w := doJSON(router, "POST", "/v1/migrate/jobs", StartMigrationRequest{
		SourceAppID: 1, TargetAppID: 2, Mode: "create",
		Mapping: map[string]string{"email": "email"},
	})
	var started JobResponse
	json.Unmarshal(w.Body.Bytes(), &started)
	waitDone(t, svc, started.Job.ID)

	w = doJSON(router, "GET", "/v1/migrate/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp JobListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Count != 1 || len(resp.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", resp.Count)
	}

	w = doJSON(router, "GET", "/v1/migrate/jobs?kind=cleanup", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("expected no cleanup jobs, got %d", resp.Count)
	}
}

func TestHandlers_RetryFailed_NothingToRetry(t *testing.T) {
	router, svc, stub := setupTest(t)
	stub.add(1, 1, "a@example.com", 1)

	w := doJSON(router, "POST", "/v1/migrate/jobs", StartMigrationRequest{
		SourceAppID: 1, TargetAppID: 2, Mode: "create",
		Mapping: map[string]string{"email": "email"},
	})
	var started JobResponse
	json.Unmarshal(w.Body.Bytes(), &started)
	waitDone(t, svc, started.Job.ID)

	w = doJSON(router, "POST", "/v1/migrate/jobs/"+started.Job.ID+"/retry", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "NOTHING_TO_RETRY" {
		t.Errorf("expected code NOTHING_TO_RETRY, got %q", resp.Code)
	}
}

func TestHandlers_CleanupApprovalFlow(t *testing.T) {
	router, svc, stub := setupTest(t)
	stub.add(3, 10, "dup@example.com", 1)
	stub.add(3, 20, "dup@example.com", 2)
	stub.add(3, 30, "solo@example.com", 3)

	w := doJSON(router, "POST", "/v1/cleanup/jobs", StartCleanupRequest{
		AppID:      3,
		MatchField: "email",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var started JobResponse
	json.Unmarshal(w.Body.Bytes(), &started)

	j := waitDone(t, svc, started.Job.ID)
	if !j.AwaitingApproval {
		t.Fatal("expected the manual cleanup to await approval")
	}
	if len(j.Groups) != 1 {
		t.Fatalf("expected 1 duplicate group, got %d", len(j.Groups))
	}
	if j.Groups[0].KeepID != 10 {
		t.Errorf("expected oldest item 10 kept, got %d", j.Groups[0].KeepID)
	}

	w = doJSON(router, "POST", "/v1/cleanup/jobs/"+started.Job.ID+"/execute", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	j = waitDone(t, svc, started.Job.ID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.Status, j.Error)
	}
	stub.mu.Lock()
	deleted := append([]int64(nil), stub.deleted...)
	stub.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != 20 {
		t.Errorf("expected exactly item 20 deleted, got %v", deleted)
	}

	// A second execution finds no pending approval.
	w = doJSON(router, "POST", "/v1/cleanup/jobs/"+started.Job.ID+"/execute", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
	}
	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "NOT_AWAITING_APPROVAL" {
		t.Errorf("expected code NOT_AWAITING_APPROVAL, got %q", resp.Code)
	}
}

func TestHandlers_ProposeMapping(t *testing.T) {
	router, _, _ := setupTest(t)

	w := doJSON(router, "POST", "/v1/migrate/mappings/propose", ProposeMappingRequest{
		SourceAppID: 1,
		TargetAppID: 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp ProposeMappingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected 1 mapping, got %d", resp.Count)
	}
	if resp.Mappings[0].SourceExternalID != "email" || resp.Mappings[0].TargetExternalID != "email" {
		t.Errorf("expected email->email, got %+v", resp.Mappings[0])
	}
	if resp.Mappings[0].Confidence != 1.0 {
		t.Errorf("expected exact-match confidence 1.0, got %f", resp.Mappings[0].Confidence)
	}
}

func TestHandlers_Quota(t *testing.T) {
	router, _, _ := setupTest(t)

	w := doJSON(router, "GET", "/v1/migrate/quota", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp QuotaResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Limit != 0 || resp.Remaining != 0 {
		t.Errorf("expected empty quota on an injected client, got %+v", resp)
	}
}

func TestHandlers_RequestIDEcho(t *testing.T) {
	router, _, _ := setupTest(t)

	req, _ := http.NewRequest("GET", "/v1/migrate/jobs", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request ID echoed, got %q", got)
	}
}

func TestHandlers_Preview(t *testing.T) {
	router, _, stub := setupTest(t)
	stub.add(1, 1, "a@example.com", 1)
	stub.add(1, 2, "b@example.com", 2)
	stub.add(1, 3, "c@example.com", 3)

	w := doJSON(router, "POST", "/v1/migrate/preview", StartMigrationRequest{
		SourceAppID: 1,
		TargetAppID: 2,
		Mode:        "create",
		Mapping:     map[string]string{"email": "email"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp PreviewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Preview == nil {
		t.Fatal("expected a preview")
	}
	if resp.Preview.WouldCreate != 3 {
		t.Errorf("expected 3 predicted creates, got %d", resp.Preview.WouldCreate)
	}
	if stub.created != 0 {
		t.Errorf("preview must not write; got %d creates", stub.created)
	}
}

func TestHandlers_Ready(t *testing.T) {
	router, _, _ := setupTest(t)

	w := doJSON(router, "GET", "/v1/migrate/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !resp.Ready {
		t.Error("expected Ready=true")
	}
}

func TestHandlers_JobEvents(t *testing.T) {
	router, svc, stub := setupTest(t)
	stub.add(1, 1, "a@example.com", 1)

	w := doJSON(router, "POST", "/v1/migrate/jobs", StartMigrationRequest{
		SourceAppID: 1, TargetAppID: 2, Mode: "create",
		Mapping: map[string]string{"email": "email"},
	})
	var started JobResponse
	json.Unmarshal(w.Body.Bytes(), &started)
	waitDone(t, svc, started.Job.ID)

	w = doJSON(router, "GET", "/v1/migrate/jobs/"+started.Job.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp JobEventsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Count == 0 {
		t.Error("expected buffered events for a completed job")
	}

	w = doJSON(router, "GET", "/v1/migrate/jobs/missing/events", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d for unknown job, got %d", http.StatusNotFound, w.Code)
	}
}
