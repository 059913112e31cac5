package surrealdb

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/batchllm/internal/models"
)

func TestBatchStore_CreateAndGet(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	job := &models.BatchJob{
		InputFileID:      "file_abc",
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
		Model:            "gemini-2.0-flash",
		Priority:         0,
		TotalRequests:    10,
		ExpiresAt:        time.Now().Add(24 * time.Hour),
	}

	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.BatchID == "" {
		t.Fatal("expected batch ID to be set")
	}
	if job.Status != models.BatchStatusValidating {
		t.Errorf("expected status validating, got %s", job.Status)
	}

	got, err := store.Get(ctx, job.BatchID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected batch job, got nil")
	}
	if got.TotalRequests != 10 {
		t.Errorf("expected 10 total requests, got %d", got.TotalRequests)
	}
}

func TestBatchStore_Dequeue_PriorityOrdering(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	low := &models.BatchJob{InputFileID: "f1", Endpoint: "/v1/chat/completions", Model: "m", Priority: 0, TotalRequests: 1, ExpiresAt: time.Now().Add(time.Hour)}
	high := &models.BatchJob{InputFileID: "f2", Endpoint: "/v1/chat/completions", Model: "m", Priority: 1, TotalRequests: 1, ExpiresAt: time.Now().Add(time.Hour)}
	store.Create(ctx, low)
	store.Create(ctx, high)

	got, err := store.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a batch")
	}
	if got.BatchID != high.BatchID {
		t.Errorf("expected high-priority batch first, got %s", got.BatchID)
	}
	if got.Status != models.BatchStatusInProgress {
		t.Errorf("expected status in_progress after dequeue, got %s", got.Status)
	}
}

func TestBatchStore_Dequeue_EmptyQueue(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	got, err := store.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue on empty queue failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil from empty queue, got %v", got)
	}
}

func TestBatchStore_UpdateProgressAndFinalize(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	job := &models.BatchJob{InputFileID: "f1", Endpoint: "/v1/chat/completions", Model: "m", TotalRequests: 5, ExpiresAt: time.Now().Add(time.Hour)}
	store.Create(ctx, job)
	store.Dequeue(ctx, "worker-1")

	if err := store.UpdateProgress(ctx, job.BatchID, 3, 1, 1500, 42.5); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	got, _ := store.Get(ctx, job.BatchID)
	if got.CompletedRequests != 3 || got.FailedRequests != 1 {
		t.Errorf("expected 3 completed/1 failed, got %d/%d", got.CompletedRequests, got.FailedRequests)
	}

	outputID := "file_out"
	if err := store.Finalize(ctx, job.BatchID, models.BatchStatusCompleted, &outputID, nil, "", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, _ = store.Get(ctx, job.BatchID)
	if got.Status != models.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestBatchStore_RequestCancel(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	job := &models.BatchJob{InputFileID: "f1", Endpoint: "/v1/chat/completions", Model: "m", TotalRequests: 5, ExpiresAt: time.Now().Add(time.Hour)}
	store.Create(ctx, job)

	if err := store.RequestCancel(ctx, job.BatchID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	got, _ := store.Get(ctx, job.BatchID)
	if got.Status != models.BatchStatusCancelling {
		t.Errorf("expected cancelling, got %s", got.Status)
	}
}

func TestBatchStore_CountByStatus(t *testing.T) {
	db := testDB(t)
	store := NewBatchStore(db, testLogger())
	ctx := context.Background()

	store.Create(ctx, &models.BatchJob{InputFileID: "f1", Endpoint: "/v1/chat/completions", Model: "m", TotalRequests: 1, ExpiresAt: time.Now().Add(time.Hour)})
	store.Create(ctx, &models.BatchJob{InputFileID: "f2", Endpoint: "/v1/chat/completions", Model: "m", TotalRequests: 1, ExpiresAt: time.Now().Add(time.Hour)})

	n, err := store.CountByStatus(ctx, models.BatchStatusValidating)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 validating batches, got %d", n)
	}
}
