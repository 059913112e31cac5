package server

import (
	"context"
	"testing"

	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

type fakeBatchLister struct {
	jobs []*models.BatchJob
}

func (f *fakeBatchLister) List(ctx context.Context, limit int) ([]*models.BatchJob, error) {
	return f.jobs, nil
}

func TestQueueBroadcaster_SkipsPollWithNoClients(t *testing.T) {
	hub := NewJobWSHub(common.NewSilentLogger())
	lister := &fakeBatchLister{jobs: []*models.BatchJob{{BatchID: "batch_1", Status: models.BatchStatusInProgress}}}
	b := NewQueueBroadcaster(lister, hub, common.NewSilentLogger())

	b.poll(context.Background())

	if len(b.lastStatus) != 0 {
		t.Errorf("expected no status tracked with zero clients, got %d", len(b.lastStatus))
	}
}

func TestEventTypeForStatus(t *testing.T) {
	cases := []struct {
		status   string
		known    bool
		expected string
	}{
		{models.BatchStatusInProgress, false, "batch_created"},
		{models.BatchStatusInProgress, true, "batch_progress"},
		{models.BatchStatusCompleted, true, "batch_completed"},
		{models.BatchStatusFailed, true, "batch_failed"},
		{models.BatchStatusCancelled, true, "batch_cancelled"},
	}
	for _, c := range cases {
		if got := eventTypeForStatus(c.status, c.known); got != c.expected {
			t.Errorf("eventTypeForStatus(%q, %v) = %q, want %q", c.status, c.known, got, c.expected)
		}
	}
}
