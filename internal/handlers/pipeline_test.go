package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

// fakeRecorder is an in-memory DeliveryRecorder for tests.
type fakeRecorder struct {
	mu        sync.Mutex
	deliveries []*models.HandlerDelivery
	succeeded  map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{succeeded: make(map[string]bool)}
}

func (f *fakeRecorder) RecordDelivery(ctx context.Context, d *models.HandlerDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	if d.Outcome == models.HandlerOutcomeOK {
		f.succeeded[d.BatchID+"/"+d.HandlerName] = true
	}
	return nil
}

func (f *fakeRecorder) HasSucceeded(ctx context.Context, batchID, handlerName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.succeeded[batchID+"/"+handlerName], nil
}

// countingHandler fails the first N calls, then succeeds. If permanent is
// set, every failure is reported as a permanent outcome instead of retryable.
type countingHandler struct {
	name      string
	failFor   int
	calls     int
	mu        sync.Mutex
	disabled  bool
	permanent bool
}

func (h *countingHandler) Name() string  { return h.name }
func (h *countingHandler) Enabled() bool { return !h.disabled }

func (h *countingHandler) Handle(ctx context.Context, job *models.BatchJob) (string, error) {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	if n <= h.failFor {
		if h.permanent {
			return models.HandlerOutcomePermanent, errors.New("handler rejected permanently")
		}
		return models.HandlerOutcomeRetryable, errors.New("handler not ready yet")
	}
	return models.HandlerOutcomeOK, nil
}

func TestPipeline_DispatchRetriesUntilSuccess(t *testing.T) {
	recorder := newFakeRecorder()
	h := &countingHandler{name: "flaky", failFor: 2}
	p := New(common.NewSilentLogger(), recorder, 5, time.Millisecond, h)

	job := &models.BatchJob{BatchID: "batch_1", Status: models.BatchStatusCompleted}
	p.Dispatch(context.Background(), job)

	if h.calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", h.calls)
	}
	ok, _ := recorder.HasSucceeded(context.Background(), "batch_1", "flaky")
	if !ok {
		t.Error("expected recorder to have a successful delivery recorded")
	}
	if len(recorder.deliveries) != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", len(recorder.deliveries))
	}
	if recorder.deliveries[len(recorder.deliveries)-1].Outcome != models.HandlerOutcomeOK {
		t.Errorf("expected final outcome %q, got %q", models.HandlerOutcomeOK, recorder.deliveries[len(recorder.deliveries)-1].Outcome)
	}
}

func TestPipeline_DispatchGivesUpAfterMaxAttempts(t *testing.T) {
	recorder := newFakeRecorder()
	h := &countingHandler{name: "always-fails", failFor: 100}
	p := New(common.NewSilentLogger(), recorder, 3, time.Millisecond, h)

	job := &models.BatchJob{BatchID: "batch_2", Status: models.BatchStatusCompleted}
	p.Dispatch(context.Background(), job)

	if h.calls != 3 {
		t.Errorf("expected exactly maxAttempts (3) calls, got %d", h.calls)
	}
	last := recorder.deliveries[len(recorder.deliveries)-1]
	if last.Outcome != models.HandlerOutcomePermanent {
		t.Errorf("expected last outcome %q, got %q", models.HandlerOutcomePermanent, last.Outcome)
	}
}

func TestPipeline_DispatchStopsImmediatelyOnPermanentOutcome(t *testing.T) {
	recorder := newFakeRecorder()
	h := &countingHandler{name: "rejected", failFor: 100, permanent: true}
	p := New(common.NewSilentLogger(), recorder, 5, time.Millisecond, h)

	job := &models.BatchJob{BatchID: "batch_perm", Status: models.BatchStatusCompleted}
	p.Dispatch(context.Background(), job)

	if h.calls != 1 {
		t.Errorf("expected a permanent outcome to stop retrying after 1 attempt, got %d calls", h.calls)
	}
	if len(recorder.deliveries) != 1 {
		t.Fatalf("expected exactly 1 recorded attempt, got %d", len(recorder.deliveries))
	}
	if recorder.deliveries[0].Outcome != models.HandlerOutcomePermanent {
		t.Errorf("expected recorded outcome %q, got %q", models.HandlerOutcomePermanent, recorder.deliveries[0].Outcome)
	}
}

func TestPipeline_DispatchSkipsDisabledHandlers(t *testing.T) {
	recorder := newFakeRecorder()
	h := &countingHandler{name: "off", disabled: true}
	p := New(common.NewSilentLogger(), recorder, 3, time.Millisecond, h)

	p.Dispatch(context.Background(), &models.BatchJob{BatchID: "batch_3"})

	if h.calls != 0 {
		t.Errorf("expected disabled handler to never be called, got %d calls", h.calls)
	}
}

func TestPipeline_DispatchSkipsAlreadySucceededHandler(t *testing.T) {
	recorder := newFakeRecorder()
	recorder.succeeded["batch_4/log"] = true
	h := &countingHandler{name: "log"}
	p := New(common.NewSilentLogger(), recorder, 3, time.Millisecond, h)

	p.Dispatch(context.Background(), &models.BatchJob{BatchID: "batch_4"})

	if h.calls != 0 {
		t.Errorf("expected handler with a prior success to be skipped, got %d calls", h.calls)
	}
}

func TestPipeline_DispatchRunsHandlersInRegistrationOrder(t *testing.T) {
	recorder := newFakeRecorder()
	var order []string
	var mu sync.Mutex
	mk := func(name string) *orderHandler {
		return &orderHandler{name: name, record: func(n string) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}}
	}
	h1, h2 := mk("log"), mk("webhook")
	p := New(common.NewSilentLogger(), recorder, 1, time.Millisecond, h1, h2)

	p.Dispatch(context.Background(), &models.BatchJob{BatchID: "batch_5"})

	if len(order) != 2 || order[0] != "log" || order[1] != "webhook" {
		t.Errorf("expected handlers to run in registration order, got %v", order)
	}
}

type orderHandler struct {
	name   string
	record func(string)
}

func (h *orderHandler) Name() string  { return h.name }
func (h *orderHandler) Enabled() bool { return true }
func (h *orderHandler) Handle(ctx context.Context, job *models.BatchJob) (string, error) {
	h.record(h.name)
	return models.HandlerOutcomeOK, nil
}

func TestBackoffDelay_GrowsWithAttempt(t *testing.T) {
	base := 10 * time.Millisecond
	d1 := backoffDelay(base, 1)
	d3 := backoffDelay(base, 3)

	if d1 <= 0 {
		t.Fatal("expected positive backoff delay")
	}
	// attempt 3 should be roughly 4x attempt 1's base (2^2), even accounting
	// for the +/-20% jitter on each side.
	if d3 < d1 {
		t.Errorf("expected backoff to grow with attempt, got d1=%v d3=%v", d1, d3)
	}
}
