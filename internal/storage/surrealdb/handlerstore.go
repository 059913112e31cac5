package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

const handlerDeliverySelectFields = "batch_id, handler_name, attempt, outcome, attempted_at, response_code"

// HandlerStore audits result-handler delivery attempts (§4.4 expanded, testable
// property R3/R4) so at-least-once delivery can be verified after the fact.
type HandlerStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewHandlerStore creates a new HandlerStore.
func NewHandlerStore(db *surrealdb.DB, logger *common.Logger) *HandlerStore {
	return &HandlerStore{db: db, logger: logger}
}

// RecordDelivery appends one delivery-attempt row. Rows are never updated in
// place — the full attempt history is kept for audit.
func (s *HandlerStore) RecordDelivery(ctx context.Context, d *models.HandlerDelivery) error {
	if d.AttemptedAt.IsZero() {
		d.AttemptedAt = time.Now()
	}
	rid := d.BatchID + "_" + d.HandlerName + "_" + uuid.New().String()[:8]

	sql := `CREATE $rid SET
		batch_id = $batch_id, handler_name = $handler_name, attempt = $attempt,
		outcome = $outcome, attempted_at = $attempted_at, response_code = $response_code`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID("handler_delivery", rid),
		"batch_id":      d.BatchID,
		"handler_name":  d.HandlerName,
		"attempt":       d.Attempt,
		"outcome":       d.Outcome,
		"attempted_at":  d.AttemptedAt,
		"response_code": d.ResponseCode,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record handler delivery: %w", err)
	}
	return nil
}

// ListByBatch returns every delivery attempt recorded for a batch, oldest
// attempted_at first, across all handlers.
func (s *HandlerStore) ListByBatch(ctx context.Context, batchID string) ([]*models.HandlerDelivery, error) {
	sql := "SELECT " + handlerDeliverySelectFields + " FROM handler_delivery WHERE batch_id = $batch_id ORDER BY attempted_at ASC"
	vars := map[string]any{"batch_id": batchID}

	results, err := surrealdb.Query[[]models.HandlerDelivery](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list handler deliveries: %w", err)
	}
	var out []*models.HandlerDelivery
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

// HasSucceeded reports whether handlerName has already recorded an "ok"
// outcome for batchID, so redelivery on restart can be skipped (R3).
func (s *HandlerStore) HasSucceeded(ctx context.Context, batchID, handlerName string) (bool, error) {
	sql := `SELECT count() AS cnt FROM handler_delivery
		WHERE batch_id = $batch_id AND handler_name = $handler_name AND outcome = $ok GROUP ALL`
	vars := map[string]any{"batch_id": batchID, "handler_name": handlerName, "ok": models.HandlerOutcomeOK}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to check handler delivery: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt > 0, nil
	}
	return false, nil
}
