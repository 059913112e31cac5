package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

const failedRequestSelectFields = "batch_id, custom_id, request_index, error_kind, error_message, attempt_count, last_attempt_at"

// FailedRequestStore records per-line dead-letters for a batch (§3, §6.1
// errors-file generation).
type FailedRequestStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewFailedRequestStore creates a new FailedRequestStore.
func NewFailedRequestStore(db *surrealdb.DB, logger *common.Logger) *FailedRequestStore {
	return &FailedRequestStore{db: db, logger: logger}
}

// Record upserts a failed-request row keyed by (batch_id, custom_id), bumping
// attempt_count on repeat failures of the same line.
func (s *FailedRequestStore) Record(ctx context.Context, fr *models.FailedRequest) error {
	if fr.LastAttemptAt.IsZero() {
		fr.LastAttemptAt = time.Now()
	}
	rid := fr.BatchID + "_" + fr.CustomID

	sql := `UPSERT $rid SET
		batch_id = $batch_id, custom_id = $custom_id, request_index = $request_index,
		error_kind = $error_kind, error_message = $error_message,
		attempt_count = attempt_count + 1, last_attempt_at = $now`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID("failed_request", rid),
		"batch_id":      fr.BatchID,
		"custom_id":     fr.CustomID,
		"request_index": fr.RequestIndex,
		"error_kind":    fr.ErrorKind,
		"error_message": fr.ErrorMessage,
		"now":           fr.LastAttemptAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record failed request: %w", err)
	}
	return nil
}

// ListByBatch returns all dead-lettered lines for a batch, ordered by request_index,
// used to build the batch_errors output file.
func (s *FailedRequestStore) ListByBatch(ctx context.Context, batchID string) ([]*models.FailedRequest, error) {
	sql := "SELECT " + failedRequestSelectFields + " FROM failed_request WHERE batch_id = $batch_id ORDER BY request_index ASC"
	vars := map[string]any{"batch_id": batchID}

	results, err := surrealdb.Query[[]models.FailedRequest](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed requests: %w", err)
	}
	var out []*models.FailedRequest
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}
