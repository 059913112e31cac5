package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/ternarybob/batchllm/internal/common"
)

// tables lists every table the Job Store owns. SurrealDB v3 errors on
// querying a table that has never been defined, so Connect defines all of
// them up front regardless of which stores the caller ends up using.
var tables = []string{
	"batch_job",
	"file",
	"failed_request",
	"worker_heartbeat",
	"system_status",
	"handler_delivery",
}

// Connect opens a SurrealDB connection, signs in, selects the configured
// namespace/database, and ensures the Job Store's tables and indexes exist
// (§4.2). Mirrors the connect-signin-use sequence of a conventional
// SurrealDB-backed storage layer.
func Connect(ctx context.Context, cfg *common.JobStoreConfig, logger *common.Logger) (*surrealdb.DB, error) {
	db, err := surrealdb.New(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	// Dequeue ordering index (§4.3 priority desc, created_at asc) and the
	// point lookups the handler pipeline and worker heartbeat sweep rely on.
	indexes := []string{
		"DEFINE INDEX IF NOT EXISTS batch_dequeue_idx ON batch_job FIELDS status, priority, created_at",
		"DEFINE INDEX IF NOT EXISTS failed_request_batch_idx ON failed_request FIELDS batch_id",
		"DEFINE INDEX IF NOT EXISTS handler_delivery_batch_idx ON handler_delivery FIELDS batch_id, handler_name",
		"DEFINE INDEX IF NOT EXISTS worker_heartbeat_last_seen_idx ON worker_heartbeat FIELDS last_seen",
	}
	for _, sql := range indexes {
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define index: %w", err)
		}
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).
		Msg("job store connected")

	return db, nil
}
