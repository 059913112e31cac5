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

const fileSelectFields = "file_id, purpose, filename, bytes, created_at, expires_at, blob_ref"

// FileStore persists metadata about uploaded and produced files (§3, §4.1).
// The file's bytes live in the Blob Store; this table only tracks the pointer.
type FileStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewFileStore creates a new FileStore.
func NewFileStore(db *surrealdb.DB, logger *common.Logger) *FileStore {
	return &FileStore{db: db, logger: logger}
}

// Create registers a new file record.
func (s *FileStore) Create(ctx context.Context, f *models.File) error {
	if f.FileID == "" {
		f.FileID = "file_" + uuid.New().String()[:12]
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		file_id = $file_id, purpose = $purpose, filename = $filename, bytes = $bytes,
		created_at = $created_at, expires_at = $expires_at, blob_ref = $blob_ref`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("file", f.FileID),
		"file_id":    f.FileID,
		"purpose":    f.Purpose,
		"filename":   f.Filename,
		"bytes":      f.Bytes,
		"created_at": f.CreatedAt,
		"expires_at": f.ExpiresAt,
		"blob_ref":   f.BlobRef,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// Get fetches a file record by ID.
func (s *FileStore) Get(ctx context.Context, fileID string) (*models.File, error) {
	sql := "SELECT " + fileSelectFields + " FROM file WHERE file_id = $id"
	vars := map[string]any{"id": fileID}

	results, err := surrealdb.Query[[]models.File](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// Delete removes a file record. The caller is responsible for deleting the
// underlying blob first so the two stay consistent.
func (s *FileStore) Delete(ctx context.Context, fileID string) error {
	sql := "DELETE $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("file", fileID)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}

// ListExpired returns files past their expires_at, for the retention sweep (§4.5).
func (s *FileStore) ListExpired(ctx context.Context, now time.Time) ([]*models.File, error) {
	sql := "SELECT " + fileSelectFields + " FROM file WHERE expires_at != NONE AND expires_at < $now"
	vars := map[string]any{"now": now}

	results, err := surrealdb.Query[[]models.File](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired files: %w", err)
	}
	var files []*models.File
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			files = append(files, &(*results)[0].Result[i])
		}
	}
	return files, nil
}
