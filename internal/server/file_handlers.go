package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/batchllm/internal/models"
	"github.com/ternarybob/batchllm/internal/storage"
)

const maxUploadBytes = 200 << 20 // 200MB cap on a single batch input file

type fileResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

func fileToResponse(f *models.File) fileResponse {
	return fileResponse{
		ID:        f.FileID,
		Object:    "file",
		Bytes:     f.Bytes,
		CreatedAt: f.CreatedAt.Unix(),
		Filename:  f.Filename,
		Purpose:   f.Purpose,
	}
}

// handleUploadFile implements POST /v1/files (§6.1): streams a multipart
// upload to the Blob Store, validating batch_input JSONL before it is
// persisted so a malformed file never reaches a worker.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit", "too_large")
		return
	}

	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = models.PurposeBatchInput
	}

	uploaded, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, "multipart field \"file\" is required", "validation_error")
		return
	}
	defer uploaded.Close()

	data, err := io.ReadAll(uploaded)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, "failed to read upload", "validation_error")
		return
	}

	if purpose == models.PurposeBatchInput {
		if _, _, verr := validateBatchInputJSONL(bytes.NewReader(data)); verr != nil {
			ve, _ := verr.(*validationError)
			code := "validation_error"
			if ve != nil {
				code = ve.Code
			}
			WriteErrorWithCode(w, http.StatusBadRequest, verr.Error(), code)
			return
		}
	}

	ctx := r.Context()
	key := storage.ContentKey(purpose, data, ".jsonl")
	if err := s.app.Blob.Put(ctx, key, data); err != nil {
		s.logger.Error().Err(err).Msg("failed to store uploaded file")
		WriteError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	f := &models.File{
		Purpose:  purpose,
		Filename: header.Filename,
		Bytes:    int64(len(data)),
		BlobRef:  key,
	}
	if err := s.app.Files.Create(ctx, f); err != nil {
		s.logger.Error().Err(err).Msg("failed to record file")
		WriteError(w, http.StatusInternalServerError, "failed to record file")
		return
	}

	WriteJSON(w, http.StatusOK, fileToResponse(f))
}

// routeFiles dispatches /v1/files/{file_id} and /v1/files/{file_id}/content.
func (s *Server) routeFiles(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	if rest == "" || rest == r.URL.Path {
		WriteErrorWithCode(w, http.StatusNotFound, "file not found", "not_found")
		return
	}

	if fileID, ok := strings.CutSuffix(rest, "/content"); ok {
		s.handleFileContent(w, r, fileID)
		return
	}

	fileID := rest
	switch r.Method {
	case http.MethodGet:
		s.handleGetFile(w, r, fileID)
	case http.MethodDelete:
		s.handleDeleteFile(w, r, fileID)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGetFile implements GET /v1/files/{file_id}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, fileID string) {
	f, err := s.app.Files.Get(r.Context(), fileID)
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to get file")
		WriteError(w, http.StatusInternalServerError, "failed to get file")
		return
	}
	if f == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "file not found", "not_found")
		return
	}
	WriteJSON(w, http.StatusOK, fileToResponse(f))
}

// handleFileContent implements GET /v1/files/{file_id}/content: streams the
// referenced blob unchanged.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request, fileID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	f, err := s.app.Files.Get(ctx, fileID)
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to get file")
		WriteError(w, http.StatusInternalServerError, "failed to get file")
		return
	}
	if f == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "file not found", "not_found")
		return
	}

	reader, err := s.app.Blob.GetReader(ctx, f.BlobRef)
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to read blob")
		WriteError(w, http.StatusInternalServerError, "failed to read file content")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(f.Bytes, 10))
	io.Copy(w, reader)
}

// handleDeleteFile implements DELETE /v1/files/{file_id}. Refused if any
// non-terminal job still references the file (§4.1 referential integrity).
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, fileID string) {
	ctx := r.Context()
	f, err := s.app.Files.Get(ctx, fileID)
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to get file")
		WriteError(w, http.StatusInternalServerError, "failed to get file")
		return
	}
	if f == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "file not found", "not_found")
		return
	}

	if inUse, err := s.fileInUse(ctx, fileID); err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to check file usage")
		WriteError(w, http.StatusInternalServerError, "failed to check file usage")
		return
	} else if inUse {
		WriteErrorWithCode(w, http.StatusConflict, "file is referenced by a non-terminal batch", "file_in_use")
		return
	}

	if err := s.app.Blob.Delete(ctx, f.BlobRef); err != nil {
		s.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to delete blob, removing record anyway")
	}
	if err := s.app.Files.Delete(ctx, fileID); err != nil {
		s.logger.Error().Err(err).Str("file_id", fileID).Msg("failed to delete file record")
		WriteError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"id": fileID, "deleted": true})
}

// fileInUse reports whether any non-terminal batch references fileID as its
// input, output, or error file.
func (s *Server) fileInUse(ctx context.Context, fileID string) (bool, error) {
	for _, status := range []string{
		models.BatchStatusValidating, models.BatchStatusInProgress,
		models.BatchStatusFinalizing, models.BatchStatusCancelling,
	} {
		jobs, err := s.app.Batches.ListByStatus(ctx, status, 10000)
		if err != nil {
			return false, err
		}
		for _, job := range jobs {
			if job.InputFileID == fileID {
				return true, nil
			}
			if job.OutputFileID != nil && *job.OutputFileID == fileID {
				return true, nil
			}
			if job.ErrorFileID != nil && *job.ErrorFileID == fileID {
				return true, nil
			}
		}
	}
	return false, nil
}
