package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// validationError carries the stable client-visible error code (§7) for a
// batch input file rejected at upload time.
type validationError struct {
	Code    string
	Message string
	Line    int
}

func (e *validationError) Error() string { return e.Message }

type batchInputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type batchInputBody struct {
	Model    string              `json:"model"`
	Messages []batchInputMessage `json:"messages"`
}

type batchInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// validateBatchInputJSONL scans a batch_input upload line by line (§4.1):
// every line must parse as JSON and carry custom_id/method/url/body, with
// body.model and body.messages[*].{role,content}; all lines must share the
// same body.model and custom_id must be unique within the file. A single
// invalid line rejects the whole upload with the line index.
func validateBatchInputJSONL(r io.Reader) (model string, total int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	seen := make(map[string]bool)
	line := 0

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var entry batchInputLine
		if err := json.Unmarshal(raw, &entry); err != nil {
			return "", 0, &validationError{Code: "validation_error", Line: line,
				Message: fmt.Sprintf("line %d: invalid JSON: %v", line, err)}
		}
		if entry.CustomID == "" || entry.Method == "" || entry.URL == "" || len(entry.Body) == 0 {
			return "", 0, &validationError{Code: "validation_error", Line: line,
				Message: fmt.Sprintf("line %d: custom_id, method, url, and body are required", line)}
		}
		if seen[entry.CustomID] {
			return "", 0, &validationError{Code: "duplicate_custom_id", Line: line,
				Message: fmt.Sprintf("line %d: duplicate custom_id %q", line, entry.CustomID)}
		}
		seen[entry.CustomID] = true

		var body batchInputBody
		if err := json.Unmarshal(entry.Body, &body); err != nil || body.Model == "" {
			return "", 0, &validationError{Code: "validation_error", Line: line,
				Message: fmt.Sprintf("line %d: body.model is required", line)}
		}
		for i, m := range body.Messages {
			if m.Role == "" || m.Content == "" {
				return "", 0, &validationError{Code: "validation_error", Line: line,
					Message: fmt.Sprintf("line %d: messages[%d] missing role or content", line, i)}
			}
		}

		if model == "" {
			model = body.Model
		} else if model != body.Model {
			return "", 0, &validationError{Code: "model_mismatch_in_batch", Line: line,
				Message: fmt.Sprintf("line %d: model %q does not match batch model %q", line, body.Model, model)}
		}
		total++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, &validationError{Code: "validation_error", Message: err.Error()}
	}
	if total == 0 {
		return "", 0, &validationError{Code: "validation_error", Message: "file contains no input lines"}
	}
	return model, total, nil
}
