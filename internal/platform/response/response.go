// Package response writes the management API's JSON envelope. Every body
// is `{success, data?, error?, meta?}`; failures carry the engine's error
// taxonomy code and detail map so callers never parse messages.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/pranaflow/prana/internal/shared/errs"
)

// Envelope is the wire shape of every management API response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo mirrors errs.Error on the wire.
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta carries list pagination.
type Meta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

func write(w http.ResponseWriter, statusCode int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(env)
}

// JSON sends data in a success envelope under the given status.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Envelope{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	})
}

// OK sends a 200 success envelope.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Created sends a 201 success envelope.
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// NoContent sends 204 with an empty body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Paginated sends a 200 success envelope with page metadata.
func Paginated(w http.ResponseWriter, data interface{}, page, limit int, total int64) {
	totalPages := int(total) / limit
	if int(total)%limit > 0 {
		totalPages++
	}
	write(w, http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta: &Meta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

// Err sends an error envelope. A *errs.Error anywhere in the chain
// contributes its taxonomy code and detail map; plain errors fall back to
// the default action_error code.
func Err(w http.ResponseWriter, statusCode int, err error) {
	e := errs.Wrap(errs.CodeOf(err), err)
	write(w, statusCode, Envelope{
		Success: false,
		Error: &ErrorInfo{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
		},
	})
}

// ErrorWithMessage sends an error envelope built from a literal code and
// message, for failures that never pass through the errs taxonomy.
func ErrorWithMessage(w http.ResponseWriter, statusCode int, code, message string) {
	write(w, statusCode, Envelope{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}
