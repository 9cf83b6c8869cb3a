package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"stripesync/internal/importer"
	"stripesync/pkg/models"
)

// Response is the JSON envelope of every API response.
type Response struct {
	Status  bool                 `json:"status"`
	Data    any                  `json:"data,omitempty"`
	Message string               `json:"message,omitempty"`
	State   models.ImportState   `json:"state,omitempty"`
	Errors  []models.ResultError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Status: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Message: msg})
}

// statusFor maps an importer failure kind to an HTTP status.
func statusFor(err error) int {
	kind := importer.Kind(err)
	switch {
	case kind == nil:
		return http.StatusInternalServerError
	case errors.Is(kind, importer.ErrNoAccountConfigured), errors.Is(kind, importer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, importer.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(kind, importer.ErrProviderError), errors.Is(kind, importer.ErrCustomerUnavailable):
		return http.StatusBadGateway
	case errors.Is(kind, importer.ErrAlreadyImported):
		return http.StatusConflict
	case errors.Is(kind, importer.ErrNotPaid),
		errors.Is(kind, importer.ErrLinesUnresolved),
		errors.Is(kind, importer.ErrNoLocalCustomerCorrelation),
		errors.Is(kind, importer.ErrLocalCustomerMissing):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
