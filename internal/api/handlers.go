package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"stripesync/internal/importer"
	"stripesync/internal/source"
)

type importRequest struct {
	MarkPaid      bool   `json:"mark_paid"`
	PaymentMethod string `json:"payment_method"`
}

type linkRequest struct {
	LocalCustomerID string `json:"local_customer_id"`
}

func accountIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid account index %q", chi.URLParam(r, "index"))
	}
	return idx, nil
}

// parseTime accepts unix seconds, RFC 3339 or a plain date.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func listQuery(r *http.Request) (source.ListQuery, error) {
	var q source.ListQuery
	var err error

	values := r.URL.Query()
	if q.Start, err = parseTime(values.Get("start")); err != nil {
		return q, fmt.Errorf("invalid start %q", values.Get("start"))
	}
	if q.End, err = parseTime(values.Get("end")); err != nil {
		return q, fmt.Errorf("invalid end %q", values.Get("end"))
	}
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
	}
	return q, nil
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	idx, err := accountIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.importer.ListUnprocessed(r.Context(), idx, q)
	if err != nil {
		resp := Response{Message: err.Error()}
		if result != nil {
			resp.Data = result
			resp.Errors = result.Errors
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: true, Data: result, Errors: result.Errors})
}

func (s *Server) importInvoice(w http.ResponseWriter, r *http.Request) {
	idx, err := accountIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)

	result, err := s.importer.ImportInvoice(r.Context(), chi.URLParam(r, "id"), idx, importer.Options{
		MarkPaid:      req.MarkPaid,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		resp := Response{Message: err.Error(), Data: result}
		if result != nil {
			resp.State = result.State
			resp.Errors = result.Errors
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: true, Data: result, State: result.State})
}

func (s *Server) linkCustomer(w http.ResponseWriter, r *http.Request) {
	idx, err := accountIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.LocalCustomerID) == "" {
		writeError(w, http.StatusBadRequest, "local_customer_id is required")
		return
	}

	customerID := chi.URLParam(r, "id")
	if err := s.importer.LinkCustomer(r.Context(), customerID, idx, req.LocalCustomerID); err != nil {
		writeJSON(w, statusFor(err), Response{Message: err.Error()})
		return
	}
	writeData(w, map[string]string{
		"external_customer_id": customerID,
		"local_customer_id":    req.LocalCustomerID,
	})
}
