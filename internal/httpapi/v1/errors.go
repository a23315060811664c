package v1

import (
	"errors"
	"net/http"

	"github.com/centbook/centbook/internal/errs"
)

// errorResponse is the standard error payload for the API.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	toJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) { writeErr(w, http.StatusBadRequest, msg, "") }

// writeServiceErr maps domain sentinels onto HTTP statuses and stable codes.
func writeServiceErr(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, errs.ErrInvalidAmount):
		writeErr(w, http.StatusUnprocessableEntity, msg, "invalid_amount")
	case errors.Is(err, errs.ErrAmountTooLarge):
		writeErr(w, http.StatusUnprocessableEntity, msg, "amount_too_large")
	case errors.Is(err, errs.ErrSameAccount):
		writeErr(w, http.StatusUnprocessableEntity, msg, "same_account")
	case errors.Is(err, errs.ErrDateOutOfRange):
		writeErr(w, http.StatusUnprocessableEntity, msg, "date_out_of_range")
	case errors.Is(err, errs.ErrDuplicateName):
		writeErr(w, http.StatusConflict, msg, "duplicate_name")
	case errors.Is(err, errs.ErrRetracted):
		writeErr(w, http.StatusConflict, msg, "retracted")
	case errors.Is(err, errs.ErrClaimed), errors.Is(err, errs.ErrConflict):
		writeErr(w, http.StatusConflict, msg, "conflict")
	case errors.Is(err, errs.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", "not_found")
	case errors.Is(err, errs.ErrInvalid):
		writeErr(w, http.StatusBadRequest, msg, "validation_error")
	case errors.Is(err, errs.ErrConsistency):
		writeErr(w, http.StatusInternalServerError, msg, "consistency_error")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error", "")
	}
}
