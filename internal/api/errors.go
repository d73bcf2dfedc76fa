package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var codeStatus = map[string]int{
	"not_found":           http.StatusNotFound,
	"queue_empty":         http.StatusNotFound,
	"invalid_input":       http.StatusBadRequest,
	"not_participant":     http.StatusForbidden,
	"conversation_closed": http.StatusConflict,
	"slot_conflict":       http.StatusConflict,
	"stale_call_signal":   http.StatusConflict,
	"invalid_transition":  http.StatusConflict,
	"capacity_exceeded":   http.StatusTooManyRequests,
	"unavailable":         http.StatusServiceUnavailable,
}

// errorStatus maps domain errors to a status and a stable code
func errorStatus(err error) (int, string) {
	code := types.ErrorCode(err)
	if status, ok := codeStatus[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

// writeError translates err into a JSON error response
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if errors.Is(err, types.ErrStaleCallSignal) {
		metrics.Get().RecordStaleCallSignal()
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		logger.Debug().Err(err).Str("code", code).Msg("request rejected")
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// badRequest responds 400 with an invalid_input code
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_input"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
