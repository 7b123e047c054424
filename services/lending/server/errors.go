package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"lendcore/core/state"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/token"
	"lendcore/services/lending/engine"
	"lendcore/services/lending/signing"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered: a transfer failure wraps the token error that caused it, so the
// specific sentinels come before ErrTransferFailed.
var errorMappings = []errorMapping{
	{lending.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{token.ErrZeroAmount, http.StatusBadRequest, "invalid_amount"},
	{lending.ErrInvalidParameters, http.StatusBadRequest, "invalid_parameters"},
	{engine.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{signing.ErrMalformed, http.StatusBadRequest, "invalid_request"},
	{errBadRequest, http.StatusBadRequest, "invalid_request"},
	{signing.ErrBadSignature, http.StatusUnauthorized, "bad_signature"},
	{lending.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{engine.ErrNotFound, http.StatusNotFound, "not_found"},
	{lending.ErrUnknownAsset, http.StatusNotFound, "unknown_asset"},
	{state.ErrTokenNotRegistered, http.StatusNotFound, "unknown_asset"},
	{lending.ErrNotInitialized, http.StatusNotFound, "not_initialized"},
	{lending.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
	{state.ErrTokenExists, http.StatusConflict, "already_initialized"},
	{engine.ErrNonceMismatch, http.StatusConflict, "nonce_mismatch"},
	{token.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{lending.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{lending.ErrExceedsMaxLTV, http.StatusUnprocessableEntity, "exceeds_max_ltv"},
	{lending.ErrNotLiquidatable, http.StatusUnprocessableEntity, "not_liquidatable"},
	{lending.ErrArithmeticOverflow, http.StatusUnprocessableEntity, "arithmetic_overflow"},
	{state.ErrBalanceOverflow, http.StatusUnprocessableEntity, "arithmetic_overflow"},
	{lending.ErrTransferFailed, http.StatusUnprocessableEntity, "transfer_failed"},
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "canceled"},
}

var errBadRequest = errors.New("bad request")

// classify maps an error to its HTTP status and stable code. Unknown errors
// are internal.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("lending request failed", "route", r.URL.Path, "error", err)
		writeJSONError(w, status, code, errors.New("internal error"))
		return
	}
	writeJSONError(w, status, code, err)
}

func writeJSONError(w http.ResponseWriter, status int, code string, err error) {
	message := http.StatusText(status)
	if err != nil {
		if trimmed := strings.TrimSpace(err.Error()); trimmed != "" {
			message = trimmed
		}
	}
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
