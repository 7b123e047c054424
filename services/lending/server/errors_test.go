package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/token"
	"lendcore/services/lending/engine"
	"lendcore/services/lending/signing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid amount", lending.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{"malformed envelope", signing.ErrMalformed, http.StatusBadRequest, "invalid_request"},
		{"bad signature", signing.ErrBadSignature, http.StatusUnauthorized, "bad_signature"},
		{"unknown asset", lending.ErrUnknownAsset, http.StatusNotFound, "unknown_asset"},
		{"not initialized", lending.ErrNotInitialized, http.StatusNotFound, "not_initialized"},
		{"already initialized", lending.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
		{"nonce", engine.ErrNonceMismatch, http.StatusConflict, "nonce_mismatch"},
		{"insufficient funds", lending.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"ltv", lending.ErrExceedsMaxLTV, http.StatusUnprocessableEntity, "exceeds_max_ltv"},
		{"healthy", lending.ErrNotLiquidatable, http.StatusUnprocessableEntity, "not_liquidatable"},
		{
			"transfer wraps balance",
			fmt.Errorf("%w: %w", lending.ErrTransferFailed, token.ErrInsufficientBalance),
			http.StatusUnprocessableEntity,
			"insufficient_balance",
		},
		{"paused", nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, code := classify(fmt.Errorf("wrap: %w", tc.err))
			if status != tc.status || code != tc.code {
				t.Fatalf("classify(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}
