package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/observability/logging"
	"lendcore/services/lending/engine"
	"lendcore/services/lending/journal"
	"lendcore/services/lending/signing"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, requestLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAccount(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%w: account required", errBadRequest)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: invalid account: %v", errBadRequest, err)
	}
	return addr, nil
}

// Queries.

func (s *Server) listBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.backend.Banks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]bankView, 0, len(banks))
	for _, bank := range banks {
		out = append(out, toBankView(bank))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"banks": out})
}

func (s *Server) getBank(w http.ResponseWriter, r *http.Request) {
	bank, err := s.backend.Bank(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBankView(bank))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAccount(chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	position, err := s.backend.Position(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(position))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAccount(chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	health, err := s.backend.Health(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthView(owner, health))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset := lending.NormalizeAsset(chi.URLParam(r, "asset"))
	balance, err := s.backend.Balance(r.Context(), account, asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Account: account.String(), Asset: asset, Balance: formatUint(balance)})
}

func (s *Server) getNonce(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nonce, err := s.backend.Nonce(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonceView{Account: account.String(), Nonce: formatUint(nonce)})
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, r, fmt.Errorf("journal disabled: %w", engine.ErrNotFound))
		return
	}
	query := r.URL.Query()
	after, ok := parseUintParam(query.Get("after"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: after must be an unsigned integer", errBadRequest))
		return
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = parsed
	}
	filter := journal.Filter{
		Type:          strings.TrimSpace(query.Get("type")),
		Asset:         lending.NormalizeAsset(query.Get("asset")),
		AfterSequence: after,
		Limit:         limit,
	}
	if user := strings.TrimSpace(query.Get("user")); user != "" {
		account, err := parseAccount(user)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Account = account.String()
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Signed user operations.

type signedHandler func(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller)

// signed verifies the envelope signature and routes the recovered signer to
// h. The envelope's action must match the route.
func (s *Server) signed(action string, h signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signing.SignedEnvelope
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if got := strings.ToLower(strings.TrimSpace(req.Envelope.Action)); got != action {
			s.writeError(w, r, fmt.Errorf("%w: envelope action %q does not match route %q", engine.ErrInvalidRequest, got, action))
			return
		}
		signer, err := req.Verify(s.backend.ProgramID())
		if err != nil {
			s.logger.Warn("signed request rejected", "action", action, "error", err, logging.MaskField("signature", req.Signature))
			s.writeError(w, r, err)
			return
		}
		h(w, r, req.Envelope, engine.Caller{Account: signer, Nonce: req.Envelope.Nonce})
	}
}

func (s *Server) initializeUser(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	collateral := env.CollateralAsset
	if strings.TrimSpace(collateral) == "" {
		collateral = env.Asset
	}
	position, err := s.backend.InitializeUser(r.Context(), caller, collateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionView(position))
}

type shareOperation func(ctx context.Context, caller engine.Caller, asset string, amount uint64) (uint64, error)

func (s *Server) shareOp(action string, op shareOperation, w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	result, err := op(r.Context(), caller, env.Asset, env.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := operationView{
		Action: action,
		User:   caller.Account.String(),
		Asset:  lending.NormalizeAsset(env.Asset),
		Amount: formatUint(env.Amount),
		Nonce:  formatUint(caller.Nonce),
	}
	if action == signing.ActionRepay {
		view.Repaid = formatUint(result)
	} else {
		view.Shares = formatUint(result)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	s.shareOp(signing.ActionDeposit, s.backend.Deposit, w, r, env, caller)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	s.shareOp(signing.ActionWithdraw, s.backend.Withdraw, w, r, env, caller)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	s.shareOp(signing.ActionBorrow, s.backend.Borrow, w, r, env, caller)
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	s.shareOp(signing.ActionRepay, s.backend.Repay, w, r, env, caller)
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request, env signing.Envelope, caller engine.Caller) {
	borrower, err := parseAccount(env.Borrower)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.backend.Liquidate(r.Context(), caller, borrower, lending.LiquidationRequest{
		DebtAsset:       env.Asset,
		CollateralAsset: env.CollateralAsset,
		Amount:          env.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView{
		Liquidator:      caller.Account.String(),
		Borrower:        borrower.String(),
		DebtAsset:       result.DebtAsset,
		CollateralAsset: result.CollateralAsset,
		Repaid:          formatUint(result.Repaid),
		Seized:          formatUint(result.Seized),
		Nonce:           formatUint(caller.Nonce),
	})
}

// Administrative operations.

type registerAssetRequest struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

func (s *Server) registerAsset(w http.ResponseWriter, r *http.Request) {
	var req registerAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	symbol := lending.NormalizeAsset(req.Symbol)
	if symbol == "" {
		s.writeError(w, r, fmt.Errorf("%w: symbol required", errBadRequest))
		return
	}
	if req.Decimals > lending.MaxAssetDecimals {
		s.writeError(w, r, fmt.Errorf("%w: decimals must not exceed %d", lending.ErrInvalidParameters, lending.MaxAssetDecimals))
		return
	}
	if err := s.backend.RegisterAsset(r.Context(), symbol, req.Decimals); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerAssetRequest{Symbol: symbol, Decimals: req.Decimals})
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount,string"`
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset := lending.NormalizeAsset(chi.URLParam(r, "asset"))
	if err := s.backend.Mint(r.Context(), account, asset, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.backend.Balance(r.Context(), account, asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Account: account.String(), Asset: asset, Balance: formatUint(balance)})
}

type initializeBankRequest struct {
	Asset                   string `json:"asset"`
	MaxLTVBps               uint64 `json:"maxLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
}

func (s *Server) initializeBank(w http.ResponseWriter, r *http.Request) {
	var req initializeBankRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bank, err := s.backend.InitializeBank(r.Context(), req.Asset, req.MaxLTVBps, req.LiquidationThresholdBps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBankView(bank))
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	s.backend.SetPaused(req.Paused)
	s.logger.Info("lending pause changed", "paused", req.Paused, "auth", principal.Method, logging.MaskField("subject", principal.Subject))
	writeJSON(w, http.StatusOK, pauseRequest{Paused: s.backend.Paused()})
}

type exportRequest struct {
	AfterSequence uint64 `json:"afterSequence,string"`
}

type exportResponse struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

func (s *Server) exportJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil || s.exportDir == "" {
		s.writeError(w, r, fmt.Errorf("journal export disabled: %w", engine.ErrNotFound))
		return
	}
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	path, rows, err := s.journal.ExportParquet(r.Context(), s.exportDir, req.AfterSequence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Path: path, Rows: rows})
}
