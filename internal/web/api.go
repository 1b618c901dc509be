package web

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/services/orchestrator"
	"github.com/vadiminshakov/saigon/internal/services/position"
)

const maxBodyBytes = 1 << 16

type readingJSON struct {
	Value   string      `json:"value,omitempty"`
	Display string      `json:"display,omitempty"`
	Stale   bool        `json:"stale,omitempty"`
	Code    domain.Code `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func newReadingJSON(r position.Reading, a domain.Asset) readingJSON {
	out := readingJSON{}
	if r.Available() {
		out.Value = r.Value.String()
		out.Display = r.Format(a)
		out.Stale = r.Err != nil
	}
	if r.Err != nil {
		out.Code = domain.CodeOf(r.Err)
		out.Error = r.Err.Error()
	}
	return out
}

// newRawReadingJSON renders a plain integer reading without display formatting.
func newRawReadingJSON(r position.Reading) readingJSON {
	out := newReadingJSON(r, domain.Asset{})
	out.Display = ""
	return out
}

// rates and prices are RateScale fixed point
func rateAsset(precision int32) domain.Asset {
	return domain.Asset{Symbol: "rate", Decimals: 18, DisplayPrecision: precision}
}

type viewJSON struct {
	Asset            string      `json:"asset"`
	Receipt          string      `json:"receipt,omitempty"`
	Pool             string      `json:"pool,omitempty"`
	WalletBalance    readingJSON `json:"wallet_balance"`
	StakedBalance    readingJSON `json:"staked_balance"`
	StakedUnderlying readingJSON `json:"staked_underlying"`
	Allowance        readingJSON `json:"allowance"`
	ExchangeRate     readingJSON `json:"exchange_rate"`
}

func newViewJSON(v position.View) viewJSON {
	out := viewJSON{
		Asset:            v.Asset.Symbol,
		WalletBalance:    newReadingJSON(v.WalletBalance, v.Asset),
		StakedUnderlying: newReadingJSON(v.StakedUnderlying, v.Asset),
		Allowance:        newReadingJSON(v.Allowance, v.Asset),
		ExchangeRate:     newReadingJSON(v.ExchangeRate, rateAsset(6)),
	}
	if v.Receipt != nil {
		out.Receipt = v.Receipt.Symbol
		out.Pool = v.Pool.Hex()
		out.StakedBalance = newReadingJSON(v.StakedBalance, *v.Receipt)
	} else {
		out.StakedBalance = newReadingJSON(v.StakedBalance, v.Asset)
	}
	return out
}

type vaultJSON struct {
	TokenA      string      `json:"token_a"`
	TokenB      string      `json:"token_b"`
	LP          string      `json:"lp"`
	ReserveA    readingJSON `json:"reserve_a"`
	ReserveB    readingJSON `json:"reserve_b"`
	Price       readingJSON `json:"price"`
	Shares      readingJSON `json:"shares"`
	TotalSupply readingJSON `json:"total_supply"`
	ShareA      readingJSON `json:"share_a"`
	ShareB      readingJSON `json:"share_b"`
}

type loanJSON struct {
	ID               uint64      `json:"id"`
	Collateral       string      `json:"collateral,omitempty"`
	CollateralAmount string      `json:"collateral_amount,omitempty"`
	Borrow           string      `json:"borrow,omitempty"`
	BorrowAmount     string      `json:"borrow_amount,omitempty"`
	Repayment        string      `json:"repayment,omitempty"`
	OpenedAt         time.Time   `json:"opened_at"`
	Repayable        bool        `json:"repayable"`
	Code             domain.Code `json:"code,omitempty"`
	Error            string      `json:"error,omitempty"`
}

func newLoanJSON(row domain.LoanRow) loanJSON {
	out := loanJSON{
		ID:        row.ID,
		OpenedAt:  row.OpenedAt,
		Repayable: row.Repayable(),
	}
	if row.Collateral.Symbol != "" {
		out.Collateral = row.Collateral.Symbol
		out.CollateralAmount = domain.FormatDisplay(row.CollateralAmount, row.Collateral)
	}
	if row.Borrow.Symbol != "" {
		out.Borrow = row.Borrow.Symbol
		out.BorrowAmount = domain.FormatDisplay(row.BorrowAmount, row.Borrow)
		out.Repayment = domain.FormatDisplay(row.RepaymentAmount, row.Borrow)
	}
	if row.Err != nil {
		out.Code = domain.CodeOf(row.Err)
		out.Error = row.Err.Error()
	}
	return out
}

type errorJSON struct {
	Code  domain.Code `json:"code,omitempty"`
	Error string      `json:"error"`
}

// statusFor maps a coded failure to the HTTP status shown to the caller.
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeAlreadyInFlight:
		return http.StatusConflict
	case domain.CodeInsufficientBalance, domain.CodeInsufficientAllowance, domain.CodeNotRepayable:
		return http.StatusUnprocessableEntity
	case domain.CodeUnknownAsset, domain.CodeInvalidAmount, domain.CodeDecode:
		return http.StatusBadRequest
	case domain.CodeReadFailure, domain.CodeNotConnected, domain.CodeDataUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorJSON{Code: domain.CodeOf(err), Error: err.Error()})
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.writeError(w, domain.NewError(domain.CodeNotConnected, what, "%s not available", what))
}

func (s *Server) owner() common.Address {
	if s.Actions == nil {
		return common.Address{}
	}
	return s.Actions.Owner()
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.Positions == nil {
		s.unavailable(w, "positions")
		return
	}
	views := s.Positions.Views(r.Context(), s.owner())
	out := make([]viewJSON, 0, len(views))
	for _, v := range views {
		out = append(out, newViewJSON(v))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	if s.Positions == nil {
		s.unavailable(w, "positions")
		return
	}
	v, err := s.Positions.VaultView(r.Context(), s.owner())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vaultJSON{
		TokenA:      v.TokenA.Symbol,
		TokenB:      v.TokenB.Symbol,
		LP:          v.LP.Symbol,
		ReserveA:    newReadingJSON(v.ReserveA, v.TokenA),
		ReserveB:    newReadingJSON(v.ReserveB, v.TokenB),
		Price:       newReadingJSON(v.Price, rateAsset(v.TokenB.DisplayPrecision)),
		Shares:      newReadingJSON(v.Shares, v.LP),
		TotalSupply: newReadingJSON(v.TotalSupply, v.LP),
		ShareA:      newReadingJSON(v.ShareA, v.TokenA),
		ShareB:      newReadingJSON(v.ShareB, v.TokenB),
	})
}

func (s *Server) handleLending(w http.ResponseWriter, r *http.Request) {
	if s.Positions == nil {
		s.unavailable(w, "positions")
		return
	}
	terms := s.Positions.LendingTerms(r.Context())
	out := struct {
		FeePercent string      `json:"fee_percent,omitempty"`
		Fee        readingJSON `json:"fee"`
		Basis      readingJSON `json:"basis_points"`
	}{
		FeePercent: terms.FeePercent(),
		Fee:        newRawReadingJSON(terms.Fee),
		Basis:      newRawReadingJSON(terms.BasisPoints),
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	if s.Loans == nil {
		s.unavailable(w, "loans")
		return
	}
	rows, err := s.Loans.ListActiveLoans(r.Context(), s.owner())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]loanJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, newLoanJSON(row))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	if s.Actions == nil {
		s.unavailable(w, "actions")
		return
	}
	s.writeJSON(w, http.StatusOK, s.Actions.Pending())
}

// actionBody is the request of an action trigger. Amounts are human decimal
// strings in the units of the asset they refer to.
type actionBody struct {
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	Spender       string `json:"spender,omitempty"`
	CounterAsset  string `json:"counter_asset,omitempty"`
	CounterAmount string `json:"counter_amount,omitempty"`
	LoanID        uint64 `json:"loan_id,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if s.Actions == nil {
		s.unavailable(w, "actions")
		return
	}
	kind, err := domain.ParseActionKind(r.PathValue("kind"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorJSON{Error: err.Error()})
		return
	}

	var body actionBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, domain.WrapWithCode(domain.CodeDecode, "decode request", err))
		return
	}

	req, err := s.buildRequest(kind, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pa, err := s.Actions.Execute(r.Context(), req)
	if err != nil {
		s.logger.Info("action rejected", zap.String("kind", kind.String()), zap.Error(err))
		s.writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		s.writeJSON(w, http.StatusAccepted, pa.Outcome())
		return
	}
	outcome, err := pa.Wait(r.Context())
	if err != nil && !outcome.State.Terminal() {
		// client gave up waiting, the action keeps running
		s.writeJSON(w, http.StatusAccepted, outcome)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// buildRequest resolves the amounts of body in the base units of the assets
// they are denominated in.
func (s *Server) buildRequest(kind domain.ActionKind, body actionBody) (orchestrator.Request, error) {
	req := orchestrator.Request{Kind: kind, Asset: body.Asset, CounterAsset: body.CounterAsset, LoanID: body.LoanID}

	amountSymbol, counterSymbol := body.Asset, body.CounterAsset
	switch kind {
	case domain.ActionRepay:
		return req, nil
	case domain.ActionAddLiquidity:
		amountSymbol, counterSymbol = s.Network.Vault.TokenA, s.Network.Vault.TokenB
	case domain.ActionRemoveLiquidity:
		amountSymbol = s.Network.Vault.LPToken
	case domain.ActionUnstake:
		// unstake amounts are receipt tokens whichever pool symbol is named
		spec, ok := s.Network.PoolFor(body.Asset)
		if !ok {
			return req, domain.NewError(domain.CodeUnknownAsset, "unstake", "no staking pool for %s", body.Asset)
		}
		amountSymbol = spec.Receipt
	}

	var err error
	if req.Amount, err = s.parseAmount(amountSymbol, body.Amount); err != nil {
		return req, err
	}
	if kind == domain.ActionBorrow || kind == domain.ActionAddLiquidity {
		if req.CounterAmount, err = s.parseAmount(counterSymbol, body.CounterAmount); err != nil {
			return req, err
		}
	}
	if kind == domain.ActionApprove {
		if !common.IsHexAddress(body.Spender) {
			return req, domain.NewError(domain.CodeDecode, "approve", "invalid spender %q", body.Spender)
		}
		req.Spender = common.HexToAddress(body.Spender)
	}
	return req, nil
}

func (s *Server) parseAmount(symbol, amount string) (*big.Int, error) {
	asset, err := s.Network.Assets.BySymbol(symbol)
	if err != nil {
		return nil, err
	}
	return domain.ParseAmount(amount, asset.Decimals)
}
