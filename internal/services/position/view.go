package position

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/domain"
)

// Reading is one figure of a view: a value, or the reason it is unavailable.
// A failed refresh may keep the last good Value alongside Err.
type Reading struct {
	Value      *big.Int
	Err        error
	ObservedAt time.Time
}

// Available reports whether the reading holds a value.
func (r Reading) Available() bool {
	return r.Value != nil
}

// Fresh reports whether the value comes from a read that succeeded.
func (r Reading) Fresh() bool {
	return r.Value != nil && r.Err == nil
}

// Format renders the value with the asset precision, or "" when unavailable.
func (r Reading) Format(a domain.Asset) string {
	return domain.FormatDisplay(r.Value, a)
}

func unavailable(format string, args ...any) Reading {
	return Reading{Err: domain.NewError(domain.CodeDataUnavailable, "view", format, args...)}
}

// ValueReading wraps a chain read result.
func ValueReading(v *big.Int, err error, at time.Time) Reading {
	if err != nil {
		return Reading{Err: err, ObservedAt: at}
	}
	if v == nil {
		return unavailable("empty read")
	}
	return Reading{Value: v, ObservedAt: at}
}

// StateReading turns a tracker state into a reading. A state that never
// loaded is unavailable, never zero.
func StateReading(s domain.BalanceState) Reading {
	if !s.Loaded {
		if s.Err != nil {
			return Reading{Err: s.Err}
		}
		return unavailable("balance not loaded yet")
	}
	return Reading{Value: s.Snapshot.Amount, Err: s.Err, ObservedAt: s.Snapshot.ObservedAt}
}

// Inputs are the latest observations a view is computed from.
type Inputs struct {
	Owner     common.Address
	Asset     domain.Asset
	Receipt   *domain.Asset
	Pool      common.Address
	Wallet    domain.BalanceState
	Staked    domain.BalanceState
	Allowance Reading
	Rate      Reading
}

// View is the per-asset view model: wallet balance, staked receipt balance,
// its underlying equivalent, the allowance granted to the pool and the pool
// exchange rate.
type View struct {
	Owner            common.Address
	Asset            domain.Asset
	Receipt          *domain.Asset
	Pool             common.Address
	WalletBalance    Reading
	StakedBalance    Reading
	StakedUnderlying Reading
	Allowance        Reading
	ExchangeRate     Reading
}

// ComputeView combines inputs into a view. It performs no reads.
func ComputeView(in Inputs) View {
	v := View{
		Owner:         in.Owner,
		Asset:         in.Asset,
		Receipt:       in.Receipt,
		Pool:          in.Pool,
		WalletBalance: StateReading(in.Wallet),
		Allowance:     in.Allowance,
		ExchangeRate:  in.Rate,
	}

	if in.Receipt == nil {
		v.StakedBalance = unavailable("%s has no staking pool", in.Asset.Symbol)
		v.StakedUnderlying = v.StakedBalance
		v.Allowance = v.StakedBalance
		v.ExchangeRate = v.StakedBalance
		return v
	}

	v.StakedBalance = StateReading(in.Staked)
	switch {
	case !v.StakedBalance.Available():
		v.StakedUnderlying = Reading{Err: v.StakedBalance.Err}
	case !v.ExchangeRate.Fresh():
		v.StakedUnderlying = Reading{Err: v.ExchangeRate.Err}
		if v.StakedUnderlying.Err == nil {
			v.StakedUnderlying = unavailable("exchange rate unavailable")
		}
	default:
		v.StakedUnderlying = Reading{
			Value:      domain.ApplyRate(v.StakedBalance.Value, v.ExchangeRate.Value),
			Err:        v.StakedBalance.Err,
			ObservedAt: v.StakedBalance.ObservedAt,
		}
	}
	return v
}

// NeedsApproval decides from the view whether staking requested needs an
// approve first. It fails when the allowance is unknown.
func (v View) NeedsApproval(requested *big.Int) (bool, error) {
	if !v.Allowance.Available() {
		if v.Allowance.Err != nil {
			return false, v.Allowance.Err
		}
		return false, domain.NewError(domain.CodeDataUnavailable, "needs approval", "allowance unavailable")
	}
	return domain.NeedsApproval(v.Allowance.Value, requested), nil
}

// VaultView describes the liquidity vault and the owner's share of it.
type VaultView struct {
	TokenA      domain.Asset
	TokenB      domain.Asset
	LP          domain.Asset
	ReserveA    Reading
	ReserveB    Reading
	Price       Reading
	Shares      Reading
	TotalSupply Reading
	ShareA      Reading
	ShareB      Reading
}

// LendingTerms are the lending contract parameters.
type LendingTerms struct {
	Fee         Reading
	BasisPoints Reading
}

// FeePercent renders the fee as a percentage, or "" when unavailable.
func (t LendingTerms) FeePercent() string {
	if !t.Fee.Fresh() || !t.BasisPoints.Fresh() || t.BasisPoints.Value.Sign() == 0 {
		return ""
	}
	// fee/basis*100 with two decimals
	scaled := new(big.Int).Mul(t.Fee.Value, big.NewInt(10000))
	scaled.Quo(scaled, t.BasisPoints.Value)
	return domain.FormatAmount(scaled, 2)
}
