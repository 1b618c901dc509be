package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceSnapshot is one observation of an owner's balance of an asset.
type BalanceSnapshot struct {
	Owner      common.Address
	Asset      string
	Amount     *big.Int
	ObservedAt time.Time
}

// NewBalanceSnapshot validates the amount and builds a snapshot.
func NewBalanceSnapshot(owner common.Address, asset string, amount *big.Int, observedAt time.Time) (BalanceSnapshot, error) {
	if amount == nil {
		return BalanceSnapshot{}, NewError(CodeDecode, "balance snapshot", "nil amount for %s", asset)
	}
	if amount.Sign() < 0 {
		return BalanceSnapshot{}, NewError(CodeDecode, "balance snapshot", "negative amount %s for %s", amount, asset)
	}
	return BalanceSnapshot{
		Owner:      owner,
		Asset:      asset,
		Amount:     new(big.Int).Set(amount),
		ObservedAt: observedAt,
	}, nil
}

// BalanceState is what a tracker knows about one (owner, asset) pair.
// Loaded == false is the "no data yet" placeholder; Err is the transient
// read error flag and leaves the last good Snapshot in place.
type BalanceState struct {
	Snapshot BalanceSnapshot
	Loaded   bool
	Err      error
	Seq      uint64
}

// Amount returns the last good amount, or nil when nothing was loaded yet.
func (s BalanceState) Amount() *big.Int {
	if !s.Loaded {
		return nil
	}
	return s.Snapshot.Amount
}

// Allowance is the amount owner allowed spender to move.
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Asset   string
	Amount  *big.Int
}

// StakingPosition is an owner's receipt balance in a pool with the pool-wide rate.
type StakingPosition struct {
	Owner        common.Address
	Pool         common.Address
	Receipt      *big.Int
	ExchangeRate *big.Int
}

// Underlying is the receipt balance converted at the exchange rate.
func (p StakingPosition) Underlying() *big.Int {
	return ApplyRate(p.Receipt, p.ExchangeRate)
}

// BalanceRecord is the persisted form of a snapshot. Amounts are strings so
// web consumers never go through floats.
type BalanceRecord struct {
	Timestamp time.Time `json:"ts"`
	Owner     string    `json:"owner"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Display   string    `json:"display"`
}

// NewBalanceRecord converts a snapshot for persistence.
func NewBalanceRecord(s BalanceSnapshot, a Asset) BalanceRecord {
	return BalanceRecord{
		Timestamp: s.ObservedAt,
		Owner:     s.Owner.Hex(),
		Asset:     s.Asset,
		Amount:    s.Amount.String(),
		Display:   FormatDisplay(s.Amount, a),
	}
}

// BalanceRecordEntry bundles a persisted record with its log index.
type BalanceRecordEntry struct {
	Index  uint64
	Record BalanceRecord
}
