package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Loan mirrors a loan as reported by the lending contract. It is never
// mutated locally.
type Loan struct {
	Borrower         common.Address
	ID               uint64
	CollateralToken  common.Address
	CollateralAmount *big.Int
	BorrowToken      common.Address
	BorrowAmount     *big.Int
	OpenedAt         time.Time
	Active           bool
}

// LoanRow is a loan annotated for display. Err holds a row-level failure
// such as an unknown token or a failed repayment read.
type LoanRow struct {
	Loan
	Collateral      Asset
	Borrow          Asset
	RepaymentAmount *big.Int
	Err             error
}

// Repayable reports whether the row may be offered for repayment.
func (r LoanRow) Repayable() bool {
	return r.Active && r.Err == nil && r.RepaymentAmount != nil
}
