package contracts

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/domain"
)

// LoanTuple is the getLoan return value. Field names follow the abi package
// naming of the tuple components so decoded tuples convert into it.
type LoanTuple struct {
	Borrower         common.Address
	CollateralToken  common.Address
	CollateralAmount *big.Int
	BorrowToken      common.Address
	BorrowAmount     *big.Int
	Timestamp        *big.Int
	IsActive         bool
}

// Lending is the collateralized lending contract.
type Lending struct {
	client  chain.Client
	abis    *chain.ABIs
	Address common.Address
}

func NewLending(client chain.Client, abis *chain.ABIs, addr common.Address) *Lending {
	return &Lending{client: client, abis: abis, Address: addr}
}

func (l *Lending) call(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := l.client.Call(ctx, l.Address, l.abis.Lending, method, args...)
	if err != nil {
		return nil, domain.WrapWithCode(domain.CodeReadFailure, method, err)
	}
	return out, nil
}

func (l *Lending) send(ctx context.Context, method string, args ...any) (chain.Tx, error) {
	tx, err := l.client.Send(ctx, l.Address, l.abis.Lending, method, args...)
	if err != nil {
		return chain.Tx{}, domain.WrapWithCode(domain.CodeTransactionFailed, method, err)
	}
	return tx, nil
}

// LoanCount returns how many loans the borrower ever opened.
func (l *Lending) LoanCount(ctx context.Context, borrower common.Address) (uint64, error) {
	out, err := l.call(ctx, "getUserLoanCount", borrower)
	if err != nil {
		return 0, err
	}
	n, err := decodeBigInt("getUserLoanCount", out, 0)
	if err != nil {
		return 0, err
	}
	return bigToUint64("getUserLoanCount", n)
}

// Loan reads one loan of the borrower.
func (l *Lending) Loan(ctx context.Context, borrower common.Address, id uint64) (domain.Loan, error) {
	out, err := l.call(ctx, "getLoan", borrower, new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Loan{}, err
	}
	if err := expectOutputs("getLoan", out, 1); err != nil {
		return domain.Loan{}, err
	}
	raw, err := decodeStruct[LoanTuple]("getLoan", out, 0)
	if err != nil {
		return domain.Loan{}, err
	}
	if raw.CollateralAmount == nil || raw.BorrowAmount == nil || raw.Timestamp == nil {
		return domain.Loan{}, domain.NewError(domain.CodeDecode, "getLoan", "loan %d has missing amounts", id)
	}
	if !raw.Timestamp.IsInt64() {
		return domain.Loan{}, domain.NewError(domain.CodeDecode, "getLoan", "loan %d timestamp out of range", id)
	}

	return domain.Loan{
		Borrower:         raw.Borrower,
		ID:               id,
		CollateralToken:  raw.CollateralToken,
		CollateralAmount: new(big.Int).Set(raw.CollateralAmount),
		BorrowToken:      raw.BorrowToken,
		BorrowAmount:     new(big.Int).Set(raw.BorrowAmount),
		OpenedAt:         time.Unix(raw.Timestamp.Int64(), 0).UTC(),
		Active:           raw.IsActive,
	}, nil
}

// RepaymentAmount is the borrow amount plus the fee owed right now.
func (l *Lending) RepaymentAmount(ctx context.Context, borrower common.Address, id uint64) (*big.Int, error) {
	out, err := l.call(ctx, "calculateRepaymentAmount", borrower, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return decodeBigInt("calculateRepaymentAmount", out, 0)
}

// FeeBasisPoints returns the lending fee and the basis point denominator.
func (l *Lending) FeeBasisPoints(ctx context.Context) (*big.Int, *big.Int, error) {
	out, err := l.call(ctx, "feePercentage")
	if err != nil {
		return nil, nil, err
	}
	fee, err := decodeBigInt("feePercentage", out, 0)
	if err != nil {
		return nil, nil, err
	}
	out, err = l.call(ctx, "BASIS_POINTS")
	if err != nil {
		return nil, nil, err
	}
	denom, err := decodeBigInt("BASIS_POINTS", out, 0)
	if err != nil {
		return nil, nil, err
	}
	if denom.Sign() == 0 {
		return nil, nil, domain.NewError(domain.CodeDecode, "BASIS_POINTS", "zero denominator")
	}
	return fee, denom, nil
}

func (l *Lending) Borrow(ctx context.Context, collateralToken common.Address, collateralAmount *big.Int, borrowToken common.Address, borrowAmount *big.Int) (chain.Tx, error) {
	return l.send(ctx, "borrow", collateralToken, collateralAmount, borrowToken, borrowAmount)
}

func (l *Lending) Repay(ctx context.Context, id uint64) (chain.Tx, error) {
	return l.send(ctx, "repay", new(big.Int).SetUint64(id))
}
