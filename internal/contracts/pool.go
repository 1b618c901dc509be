package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/domain"
)

// Pool is a liquid staking pool minting receipt tokens for deposits.
type Pool struct {
	client  chain.Client
	abis    *chain.ABIs
	Address common.Address
}

func NewPool(client chain.Client, abis *chain.ABIs, addr common.Address) *Pool {
	return &Pool{client: client, abis: abis, Address: addr}
}

func (p *Pool) readUint(ctx context.Context, method string) (*big.Int, error) {
	out, err := p.client.Call(ctx, p.Address, p.abis.Pool, method)
	if err != nil {
		return nil, domain.WrapWithCode(domain.CodeReadFailure, method, err)
	}
	return decodeBigInt(method, out, 0)
}

// ExchangeRate is the underlying amount per receipt token scaled by 1e18.
func (p *Pool) ExchangeRate(ctx context.Context) (*big.Int, error) {
	rate, err := p.readUint(ctx, "getExchangeRate")
	if err != nil {
		return nil, err
	}
	if rate.Sign() == 0 {
		return nil, domain.NewError(domain.CodeDecode, "getExchangeRate", "pool reported a zero exchange rate")
	}
	return rate, nil
}

func (p *Pool) LiquidityVolume(ctx context.Context) (*big.Int, error) {
	return p.readUint(ctx, "poolLiquidityVolume")
}

func (p *Pool) ReceiptVolume(ctx context.Context) (*big.Int, error) {
	return p.readUint(ctx, "lstVolume")
}

// Stake deposits underlying tokens. The pool must already be approved.
func (p *Pool) Stake(ctx context.Context, amount *big.Int) (chain.Tx, error) {
	tx, err := p.client.Send(ctx, p.Address, p.abis.Pool, "provideLiquidity", amount)
	if err != nil {
		return chain.Tx{}, domain.WrapWithCode(domain.CodeTransactionFailed, "provideLiquidity", err)
	}
	return tx, nil
}

// Unstake burns receipt tokens for underlying at the current rate.
func (p *Pool) Unstake(ctx context.Context, receiptAmount *big.Int) (chain.Tx, error) {
	tx, err := p.client.Send(ctx, p.Address, p.abis.Pool, "unstake", receiptAmount)
	if err != nil {
		return chain.Tx{}, domain.WrapWithCode(domain.CodeTransactionFailed, "unstake", err)
	}
	return tx, nil
}
