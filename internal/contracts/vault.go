package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
)

// Vault is the two-asset liquidity vault. Its LP shares are an ERC-20 at the
// vault address.
type Vault struct {
	*Token
}

func NewVault(client chain.Client, abis *chain.ABIs, addr common.Address) *Vault {
	return &Vault{Token: NewToken(client, abis.Vault, addr)}
}

// Reserves returns the vault holdings of token A and token B.
func (v *Vault) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	out, err := v.call(ctx, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	return decodePair("getReserves", out)
}

// Price is the amount of token B per token A scaled by 1e18.
func (v *Vault) Price(ctx context.Context) (*big.Int, error) {
	out, err := v.call(ctx, "getPrice")
	if err != nil {
		return nil, err
	}
	return decodeBigInt("getPrice", out, 0)
}

// LiquidityValue returns the token amounts redeemable for shares.
func (v *Vault) LiquidityValue(ctx context.Context, shares *big.Int) (*big.Int, *big.Int, error) {
	out, err := v.call(ctx, "getLiquidityValue", shares)
	if err != nil {
		return nil, nil, err
	}
	return decodePair("getLiquidityValue", out)
}

func (v *Vault) AddLiquidity(ctx context.Context, amountA, amountB *big.Int) (chain.Tx, error) {
	return v.send(ctx, "addLiquidity", amountA, amountB)
}

func (v *Vault) RemoveLiquidity(ctx context.Context, shares *big.Int) (chain.Tx, error) {
	return v.send(ctx, "removeLiquidity", shares)
}

func decodePair(op string, out []any) (*big.Int, *big.Int, error) {
	if err := expectOutputs(op, out, 2); err != nil {
		return nil, nil, err
	}
	a, err := decodeBigInt(op, out, 0)
	if err != nil {
		return nil, nil, err
	}
	b, err := decodeBigInt(op, out, 1)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
