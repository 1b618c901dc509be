package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/domain"
)

// Token is a mintable ERC-20 test token. The vault LP share uses the same
// binding with the vault ABI.
type Token struct {
	client  chain.Client
	abi     *abi.ABI
	Address common.Address
}

func NewToken(client chain.Client, contractABI *abi.ABI, addr common.Address) *Token {
	return &Token{client: client, abi: contractABI, Address: addr}
}

func (t *Token) call(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := t.client.Call(ctx, t.Address, t.abi, method, args...)
	if err != nil {
		return nil, domain.WrapWithCode(domain.CodeReadFailure, method, err)
	}
	return out, nil
}

func (t *Token) send(ctx context.Context, method string, args ...any) (chain.Tx, error) {
	tx, err := t.client.Send(ctx, t.Address, t.abi, method, args...)
	if err != nil {
		return chain.Tx{}, domain.WrapWithCode(domain.CodeTransactionFailed, method, err)
	}
	return tx, nil
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return decodeBigInt("balanceOf", out, 0)
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return decodeBigInt("allowance", out, 0)
}

func (t *Token) TotalSupply(ctx context.Context) (*big.Int, error) {
	out, err := t.call(ctx, "totalSupply")
	if err != nil {
		return nil, err
	}
	return decodeBigInt("totalSupply", out, 0)
}

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return decodeUint8("decimals", out, 0)
}

func (t *Token) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	return decodeString("symbol", out, 0)
}

func (t *Token) Approve(ctx context.Context, spender common.Address, amount *big.Int) (chain.Tx, error) {
	return t.send(ctx, "approve", spender, amount)
}

// Mint calls the faucet of the test token.
func (t *Token) Mint(ctx context.Context, to common.Address, amount *big.Int) (chain.Tx, error) {
	return t.send(ctx, "mint", to, amount)
}

func (t *Token) Transfer(ctx context.Context, to common.Address, amount *big.Int) (chain.Tx, error) {
	return t.send(ctx, "transfer", to, amount)
}
