package orchestrator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
)

type step struct {
	name   string
	code   domain.Code
	submit func(ctx context.Context) (chain.Tx, error)
}

// funding is a balance an action spends, and the contract pulling it when
// an allowance is required.
type funding struct {
	asset   domain.Asset
	amount  *big.Int
	spender common.Address
	label   string
}

// plan is a resolved request: the in-flight key, what it touches, the
// balances it needs and the final transaction.
type plan struct {
	req      Request
	owner    common.Address
	keyAsset common.Address
	label    string
	amount   *big.Int
	touched  []common.Address
	needs    []funding
	final    step
	steps    []step
}

func requirePositive(op string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return domain.NewError(domain.CodeInvalidAmount, op, "amount must be positive")
	}
	return nil
}

// resolve maps the request onto assets and contracts. Only repay reads the
// chain here, to learn the loan's assets and the amount owed.
func (o *Orchestrator) resolve(ctx context.Context, req Request) (*plan, error) {
	op := req.Kind.String()
	p := &plan{req: req, owner: o.Owner(), amount: req.Amount}
	assets := o.network.Assets

	switch req.Kind {
	case domain.ActionApprove:
		asset, err := assets.BySymbol(req.Asset)
		if err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		if (req.Spender == common.Address{}) {
			return nil, domain.NewError(domain.CodeInvalidAmount, op, "spender is required")
		}
		token := o.set.Token(asset)
		spender, amount := req.Spender, req.Amount
		p.keyAsset, p.label = asset.Address, asset.Symbol
		p.touched = []common.Address{asset.Address}
		p.final = step{name: "approve " + asset.Symbol, code: domain.CodeApprovalFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return token.Approve(ctx, spender, amount)
		}}

	case domain.ActionMint:
		asset, err := assets.BySymbol(req.Asset)
		if err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		if asset.IsReceipt() || asset.Address == o.network.Vault.Address {
			return nil, domain.NewError(domain.CodeUnknownAsset, op, "%s is not a mintable test token", asset.Symbol)
		}
		token := o.set.Token(asset)
		owner, amount := p.owner, req.Amount
		p.keyAsset, p.label = asset.Address, asset.Symbol
		p.touched = []common.Address{asset.Address}
		p.final = step{name: "mint " + asset.Symbol, code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return token.Mint(ctx, owner, amount)
		}}

	case domain.ActionStake:
		asset, err := assets.BySymbol(req.Asset)
		if err != nil {
			return nil, err
		}
		spec, ok := o.network.PoolFor(asset.Symbol)
		if !ok || spec.Underlying != asset.Symbol {
			return nil, domain.NewError(domain.CodeUnknownAsset, op, "no staking pool accepts %s", asset.Symbol)
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		pool, receipt, err := o.pool(spec)
		if err != nil {
			return nil, err
		}
		amount := req.Amount
		p.keyAsset, p.label = asset.Address, asset.Symbol
		p.touched = []common.Address{asset.Address, receipt.Address}
		p.needs = []funding{{asset: asset, amount: amount, spender: spec.Address}}
		p.final = step{name: "provideLiquidity", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return pool.Stake(ctx, amount)
		}}

	case domain.ActionUnstake:
		spec, ok := o.network.PoolFor(req.Asset)
		if !ok {
			return nil, domain.NewError(domain.CodeUnknownAsset, op, "no staking pool for %s", req.Asset)
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		pool, receipt, err := o.pool(spec)
		if err != nil {
			return nil, err
		}
		underlying, err := assets.BySymbol(spec.Underlying)
		if err != nil {
			return nil, err
		}
		amount := req.Amount
		p.keyAsset, p.label = receipt.Address, receipt.Symbol
		p.touched = []common.Address{receipt.Address, underlying.Address}
		// the pool burns receipt tokens itself, no allowance involved
		p.needs = []funding{{asset: receipt, amount: amount}}
		p.final = step{name: "unstake", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return pool.Unstake(ctx, amount)
		}}

	case domain.ActionBorrow:
		collateral, err := assets.BySymbol(req.Asset)
		if err != nil {
			return nil, err
		}
		borrowed, err := assets.BySymbol(req.CounterAsset)
		if err != nil {
			return nil, err
		}
		if collateral.Address == borrowed.Address {
			return nil, domain.NewError(domain.CodeInvalidAmount, op, "collateral and borrowed asset must differ")
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.CounterAmount); err != nil {
			return nil, err
		}
		lending := o.set.Lending
		collAmount, borrowAmount := req.Amount, req.CounterAmount
		p.keyAsset, p.label = collateral.Address, collateral.Symbol
		p.touched = []common.Address{collateral.Address, borrowed.Address, lending.Address}
		p.needs = []funding{{asset: collateral, amount: collAmount, spender: lending.Address}}
		p.final = step{name: "borrow", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return lending.Borrow(ctx, collateral.Address, collAmount, borrowed.Address, borrowAmount)
		}}

	case domain.ActionRepay:
		lending := o.set.Lending
		loan, err := lending.Loan(ctx, p.owner, req.LoanID)
		if err != nil {
			return nil, err
		}
		if !loan.Active {
			return nil, domain.NewError(domain.CodeNotRepayable, op, "loan %d is not active", req.LoanID)
		}
		borrowed, err := assets.ByAddress(loan.BorrowToken)
		if err != nil {
			return nil, err
		}
		owed, err := lending.RepaymentAmount(ctx, p.owner, req.LoanID)
		if err != nil {
			return nil, err
		}
		id := req.LoanID
		p.amount = owed
		p.keyAsset, p.label = borrowed.Address, borrowed.Symbol
		p.needs = []funding{{asset: borrowed, amount: owed, spender: lending.Address}}
		p.touched = []common.Address{borrowed.Address, loan.CollateralToken, lending.Address}
		p.final = step{name: "repay", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return lending.Repay(ctx, id)
		}}

	case domain.ActionAddLiquidity:
		a, b, lp, err := o.vaultAssets()
		if err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.CounterAmount); err != nil {
			return nil, err
		}
		vault := o.set.Vault
		amountA, amountB := req.Amount, req.CounterAmount
		p.keyAsset, p.label = lp.Address, lp.Symbol
		p.touched = []common.Address{a.Address, b.Address, lp.Address}
		p.needs = []funding{
			{asset: a, amount: amountA, spender: vault.Address},
			{asset: b, amount: amountB, spender: vault.Address},
		}
		p.final = step{name: "addLiquidity", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return vault.AddLiquidity(ctx, amountA, amountB)
		}}

	case domain.ActionRemoveLiquidity:
		a, b, lp, err := o.vaultAssets()
		if err != nil {
			return nil, err
		}
		if err := requirePositive(op, req.Amount); err != nil {
			return nil, err
		}
		vault := o.set.Vault
		shares := req.Amount
		p.keyAsset, p.label = lp.Address, lp.Symbol
		p.touched = []common.Address{a.Address, b.Address, lp.Address}
		p.needs = []funding{{asset: lp, amount: shares, label: "LP token"}}
		p.final = step{name: "removeLiquidity", code: domain.CodeTransactionFailed, submit: func(ctx context.Context) (chain.Tx, error) {
			return vault.RemoveLiquidity(ctx, shares)
		}}

	default:
		return nil, domain.NewError(domain.CodeInvalidAmount, "execute", "unsupported action kind %d", int(req.Kind))
	}

	return p, nil
}

// validate reads balances and allowances and builds the step list.
func (o *Orchestrator) validate(ctx context.Context, p *plan) error {
	op := p.req.Kind.String()

	for _, need := range p.needs {
		balance, err := o.set.BalanceOf(ctx, need.asset, p.owner)
		if err != nil {
			return err
		}
		if balance.Cmp(need.amount) < 0 {
			label := need.label
			if label == "" {
				label = need.asset.Symbol
			}
			return domain.NewError(domain.CodeInsufficientBalance, op,
				"insufficient %s balance: have %s, need %s", label,
				domain.FormatAmount(balance, need.asset.Decimals),
				domain.FormatAmount(need.amount, need.asset.Decimals))
		}
	}

	for _, need := range p.needs {
		if (need.spender == common.Address{}) {
			continue
		}
		allowance, err := o.set.Allowance(ctx, need.asset, p.owner, need.spender)
		if err != nil {
			return err
		}
		if !domain.NeedsApproval(allowance, need.amount) {
			continue
		}
		if !o.autoApprove {
			return domain.NewError(domain.CodeInsufficientAllowance, op,
				"%s allowance %s is below %s", need.asset.Symbol,
				domain.FormatAmount(allowance, need.asset.Decimals),
				domain.FormatAmount(need.amount, need.asset.Decimals))
		}
		token := o.set.Token(need.asset)
		spender, amount := need.spender, need.amount
		p.steps = append(p.steps, step{
			name: "approve " + need.asset.Symbol,
			code: domain.CodeApprovalFailed,
			submit: func(ctx context.Context) (chain.Tx, error) {
				return token.Approve(ctx, spender, amount)
			},
		})
	}

	p.steps = append(p.steps, p.final)
	return nil
}

func (o *Orchestrator) pool(spec domain.PoolSpec) (*contracts.Pool, domain.Asset, error) {
	pool, ok := o.set.Pool(spec.Address)
	if !ok {
		return nil, domain.Asset{}, domain.NewError(domain.CodeUnknownAsset, "pool", "pool %s is not bound", spec.Address.Hex())
	}
	receipt, err := o.network.Assets.BySymbol(spec.Receipt)
	if err != nil {
		return nil, domain.Asset{}, err
	}
	return pool, receipt, nil
}

// flightAsset returns the asset the in-flight key of kind uses for symbol.
// It agrees with the keyAsset chosen by resolve.
func (o *Orchestrator) flightAsset(kind domain.ActionKind, symbol string) (domain.Asset, error) {
	switch kind {
	case domain.ActionStake, domain.ActionUnstake:
		spec, ok := o.network.PoolFor(symbol)
		if !ok {
			return domain.Asset{}, domain.NewError(domain.CodeUnknownAsset, kind.String(), "no staking pool for %s", symbol)
		}
		if kind == domain.ActionStake {
			return o.network.Assets.BySymbol(spec.Underlying)
		}
		return o.network.Assets.BySymbol(spec.Receipt)
	case domain.ActionAddLiquidity, domain.ActionRemoveLiquidity:
		_, _, lp, err := o.vaultAssets()
		return lp, err
	default:
		return o.network.Assets.BySymbol(symbol)
	}
}

func (o *Orchestrator) vaultAssets() (a, b, lp domain.Asset, err error) {
	v := o.network.Vault
	if a, err = o.network.Assets.BySymbol(v.TokenA); err != nil {
		return
	}
	if b, err = o.network.Assets.BySymbol(v.TokenB); err != nil {
		return
	}
	lp, err = o.network.Assets.BySymbol(v.LPToken)
	return
}

// Approve lets spender move amount of symbol.
func (o *Orchestrator) Approve(ctx context.Context, symbol string, spender common.Address, amount *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionApprove, Asset: symbol, Spender: spender, Amount: amount})
}

// Mint requests test tokens from the token faucet.
func (o *Orchestrator) Mint(ctx context.Context, symbol string, amount *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionMint, Asset: symbol, Amount: amount})
}

// Stake deposits amount of symbol into its pool, approving the pool first if needed.
func (o *Orchestrator) Stake(ctx context.Context, symbol string, amount *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionStake, Asset: symbol, Amount: amount})
}

// Unstake redeems receipt tokens of the pool for symbol.
func (o *Orchestrator) Unstake(ctx context.Context, symbol string, receiptAmount *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionUnstake, Asset: symbol, Amount: receiptAmount})
}

// Borrow locks collateral and borrows another asset against it.
func (o *Orchestrator) Borrow(ctx context.Context, collateral string, collateralAmount *big.Int, borrow string, borrowAmount *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{
		Kind:          domain.ActionBorrow,
		Asset:         collateral,
		Amount:        collateralAmount,
		CounterAsset:  borrow,
		CounterAmount: borrowAmount,
	})
}

// Repay pays back a loan at its current repayment amount.
func (o *Orchestrator) Repay(ctx context.Context, loanID uint64) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionRepay, LoanID: loanID})
}

func (o *Orchestrator) AddLiquidity(ctx context.Context, amountA, amountB *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionAddLiquidity, Amount: amountA, CounterAmount: amountB})
}

func (o *Orchestrator) RemoveLiquidity(ctx context.Context, shares *big.Int) (*PendingAction, error) {
	return o.Execute(ctx, Request{Kind: domain.ActionRemoveLiquidity, Amount: shares})
}
