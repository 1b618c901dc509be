package clients

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/saigon/internal/domain"
)

const basisPoints = 10000

// revert builds the error a reverted call or transaction reports.
func revert(format string, args ...any) error {
	return errors.Errorf("execution reverted: "+format, args...)
}

// simLoanOut has the field layout of the getLoan tuple so the abi package
// can pack it.
type simLoanOut struct {
	Borrower         common.Address
	CollateralToken  common.Address
	CollateralAmount *big.Int
	BorrowToken      common.Address
	BorrowAmount     *big.Int
	Timestamp        *big.Int
	IsActive         bool
}

type simToken struct {
	asset      domain.Asset
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

type simPool struct {
	underlying common.Address
	receipt    common.Address
	rate       *big.Int
	liquidity  *big.Int
}

type simLoan struct {
	collateralToken  common.Address
	collateralAmount *big.Int
	borrowToken      common.Address
	borrowAmount     *big.Int
	timestamp        int64
	active           bool
}

// ledger is the state of the emulated contract set. Amounts are never
// mutated in place so clone can share *big.Int values.
type ledger struct {
	block    uint64
	fee      *big.Int
	vault    common.Address
	tokenA   common.Address
	tokenB   common.Address
	lending  common.Address
	reserveA *big.Int
	reserveB *big.Int
	tokens   map[common.Address]*simToken
	pools    map[common.Address]*simPool
	loans    map[common.Address][]*simLoan
}

func newLedger(network *domain.Network, feeBps int64) *ledger {
	l := &ledger{
		fee:      big.NewInt(feeBps),
		vault:    network.Vault.Address,
		lending:  network.Lending,
		reserveA: new(big.Int),
		reserveB: new(big.Int),
		tokens:   make(map[common.Address]*simToken),
		pools:    make(map[common.Address]*simPool),
		loans:    make(map[common.Address][]*simLoan),
	}
	for _, a := range network.Assets.All() {
		l.tokens[a.Address] = &simToken{
			asset:      a,
			supply:     new(big.Int),
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[common.Address]map[common.Address]*big.Int),
		}
	}
	if a, err := network.Assets.BySymbol(network.Vault.TokenA); err == nil {
		l.tokenA = a.Address
	}
	if b, err := network.Assets.BySymbol(network.Vault.TokenB); err == nil {
		l.tokenB = b.Address
	}
	for _, p := range network.Pools {
		u, _ := network.Assets.BySymbol(p.Underlying)
		r, _ := network.Assets.BySymbol(p.Receipt)
		l.pools[p.Address] = &simPool{
			underlying: u.Address,
			receipt:    r.Address,
			rate:       new(big.Int).Set(domain.RateScale),
			liquidity:  new(big.Int),
		}
	}
	return l
}

func (l *ledger) clone() *ledger {
	out := *l
	out.tokens = make(map[common.Address]*simToken, len(l.tokens))
	for addr, t := range l.tokens {
		ct := &simToken{
			asset:      t.asset,
			supply:     t.supply,
			balances:   make(map[common.Address]*big.Int, len(t.balances)),
			allowances: make(map[common.Address]map[common.Address]*big.Int, len(t.allowances)),
		}
		for k, v := range t.balances {
			ct.balances[k] = v
		}
		for owner, m := range t.allowances {
			cm := make(map[common.Address]*big.Int, len(m))
			for k, v := range m {
				cm[k] = v
			}
			ct.allowances[owner] = cm
		}
		out.tokens[addr] = ct
	}
	out.pools = make(map[common.Address]*simPool, len(l.pools))
	for addr, p := range l.pools {
		cp := *p
		out.pools[addr] = &cp
	}
	out.loans = make(map[common.Address][]*simLoan, len(l.loans))
	for owner, loans := range l.loans {
		cl := make([]*simLoan, len(loans))
		for i, loan := range loans {
			c := *loan
			cl[i] = &c
		}
		out.loans[owner] = cl
	}
	return &out
}

func (t *simToken) balance(a common.Address) *big.Int {
	if v, ok := t.balances[a]; ok {
		return v
	}
	return new(big.Int)
}

func (t *simToken) allowance(owner, spender common.Address) *big.Int {
	if v, ok := t.allowances[owner][spender]; ok {
		return v
	}
	return new(big.Int)
}

func (t *simToken) approve(owner, spender common.Address, amount *big.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
}

func (t *simToken) move(from, to common.Address, amount *big.Int) error {
	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return revert("%s: transfer amount exceeds balance", t.asset.Symbol)
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	return nil
}

// spend consumes allowance the way OpenZeppelin does: a max-uint allowance
// is never decreased.
func (t *simToken) spend(owner, spender common.Address, amount *big.Int) error {
	current := t.allowance(owner, spender)
	if current.Cmp(amount) < 0 {
		return revert("%s: insufficient allowance", t.asset.Symbol)
	}
	if current.Cmp(math.MaxBig256) == 0 {
		return nil
	}
	t.approve(owner, spender, new(big.Int).Sub(current, amount))
	return nil
}

func (t *simToken) mint(to common.Address, amount *big.Int) {
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	t.supply = new(big.Int).Add(t.supply, amount)
}

func (t *simToken) burn(from common.Address, amount *big.Int) error {
	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return revert("%s: burn amount exceeds balance", t.asset.Symbol)
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.supply = new(big.Int).Sub(t.supply, amount)
	return nil
}

func (l *ledger) token(addr common.Address) (*simToken, error) {
	t, ok := l.tokens[addr]
	if !ok {
		return nil, revert("no token at %s", addr.Hex())
	}
	return t, nil
}

func (l *ledger) repayment(loan *simLoan) *big.Int {
	fee := new(big.Int).Mul(loan.borrowAmount, l.fee)
	fee.Quo(fee, big.NewInt(basisPoints))
	return new(big.Int).Add(loan.borrowAmount, fee)
}

func (l *ledger) loan(owner common.Address, id *big.Int) (*simLoan, error) {
	loans := l.loans[owner]
	if !id.IsUint64() || id.Uint64() >= uint64(len(loans)) {
		return nil, revert("invalid loan id %s", id)
	}
	return loans[id.Uint64()], nil
}

// view answers read-only calls.
func (l *ledger) view(from, contract common.Address, method string, in []any) ([]any, error) {
	if _, ok := l.pools[contract]; ok {
		return l.poolView(contract, method)
	}
	if contract == l.lending {
		return l.lendingView(method, in)
	}
	if contract == l.vault {
		switch method {
		case "getReserves":
			return []any{l.reserveA, l.reserveB}, nil
		case "getPrice":
			if l.reserveA.Sign() == 0 {
				return nil, revert("no liquidity")
			}
			p := new(big.Int).Mul(l.reserveB, domain.RateScale)
			return []any{p.Quo(p, l.reserveA)}, nil
		case "getLiquidityValue":
			lp, err := l.token(l.vault)
			if err != nil {
				return nil, err
			}
			shares := in[0].(*big.Int)
			if lp.supply.Sign() == 0 {
				return []any{new(big.Int), new(big.Int)}, nil
			}
			a := new(big.Int).Mul(shares, l.reserveA)
			b := new(big.Int).Mul(shares, l.reserveB)
			return []any{a.Quo(a, lp.supply), b.Quo(b, lp.supply)}, nil
		}
	}
	return l.tokenView(contract, method, in)
}

func (l *ledger) tokenView(contract common.Address, method string, in []any) ([]any, error) {
	t, err := l.token(contract)
	if err != nil {
		return nil, err
	}
	switch method {
	case "balanceOf":
		return []any{t.balance(in[0].(common.Address))}, nil
	case "allowance":
		return []any{t.allowance(in[0].(common.Address), in[1].(common.Address))}, nil
	case "totalSupply":
		return []any{t.supply}, nil
	case "decimals":
		return []any{t.asset.Decimals}, nil
	case "symbol":
		return []any{t.asset.Symbol}, nil
	case "name":
		return []any{t.asset.Name}, nil
	}
	return nil, revert("token has no view %s", method)
}

func (l *ledger) poolView(contract common.Address, method string) ([]any, error) {
	p := l.pools[contract]
	switch method {
	case "getExchangeRate":
		return []any{p.rate}, nil
	case "poolLiquidityVolume":
		return []any{p.liquidity}, nil
	case "lstVolume":
		r, err := l.token(p.receipt)
		if err != nil {
			return nil, err
		}
		return []any{r.supply}, nil
	case "lstToken":
		return []any{p.receipt}, nil
	case "liquidityToken":
		return []any{p.underlying}, nil
	}
	return nil, revert("pool has no view %s", method)
}

func (l *ledger) lendingView(method string, in []any) ([]any, error) {
	switch method {
	case "getUserLoanCount":
		return []any{big.NewInt(int64(len(l.loans[in[0].(common.Address)])))}, nil
	case "getLoan":
		owner := in[0].(common.Address)
		loan, err := l.loan(owner, in[1].(*big.Int))
		if err != nil {
			return nil, err
		}
		return []any{simLoanOut{
			Borrower:         owner,
			CollateralToken:  loan.collateralToken,
			CollateralAmount: loan.collateralAmount,
			BorrowToken:      loan.borrowToken,
			BorrowAmount:     loan.borrowAmount,
			Timestamp:        big.NewInt(loan.timestamp),
			IsActive:         loan.active,
		}}, nil
	case "calculateRepaymentAmount":
		loan, err := l.loan(in[0].(common.Address), in[1].(*big.Int))
		if err != nil {
			return nil, err
		}
		return []any{l.repayment(loan)}, nil
	case "feePercentage":
		return []any{l.fee}, nil
	case "BASIS_POINTS":
		return []any{big.NewInt(basisPoints)}, nil
	}
	return nil, revert("lending has no view %s", method)
}

// execute applies a state-changing call. On error the caller discards the
// ledger and keeps its pre-transaction clone.
func (l *ledger) execute(from, contract common.Address, method string, in []any, now time.Time) error {
	if _, ok := l.pools[contract]; ok {
		return l.poolExec(from, contract, method, in)
	}
	if contract == l.lending {
		return l.lendingExec(from, method, in, now)
	}
	if contract == l.vault {
		switch method {
		case "addLiquidity":
			return l.addLiquidity(from, in[0].(*big.Int), in[1].(*big.Int))
		case "removeLiquidity":
			return l.removeLiquidity(from, in[0].(*big.Int))
		}
	}
	return l.tokenExec(from, contract, method, in)
}

func (l *ledger) tokenExec(from, contract common.Address, method string, in []any) error {
	t, err := l.token(contract)
	if err != nil {
		return err
	}
	switch method {
	case "approve":
		t.approve(from, in[0].(common.Address), in[1].(*big.Int))
		return nil
	case "transfer":
		return t.move(from, in[0].(common.Address), in[1].(*big.Int))
	case "transferFrom":
		src := in[0].(common.Address)
		amount := in[2].(*big.Int)
		if err := t.spend(src, from, amount); err != nil {
			return err
		}
		return t.move(src, in[1].(common.Address), amount)
	case "mint":
		if contract == l.vault {
			return revert("LP shares are minted by the vault only")
		}
		amount := in[1].(*big.Int)
		if amount.Sign() <= 0 {
			return revert("mint amount must be positive")
		}
		t.mint(in[0].(common.Address), amount)
		return nil
	}
	return revert("token has no method %s", method)
}

func (l *ledger) addLiquidity(from common.Address, amountA, amountB *big.Int) error {
	if amountA.Sign() <= 0 || amountB.Sign() <= 0 {
		return revert("amounts must be positive")
	}
	ta, err := l.token(l.tokenA)
	if err != nil {
		return err
	}
	tb, err := l.token(l.tokenB)
	if err != nil {
		return err
	}
	lp, err := l.token(l.vault)
	if err != nil {
		return err
	}

	var shares *big.Int
	if lp.supply.Sign() == 0 {
		shares = new(big.Int).Sqrt(new(big.Int).Mul(amountA, amountB))
	} else {
		sa := new(big.Int).Mul(amountA, lp.supply)
		sa.Quo(sa, l.reserveA)
		sb := new(big.Int).Mul(amountB, lp.supply)
		sb.Quo(sb, l.reserveB)
		shares = sa
		if sb.Cmp(sa) < 0 {
			shares = sb
		}
	}
	if shares.Sign() == 0 {
		return revert("insufficient liquidity minted")
	}

	for _, step := range []struct {
		t      *simToken
		amount *big.Int
	}{{ta, amountA}, {tb, amountB}} {
		if err := step.t.spend(from, l.vault, step.amount); err != nil {
			return err
		}
		if err := step.t.move(from, l.vault, step.amount); err != nil {
			return err
		}
	}
	lp.mint(from, shares)
	l.reserveA = new(big.Int).Add(l.reserveA, amountA)
	l.reserveB = new(big.Int).Add(l.reserveB, amountB)
	return nil
}

func (l *ledger) removeLiquidity(from common.Address, shares *big.Int) error {
	if shares.Sign() <= 0 {
		return revert("shares must be positive")
	}
	lp, err := l.token(l.vault)
	if err != nil {
		return err
	}
	if lp.supply.Sign() == 0 {
		return revert("no liquidity")
	}
	outA := new(big.Int).Mul(shares, l.reserveA)
	outA.Quo(outA, lp.supply)
	outB := new(big.Int).Mul(shares, l.reserveB)
	outB.Quo(outB, lp.supply)

	if err := lp.burn(from, shares); err != nil {
		return err
	}
	ta, err := l.token(l.tokenA)
	if err != nil {
		return err
	}
	tb, err := l.token(l.tokenB)
	if err != nil {
		return err
	}
	if err := ta.move(l.vault, from, outA); err != nil {
		return err
	}
	if err := tb.move(l.vault, from, outB); err != nil {
		return err
	}
	l.reserveA = new(big.Int).Sub(l.reserveA, outA)
	l.reserveB = new(big.Int).Sub(l.reserveB, outB)
	return nil
}

func (l *ledger) poolExec(from, contract common.Address, method string, in []any) error {
	p := l.pools[contract]
	underlying, err := l.token(p.underlying)
	if err != nil {
		return err
	}
	receipt, err := l.token(p.receipt)
	if err != nil {
		return err
	}

	switch method {
	case "provideLiquidity":
		amount := in[0].(*big.Int)
		if amount.Sign() <= 0 {
			return revert("amount must be positive")
		}
		minted := new(big.Int).Mul(amount, domain.RateScale)
		minted.Quo(minted, p.rate)
		if minted.Sign() == 0 {
			return revert("amount too small")
		}
		if err := underlying.spend(from, contract, amount); err != nil {
			return err
		}
		if err := underlying.move(from, contract, amount); err != nil {
			return err
		}
		receipt.mint(from, minted)
		p.liquidity = new(big.Int).Add(p.liquidity, amount)
		return nil
	case "unstake":
		amount := in[0].(*big.Int)
		if amount.Sign() <= 0 {
			return revert("amount must be positive")
		}
		payout := domain.ApplyRate(amount, p.rate)
		if err := receipt.burn(from, amount); err != nil {
			return err
		}
		if err := underlying.move(contract, from, payout); err != nil {
			return err
		}
		if payout.Cmp(p.liquidity) >= 0 {
			p.liquidity = new(big.Int)
		} else {
			p.liquidity = new(big.Int).Sub(p.liquidity, payout)
		}
		return nil
	}
	return revert("pool has no method %s", method)
}

func (l *ledger) lendingExec(from common.Address, method string, in []any, now time.Time) error {
	switch method {
	case "borrow":
		collateralToken := in[0].(common.Address)
		collateralAmount := in[1].(*big.Int)
		borrowToken := in[2].(common.Address)
		borrowAmount := in[3].(*big.Int)
		if collateralAmount.Sign() <= 0 || borrowAmount.Sign() <= 0 {
			return revert("amounts must be positive")
		}
		if collateralToken == borrowToken {
			return revert("collateral and borrow token must differ")
		}
		ct, err := l.token(collateralToken)
		if err != nil {
			return err
		}
		bt, err := l.token(borrowToken)
		if err != nil {
			return err
		}
		if err := ct.spend(from, l.lending, collateralAmount); err != nil {
			return err
		}
		if err := ct.move(from, l.lending, collateralAmount); err != nil {
			return err
		}
		if bt.balance(l.lending).Cmp(borrowAmount) < 0 {
			return revert("insufficient liquidity in lending pool")
		}
		if err := bt.move(l.lending, from, borrowAmount); err != nil {
			return err
		}
		l.loans[from] = append(l.loans[from], &simLoan{
			collateralToken:  collateralToken,
			collateralAmount: new(big.Int).Set(collateralAmount),
			borrowToken:      borrowToken,
			borrowAmount:     new(big.Int).Set(borrowAmount),
			timestamp:        now.Unix(),
			active:           true,
		})
		return nil
	case "repay":
		loan, err := l.loan(from, in[0].(*big.Int))
		if err != nil {
			return err
		}
		if !loan.active {
			return revert("loan is not active")
		}
		owed := l.repayment(loan)
		bt, err := l.token(loan.borrowToken)
		if err != nil {
			return err
		}
		ct, err := l.token(loan.collateralToken)
		if err != nil {
			return err
		}
		if err := bt.spend(from, l.lending, owed); err != nil {
			return err
		}
		if err := bt.move(from, l.lending, owed); err != nil {
			return err
		}
		if err := ct.move(l.lending, from, loan.collateralAmount); err != nil {
			return err
		}
		loan.active = false
		return nil
	}
	return revert("lending has no method %s", method)
}
