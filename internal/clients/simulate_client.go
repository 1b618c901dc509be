package clients

import (
	"context"
	"encoding/binary"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/storage/simstate"
)

const (
	defaultSimFeeBps = 500
	// units of every lendable asset seeded into the lending contract and pools
	simSeedUnits = 1_000_000
)

type simTx struct {
	tx     chain.Tx
	from   common.Address
	inputs []any
	nonce  uint64
}

// SimulateClient emulates the contract deployment in memory. Writes are
// queued by Send and mined by WaitForReceipt, so a held method keeps its
// action pending until released.
type SimulateClient struct {
	mu      sync.Mutex
	network *domain.Network
	abis    *chain.ABIs
	account common.Address
	logger  *zap.Logger
	store   *simstate.Store
	now     func() time.Time

	ledger   *ledger
	nonce    uint64
	pending  map[common.Hash]*simTx
	receipts map[common.Hash]chain.Receipt

	holds   map[string]chan struct{}
	reverts map[string]int
	sent    []string
	reads   map[string]int
}

// SimOption configures a SimulateClient.
type SimOption func(*SimulateClient)

// WithStateStore persists the ledger after every mined transaction.
func WithStateStore(store *simstate.Store) SimOption {
	return func(c *SimulateClient) {
		c.store = store
	}
}

// WithSimLogger sets the logger.
func WithSimLogger(logger *zap.Logger) SimOption {
	return func(c *SimulateClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for loan timestamps.
func WithClock(now func() time.Time) SimOption {
	return func(c *SimulateClient) {
		c.now = now
	}
}

// WithFeeBasisPoints sets the lending fee.
func WithFeeBasisPoints(bps int64) SimOption {
	return func(c *SimulateClient) {
		c.ledger.fee = big.NewInt(bps)
	}
}

// NewSimulateClient creates a simulated chain for account. Lending and pool
// contracts are seeded with liquidity; a stored ledger replaces the seed.
func NewSimulateClient(network *domain.Network, abis *chain.ABIs, account common.Address, opts ...SimOption) (*SimulateClient, error) {
	c := &SimulateClient{
		network:  network,
		abis:     abis,
		account:  account,
		logger:   zap.NewNop(),
		now:      time.Now,
		ledger:   newLedger(network, defaultSimFeeBps),
		pending:  make(map[common.Hash]*simTx),
		receipts: make(map[common.Hash]chain.Receipt),
		holds:    make(map[string]chan struct{}),
		reverts:  make(map[string]int),
		reads:    make(map[string]int),
	}
	c.seed()

	for _, opt := range opts {
		opt(c)
	}

	if c.store != nil {
		state, err := c.store.Load()
		if err != nil {
			return nil, err
		}
		if state != nil {
			if err := c.restore(state); err != nil {
				return nil, errors.Wrap(err, "restore simulated ledger")
			}
			c.logger.Info("simulated ledger restored",
				zap.String("path", c.store.Path()),
				zap.Uint64("block", state.Block))
		}
	}

	return c, nil
}

func (c *SimulateClient) seed() {
	for _, a := range c.network.Assets.All() {
		if a.IsReceipt() || a.Address == c.network.Vault.Address {
			continue
		}
		units := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals)), nil)
		units.Mul(units, big.NewInt(simSeedUnits))
		c.ledger.tokens[a.Address].mint(c.network.Lending, units)
		for _, p := range c.network.Pools {
			if p.Underlying == a.Symbol {
				c.ledger.tokens[a.Address].mint(p.Address, units)
			}
		}
	}
}

func (c *SimulateClient) Account() common.Address { return c.account }
func (c *SimulateClient) IsConnected() bool       { return true }

func (c *SimulateClient) Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, inputs, err := decodeCall(contractABI, method, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.reads[method]++
	out, err := c.ledger.view(c.account, contract, method, inputs)
	c.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, contract.Hex())
	}

	// round-trip through the ABI so results have the exact shape of a node response
	packed, err := m.Outputs.Pack(out...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s outputs", method)
	}
	return contractABI.Unpack(method, packed)
}

func (c *SimulateClient) Send(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) (chain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return chain.Tx{}, err
	}
	_, inputs, err := decodeCall(contractABI, method, args)
	if err != nil {
		return chain.Tx{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := c.nonce
	c.nonce++

	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	hash := crypto.Keccak256Hash(c.account.Bytes(), nb[:], contract.Bytes(), []byte(method))

	tx := chain.Tx{
		Hash:        hash,
		Contract:    contract,
		Method:      method,
		SubmittedAt: c.now(),
	}
	c.pending[hash] = &simTx{tx: tx, from: c.account, inputs: inputs, nonce: nonce}
	c.sent = append(c.sent, method)

	c.logger.Debug("simulated transaction queued",
		zap.String("hash", hash.Hex()),
		zap.String("method", method),
		zap.Uint64("nonce", nonce))

	return tx, nil
}

func (c *SimulateClient) WaitForReceipt(ctx context.Context, tx chain.Tx) (chain.Receipt, error) {
	c.mu.Lock()
	if r, ok := c.receipts[tx.Hash]; ok {
		c.mu.Unlock()
		return r, nil
	}
	if _, ok := c.pending[tx.Hash]; !ok {
		c.mu.Unlock()
		return chain.Receipt{}, errors.Errorf("unknown transaction %s", tx.Hash.Hex())
	}
	gate := c.holds[tx.Method]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-gate:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.receipts[tx.Hash]; ok {
		return r, nil
	}
	return c.mine(c.pending[tx.Hash]), nil
}

// mine must be called with mu held.
func (c *SimulateClient) mine(p *simTx) chain.Receipt {
	delete(c.pending, p.tx.Hash)
	c.ledger.block++

	snapshot := c.ledger.clone()
	var err error
	if c.reverts[p.tx.Method] > 0 {
		c.reverts[p.tx.Method]--
		err = revert("forced revert of %s", p.tx.Method)
	} else {
		err = c.ledger.execute(p.from, p.tx.Contract, p.tx.Method, p.inputs, c.now())
	}
	if err != nil {
		c.ledger = snapshot
		c.logger.Info("simulated transaction reverted",
			zap.String("hash", p.tx.Hash.Hex()),
			zap.String("method", p.tx.Method),
			zap.Error(err))
	}

	receipt := chain.Receipt{
		TxHash:      p.tx.Hash,
		Success:     err == nil,
		BlockNumber: c.ledger.block,
		GasUsed:     21000,
	}
	c.receipts[p.tx.Hash] = receipt
	c.persist()
	return receipt
}

// persist must be called with mu held.
func (c *SimulateClient) persist() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(c.snapshotState()); err != nil {
		c.logger.Error("failed to persist simulated ledger", zap.Error(err))
	}
}

func decodeCall(contractABI *abi.ABI, method string, args []any) (abi.Method, []any, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return abi.Method{}, nil, errors.Errorf("method %s not found in abi", method)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return abi.Method{}, nil, errors.Wrapf(err, "pack %s", method)
	}
	inputs, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return abi.Method{}, nil, errors.Wrapf(err, "unpack %s inputs", method)
	}
	return m, inputs, nil
}

// Fund credits owner with amount of the asset without a transaction.
func (c *SimulateClient) Fund(asset, owner common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.ledger.token(asset)
	if err != nil {
		return err
	}
	t.mint(owner, amount)
	c.persist()
	return nil
}

// SetExchangeRate changes a pool rate, emulating accrued staking yield.
func (c *SimulateClient) SetExchangeRate(pool common.Address, rate *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ledger.pools[pool]
	if !ok {
		return errors.Errorf("no pool at %s", pool.Hex())
	}
	if rate.Sign() <= 0 {
		return errors.New("exchange rate must be positive")
	}
	p.rate = new(big.Int).Set(rate)
	c.persist()
	return nil
}

// HoldMethod keeps transactions calling method unmined until release is called.
func (c *SimulateClient) HoldMethod(method string) (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.holds[method] = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.holds[method] == gate {
				delete(c.holds, method)
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// RevertNext makes the next mined transaction calling method revert.
func (c *SimulateClient) RevertNext(method string) {
	c.mu.Lock()
	c.reverts[method]++
	c.mu.Unlock()
}

// SentMethods lists the submitted transactions in submission order.
func (c *SimulateClient) SentMethods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// Reads returns how many times a view method was called.
func (c *SimulateClient) Reads(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[method]
}

// PendingCount returns the number of queued, unmined transactions.
func (c *SimulateClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseStoredAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}

func (c *SimulateClient) snapshotState() simstate.State {
	l := c.ledger
	state := simstate.State{
		Block:  l.block,
		Nonce:  c.nonce,
		Fee:    amountString(l.fee),
		Tokens: make(map[string]simstate.TokenState, len(l.tokens)),
		Vault: &simstate.VaultState{
			ReserveA: amountString(l.reserveA),
			ReserveB: amountString(l.reserveB),
		},
		Pools: make(map[string]simstate.PoolState, len(l.pools)),
		Loans: make(map[string][]simstate.LoanState, len(l.loans)),
	}
	for addr, t := range l.tokens {
		ts := simstate.TokenState{
			Supply:     amountString(t.supply),
			Balances:   make(map[string]string, len(t.balances)),
			Allowances: make(map[string]map[string]string, len(t.allowances)),
		}
		for owner, v := range t.balances {
			ts.Balances[owner.Hex()] = v.String()
		}
		for owner, m := range t.allowances {
			sm := make(map[string]string, len(m))
			for spender, v := range m {
				sm[spender.Hex()] = v.String()
			}
			ts.Allowances[owner.Hex()] = sm
		}
		state.Tokens[addr.Hex()] = ts
	}
	for addr, p := range l.pools {
		state.Pools[addr.Hex()] = simstate.PoolState{Rate: p.rate.String(), Liquidity: p.liquidity.String()}
	}
	for owner, loans := range l.loans {
		stored := make([]simstate.LoanState, 0, len(loans))
		for _, loan := range loans {
			stored = append(stored, simstate.LoanState{
				CollateralToken:  loan.collateralToken.Hex(),
				CollateralAmount: loan.collateralAmount.String(),
				BorrowToken:      loan.borrowToken.Hex(),
				BorrowAmount:     loan.borrowAmount.String(),
				Timestamp:        loan.timestamp,
				Active:           loan.active,
			})
		}
		state.Loans[owner.Hex()] = stored
	}
	return state
}

func (c *SimulateClient) restore(state *simstate.State) error {
	l := newLedger(c.network, defaultSimFeeBps)
	l.block = state.Block
	c.nonce = state.Nonce

	fee, err := parseStoredAmount(state.Fee)
	if err != nil {
		return err
	}
	if state.Fee != "" {
		l.fee = fee
	}

	// sorted for deterministic error reporting
	addrs := make([]string, 0, len(state.Tokens))
	for addr := range state.Tokens {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		ts := state.Tokens[addr]
		t, ok := l.tokens[common.HexToAddress(addr)]
		if !ok {
			c.logger.Warn("stored token is not configured, skipping", zap.String("address", addr))
			continue
		}
		if t.supply, err = parseStoredAmount(ts.Supply); err != nil {
			return err
		}
		for owner, v := range ts.Balances {
			amount, err := parseStoredAmount(v)
			if err != nil {
				return err
			}
			t.balances[common.HexToAddress(owner)] = amount
		}
		for owner, m := range ts.Allowances {
			for spender, v := range m {
				amount, err := parseStoredAmount(v)
				if err != nil {
					return err
				}
				t.approve(common.HexToAddress(owner), common.HexToAddress(spender), amount)
			}
		}
	}

	if state.Vault != nil {
		if l.reserveA, err = parseStoredAmount(state.Vault.ReserveA); err != nil {
			return err
		}
		if l.reserveB, err = parseStoredAmount(state.Vault.ReserveB); err != nil {
			return err
		}
	}

	for addr, ps := range state.Pools {
		p, ok := l.pools[common.HexToAddress(addr)]
		if !ok {
			continue
		}
		rate, err := parseStoredAmount(ps.Rate)
		if err != nil {
			return err
		}
		if rate.Sign() > 0 {
			p.rate = rate
		}
		if p.liquidity, err = parseStoredAmount(ps.Liquidity); err != nil {
			return err
		}
	}

	for owner, loans := range state.Loans {
		restored := make([]*simLoan, 0, len(loans))
		for _, ls := range loans {
			ca, err := parseStoredAmount(ls.CollateralAmount)
			if err != nil {
				return err
			}
			ba, err := parseStoredAmount(ls.BorrowAmount)
			if err != nil {
				return err
			}
			restored = append(restored, &simLoan{
				collateralToken:  common.HexToAddress(ls.CollateralToken),
				collateralAmount: ca,
				borrowToken:      common.HexToAddress(ls.BorrowToken),
				borrowAmount:     ba,
				timestamp:        ls.Timestamp,
				active:           ls.Active,
			})
		}
		l.loans[common.HexToAddress(owner)] = restored
	}

	c.ledger = l
	return nil
}
