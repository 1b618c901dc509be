package clients

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/saigon/config"
	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/storage/simstate"
)

var simAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.RateScale)
}

type simFixture struct {
	t      *testing.T
	client *SimulateClient
	set    *contracts.Set
	net    *domain.Network
}

func newSimFixture(t *testing.T, opts ...SimOption) simFixture {
	t.Helper()
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	abis := chain.MustLoadABIs()
	client, err := NewSimulateClient(network, abis, simAccount, opts...)
	require.NoError(t, err)
	return simFixture{t: t, client: client, set: contracts.NewSet(client, abis, network), net: network}
}

func (f simFixture) asset(t *testing.T, symbol string) domain.Asset {
	t.Helper()
	a, err := f.net.Assets.BySymbol(symbol)
	require.NoError(t, err)
	return a
}

// confirm waits for a submitted write to be mined.
func (f simFixture) confirm(tx chain.Tx, err error) chain.Receipt {
	f.t.Helper()
	require.NoError(f.t, err)
	r, err := f.client.WaitForReceipt(context.Background(), tx)
	require.NoError(f.t, err)
	return r
}

func (f simFixture) balance(t *testing.T, symbol string) *big.Int {
	t.Helper()
	v, err := f.set.BalanceOf(context.Background(), f.asset(t, symbol), simAccount)
	require.NoError(t, err)
	return v
}

func TestSimulateClient_MintApproveRoundTrip(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	vnst := f.set.Token(f.asset(t, "VNST"))

	r := f.confirm(vnst.Mint(ctx, simAccount, units(1000)))
	assert.True(t, r.Success)
	assert.Equal(t, units(1000), f.balance(t, "VNST"))

	pool, _ := f.net.PoolFor("VNST")
	r = f.confirm(vnst.Approve(ctx, pool.Address, units(500)))
	assert.True(t, r.Success)

	allowance, err := vnst.Allowance(ctx, simAccount, pool.Address)
	require.NoError(t, err)
	assert.True(t, allowance.Cmp(units(500)) >= 0)
}

func TestSimulateClient_WritesApplyOnlyWhenMined(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	vnst := f.set.Token(f.asset(t, "VNST"))

	tx, err := vnst.Mint(ctx, simAccount, units(5))
	require.NoError(t, err)
	assert.Equal(t, 1, f.client.PendingCount())
	assert.Equal(t, 0, f.balance(t, "VNST").Sign())

	f.confirm(tx, nil)
	assert.Equal(t, units(5), f.balance(t, "VNST"))
	assert.Equal(t, 0, f.client.PendingCount())

	// receipts are stable
	again, err := f.client.WaitForReceipt(ctx, tx)
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestSimulateClient_StakeAndUnstake(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	vnst := f.set.Token(f.asset(t, "VNST"))
	spec, _ := f.net.PoolFor("VNST")
	pool, ok := f.set.Pool(spec.Address)
	require.True(t, ok)

	require.NoError(t, f.client.Fund(vnst.Address, simAccount, units(1000)))

	// no allowance: provideLiquidity reverts and changes nothing
	r := f.confirm(pool.Stake(ctx, units(500)))
	assert.False(t, r.Success)
	assert.Equal(t, units(1000), f.balance(t, "VNST"))

	f.confirm(vnst.Approve(ctx, spec.Address, units(500)))
	r = f.confirm(pool.Stake(ctx, units(500)))
	require.True(t, r.Success)
	assert.Equal(t, units(500), f.balance(t, "VNST"))
	assert.Equal(t, units(500), f.balance(t, "sgVNST"))

	// yield accrues through the exchange rate
	rate := new(big.Int).Mul(big.NewInt(11), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	require.NoError(t, f.client.SetExchangeRate(spec.Address, rate))
	got, err := pool.ExchangeRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, rate, got)

	r = f.confirm(pool.Unstake(ctx, units(100)))
	require.True(t, r.Success)
	assert.Equal(t, units(400), f.balance(t, "sgVNST"))
	assert.Equal(t, units(610), f.balance(t, "VNST"))
}

func TestSimulateClient_VaultLiquidity(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	vbtc := f.set.Token(f.asset(t, "vBTC"))
	vnst := f.set.Token(f.asset(t, "VNST"))

	require.NoError(t, f.client.Fund(vbtc.Address, simAccount, units(4)))
	require.NoError(t, f.client.Fund(vnst.Address, simAccount, units(100)))
	f.confirm(vbtc.Approve(ctx, f.set.Vault.Address, units(4)))
	f.confirm(vnst.Approve(ctx, f.set.Vault.Address, units(100)))

	r := f.confirm(f.set.Vault.AddLiquidity(ctx, units(4), units(100)))
	require.True(t, r.Success)

	a, b, err := f.set.Vault.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, units(4), a)
	assert.Equal(t, units(100), b)

	price, err := f.set.Vault.Price(ctx)
	require.NoError(t, err)
	assert.Equal(t, units(25), price)

	shares := f.balance(t, "vLP")
	assert.Equal(t, units(20), shares) // sqrt(4*100)

	r = f.confirm(f.set.Vault.RemoveLiquidity(ctx, units(10)))
	require.True(t, r.Success)
	assert.Equal(t, units(2), f.balance(t, "vBTC"))
	assert.Equal(t, units(50), f.balance(t, "VNST"))
	assert.Equal(t, units(10), f.balance(t, "vLP"))
}

func TestSimulateClient_BorrowAndRepay(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := newSimFixture(t, WithFeeBasisPoints(500), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	vbtc := f.set.Token(f.asset(t, "vBTC"))
	vnst := f.set.Token(f.asset(t, "VNST"))
	lending := f.set.Lending

	require.NoError(t, f.client.Fund(vbtc.Address, simAccount, units(10)))
	f.confirm(vbtc.Approve(ctx, lending.Address, units(10)))
	r := f.confirm(lending.Borrow(ctx, vbtc.Address, units(10), vnst.Address, units(100)))
	require.True(t, r.Success)

	count, err := lending.LoanCount(ctx, simAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	loan, err := lending.Loan(ctx, simAccount, 0)
	require.NoError(t, err)
	assert.True(t, loan.Active)
	assert.Equal(t, vbtc.Address, loan.CollateralToken)
	assert.Equal(t, now.Unix(), loan.OpenedAt.Unix())

	owed, err := lending.RepaymentAmount(ctx, simAccount, 0)
	require.NoError(t, err)
	assert.Equal(t, units(105), owed)

	// fee not covered: repay reverts
	f.confirm(vnst.Approve(ctx, lending.Address, owed))
	r = f.confirm(lending.Repay(ctx, 0))
	assert.False(t, r.Success)

	require.NoError(t, f.client.Fund(vnst.Address, simAccount, units(5)))
	r = f.confirm(lending.Repay(ctx, 0))
	require.True(t, r.Success)

	loan, err = lending.Loan(ctx, simAccount, 0)
	require.NoError(t, err)
	assert.False(t, loan.Active)
	assert.Equal(t, units(10), f.balance(t, "vBTC"))
	assert.Equal(t, 0, f.balance(t, "VNST").Sign())
}

func TestSimulateClient_HoldAndRevertHooks(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	vnst := f.set.Token(f.asset(t, "VNST"))

	release := f.client.HoldMethod("mint")
	tx, err := vnst.Mint(ctx, simAccount, units(1))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.client.WaitForReceipt(short, tx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	r, err := f.client.WaitForReceipt(ctx, tx)
	require.NoError(t, err)
	assert.True(t, r.Success)

	f.client.RevertNext("mint")
	r = f.confirm(vnst.Mint(ctx, simAccount, units(1)))
	assert.False(t, r.Success)
	assert.Equal(t, units(1), f.balance(t, "VNST"))
	assert.Equal(t, []string{"mint", "mint"}, f.client.SentMethods())
}

func TestSimulateClient_Persistence(t *testing.T) {
	store, err := simstate.NewStore(t.TempDir(), "ledger")
	require.NoError(t, err)

	f := newSimFixture(t, WithStateStore(store))
	ctx := context.Background()
	vbtc := f.set.Token(f.asset(t, "vBTC"))
	f.confirm(vbtc.Mint(ctx, simAccount, units(3)))
	f.confirm(vbtc.Approve(ctx, f.set.Lending.Address, units(1)))

	restored := newSimFixture(t, WithStateStore(store))
	assert.Equal(t, units(3), restored.balance(t, "vBTC"))
	allowance, err := restored.set.Allowance(ctx, restored.asset(t, "vBTC"), simAccount, f.set.Lending.Address)
	require.NoError(t, err)
	assert.Equal(t, units(1), allowance)
}

func TestSimulateClient_CallRevertIsError(t *testing.T) {
	f := newSimFixture(t)
	_, err := f.set.Lending.Loan(context.Background(), simAccount, 7)
	require.Error(t, err)
	assert.Equal(t, domain.CodeReadFailure, domain.CodeOf(err))
}
