package loans

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/saigon/config"
	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/clients"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/services/orchestrator"
	chainmock "github.com/vadiminshakov/saigon/mocks/chain"
)

var borrower = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.RateScale)
}

type fixture struct {
	sim      *clients.SimulateClient
	set      *contracts.Set
	orch     *orchestrator.Orchestrator
	registry *Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	abis := chain.MustLoadABIs()
	sim, err := clients.NewSimulateClient(network, abis, borrower, clients.WithFeeBasisPoints(500))
	require.NoError(t, err)
	set := contracts.NewSet(sim, abis, network)
	bus := events.NewBus()
	orch := orchestrator.New(set, bus)
	return fixture{
		sim:      sim,
		set:      set,
		orch:     orch,
		registry: NewRegistry(set.Lending, set.Lending.Address, network.Assets, orch, bus, nil),
	}
}

func (f fixture) borrow(t *testing.T, collateral string, collAmount *big.Int, borrowed string, amount *big.Int) {
	t.Helper()
	a, err := f.set.Network.Assets.BySymbol(collateral)
	require.NoError(t, err)
	require.NoError(t, f.sim.Fund(a.Address, borrower, collAmount))
	pa, err := f.orch.Borrow(context.Background(), collateral, collAmount, borrowed, amount)
	require.NoError(t, err)
	_, err = pa.Wait(context.Background())
	require.NoError(t, err)
}

func TestRegistry_ListsOnlyActiveLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rows, err := f.registry.ListActiveLoans(ctx, borrower)
	require.NoError(t, err)
	assert.Empty(t, rows)

	f.borrow(t, "vBTC", units(10), "VNST", units(100))
	f.borrow(t, "VNST", units(300), "vBTC", units(2))

	rows, err = f.registry.ListActiveLoans(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "vBTC", rows[0].Collateral.Symbol)
	assert.Equal(t, "VNST", rows[0].Borrow.Symbol)
	assert.Equal(t, units(105), rows[0].RepaymentAmount)
	assert.True(t, rows[0].Repayable())
	assert.Equal(t, uint64(1), rows[1].ID)
	assert.Equal(t, "2.1", domain.FormatAmount(rows[1].RepaymentAmount, rows[1].Borrow.Decimals))

	// settle loan 0 and watch it drop out
	require.NoError(t, f.sim.Fund(rows[0].Borrow.Address, borrower, units(5)))
	pa, err := f.registry.Repay(ctx, 0)
	require.NoError(t, err)
	_, err = pa.Wait(ctx)
	require.NoError(t, err)

	rows, err = f.registry.ListActiveLoans(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].ID)
	for _, row := range rows {
		assert.True(t, row.Active)
	}
}

func TestRegistry_EnumerationIsRestartableAndLazy(t *testing.T) {
	f := newFixture(t)
	f.borrow(t, "vBTC", units(1), "VNST", units(10))
	f.borrow(t, "vBTC", units(1), "VNST", units(10))

	seq := f.registry.ActiveLoans(context.Background(), borrower)
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())

	before := f.sim.Reads("getLoan")
	for range seq {
		break
	}
	assert.Equal(t, before+1, f.sim.Reads("getLoan"))
}

func TestRegistry_UnknownTokenFailsOnlyItsRow(t *testing.T) {
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	abis := chain.MustLoadABIs()
	client := chainmock.NewClient(t)
	lending := contracts.NewLending(client, abis, network.Lending)

	vbtc, _ := network.Assets.BySymbol("vBTC")
	vnst, _ := network.Assets.BySymbol("VNST")
	stranger := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	client.On("Call", mock.Anything, network.Lending, abis.Lending, "getUserLoanCount", borrower).
		Return([]any{big.NewInt(3)}, nil)
	client.On("Call", mock.Anything, network.Lending, abis.Lending, "getLoan", borrower, big.NewInt(0)).
		Return([]any{contracts.LoanTuple{
			Borrower: borrower, CollateralToken: stranger, CollateralAmount: units(1),
			BorrowToken: vnst.Address, BorrowAmount: units(10), Timestamp: big.NewInt(1), IsActive: true,
		}}, nil)
	client.On("Call", mock.Anything, network.Lending, abis.Lending, "getLoan", borrower, big.NewInt(1)).
		Return([]any{contracts.LoanTuple{
			Borrower: borrower, CollateralToken: vbtc.Address, CollateralAmount: units(1),
			BorrowToken: vnst.Address, BorrowAmount: units(10), Timestamp: big.NewInt(2), IsActive: true,
		}}, nil)
	client.On("Call", mock.Anything, network.Lending, abis.Lending, "getLoan", borrower, big.NewInt(2)).
		Return([]any{contracts.LoanTuple{
			Borrower: borrower, CollateralToken: vbtc.Address, CollateralAmount: units(1),
			BorrowToken: vnst.Address, BorrowAmount: units(10), Timestamp: big.NewInt(3), IsActive: false,
		}}, nil)
	client.On("Call", mock.Anything, network.Lending, abis.Lending, "calculateRepaymentAmount", borrower, big.NewInt(1)).
		Return([]any{units(11)}, nil)

	registry := NewRegistry(lending, network.Lending, network.Assets, nil, nil, nil)
	rows, err := registry.ListActiveLoans(context.Background(), borrower)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, errors.Is(rows[0].Err, domain.ErrUnknownAsset))
	assert.False(t, rows[0].Repayable())
	assert.Empty(t, rows[0].Collateral.Symbol)
	assert.Nil(t, rows[0].RepaymentAmount)

	assert.NoError(t, rows[1].Err)
	assert.Equal(t, "vBTC", rows[1].Collateral.Symbol)
	assert.Equal(t, units(11), rows[1].RepaymentAmount)

	_, err = registry.Repay(context.Background(), 1)
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}

func TestRegistry_CountFailure(t *testing.T) {
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	abis := chain.MustLoadABIs()
	client := chainmock.NewClient(t)
	client.On("Call", mock.Anything, network.Lending, abis.Lending, "getUserLoanCount", borrower).
		Return(nil, errors.New("rpc unavailable"))

	registry := NewRegistry(contracts.NewLending(client, abis, network.Lending), network.Lending, network.Assets, nil, nil, nil)
	_, err = registry.ListActiveLoans(context.Background(), borrower)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReadFailure))
}

func TestRegistry_WatchRelistsOnInvalidation(t *testing.T) {
	f := newFixture(t)
	f.borrow(t, "vBTC", units(10), "VNST", units(100))

	listings, stop := f.registry.Watch(context.Background(), borrower, time.Hour)
	defer stop()

	first := <-listings
	require.NoError(t, first.Err)
	require.Len(t, first.Rows, 1)

	require.NoError(t, f.sim.Fund(first.Rows[0].Borrow.Address, borrower, units(5)))
	pa, err := f.registry.Repay(context.Background(), first.Rows[0].ID)
	require.NoError(t, err)
	_, err = pa.Wait(context.Background())
	require.NoError(t, err)

	select {
	case next := <-listings:
		require.NoError(t, next.Err)
		assert.Empty(t, next.Rows)
	case <-time.After(2 * time.Second):
		t.Fatal("no listing after repay")
	}

	stop()
	_, open := <-listings
	assert.False(t, open)
}

func TestRegistry_WatchDefaultsInterval(t *testing.T) {
	f := newFixture(t)
	f.borrow(t, "vBTC", units(10), "VNST", units(100))

	for _, interval := range []time.Duration{0, -time.Second} {
		listings, stop := f.registry.Watch(context.Background(), borrower, interval)
		select {
		case l := <-listings:
			require.NoError(t, l.Err)
			assert.Len(t, l.Rows, 1)
		case <-time.After(2 * time.Second):
			t.Fatal("no listing")
		}
		stop()
	}
}
