package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/saigon/config"
	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/clients"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	chainmock "github.com/vadiminshakov/saigon/mocks/chain"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.RateScale)
}

type memoryJournal struct {
	mu       sync.Mutex
	outcomes []domain.ActionOutcome
}

func (j *memoryJournal) SaveOutcome(o domain.ActionOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

type fixture struct {
	sim  *clients.SimulateClient
	set  *contracts.Set
	bus  *events.Bus
	orch *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	abis := chain.MustLoadABIs()
	sim, err := clients.NewSimulateClient(network, abis, owner, clients.WithFeeBasisPoints(500))
	require.NoError(t, err)
	set := contracts.NewSet(sim, abis, network)
	bus := events.NewBus()
	return fixture{sim: sim, set: set, bus: bus, orch: New(set, bus, opts...)}
}

func (f fixture) asset(t *testing.T, symbol string) domain.Asset {
	t.Helper()
	a, err := f.set.Network.Assets.BySymbol(symbol)
	require.NoError(t, err)
	return a
}

func (f fixture) fund(t *testing.T, symbol string, amount *big.Int) {
	t.Helper()
	require.NoError(t, f.sim.Fund(f.asset(t, symbol).Address, owner, amount))
}

func (f fixture) balance(t *testing.T, symbol string) *big.Int {
	t.Helper()
	v, err := f.set.BalanceOf(context.Background(), f.asset(t, symbol), owner)
	require.NoError(t, err)
	return v
}

func wait(t *testing.T, pa *PendingAction) (domain.ActionOutcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := pa.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "action did not resolve")
	return out, err
}

func TestStake_ApprovesBeforeProvidingLiquidity(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "VNST", units(1000))
	spec, _ := f.set.Network.PoolFor("VNST")

	vnstSub := f.bus.Subscribe(f.asset(t, "VNST").Address)
	defer vnstSub.Close()
	receiptSub := f.bus.Subscribe(f.asset(t, "sgVNST").Address)
	defer receiptSub.Close()

	pa, err := f.orch.Stake(context.Background(), "VNST", units(500))
	require.NoError(t, err)
	out, err := wait(t, pa)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionConfirmed, out.State)
	assert.Len(t, out.TxHashes, 2)
	assert.Equal(t, []string{"approve", "provideLiquidity"}, f.sim.SentMethods())
	assert.Equal(t, units(500), f.balance(t, "VNST"))
	assert.Equal(t, units(500), f.balance(t, "sgVNST"))

	allowance, err := f.set.Allowance(context.Background(), f.asset(t, "VNST"), owner, spec.Address)
	require.NoError(t, err)
	assert.Equal(t, 0, allowance.Sign())

	inv := <-vnstSub.C
	assert.Equal(t, pa.ID, inv.ActionID)
	assert.Equal(t, "stake", inv.Reason)
	<-receiptSub.C
	assert.True(t, f.orch.Idle(domain.ActionStake, "VNST"))
}

func TestStake_SkipsApproveWhenAllowanceCovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "VNST", units(100))
	spec, _ := f.set.Network.PoolFor("VNST")

	tx, err := f.set.Token(f.asset(t, "VNST")).Approve(ctx, spec.Address, domain.InfiniteApproval)
	require.NoError(t, err)
	_, err = f.sim.WaitForReceipt(ctx, tx)
	require.NoError(t, err)

	pa, err := f.orch.Stake(ctx, "VNST", units(100))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "provideLiquidity"}, f.sim.SentMethods())
}

func TestBorrow_InsufficientCollateralIsRejectedBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "vBTC", units(10))

	_, err := f.orch.Borrow(context.Background(), "vBTC", units(50), "VNST", units(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Contains(t, err.Error(), "insufficient vBTC balance")
	assert.Empty(t, f.sim.SentMethods())
	assert.True(t, f.orch.Idle(domain.ActionBorrow, "vBTC"))
}

func TestStake_DuplicateIsRejectedWhilePending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "VNST", units(1000))
	release := f.sim.HoldMethod("approve")

	first, err := f.orch.Stake(context.Background(), "VNST", units(500))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sim.SentMethods()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.ActionPending, first.State())
	assert.False(t, f.orch.Idle(domain.ActionStake, "VNST"))
	require.Len(t, f.orch.Pending(), 1)

	_, err = f.orch.Stake(context.Background(), "VNST", units(500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyInFlight))
	assert.Equal(t, []string{"approve"}, f.sim.SentMethods())

	// a different kind on the same asset is independent
	mint, err := f.orch.Mint(context.Background(), "VNST", units(1))
	require.NoError(t, err)
	_, err = wait(t, mint)
	require.NoError(t, err)

	release()
	out, err := wait(t, first)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionConfirmed, out.State)
	assert.Equal(t, units(501), f.balance(t, "VNST"))

	// idle again once resolved
	again, err := f.orch.Stake(context.Background(), "VNST", units(1))
	require.NoError(t, err)
	_, err = wait(t, again)
	require.NoError(t, err)
}

func TestBorrow_ApprovalFailureStopsTheFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "vBTC", units(10))
	sub := f.bus.Subscribe(f.asset(t, "vBTC").Address)
	defer sub.Close()

	f.sim.RevertNext("approve")
	pa, err := f.orch.Borrow(context.Background(), "vBTC", units(10), "VNST", units(100))
	require.NoError(t, err)

	out, err := wait(t, pa)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrApprovalFailed))
	assert.Equal(t, domain.ActionFailed, out.State)
	assert.Equal(t, domain.CodeApprovalFailed, out.ErrorCode)
	assert.Equal(t, []string{"approve"}, f.sim.SentMethods())
	assert.Equal(t, units(10), f.balance(t, "vBTC"))

	select {
	case <-sub.C:
		t.Fatal("a failed action must not invalidate balances")
	default:
	}
}

func TestBorrow_Confirmed(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "vBTC", units(10))
	lendingSub := f.bus.Subscribe(f.set.Lending.Address)
	defer lendingSub.Close()

	pa, err := f.orch.Borrow(context.Background(), "vBTC", units(10), "VNST", units(100))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)

	assert.Equal(t, []string{"approve", "borrow"}, f.sim.SentMethods())
	assert.Equal(t, 0, f.balance(t, "vBTC").Sign())
	assert.Equal(t, units(100), f.balance(t, "VNST"))
	<-lendingSub.C
}

func openLoan(t *testing.T, f fixture) {
	t.Helper()
	f.fund(t, "vBTC", units(10))
	pa, err := f.orch.Borrow(context.Background(), "vBTC", units(10), "VNST", units(100))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
}

func TestRepay_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	openLoan(t, f)
	sent := len(f.sim.SentMethods())

	// owes 105 VNST, holds 100
	_, err := f.orch.Repay(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Len(t, f.sim.SentMethods(), sent)
}

func TestRepay_Confirmed(t *testing.T) {
	f := newFixture(t)
	openLoan(t, f)
	f.fund(t, "VNST", units(5))

	pa, err := f.orch.Repay(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, units(105), pa.Amount)
	assert.Equal(t, "VNST", pa.Asset)

	_, err = wait(t, pa)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "borrow", "approve", "repay"}, f.sim.SentMethods())
	assert.Equal(t, units(10), f.balance(t, "vBTC"))

	loan, err := f.set.Lending.Loan(context.Background(), owner, 0)
	require.NoError(t, err)
	assert.False(t, loan.Active)

	_, err = f.orch.Repay(context.Background(), 0)
	assert.True(t, errors.Is(err, domain.ErrNotRepayable))
}

func TestLiquidityFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.AddLiquidity(ctx, units(4), units(100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient vBTC balance")

	f.fund(t, "vBTC", units(4))
	_, err = f.orch.AddLiquidity(ctx, units(4), units(100))
	assert.Contains(t, err.Error(), "insufficient VNST balance")

	f.fund(t, "VNST", units(100))
	pa, err := f.orch.AddLiquidity(ctx, units(4), units(100))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "approve", "addLiquidity"}, f.sim.SentMethods())
	assert.Equal(t, units(20), f.balance(t, "vLP"))

	_, err = f.orch.RemoveLiquidity(ctx, units(21))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Contains(t, err.Error(), "insufficient LP token balance")

	pa, err = f.orch.RemoveLiquidity(ctx, units(20))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
	assert.Equal(t, units(4), f.balance(t, "vBTC"))
}

func TestUnstake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Unstake(ctx, "sgVNST", units(1))
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	f.fund(t, "VNST", units(10))
	pa, err := f.orch.Stake(ctx, "VNST", units(10))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)

	// the underlying symbol selects the same pool
	pa, err = f.orch.Unstake(ctx, "VNST", units(4))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
	assert.Equal(t, units(6), f.balance(t, "sgVNST"))
	assert.Equal(t, units(4), f.balance(t, "VNST"))
}

func TestIdle_MatchesTheInFlightKey(t *testing.T) {
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	tests := []struct {
		name  string
		kind  domain.ActionKind
		setup func(t *testing.T, f fixture)
		hold  string
		start func(f fixture) (*PendingAction, error)
		busy  []string
		idle  []string
	}{
		{
			name: "approve",
			kind: domain.ActionApprove,
			hold: "approve",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Approve(context.Background(), "VNST", spender, units(1))
			},
			busy: []string{"VNST"},
			idle: []string{"vBTC", "sgVNST"},
		},
		{
			name: "mint",
			kind: domain.ActionMint,
			hold: "mint",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Mint(context.Background(), "vBTC", units(1))
			},
			busy: []string{"vBTC"},
			idle: []string{"VNST"},
		},
		{
			name:  "stake",
			kind:  domain.ActionStake,
			setup: func(t *testing.T, f fixture) { f.fund(t, "VNST", units(10)) },
			hold:  "approve",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Stake(context.Background(), "VNST", units(10))
			},
			busy: []string{"VNST", "sgVNST"},
			idle: []string{"vBTC", "DOGE"},
		},
		{
			name: "unstake",
			kind: domain.ActionUnstake,
			setup: func(t *testing.T, f fixture) {
				f.fund(t, "VNST", units(10))
				pa, err := f.orch.Stake(context.Background(), "VNST", units(10))
				require.NoError(t, err)
				_, err = wait(t, pa)
				require.NoError(t, err)
			},
			hold: "unstake",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Unstake(context.Background(), "VNST", units(4))
			},
			busy: []string{"VNST", "sgVNST"},
			idle: []string{"vBTC"},
		},
		{
			name:  "borrow",
			kind:  domain.ActionBorrow,
			setup: func(t *testing.T, f fixture) { f.fund(t, "vBTC", units(10)) },
			hold:  "approve",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Borrow(context.Background(), "vBTC", units(10), "VNST", units(100))
			},
			busy: []string{"vBTC"},
			idle: []string{"VNST"},
		},
		{
			name: "repay",
			kind: domain.ActionRepay,
			setup: func(t *testing.T, f fixture) {
				openLoan(t, f)
				f.fund(t, "VNST", units(5))
			},
			hold: "repay",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.Repay(context.Background(), 0)
			},
			busy: []string{"VNST"},
			idle: []string{"vBTC"},
		},
		{
			name: "add liquidity",
			kind: domain.ActionAddLiquidity,
			setup: func(t *testing.T, f fixture) {
				f.fund(t, "vBTC", units(4))
				f.fund(t, "VNST", units(100))
			},
			hold: "approve",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.AddLiquidity(context.Background(), units(4), units(100))
			},
			busy: []string{"vBTC", "VNST", "vLP"},
		},
		{
			name: "remove liquidity",
			kind: domain.ActionRemoveLiquidity,
			setup: func(t *testing.T, f fixture) {
				f.fund(t, "vBTC", units(4))
				f.fund(t, "VNST", units(100))
				pa, err := f.orch.AddLiquidity(context.Background(), units(4), units(100))
				require.NoError(t, err)
				_, err = wait(t, pa)
				require.NoError(t, err)
			},
			hold: "removeLiquidity",
			start: func(f fixture) (*PendingAction, error) {
				return f.orch.RemoveLiquidity(context.Background(), units(20))
			},
			busy: []string{"vBTC", "VNST", "vLP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			sent := len(f.sim.SentMethods())
			release := f.sim.HoldMethod(tt.hold)

			pa, err := tt.start(f)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return len(f.sim.SentMethods()) > sent }, time.Second, time.Millisecond)

			for _, symbol := range tt.busy {
				assert.False(t, f.orch.Idle(tt.kind, symbol), "%s should be busy", symbol)
			}
			for _, symbol := range tt.idle {
				assert.True(t, f.orch.Idle(tt.kind, symbol), "%s should be idle", symbol)
			}

			// every symbol reported busy is rejected by Execute
			_, err = tt.start(f)
			assert.True(t, errors.Is(err, domain.ErrAlreadyInFlight))

			release()
			_, err = wait(t, pa)
			require.NoError(t, err)
			for _, symbol := range tt.busy {
				assert.True(t, f.orch.Idle(tt.kind, symbol))
			}
		})
	}
}

func TestWithoutAutoApprove(t *testing.T) {
	f := newFixture(t, WithAutoApprove(false))
	f.fund(t, "VNST", units(10))

	_, err := f.orch.Stake(context.Background(), "VNST", units(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientAllowance))
	assert.Empty(t, f.sim.SentMethods())

	spec, _ := f.set.Network.PoolFor("VNST")
	pa, err := f.orch.Approve(context.Background(), "VNST", spec.Address, units(10))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)

	pa, err = f.orch.Stake(context.Background(), "VNST", units(10))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)
}

func TestExecute_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown asset", Request{Kind: domain.ActionStake, Asset: "DOGE", Amount: units(1)}, domain.ErrUnknownAsset},
		{"zero amount", Request{Kind: domain.ActionMint, Asset: "VNST", Amount: big.NewInt(0)}, domain.ErrInvalidAmount},
		{"nil amount", Request{Kind: domain.ActionStake, Asset: "VNST"}, domain.ErrInvalidAmount},
		{"approve without spender", Request{Kind: domain.ActionApprove, Asset: "VNST", Amount: units(1)}, domain.ErrInvalidAmount},
		{"stake a receipt", Request{Kind: domain.ActionStake, Asset: "sgVNST", Amount: units(1)}, domain.ErrUnknownAsset},
		{"mint LP shares", Request{Kind: domain.ActionMint, Asset: "vLP", Amount: units(1)}, domain.ErrUnknownAsset},
		{"borrow same asset", Request{Kind: domain.ActionBorrow, Asset: "VNST", Amount: units(1), CounterAsset: "VNST", CounterAmount: units(1)}, domain.ErrInvalidAmount},
		{"repay missing loan", Request{Kind: domain.ActionRepay, LoanID: 9}, domain.ErrReadFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Execute(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Empty(t, f.sim.SentMethods())
	assert.Empty(t, f.orch.Pending())
}

func TestJournalAndOutcomeStream(t *testing.T) {
	journal := &memoryJournal{}
	stream := events.NewBroadcaster[domain.ActionOutcome](8)
	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	f := newFixture(t, WithJournal(journal), WithOutcomes(stream))
	pa, err := f.orch.Mint(context.Background(), "vBTC", units(2))
	require.NoError(t, err)
	_, err = wait(t, pa)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, domain.ActionPending, first.State)
	second := <-ch
	assert.Equal(t, domain.ActionConfirmed, second.State)
	assert.Equal(t, pa.ID, second.ID)

	require.Len(t, journal.outcomes, 1)
	assert.Equal(t, domain.ActionMint, journal.outcomes[0].Kind)
	assert.Equal(t, units(2).String(), journal.outcomes[0].Amount)
	assert.False(t, journal.outcomes[0].FinishedAt.IsZero())
}

func TestBaseContextCancellationResolvesPending(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	f := newFixture(t, WithBaseContext(base))
	f.sim.HoldMethod("mint")

	pa, err := f.orch.Mint(context.Background(), "VNST", units(1))
	require.NoError(t, err)
	cancel()

	out, err := wait(t, pa)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransactionFailed))
	assert.Equal(t, domain.ActionFailed, out.State)
	assert.True(t, f.orch.Idle(domain.ActionMint, "VNST"))
	f.orch.Wait()
}

func TestExecute_NotConnected(t *testing.T) {
	network, err := config.DefaultNetwork()
	require.NoError(t, err)
	client := chainmock.NewClient(t)
	client.On("IsConnected").Return(false)

	o := New(contracts.NewSet(client, chain.MustLoadABIs(), network), nil)
	_, err = o.Mint(context.Background(), "VNST", units(1))
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}
