package position

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/services/tracker"
)

// Aggregator gathers tracker snapshots and contract reads into view models.
type Aggregator struct {
	tracker *tracker.Tracker
	set     *contracts.Set
	network *domain.Network
	logger  *zap.Logger
	now     func() time.Time
}

func NewAggregator(tr *tracker.Tracker, set *contracts.Set, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		tracker: tr,
		set:     set,
		network: set.Network,
		logger:  logger,
		now:     time.Now,
	}
}

// balance returns the retained state while it is fresh and reads the chain
// when nothing is loaded, the asset was invalidated or the snapshot aged out.
func (a *Aggregator) balance(ctx context.Context, owner common.Address, symbol string) domain.BalanceState {
	if !a.tracker.Stale(owner, symbol) {
		return a.tracker.Latest(owner, symbol)
	}
	if a.tracker.Invalidated(owner, symbol) {
		// a read already in flight may predate the invalidation
		a.tracker.Forget(owner, symbol)
	}
	st, err := a.tracker.RefreshNow(ctx, owner, symbol)
	if err != nil {
		a.logger.Debug("balance unavailable for view", zap.String("asset", symbol), zap.Error(err))
	}
	return st
}

// View builds the view model of symbol for owner. A receipt token symbol
// selects the view of its underlying asset.
func (a *Aggregator) View(ctx context.Context, owner common.Address, symbol string) (View, error) {
	asset, err := a.network.Assets.BySymbol(symbol)
	if err != nil {
		return View{}, err
	}
	if asset.IsReceipt() {
		if asset, err = a.network.Assets.BySymbol(asset.Underlying); err != nil {
			return View{}, err
		}
	}

	in := Inputs{Owner: owner, Asset: asset}
	spec, staking := a.network.PoolFor(asset.Symbol)

	if staking {
		receipt, err := a.network.Assets.BySymbol(spec.Receipt)
		if err != nil {
			return View{}, err
		}
		in.Receipt = &receipt
		in.Pool = spec.Address
	}

	var g errgroup.Group
	g.Go(func() error {
		in.Wallet = a.balance(ctx, owner, asset.Symbol)
		return nil
	})
	if staking {
		receipt := *in.Receipt
		g.Go(func() error {
			in.Staked = a.balance(ctx, owner, receipt.Symbol)
			return nil
		})
		g.Go(func() error {
			v, err := a.set.Allowance(ctx, asset, owner, spec.Address)
			in.Allowance = ValueReading(v, err, a.now())
			return nil
		})
		g.Go(func() error {
			pool, ok := a.set.Pool(spec.Address)
			if !ok {
				in.Rate = unavailable("pool %s not bound", spec.Address.Hex())
				return nil
			}
			v, err := pool.ExchangeRate(ctx)
			in.Rate = ValueReading(v, err, a.now())
			return nil
		})
	}
	_ = g.Wait()

	return ComputeView(in), nil
}

// Views builds the view of every non-receipt, non-LP asset.
func (a *Aggregator) Views(ctx context.Context, owner common.Address) []View {
	var out []View
	for _, asset := range a.network.Assets.All() {
		if asset.IsReceipt() || asset.Symbol == a.network.Vault.LPToken {
			continue
		}
		v, err := a.View(ctx, owner, asset.Symbol)
		if err != nil {
			a.logger.Warn("skipping view", zap.String("asset", asset.Symbol), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

// NeedsApproval reads the current allowance of spender and reports whether
// requested needs an approve first.
func (a *Aggregator) NeedsApproval(ctx context.Context, owner common.Address, symbol string, spender common.Address, requested *big.Int) (bool, error) {
	asset, err := a.network.Assets.BySymbol(symbol)
	if err != nil {
		return false, err
	}
	allowance, err := a.set.Allowance(ctx, asset, owner, spender)
	if err != nil {
		return false, err
	}
	return domain.NeedsApproval(allowance, requested), nil
}

// VaultView reads the vault reserves, price and the owner's LP position.
func (a *Aggregator) VaultView(ctx context.Context, owner common.Address) (VaultView, error) {
	var (
		v   VaultView
		err error
	)
	if v.TokenA, err = a.network.Assets.BySymbol(a.network.Vault.TokenA); err != nil {
		return VaultView{}, err
	}
	if v.TokenB, err = a.network.Assets.BySymbol(a.network.Vault.TokenB); err != nil {
		return VaultView{}, err
	}
	if v.LP, err = a.network.Assets.BySymbol(a.network.Vault.LPToken); err != nil {
		return VaultView{}, err
	}
	vault := a.set.Vault

	var g errgroup.Group
	g.Go(func() error {
		ra, rb, err := vault.Reserves(ctx)
		v.ReserveA = ValueReading(ra, err, a.now())
		v.ReserveB = ValueReading(rb, err, a.now())
		return nil
	})
	g.Go(func() error {
		p, err := vault.Price(ctx)
		v.Price = ValueReading(p, err, a.now())
		return nil
	})
	g.Go(func() error {
		s, err := vault.TotalSupply(ctx)
		v.TotalSupply = ValueReading(s, err, a.now())
		return nil
	})
	g.Go(func() error {
		v.Shares = StateReading(a.balance(ctx, owner, v.LP.Symbol))
		if !v.Shares.Available() {
			v.ShareA = Reading{Err: v.Shares.Err}
			v.ShareB = v.ShareA
			return nil
		}
		sa, sb, err := vault.LiquidityValue(ctx, v.Shares.Value)
		v.ShareA = ValueReading(sa, err, a.now())
		v.ShareB = ValueReading(sb, err, a.now())
		return nil
	})
	_ = g.Wait()

	return v, nil
}

// LendingTerms reads the lending fee.
func (a *Aggregator) LendingTerms(ctx context.Context) LendingTerms {
	fee, denom, err := a.set.Lending.FeeBasisPoints(ctx)
	return LendingTerms{
		Fee:         ValueReading(fee, err, a.now()),
		BasisPoints: ValueReading(denom, err, a.now()),
	}
}
