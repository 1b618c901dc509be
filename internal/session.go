package internal

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/saigon/config"
	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/clients"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/metrics"
	"github.com/vadiminshakov/saigon/internal/services/loans"
	"github.com/vadiminshakov/saigon/internal/services/orchestrator"
	"github.com/vadiminshakov/saigon/internal/services/position"
	"github.com/vadiminshakov/saigon/internal/services/tracker"
	"github.com/vadiminshakov/saigon/internal/storage/activity"
	"github.com/vadiminshakov/saigon/internal/storage/simstate"
	"github.com/vadiminshakov/saigon/internal/web"
)

// Session is one connected wallet: the chain client and every service built
// on it, sharing one invalidation bus.
type Session struct {
	Config    config.Config
	Client    chain.Client
	Contracts *contracts.Set
	Bus       *events.Bus
	Outcomes  *events.Broadcaster[domain.ActionOutcome]
	Tracker   *tracker.Tracker
	Positions *position.Aggregator
	Actions   *orchestrator.Orchestrator
	Loans     *loans.Registry
	Activity  *activity.WALStore
	Web       *web.Server

	logger *zap.Logger
	close  []func()
}

// NewSession connects the configured backend and wires the services.
// Actions started by the session outlive request contexts and end with base.
func NewSession(base context.Context, conf config.Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{Config: conf, logger: logger}

	client, err := s.connect(base)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Client = client

	store, err := activity.NewWALStore(conf.WALDir)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to open activity log")
	}
	s.Activity = store
	s.close = append(s.close, func() {
		if err := store.Close(); err != nil {
			logger.Warn("close activity log", zap.Error(err))
		}
	})

	m := metrics.Default()
	abis := chain.MustLoadABIs()
	s.Contracts = contracts.NewSet(client, abis, conf.Network)
	s.Bus = events.NewBus()
	s.Outcomes = events.NewBroadcaster[domain.ActionOutcome](64)

	s.Tracker = tracker.New(s.Contracts, conf.Network.Assets, s.Bus,
		tracker.WithInterval(conf.PollInterval),
		tracker.WithLogger(logger.Named("tracker")),
		tracker.WithSink(store),
		tracker.WithMetrics(m))
	s.Positions = position.NewAggregator(s.Tracker, s.Contracts, logger.Named("positions"))
	s.Actions = orchestrator.New(s.Contracts, s.Bus,
		orchestrator.WithLogger(logger.Named("actions")),
		orchestrator.WithJournal(store),
		orchestrator.WithOutcomes(s.Outcomes),
		orchestrator.WithMetrics(m),
		orchestrator.WithAutoApprove(conf.AutoApprove),
		orchestrator.WithBaseContext(base))
	s.Loans = loans.NewRegistry(s.Contracts.Lending, s.Contracts.Lending.Address, conf.Network.Assets,
		s.Actions, s.Bus, logger.Named("loans"))

	if conf.ListenAddr != "" {
		s.Web = web.NewServer(conf.ListenAddr, conf.Network, store, s.Positions, s.Loans, s.Actions, s.Outcomes,
			web.WithLogger(logger.Named("web")),
			web.WithPollInterval(conf.PollInterval))
	}

	logger.Info("session ready",
		zap.String("backend", conf.Backend),
		zap.String("account", client.Account().Hex()),
		zap.Int64("chain_id", conf.Network.ChainID))
	return s, nil
}

func (s *Session) connect(ctx context.Context) (chain.Client, error) {
	conf := s.Config
	switch conf.Backend {
	case config.BackendRPC:
		var opts []clients.RPCOption
		if conf.ReceiptPollInterval > 0 {
			opts = append(opts, clients.WithReceiptPollInterval(conf.ReceiptPollInterval))
		}
		c, err := clients.DialRPC(ctx, conf.RPCURL, conf.PrivateKey, conf.Network.ChainID, s.logger.Named("rpc"), opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to node")
		}
		s.close = append(s.close, c.Close)
		return c, nil
	case config.BackendSimulate:
		opts := []clients.SimOption{clients.WithSimLogger(s.logger.Named("sim"))}
		if conf.SimFeeBps > 0 {
			opts = append(opts, clients.WithFeeBasisPoints(conf.SimFeeBps))
		}
		if conf.SimStateDir != "" {
			store, err := simstate.NewStore(conf.SimStateDir, simStateName(conf))
			if err != nil {
				return nil, errors.Wrap(err, "failed to open simulated ledger state")
			}
			opts = append(opts, clients.WithStateStore(store))
		}
		c, err := clients.NewSimulateClient(conf.Network, chain.MustLoadABIs(), conf.Account, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create simulated chain")
		}
		return c, nil
	default:
		return nil, errors.Errorf("unsupported backend: %s", conf.Backend)
	}
}

func simStateName(conf config.Config) string {
	return "ledger_" + strings.ToLower(conf.Account.Hex())
}

// Run observes the tracked balances and the loan list, and serves the web
// surface, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	owner := s.Client.Account()

	for _, asset := range s.Config.TrackedAssets() {
		sub, err := s.Tracker.Observe(ctx, owner, asset.Symbol, s.Config.PollInterval)
		if err != nil {
			cancel()
			_ = g.Wait()
			return errors.Wrapf(err, "failed to observe %s", asset.Symbol)
		}
		g.Go(func() error {
			defer sub.Stop()
			s.logBalances(asset, sub.C)
			return nil
		})
	}

	listings, stop := s.Loans.Watch(ctx, owner, s.Config.PollInterval)
	g.Go(func() error {
		defer stop()
		for l := range listings {
			if l.Err != nil {
				s.logger.Warn("loan list unavailable", zap.Error(l.Err))
				continue
			}
			s.logger.Debug("loans listed", zap.Int("active", len(l.Rows)))
		}
		return nil
	})

	if s.Web != nil {
		g.Go(func() error {
			if s.Config.AutocertDomain != "" {
				return s.Web.StartWithAutoTLS(ctx, []string{s.Config.AutocertDomain}, s.Config.AutocertCacheDir)
			}
			return s.Web.Start(ctx)
		})
	}

	s.logger.Info("session running",
		zap.Int("tracked", len(s.Config.TrackedAssets())),
		zap.Duration("poll_interval", s.Config.PollInterval))

	err := g.Wait()
	s.Actions.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Session) logBalances(asset domain.Asset, states <-chan domain.BalanceState) {
	var last string
	for st := range states {
		if st.Err != nil {
			s.logger.Warn("balance refresh failed",
				zap.String("asset", asset.Symbol),
				zap.Bool("stale", st.Loaded),
				zap.Error(st.Err))
			continue
		}
		if !st.Loaded {
			continue
		}
		display := domain.FormatDisplay(st.Snapshot.Amount, asset)
		if display == last {
			continue
		}
		last = display
		s.logger.Info("balance",
			zap.String("asset", asset.Symbol),
			zap.String("amount", display),
			zap.Time("observed_at", st.Snapshot.ObservedAt))
	}
}

// Close releases the session resources in reverse order of acquisition.
func (s *Session) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
	s.close = nil
}
