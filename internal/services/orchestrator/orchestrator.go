package orchestrator

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/contracts"
	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/metrics"
)

// Request describes an action to execute. Which fields matter depends on Kind:
//
//	approve           Asset, Spender, Amount
//	mint              Asset, Amount
//	stake             Asset (underlying), Amount
//	unstake           Asset (receipt or underlying), Amount in receipt units
//	borrow            Asset/Amount collateral, CounterAsset/CounterAmount borrowed
//	repay             LoanID
//	add_liquidity     Amount of vault token A, CounterAmount of vault token B
//	remove_liquidity  Amount of LP shares
type Request struct {
	Kind          domain.ActionKind
	Asset         string
	Amount        *big.Int
	Spender       common.Address
	CounterAsset  string
	CounterAmount *big.Int
	LoanID        uint64
}

// Journal persists terminal action outcomes.
type Journal interface {
	SaveOutcome(outcome domain.ActionOutcome) error
}

type flightKey struct {
	owner common.Address
	asset common.Address
	kind  domain.ActionKind
}

// Orchestrator sequences the transactions of an action and allows one
// pending action per (owner, asset, kind).
type Orchestrator struct {
	set         *contracts.Set
	client      chain.Client
	network     *domain.Network
	bus         *events.Bus
	journal     Journal
	outcomes    *events.Broadcaster[domain.ActionOutcome]
	metrics     *metrics.Metrics
	logger      *zap.Logger
	autoApprove bool
	baseCtx     context.Context
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[flightKey]*PendingAction
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithJournal persists every terminal outcome.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithOutcomes publishes every state change of every action.
func WithOutcomes(b *events.Broadcaster[domain.ActionOutcome]) Option {
	return func(o *Orchestrator) {
		o.outcomes = b
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAutoApprove controls whether a missing allowance adds an approve step
// (true, the default) or rejects the request with InsufficientAllowance.
func WithAutoApprove(enabled bool) Option {
	return func(o *Orchestrator) {
		o.autoApprove = enabled
	}
}

// WithBaseContext sets the context transactions are awaited under. Requests
// only bound validation; cancelling the base context fails pending actions.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(set *contracts.Set, bus *events.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		set:         set,
		client:      set.Client(),
		network:     set.Network,
		bus:         bus,
		logger:      zap.NewNop(),
		autoApprove: true,
		baseCtx:     context.Background(),
		now:         time.Now,
		inFlight:    make(map[flightKey]*PendingAction),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Owner is the account actions are submitted from.
func (o *Orchestrator) Owner() common.Address {
	return o.client.Account()
}

// Execute validates the request against fresh reads and starts its steps.
// It fails with AlreadyInFlight while an action of the same kind for the same
// asset is pending, and with a validation error before anything is submitted.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*PendingAction, error) {
	if !o.client.IsConnected() {
		return nil, domain.NewError(domain.CodeNotConnected, req.Kind.String(), "chain client is not connected")
	}

	p, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	pa := newPendingAction(uuid.NewString(), req.Kind, p.owner, p.label, p.amount, o.now())
	key := flightKey{owner: p.owner, asset: p.keyAsset, kind: req.Kind}
	if err := o.reserve(key, pa); err != nil {
		return nil, err
	}

	if err := o.validate(ctx, p); err != nil {
		o.release(key)
		return nil, err
	}

	o.logger.Info("action submitted",
		zap.String("id", pa.ID),
		zap.String("kind", req.Kind.String()),
		zap.String("asset", p.label),
		zap.Int("steps", len(p.steps)))

	o.metrics.ActionStarted(req.Kind)
	o.publish(pa)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(key, pa, p)
	}()

	return pa, nil
}

func (o *Orchestrator) reserve(key flightKey, pa *PendingAction) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.inFlight[key]; ok {
		return domain.NewError(domain.CodeAlreadyInFlight, key.kind.String(),
			"action %s for %s is still pending", cur.ID, cur.Asset)
	}
	o.inFlight[key] = pa
	return nil
}

func (o *Orchestrator) release(key flightKey) {
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
}

// Pending returns the outcomes of the actions in flight, oldest first.
func (o *Orchestrator) Pending() []domain.ActionOutcome {
	o.mu.Lock()
	actions := make([]*PendingAction, 0, len(o.inFlight))
	for _, pa := range o.inFlight {
		actions = append(actions, pa)
	}
	o.mu.Unlock()

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].SubmittedAt.Before(actions[j].SubmittedAt)
	})
	out := make([]domain.ActionOutcome, 0, len(actions))
	for _, pa := range actions {
		out = append(out, pa.Outcome())
	}
	return out
}

// Idle reports whether no action of kind is pending for the asset symbol.
// symbol is resolved the way Execute keys the action: a pool's underlying or
// receipt symbol names that pool, and every vault symbol names the vault.
func (o *Orchestrator) Idle(kind domain.ActionKind, symbol string) bool {
	asset, err := o.flightAsset(kind, symbol)
	if err != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inFlight[flightKey{owner: o.Owner(), asset: asset.Address, kind: kind}]
	return !busy
}

// Wait blocks until every started action resolved.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(key flightKey, pa *PendingAction, p *plan) {
	err := o.runSteps(pa, p)
	pa.resolve(err, o.now())

	if err == nil && o.bus != nil {
		o.bus.Publish(events.Invalidation{
			Assets:   p.touched,
			Reason:   pa.Kind.String(),
			ActionID: pa.ID,
			At:       o.now(),
		})
	}

	outcome := pa.Outcome()
	if err != nil {
		o.logger.Warn("action failed",
			zap.String("id", pa.ID),
			zap.String("kind", pa.Kind.String()),
			zap.String("code", string(outcome.ErrorCode)),
			zap.Error(err))
	} else {
		o.logger.Info("action confirmed",
			zap.String("id", pa.ID),
			zap.String("kind", pa.Kind.String()),
			zap.Strings("txs", outcome.TxHashes))
	}

	if o.journal != nil {
		if jerr := o.journal.SaveOutcome(outcome); jerr != nil {
			o.logger.Error("failed to journal action outcome", zap.String("id", pa.ID), zap.Error(jerr))
		}
	}
	o.metrics.ActionFinished(pa.Kind, outcome.State, pa.SubmittedAt)
	o.publish(pa)

	o.release(key)
	close(pa.done)
}

// runSteps submits each step and waits for its receipt before the next one.
// Nothing is resubmitted.
func (o *Orchestrator) runSteps(pa *PendingAction, p *plan) error {
	for _, s := range p.steps {
		tx, err := s.submit(o.baseCtx)
		if err != nil {
			return domain.WrapWithCode(s.code, s.name, err)
		}
		pa.addTx(tx.Hash)
		o.logger.Debug("step submitted",
			zap.String("id", pa.ID),
			zap.String("step", s.name),
			zap.String("tx", tx.Hash.Hex()))

		receipt, err := o.client.WaitForReceipt(o.baseCtx, tx)
		if err != nil {
			return domain.WrapWithCode(s.code, s.name, errors.Wrapf(err, "wait for %s", tx.Hash.Hex()))
		}
		if !receipt.Success {
			return domain.NewError(s.code, s.name, "transaction %s reverted", tx.Hash.Hex())
		}
	}
	return nil
}

func (o *Orchestrator) publish(pa *PendingAction) {
	if o.outcomes != nil {
		o.outcomes.Publish(pa.Outcome())
	}
}
