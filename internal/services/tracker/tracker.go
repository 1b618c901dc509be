package tracker

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/metrics"
)

const (
	defaultInterval    = 5 * time.Second
	defaultReadTimeout = 15 * time.Second
)

// BalanceReader reads an owner's balance of an asset from the chain.
type BalanceReader interface {
	BalanceOf(ctx context.Context, asset domain.Asset, owner common.Address) (*big.Int, error)
}

// Sink receives every successful snapshot.
type Sink interface {
	SaveBalance(record domain.BalanceRecord) error
}

type key struct {
	owner common.Address
	asset string
}

func (k key) String() string {
	return k.owner.Hex() + "/" + k.asset
}

// Tracker keeps the latest balance snapshot per (owner, asset) and refreshes
// it on demand, on a timer and on invalidations.
type Tracker struct {
	reader      BalanceReader
	assets      *domain.AssetTable
	bus         *events.Bus
	logger      *zap.Logger
	sink        Sink
	metrics     *metrics.Metrics
	interval    time.Duration
	readTimeout time.Duration
	now         func() time.Time

	group  singleflight.Group
	seq    atomic.Uint64
	mu     sync.RWMutex
	states map[key]domain.BalanceState
	// bus generation the retained snapshot was read at
	gens map[key]uint64
}

type Option func(*Tracker)

// WithInterval sets the default polling interval for Observe.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSink appends every successful snapshot to sink.
func WithSink(sink Sink) Option {
	return func(t *Tracker) {
		t.sink = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithReadTimeout bounds a single shared read.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.readTimeout = d
		}
	}
}

// New creates a tracker. bus may be nil when nothing publishes invalidations.
func New(reader BalanceReader, assets *domain.AssetTable, bus *events.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		reader:      reader,
		assets:      assets,
		bus:         bus,
		logger:      zap.NewNop(),
		interval:    defaultInterval,
		readTimeout: defaultReadTimeout,
		now:         time.Now,
		states:      make(map[key]domain.BalanceState),
		gens:        make(map[key]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RefreshNow reads the balance immediately. Concurrent calls for the same
// pair share one read. The returned state is the newest one retained, and
// the error is the failure of this read, if any.
func (t *Tracker) RefreshNow(ctx context.Context, owner common.Address, symbol string) (domain.BalanceState, error) {
	asset, err := t.assets.BySymbol(symbol)
	if err != nil {
		return domain.BalanceState{}, err
	}
	return t.refresh(ctx, owner, asset)
}

func (t *Tracker) refresh(ctx context.Context, owner common.Address, asset domain.Asset) (domain.BalanceState, error) {
	k := key{owner: owner, asset: asset.Symbol}

	ch := t.group.DoChan(k.String(), func() (any, error) {
		// the shared read outlives a single caller giving up
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.readTimeout)
		defer cancel()
		return t.read(readCtx, k, asset)
	})

	select {
	case <-ctx.Done():
		return t.latest(k), ctx.Err()
	case res := <-ch:
		state, _ := res.Val.(domain.BalanceState)
		return state, res.Err
	}
}

func (t *Tracker) read(ctx context.Context, k key, asset domain.Asset) (domain.BalanceState, error) {
	seq := t.seq.Add(1)
	gen := t.generation(asset)
	amount, err := t.reader.BalanceOf(ctx, asset, k.owner)
	t.metrics.ObserveRead(asset.Symbol, err)

	var snapshot domain.BalanceSnapshot
	if err == nil {
		snapshot, err = domain.NewBalanceSnapshot(k.owner, asset.Symbol, amount, t.now())
	}
	if err != nil && domain.CodeOf(err) == "" {
		err = domain.WrapWithCode(domain.CodeReadFailure, "balanceOf "+asset.Symbol, err)
	}

	state, stored := t.store(k, seq, gen, snapshot, err)
	if err != nil {
		t.logger.Warn("balance read failed",
			zap.String("owner", k.owner.Hex()),
			zap.String("asset", asset.Symbol),
			zap.Error(err))
		return state, err
	}

	if stored && t.sink != nil {
		if err := t.sink.SaveBalance(domain.NewBalanceRecord(snapshot, asset)); err != nil {
			t.logger.Error("failed to persist balance snapshot", zap.String("asset", asset.Symbol), zap.Error(err))
		}
	}
	return state, nil
}

// store applies a read result unless a read that started later already landed.
func (t *Tracker) store(k key, seq, gen uint64, snapshot domain.BalanceSnapshot, err error) (domain.BalanceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.states[k]
	if seq <= current.Seq {
		return current, false
	}

	next := current
	next.Seq = seq
	if err != nil {
		// keep the last good snapshot, flag the failure
		next.Err = err
	} else {
		next.Snapshot = snapshot
		next.Loaded = true
		next.Err = nil
		t.gens[k] = gen
	}
	t.states[k] = next
	return next, true
}

func (t *Tracker) latest(k key) domain.BalanceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[k]
}

// Latest returns the newest retained state without reading the chain.
func (t *Tracker) Latest(owner common.Address, symbol string) domain.BalanceState {
	return t.latest(key{owner: owner, asset: symbol})
}

func (t *Tracker) generation(asset domain.Asset) uint64 {
	if t.bus == nil {
		return 0
	}
	return t.bus.Generation(asset.Address)
}

// Invalidated reports whether an invalidation naming the asset was published
// after the retained snapshot was read.
func (t *Tracker) Invalidated(owner common.Address, symbol string) bool {
	asset, err := t.assets.BySymbol(symbol)
	if err != nil {
		return false
	}
	k := key{owner: owner, asset: asset.Symbol}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[k].Loaded && t.generation(asset) > t.gens[k]
}

// Stale reports whether the retained snapshot has to be read again before it
// is served: nothing is loaded, it was invalidated, or it is older than the
// polling interval.
func (t *Tracker) Stale(owner common.Address, symbol string) bool {
	st := t.Latest(owner, symbol)
	if !st.Loaded {
		return true
	}
	if t.Invalidated(owner, symbol) {
		return true
	}
	return t.now().Sub(st.Snapshot.ObservedAt) >= t.interval
}

// Forget drops a shared read in progress so the next refresh starts a new one.
func (t *Tracker) Forget(owner common.Address, symbol string) {
	t.group.Forget(key{owner: owner, asset: symbol}.String())
}

// Subscription streams balance states until Stop.
type Subscription struct {
	// C holds at most the newest undelivered state.
	C <-chan domain.BalanceState

	ch   chan domain.BalanceState
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop tears down the timer and the invalidation subscription and closes C.
// It waits for an in-progress refresh to return.
func (s *Subscription) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Subscription) emit(state domain.BalanceState) {
	select {
	case s.ch <- state:
		return
	default:
	}
	// replace the undelivered state with the newer one
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- state:
	default:
	}
}

// Observe reads the balance immediately, then every interval and whenever an
// invalidation names the asset. interval <= 0 selects the configured default.
// The subscription ends on Stop or when ctx is done.
func (t *Tracker) Observe(ctx context.Context, owner common.Address, symbol string, interval time.Duration) (*Subscription, error) {
	asset, err := t.assets.BySymbol(symbol)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = t.interval
	}

	ch := make(chan domain.BalanceState, 1)
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	var invalidations <-chan events.Invalidation
	var inv *events.Subscription
	if t.bus != nil {
		inv = t.bus.Subscribe(asset.Address)
		invalidations = inv.C
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		if inv != nil {
			defer inv.Close()
		}

		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-sub.stop:
				cancel()
			case <-loopCtx.Done():
			}
		}()

		refresh := func() {
			state, _ := t.refresh(loopCtx, owner, asset)
			if loopCtx.Err() == nil {
				sub.emit(state)
			}
		}

		refresh()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				refresh()
			case msg, ok := <-invalidations:
				if !ok {
					invalidations = nil
					continue
				}
				t.logger.Debug("balance invalidated",
					zap.String("asset", asset.Symbol),
					zap.String("reason", msg.Reason),
					zap.String("action", msg.ActionID))
				t.Forget(owner, asset.Symbol)
				refresh()
			}
		}
	}()

	return sub, nil
}
