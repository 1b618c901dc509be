package events

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Invalidation announces that cached state of the named contracts is stale.
// Assets are contract addresses: tokens, the vault, or the lending contract
// for loan state.
type Invalidation struct {
	Assets   []common.Address
	Reason   string
	ActionID string
	At       time.Time
}

// Bus fans invalidations out to subscribers keyed by contract address.
// Every subscription has a one-slot buffer: a pending signal already means
// "stale", so further signals coalesce into it instead of queuing.
type Bus struct {
	mu   sync.RWMutex
	subs map[common.Address]map[*Subscription]struct{}
	gens map[common.Address]uint64
}

// Subscription receives invalidations for one address until Close.
type Subscription struct {
	C <-chan Invalidation

	ch     chan Invalidation
	bus    *Bus
	asset  common.Address
	closed bool
}

// NewBus creates an empty invalidation bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[common.Address]map[*Subscription]struct{}),
		gens: make(map[common.Address]uint64),
	}
}

// Publish notifies every subscriber of every named address. It never blocks.
func (b *Bus) Publish(inv Invalidation) {
	if inv.At.IsZero() {
		inv.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[common.Address]struct{}, len(inv.Assets))
	for _, asset := range inv.Assets {
		if _, dup := seen[asset]; dup {
			continue
		}
		seen[asset] = struct{}{}
		b.gens[asset]++
		for sub := range b.subs[asset] {
			select {
			case sub.ch <- inv:
			default:
				// a signal is already pending
			}
		}
	}
}

// Subscribe returns a subscription for invalidations naming asset.
func (b *Bus) Subscribe(asset common.Address) *Subscription {
	ch := make(chan Invalidation, 1)
	sub := &Subscription{C: ch, ch: ch, bus: b, asset: asset}

	b.mu.Lock()
	if b.subs[asset] == nil {
		b.subs[asset] = make(map[*Subscription]struct{})
	}
	b.subs[asset][sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Close removes the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs[s.asset], s)
	if len(s.bus.subs[s.asset]) == 0 {
		delete(s.bus.subs, s.asset)
	}
	close(s.ch)
}

// Generation counts the invalidations published for asset so far. State read
// at generation g is stale once Generation returns a larger value.
func (b *Bus) Generation(asset common.Address) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gens[asset]
}

// Subscribers returns the number of live subscriptions for asset.
func (b *Bus) Subscribers(asset common.Address) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[asset])
}
