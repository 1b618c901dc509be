package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/domain"
)

// PendingAction is the handle of a submitted action. It resolves exactly once
// to confirmed or failed.
type PendingAction struct {
	ID          string
	Kind        domain.ActionKind
	Owner       common.Address
	Asset       string
	Amount      *big.Int
	SubmittedAt time.Time

	mu         sync.RWMutex
	state      domain.ActionState
	txs        []common.Hash
	err        error
	finishedAt time.Time
	done       chan struct{}
}

func newPendingAction(id string, kind domain.ActionKind, owner common.Address, asset string, amount *big.Int, at time.Time) *PendingAction {
	return &PendingAction{
		ID:          id,
		Kind:        kind,
		Owner:       owner,
		Asset:       asset,
		Amount:      amount,
		SubmittedAt: at,
		state:       domain.ActionPending,
		done:        make(chan struct{}),
	}
}

// Done is closed when the action resolves.
func (p *PendingAction) Done() <-chan struct{} {
	return p.done
}

func (p *PendingAction) State() domain.ActionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Err is the failure cause once the action failed.
func (p *PendingAction) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// TxHashes returns the hashes of the submitted transactions in order.
func (p *PendingAction) TxHashes() []common.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Hash, len(p.txs))
	copy(out, p.txs)
	return out
}

// Wait blocks until the action resolves or ctx is done. Giving up waiting
// does not cancel the action.
func (p *PendingAction) Wait(ctx context.Context) (domain.ActionOutcome, error) {
	select {
	case <-ctx.Done():
		return p.Outcome(), ctx.Err()
	case <-p.done:
		return p.Outcome(), p.Err()
	}
}

// Outcome is the journal form of the current state.
func (p *PendingAction) Outcome() domain.ActionOutcome {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := domain.ActionOutcome{
		ID:          p.ID,
		Kind:        p.Kind,
		Owner:       p.Owner.Hex(),
		Asset:       p.Asset,
		State:       p.state,
		SubmittedAt: p.SubmittedAt,
		FinishedAt:  p.finishedAt,
	}
	if p.Amount != nil {
		out.Amount = p.Amount.String()
	}
	for _, h := range p.txs {
		out.TxHashes = append(out.TxHashes, h.Hex())
	}
	if p.err != nil {
		out.ErrorCode = domain.CodeOf(p.err)
		out.Error = p.err.Error()
	}
	return out
}

func (p *PendingAction) addTx(h common.Hash) {
	p.mu.Lock()
	p.txs = append(p.txs, h)
	p.mu.Unlock()
}

func (p *PendingAction) resolve(err error, at time.Time) {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.finishedAt = at
	if err != nil {
		p.state = domain.ActionFailed
	} else {
		p.state = domain.ActionConfirmed
	}
	p.mu.Unlock()
}
