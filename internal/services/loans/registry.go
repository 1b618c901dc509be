package loans

import (
	"context"
	"iter"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/services/orchestrator"
)

// LendingReader is the read side of the lending contract.
type LendingReader interface {
	LoanCount(ctx context.Context, borrower common.Address) (uint64, error)
	Loan(ctx context.Context, borrower common.Address, id uint64) (domain.Loan, error)
	RepaymentAmount(ctx context.Context, borrower common.Address, id uint64) (*big.Int, error)
}

// Repayer submits repay actions.
type Repayer interface {
	Repay(ctx context.Context, loanID uint64) (*orchestrator.PendingAction, error)
}

// Registry enumerates a borrower's active loans.
// DefaultWatchInterval is the re-listing period used when Watch gets none.
const DefaultWatchInterval = 5 * time.Second

type Registry struct {
	lending LendingReader
	address common.Address
	assets  *domain.AssetTable
	repayer Repayer
	bus     *events.Bus
	logger  *zap.Logger
}

// NewRegistry creates a registry. lendingAddr names the lending contract in
// invalidations; repayer and bus may be nil for a read-only registry.
func NewRegistry(lending LendingReader, lendingAddr common.Address, assets *domain.AssetTable, repayer Repayer, bus *events.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lending: lending,
		address: lendingAddr,
		assets:  assets,
		repayer: repayer,
		bus:     bus,
		logger:  logger,
	}
}

// ActiveLoans yields the borrower's active loans, reading the count and then
// every loan in id order. Each iteration starts over from the chain. The
// error slot is set only when enumeration itself fails, which ends the
// sequence; a loan that cannot be read or labeled is yielded with row.Err.
func (r *Registry) ActiveLoans(ctx context.Context, borrower common.Address) iter.Seq2[domain.LoanRow, error] {
	return func(yield func(domain.LoanRow, error) bool) {
		count, err := r.lending.LoanCount(ctx, borrower)
		if err != nil {
			yield(domain.LoanRow{}, err)
			return
		}

		for id := uint64(0); id < count; id++ {
			if err := ctx.Err(); err != nil {
				yield(domain.LoanRow{}, err)
				return
			}

			loan, err := r.lending.Loan(ctx, borrower, id)
			if err != nil {
				if !yield(domain.LoanRow{Loan: domain.Loan{Borrower: borrower, ID: id}, Err: err}, nil) {
					return
				}
				continue
			}
			if !loan.Active {
				continue
			}

			if !yield(r.annotate(ctx, borrower, loan), nil) {
				return
			}
		}
	}
}

// annotate resolves the loan symbols and reads the amount owed. Failures
// stay on the row.
func (r *Registry) annotate(ctx context.Context, borrower common.Address, loan domain.Loan) domain.LoanRow {
	row := domain.LoanRow{Loan: loan}

	collateral, err := r.assets.ByAddress(loan.CollateralToken)
	if err != nil {
		row.Err = err
		return row
	}
	borrowed, err := r.assets.ByAddress(loan.BorrowToken)
	if err != nil {
		row.Err = err
		return row
	}
	row.Collateral, row.Borrow = collateral, borrowed

	owed, err := r.lending.RepaymentAmount(ctx, borrower, loan.ID)
	if err != nil {
		row.Err = err
		return row
	}
	row.RepaymentAmount = owed
	return row
}

// ListActiveLoans collects ActiveLoans. Rows with a row-level error are kept;
// only a failure to enumerate at all is returned.
func (r *Registry) ListActiveLoans(ctx context.Context, borrower common.Address) ([]domain.LoanRow, error) {
	var rows []domain.LoanRow
	for row, err := range r.ActiveLoans(ctx, borrower) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Repay submits a repay of loanID. The orchestrator invalidates the loan's
// assets and the lending contract once it confirms.
func (r *Registry) Repay(ctx context.Context, loanID uint64) (*orchestrator.PendingAction, error) {
	if r.repayer == nil {
		return nil, domain.NewError(domain.CodeNotConnected, "repay", "registry is read-only")
	}
	return r.repayer.Repay(ctx, loanID)
}

// Listing is one enumeration of the loan list.
type Listing struct {
	Rows []domain.LoanRow
	Err  error
	At   time.Time
}

// Watch re-lists the loans every interval and whenever the lending contract
// is invalidated. The newest listing replaces an undelivered one. The
// returned stop function ends the watch and closes the channel.
// interval <= 0 selects DefaultWatchInterval.
func (r *Registry) Watch(ctx context.Context, borrower common.Address, interval time.Duration) (<-chan Listing, func()) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	out := make(chan Listing, 1)
	ctx, cancel := context.WithCancel(ctx)

	var invalidations <-chan events.Invalidation
	var sub *events.Subscription
	if r.bus != nil {
		sub = r.bus.Subscribe(r.address)
		invalidations = sub.C
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		if sub != nil {
			defer sub.Close()
		}

		emit := func() {
			rows, err := r.ListActiveLoans(ctx, borrower)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Warn("loan listing failed", zap.String("borrower", borrower.Hex()), zap.Error(err))
			}
			l := Listing{Rows: rows, Err: err, At: time.Now()}
			select {
			case out <- l:
				return
			default:
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- l:
			default:
			}
		}

		emit()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit()
			case _, ok := <-invalidations:
				if !ok {
					invalidations = nil
					continue
				}
				emit()
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(cancel)
		wg.Wait()
	}
}
