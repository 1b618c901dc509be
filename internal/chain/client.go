// Package chain defines the boundary between the wallet session and an EVM
// node: contract reads, transaction submission and receipt waiting.
package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Client reads contract state and submits transactions for one account.
//
//go:generate mockery --name Client --output ../../mocks/chain --outpkg chain
type Client interface {
	// Call executes a read-only contract method and returns its decoded outputs.
	Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error)
	// Send signs and broadcasts a state-changing call.
	Send(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) (Tx, error)
	// WaitForReceipt blocks until the transaction is mined or ctx is done.
	WaitForReceipt(ctx context.Context, tx Tx) (Receipt, error)
	Account() common.Address
	IsConnected() bool
}

// Tx is a handle to a broadcast transaction.
type Tx struct {
	Hash        common.Hash
	Contract    common.Address
	Method      string
	SubmittedAt time.Time
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}
