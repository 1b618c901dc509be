package clients

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/pkg/retrier"
)

const (
	defaultReceiptPollInterval = 2 * time.Second
	gasBufferPercent           = 20
)

// ethBackend is the subset of ethclient.Client used for reads and writes.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// RPCClient talks to an EVM node over JSON-RPC and signs EIP-1559
// transactions with a local key.
type RPCClient struct {
	backend ethBackend
	closer  func()
	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
	logger  *zap.Logger
	retrier *retrier.Retrier

	receiptPoll time.Duration
	connected   atomic.Bool

	nonceMu sync.Mutex
	nonce   *uint64
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

// WithReceiptPollInterval sets how often a pending receipt is polled.
func WithReceiptPollInterval(d time.Duration) RPCOption {
	return func(c *RPCClient) {
		if d > 0 {
			c.receiptPoll = d
		}
	}
}

// WithRetrier replaces the retrier used for transient RPC failures.
func WithRetrier(r *retrier.Retrier) RPCOption {
	return func(c *RPCClient) {
		c.retrier = r
	}
}

// DialRPC connects to the node at url and verifies it serves chainID.
func DialRPC(ctx context.Context, url, privateKeyHex string, chainID int64, logger *zap.Logger, opts ...RPCOption) (*RPCClient, error) {
	r := retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond))
	ec, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, url)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", url)
	}

	c, err := NewRPCClient(ctx, ec, privateKeyHex, chainID, logger, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewRPCClient builds a client over an existing backend.
func NewRPCClient(ctx context.Context, backend ethBackend, privateKeyHex string, chainID int64, logger *zap.Logger, opts ...RPCOption) (*RPCClient, error) {
	key, account, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &RPCClient{
		backend:     backend,
		key:         key,
		account:     account,
		chainID:     big.NewInt(chainID),
		logger:      logger,
		retrier:     retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond)),
		receiptPoll: defaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	remote, err := retrier.DoWithData(c.retrier, ctx, backend.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "query chain id")
	}
	if remote.Cmp(c.chainID) != 0 {
		return nil, errors.Errorf("node serves chain %s, configured chain is %s", remote, c.chainID)
	}
	c.connected.Store(true)

	logger.Info("connected to rpc node",
		zap.String("account", account.Hex()),
		zap.String("chain_id", c.chainID.String()))

	return c, nil
}

func parsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "parse private key")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, common.Address{}, errors.New("error casting public key to ECDSA")
	}

	return privateKey, crypto.PubkeyToAddress(*pub), nil
}

func (c *RPCClient) Account() common.Address { return c.account }
func (c *RPCClient) IsConnected() bool       { return c.connected.Load() }

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *RPCClient) markConnection(err error) {
	c.connected.Store(err == nil)
}

func (c *RPCClient) Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	msg := ethereum.CallMsg{From: c.account, To: &contract, Data: data}
	raw, err := c.backend.CallContract(ctx, msg, nil)
	c.markConnection(err)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, contract.Hex())
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return out, nil
}

func (c *RPCClient) Send(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) (chain.Tx, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return chain.Tx{}, errors.Wrapf(err, "pack %s", method)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return chain.Tx{}, err
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		c.markConnection(err)
		return chain.Tx{}, errors.Wrap(err, "suggest gas tip")
	}

	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		c.markConnection(err)
		return chain.Tx{}, errors.Wrap(err, "latest header")
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.account,
		To:        &contract,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		// estimation runs the call, so a revert shows up here before broadcast
		return chain.Tx{}, errors.Wrapf(err, "estimate gas for %s", method)
	}
	gas += gas * gasBufferPercent / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return chain.Tx{}, errors.Wrap(err, "sign transaction")
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.markConnection(err)
		c.nonce = nil
		return chain.Tx{}, errors.Wrapf(err, "send %s", method)
	}
	c.markConnection(nil)

	next := nonce + 1
	c.nonce = &next

	c.logger.Info("transaction submitted",
		zap.String("hash", signed.Hash().Hex()),
		zap.String("contract", contract.Hex()),
		zap.String("method", method),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	return chain.Tx{
		Hash:        signed.Hash(),
		Contract:    contract,
		Method:      method,
		SubmittedAt: time.Now(),
	}, nil
}

// nextNonce must be called with nonceMu held.
func (c *RPCClient) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce != nil {
		return *c.nonce, nil
	}
	n, err := c.backend.PendingNonceAt(ctx, c.account)
	c.markConnection(err)
	if err != nil {
		return 0, errors.Wrap(err, "pending nonce")
	}
	return n, nil
}

// WaitForReceipt polls until the transaction is mined. There is no deadline
// besides ctx: a broadcast transaction cannot be recalled.
func (c *RPCClient) WaitForReceipt(ctx context.Context, tx chain.Tx) (chain.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (*types.Receipt, error) {
			r, err := c.backend.TransactionReceipt(ctx, tx.Hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil, retrier.Permanent(err)
			}
			return r, err
		})
		switch {
		case err == nil && receipt != nil:
			c.markConnection(nil)
			out := chain.Receipt{
				TxHash:  receipt.TxHash,
				Success: receipt.Status == types.ReceiptStatusSuccessful,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.markConnection(err)
			if ctx.Err() != nil {
				return chain.Receipt{}, ctx.Err()
			}
			c.logger.Warn("receipt poll failed", zap.String("hash", tx.Hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
