package clients

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/pkg/retrier"
)

const testPrivateKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeBackend struct {
	mu           sync.Mutex
	chainID      *big.Int
	callResult   []byte
	nonce        uint64
	sent         []*types.Transaction
	sendErr      error
	receiptAfter int
	receiptPolls int
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 30000}, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func newTestRPC(t *testing.T, backend *fakeBackend) *RPCClient {
	t.Helper()
	c, err := NewRPCClient(context.Background(), backend, "0x"+testPrivateKey, 17000, nil,
		WithReceiptPollInterval(time.Millisecond),
		WithRetrier(retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(time.Millisecond))))
	require.NoError(t, err)
	return c
}

func TestRPCClient_ChainMismatch(t *testing.T) {
	_, err := NewRPCClient(context.Background(), &fakeBackend{chainID: big.NewInt(1)}, testPrivateKey, 17000, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured chain is 17000")
}

func TestRPCClient_Call(t *testing.T) {
	abis := chain.MustLoadABIs()
	packed, err := abis.Token.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)

	c := newTestRPC(t, &fakeBackend{chainID: big.NewInt(17000), callResult: packed})
	out, err := c.Call(context.Background(), common.HexToAddress("0x01"), abis.Token, "balanceOf", c.Account())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(42), out[0].(*big.Int).Int64())
	assert.True(t, c.IsConnected())
}

func TestRPCClient_SendSignsAndTracksNonce(t *testing.T) {
	abis := chain.MustLoadABIs()
	backend := &fakeBackend{chainID: big.NewInt(17000), nonce: 7}
	c := newTestRPC(t, backend)
	token := common.HexToAddress("0x327a630fdf431f9788ad64c418cacd30dad5a01f")

	tx1, err := c.Send(context.Background(), token, abis.Token, "approve", common.HexToAddress("0x02"), big.NewInt(5))
	require.NoError(t, err)
	tx2, err := c.Send(context.Background(), token, abis.Token, "approve", common.HexToAddress("0x02"), big.NewInt(6))
	require.NoError(t, err)
	assert.NotEqual(t, tx1.Hash, tx2.Hash)

	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(7), backend.sent[0].Nonce())
	assert.Equal(t, uint64(8), backend.sent[1].Nonce())
	assert.Equal(t, uint64(60000), backend.sent[0].Gas())
	assert.Equal(t, big.NewInt(22), backend.sent[0].GasFeeCap())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(17000)), backend.sent[0])
	require.NoError(t, err)
	assert.Equal(t, c.Account(), sender)
}

func TestRPCClient_SendFailureResetsNonce(t *testing.T) {
	abis := chain.MustLoadABIs()
	backend := &fakeBackend{chainID: big.NewInt(17000), nonce: 3, sendErr: errors.New("nonce too low")}
	c := newTestRPC(t, backend)

	_, err := c.Send(context.Background(), common.HexToAddress("0x01"), abis.Token, "approve", common.HexToAddress("0x02"), big.NewInt(1))
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.nonce)
}

func TestRPCClient_WaitForReceipt(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(17000), receiptAfter: 2}
	c := newTestRPC(t, backend)

	r, err := c.WaitForReceipt(context.Background(), chain.Tx{Hash: common.HexToHash("0xabc")})
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(42), r.BlockNumber)
	assert.Equal(t, 3, backend.receiptPolls)
}

func TestRPCClient_WaitForReceiptHonoursContext(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(17000), receiptAfter: 1 << 30}
	c := newTestRPC(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.WaitForReceipt(ctx, chain.Tx{Hash: common.HexToHash("0xabc")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
