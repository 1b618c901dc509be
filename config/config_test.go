package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func noEnv(string) string { return "" }

func TestDefaultNetwork(t *testing.T) {
	network, err := DefaultNetwork()
	require.NoError(t, err)

	assert.Equal(t, int64(17000), network.ChainID)
	vbtc, err := network.Assets.BySymbol("vBTC")
	require.NoError(t, err)
	assert.Equal(t, int32(8), vbtc.DisplayPrecision)

	pool, ok := network.PoolFor("VNST")
	require.True(t, ok)
	assert.Equal(t, "sgVNST", pool.Receipt)

	lp, err := network.Assets.ByAddress(network.Vault.Address)
	require.NoError(t, err)
	assert.Equal(t, "vLP", lp.Symbol)
}

func TestBuild(t *testing.T) {
	t.Run("simulate needs an account", func(t *testing.T) {
		_, err := Default().Build(noEnv)
		require.Error(t, err)
	})

	t.Run("simulate with account", func(t *testing.T) {
		tmp := Default()
		tmp.Account = "0x00000000000000000000000000000000000000aa"
		conf, err := tmp.Build(noEnv)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(tmp.Account), conf.Account)
		assert.Equal(t, DefaultPollInterval, conf.PollInterval)
		assert.True(t, conf.AutoApprove)
		assert.Len(t, conf.TrackedAssets(), 5)
	})

	t.Run("rpc derives the account from the key", func(t *testing.T) {
		tmp := Default()
		tmp.Backend = BackendRPC
		conf, err := tmp.Build(func(name string) string {
			if name == DefaultPrivateKeyEnv {
				return "0x" + testKey
			}
			return ""
		})
		require.NoError(t, err)
		assert.NotEqual(t, common.Address{}, conf.Account)
	})

	t.Run("rpc without key", func(t *testing.T) {
		tmp := Default()
		tmp.Backend = BackendRPC
		_, err := tmp.Build(noEnv)
		require.Error(t, err)
		assert.Contains(t, err.Error(), DefaultPrivateKeyEnv)
	})

	t.Run("unknown tracked symbol", func(t *testing.T) {
		tmp := Default()
		tmp.Account = "0x00000000000000000000000000000000000000aa"
		tmp.Track = []string{"DOGE"}
		_, err := tmp.Build(noEnv)
		require.Error(t, err)
	})

	t.Run("unsupported backend", func(t *testing.T) {
		tmp := Default()
		tmp.Backend = "kraken"
		tmp.Account = "0x00000000000000000000000000000000000000aa"
		_, err := tmp.Build(noEnv)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported backend: kraken")
	})
}

func TestGetYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: simulate
account: "0x00000000000000000000000000000000000000bb"
poll_interval: 2s
track: [vBTC, VNST]
`), 0o644))

	conf, _, err := Get([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, conf.PollInterval)
	assert.Len(t, conf.TrackedAssets(), 2)
	// default deployment kept when assets are omitted
	_, err = conf.Network.Assets.BySymbol("sgVNST")
	assert.NoError(t, err)
}

func TestGet_Setup(t *testing.T) {
	_, opts, err := Get([]string{"--setup"})
	require.NoError(t, err)
	assert.True(t, opts.Setup)
}

func TestConfigTmp_MarshalRoundTrip(t *testing.T) {
	tmp := Default()
	tmp.Account = "0x00000000000000000000000000000000000000aa"
	data, err := tmp.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "gen.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	back, err := getYaml(path)
	require.NoError(t, err)
	assert.Equal(t, tmp.Assets, back.Assets)
	assert.Equal(t, tmp.Vault, back.Vault)
}
