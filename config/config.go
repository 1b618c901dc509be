package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/saigon/internal/domain"
)

const (
	BackendRPC      = "rpc"
	BackendSimulate = "simulate"

	DefaultPrivateKeyEnv = "SAIGON_PRIVATE_KEY"
	DefaultPollInterval  = 5 * time.Second
	DefaultListenAddr    = ":8080"
	DefaultWALDir        = "./wal/activity"
)

// Config is the validated, immutable session configuration. It is built
// once at startup and passed to every component.
type Config struct {
	Backend             string
	RPCURL              string
	PrivateKey          string
	Account             common.Address
	Network             *domain.Network
	PollInterval        time.Duration
	ReceiptPollInterval time.Duration
	AutoApprove         bool
	Track               []string
	WALDir              string
	SimStateDir         string
	SimFeeBps           int64
	ListenAddr          string
	AutocertDomain      string
	AutocertCacheDir    string
	LogLevel            string
}

// ConfigTmp is the YAML representation of Config.
type ConfigTmp struct {
	Backend             string        `yaml:"backend"`
	RPCURL              string        `yaml:"rpc_url,omitempty"`
	PrivateKeyEnv       string        `yaml:"private_key_env,omitempty"`
	Account             string        `yaml:"account,omitempty"`
	ChainID             int64         `yaml:"chain_id"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval,omitempty"`
	AutoApprove         *bool         `yaml:"auto_approve,omitempty"`
	Track               []string      `yaml:"track,omitempty"`
	WALDir              string        `yaml:"wal_dir,omitempty"`
	SimStateDir         string        `yaml:"sim_state_dir,omitempty"`
	SimFeeBps           int64         `yaml:"sim_fee_bps,omitempty"`
	ListenAddr          string        `yaml:"listen_addr,omitempty"`
	AutocertDomain      string        `yaml:"autocert_domain,omitempty"`
	AutocertCacheDir    string        `yaml:"autocert_cache_dir,omitempty"`
	LogLevel            string        `yaml:"log_level,omitempty"`
	Assets              []AssetTmp    `yaml:"assets"`
	Vault               VaultTmp      `yaml:"vault"`
	Pools               []PoolTmp     `yaml:"pools"`
	Lending             string        `yaml:"lending"`
}

type AssetTmp struct {
	Symbol           string `yaml:"symbol"`
	Name             string `yaml:"name,omitempty"`
	Decimals         uint8  `yaml:"decimals"`
	Address          string `yaml:"address"`
	Underlying       string `yaml:"underlying,omitempty"`
	DisplayPrecision int32  `yaml:"display_precision,omitempty"`
}

type VaultTmp struct {
	Address string `yaml:"address"`
	TokenA  string `yaml:"token_a"`
	TokenB  string `yaml:"token_b"`
	LPToken string `yaml:"lp_token"`
}

type PoolTmp struct {
	Address    string `yaml:"address"`
	Underlying string `yaml:"underlying"`
	Receipt    string `yaml:"receipt"`
}

// Default returns the Holesky testnet deployment with the simulated backend.
func Default() ConfigTmp {
	return ConfigTmp{
		Backend:       BackendSimulate,
		RPCURL:        "https://ethereum-holesky-rpc.publicnode.com",
		PrivateKeyEnv: DefaultPrivateKeyEnv,
		ChainID:       17000,
		PollInterval:  DefaultPollInterval,
		WALDir:        DefaultWALDir,
		ListenAddr:    DefaultListenAddr,
		LogLevel:      "info",
		Assets: []AssetTmp{
			{Symbol: "vBTC", Name: "Vietnam Bitcoin", Decimals: 18, Address: "0x7aefae495633112fa8480b15f57c1758df9ec020", DisplayPrecision: 8},
			{Symbol: "VNST", Name: "VNST Stablecoin", Decimals: 18, Address: "0x327a630fdf431f9788ad64c418cacd30dad5a01f", DisplayPrecision: 2},
			{Symbol: "sgvBTC", Name: "Saigon Staked vBTC", Decimals: 18, Address: "0x34fC1fbE05AfadE837293F1A4eB34E8395B2eB9B", Underlying: "vBTC"},
			{Symbol: "sgVNST", Name: "Saigon Staked VNST", Decimals: 18, Address: "0x90df73b1dfD5b0Ff5fF74D90E0B75c1463371A32", Underlying: "VNST"},
			{Symbol: "vLP", Name: "vBTC-VNST Vault Share", Decimals: 18, Address: "0x0724aef72348691f2f8924c0ebc5f83200902f1a"},
		},
		Vault: VaultTmp{
			Address: "0x0724aef72348691f2f8924c0ebc5f83200902f1a",
			TokenA:  "vBTC",
			TokenB:  "VNST",
			LPToken: "vLP",
		},
		Pools: []PoolTmp{
			{Address: "0x65F645Fc9e9F2fa9D92BbFF7c99fBDa06fD002B4", Underlying: "vBTC", Receipt: "sgvBTC"},
			{Address: "0xC163B637aD9Cbc2B53f7161a8CEcaE2f680789b8", Underlying: "VNST", Receipt: "sgVNST"},
		},
		Lending: "0x5198dD715Afa717c659BdEa19fc27288816e1F44",
	}
}

// DefaultNetwork builds the Holesky deployment description.
func DefaultNetwork() (*domain.Network, error) {
	return Default().network()
}

func getYaml(path string) (ConfigTmp, error) {
	tmp := Default()

	f, err := os.ReadFile(path)
	if err != nil {
		return ConfigTmp{}, errors.Wrap(err, "read config")
	}

	// sequences present in the file replace the defaults, omitted ones keep them
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return ConfigTmp{}, errors.Wrap(err, "decode config")
	}
	return tmp, nil
}

// Build validates the raw configuration. getenv resolves the private key.
func (c ConfigTmp) Build(getenv func(string) string) (Config, error) {
	network, err := c.network()
	if err != nil {
		return Config{}, err
	}

	conf := Config{
		Backend:             strings.ToLower(strings.TrimSpace(c.Backend)),
		RPCURL:              c.RPCURL,
		Network:             network,
		PollInterval:        c.PollInterval,
		ReceiptPollInterval: c.ReceiptPollInterval,
		AutoApprove:         true,
		Track:               c.Track,
		WALDir:              c.WALDir,
		SimStateDir:         c.SimStateDir,
		SimFeeBps:           c.SimFeeBps,
		ListenAddr:          c.ListenAddr,
		AutocertDomain:      c.AutocertDomain,
		AutocertCacheDir:    c.AutocertCacheDir,
		LogLevel:            c.LogLevel,
	}
	if c.AutoApprove != nil {
		conf.AutoApprove = *c.AutoApprove
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	if conf.ListenAddr == "" {
		conf.ListenAddr = DefaultListenAddr
	}
	if conf.AutocertDomain != "" && conf.AutocertCacheDir == "" {
		conf.AutocertCacheDir = "./autocert"
	}
	if conf.SimFeeBps < 0 || conf.SimFeeBps > 10000 {
		return Config{}, fmt.Errorf("incorrect 'sim_fee_bps' param in yaml config (0-10000), got %d", conf.SimFeeBps)
	}
	for _, sym := range conf.Track {
		if _, err := network.Assets.BySymbol(sym); err != nil {
			return Config{}, fmt.Errorf("incorrect 'track' param in yaml config: %w", err)
		}
	}

	keyEnv := c.PrivateKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultPrivateKeyEnv
	}
	conf.PrivateKey = strings.TrimSpace(getenv(keyEnv))

	if conf.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(conf.PrivateKey, "0x"), "0X"))
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid private key in %s", keyEnv)
		}
		conf.Account = crypto.PubkeyToAddress(key.PublicKey)
	}
	if c.Account != "" {
		if !common.IsHexAddress(c.Account) {
			return Config{}, fmt.Errorf("incorrect 'account' param in yaml config: %s", c.Account)
		}
		acc := common.HexToAddress(c.Account)
		if conf.PrivateKey != "" && acc != conf.Account {
			return Config{}, fmt.Errorf("'account' %s does not match the key in %s", acc.Hex(), keyEnv)
		}
		conf.Account = acc
	}

	switch conf.Backend {
	case BackendRPC:
		if conf.RPCURL == "" {
			return Config{}, fmt.Errorf("'rpc_url' is required for the rpc backend")
		}
		if conf.PrivateKey == "" {
			return Config{}, fmt.Errorf("%s must be set for the rpc backend", keyEnv)
		}
	case BackendSimulate:
		if (conf.Account == common.Address{}) {
			return Config{}, fmt.Errorf("simulate backend needs 'account' or %s", keyEnv)
		}
	default:
		return Config{}, fmt.Errorf("unsupported backend: %s", c.Backend)
	}

	return conf, nil
}

func (c ConfigTmp) network() (*domain.Network, error) {
	assets := make([]domain.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		if !common.IsHexAddress(a.Address) {
			return nil, fmt.Errorf("incorrect address for asset %s in yaml config: %q", a.Symbol, a.Address)
		}
		prec := a.DisplayPrecision
		if prec == 0 {
			prec = 4
		}
		assets = append(assets, domain.Asset{
			Symbol:           a.Symbol,
			Name:             a.Name,
			Decimals:         a.Decimals,
			Address:          common.HexToAddress(a.Address),
			Underlying:       a.Underlying,
			DisplayPrecision: prec,
		})
	}
	table, err := domain.NewAssetTable(assets)
	if err != nil {
		return nil, errors.Wrap(err, "asset table")
	}

	for _, addr := range []string{c.Vault.Address, c.Lending} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("incorrect contract address in yaml config: %q", addr)
		}
	}

	network := &domain.Network{
		ChainID: c.ChainID,
		Assets:  table,
		Vault: domain.VaultSpec{
			Address: common.HexToAddress(c.Vault.Address),
			TokenA:  c.Vault.TokenA,
			TokenB:  c.Vault.TokenB,
			LPToken: c.Vault.LPToken,
		},
		Lending: common.HexToAddress(c.Lending),
	}
	for _, p := range c.Pools {
		if !common.IsHexAddress(p.Address) {
			return nil, fmt.Errorf("incorrect pool address in yaml config: %q", p.Address)
		}
		network.Pools = append(network.Pools, domain.PoolSpec{
			Address:    common.HexToAddress(p.Address),
			Underlying: p.Underlying,
			Receipt:    p.Receipt,
		})
	}
	if err := network.Validate(); err != nil {
		return nil, err
	}
	return network, nil
}

// TrackedAssets returns the assets the session observes.
func (c Config) TrackedAssets() []domain.Asset {
	if len(c.Track) == 0 {
		return c.Network.Assets.All()
	}
	out := make([]domain.Asset, 0, len(c.Track))
	for _, sym := range c.Track {
		if a, err := c.Network.Assets.BySymbol(sym); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// Marshal renders the raw configuration as YAML.
func (c ConfigTmp) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return data, nil
}
