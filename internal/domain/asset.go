// Package domain defines the wallet session model shared by every component.
package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Asset is a fungible token tracked by the client.
type Asset struct {
	Symbol   string
	Name     string
	Decimals uint8
	Address  common.Address
	// Underlying is the symbol of the wrapped asset for staking receipt tokens.
	Underlying string
	// DisplayPrecision is the number of fractional digits shown to the user.
	DisplayPrecision int32
}

// IsReceipt reports whether the asset is a liquid staking receipt token.
func (a Asset) IsReceipt() bool {
	return a.Underlying != ""
}

// AssetTable resolves assets by symbol or by contract address.
type AssetTable struct {
	ordered   []Asset
	bySymbol  map[string]Asset
	byAddress map[common.Address]Asset
}

// NewAssetTable validates the asset list and indexes it.
func NewAssetTable(assets []Asset) (*AssetTable, error) {
	t := &AssetTable{
		ordered:   make([]Asset, 0, len(assets)),
		bySymbol:  make(map[string]Asset, len(assets)),
		byAddress: make(map[common.Address]Asset, len(assets)),
	}
	for _, a := range assets {
		if a.Symbol == "" {
			return nil, errors.New("asset symbol is required")
		}
		if (a.Address == common.Address{}) {
			return nil, errors.Errorf("asset %s has no contract address", a.Symbol)
		}
		if a.Decimals > 36 {
			return nil, errors.Errorf("asset %s has unsupported decimals %d", a.Symbol, a.Decimals)
		}
		if _, dup := t.bySymbol[a.Symbol]; dup {
			return nil, errors.Errorf("duplicate asset symbol %s", a.Symbol)
		}
		if prev, dup := t.byAddress[a.Address]; dup {
			return nil, errors.Errorf("assets %s and %s share address %s", prev.Symbol, a.Symbol, a.Address.Hex())
		}
		t.ordered = append(t.ordered, a)
		t.bySymbol[a.Symbol] = a
		t.byAddress[a.Address] = a
	}
	for _, a := range t.ordered {
		if a.Underlying == "" {
			continue
		}
		if _, ok := t.bySymbol[a.Underlying]; !ok {
			return nil, errors.Errorf("asset %s wraps unknown asset %s", a.Symbol, a.Underlying)
		}
	}
	return t, nil
}

// BySymbol returns the asset with the given symbol.
func (t *AssetTable) BySymbol(symbol string) (Asset, error) {
	a, ok := t.bySymbol[symbol]
	if !ok {
		return Asset{}, NewError(CodeUnknownAsset, "lookup symbol", "no asset with symbol %q", symbol)
	}
	return a, nil
}

// ByAddress returns the asset deployed at addr.
func (t *AssetTable) ByAddress(addr common.Address) (Asset, error) {
	a, ok := t.byAddress[addr]
	if !ok {
		return Asset{}, NewError(CodeUnknownAsset, "lookup address", "no asset at %s", addr.Hex())
	}
	return a, nil
}

// ByHex resolves a hex address string. Comparison is case-insensitive.
func (t *AssetTable) ByHex(hex string) (Asset, error) {
	hex = strings.TrimSpace(hex)
	if !common.IsHexAddress(hex) {
		return Asset{}, NewError(CodeUnknownAsset, "lookup address", "malformed address %q", hex)
	}
	return t.ByAddress(common.HexToAddress(hex))
}

// All returns the assets in configuration order.
func (t *AssetTable) All() []Asset {
	out := make([]Asset, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// VaultSpec describes the two-asset liquidity vault. The vault contract is
// also the ERC-20 for its LP shares.
type VaultSpec struct {
	Address common.Address
	TokenA  string
	TokenB  string
	LPToken string
}

// PoolSpec describes a liquid staking pool.
type PoolSpec struct {
	Address    common.Address
	Underlying string
	Receipt    string
}

// Network is the immutable deployment description passed to every component.
type Network struct {
	ChainID int64
	Assets  *AssetTable
	Vault   VaultSpec
	Pools   []PoolSpec
	Lending common.Address
}

// PoolFor finds the staking pool accepting the given underlying or receipt symbol.
func (n *Network) PoolFor(symbol string) (PoolSpec, bool) {
	for _, p := range n.Pools {
		if p.Underlying == symbol || p.Receipt == symbol {
			return p, true
		}
	}
	return PoolSpec{}, false
}

// Validate checks the cross references between contracts and assets.
func (n *Network) Validate() error {
	if n.Assets == nil {
		return errors.New("network has no asset table")
	}
	if (n.Lending == common.Address{}) {
		return errors.New("lending contract address is required")
	}
	for _, sym := range []string{n.Vault.TokenA, n.Vault.TokenB, n.Vault.LPToken} {
		if _, err := n.Assets.BySymbol(sym); err != nil {
			return errors.Wrap(err, "vault")
		}
	}
	if lp, _ := n.Assets.BySymbol(n.Vault.LPToken); lp.Address != n.Vault.Address {
		return errors.Errorf("vault LP token %s must live at the vault address", n.Vault.LPToken)
	}
	for _, p := range n.Pools {
		if (p.Address == common.Address{}) {
			return errors.Errorf("pool for %s has no address", p.Underlying)
		}
		if _, err := n.Assets.BySymbol(p.Underlying); err != nil {
			return errors.Wrap(err, "pool underlying")
		}
		receipt, err := n.Assets.BySymbol(p.Receipt)
		if err != nil {
			return errors.Wrap(err, "pool receipt")
		}
		if receipt.Underlying != p.Underlying {
			return errors.Errorf("receipt %s does not wrap %s", p.Receipt, p.Underlying)
		}
	}
	return nil
}
