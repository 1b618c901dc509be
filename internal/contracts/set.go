package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/chain"
	"github.com/vadiminshakov/saigon/internal/domain"
)

// Set binds every contract of a network deployment to one client.
type Set struct {
	Network *domain.Network
	Vault   *Vault
	Lending *Lending

	client chain.Client
	abis   *chain.ABIs
	pools  map[common.Address]*Pool
}

func NewSet(client chain.Client, abis *chain.ABIs, network *domain.Network) *Set {
	s := &Set{
		Network: network,
		Vault:   NewVault(client, abis, network.Vault.Address),
		Lending: NewLending(client, abis, network.Lending),
		client:  client,
		abis:    abis,
		pools:   make(map[common.Address]*Pool, len(network.Pools)),
	}
	for _, p := range network.Pools {
		s.pools[p.Address] = NewPool(client, abis, p.Address)
	}
	return s
}

// Client returns the chain client the bindings use.
func (s *Set) Client() chain.Client {
	return s.client
}

// Token binds the ERC-20 interface of an asset. The vault LP share is bound
// with the vault ABI.
func (s *Set) Token(a domain.Asset) *Token {
	if a.Address == s.Vault.Address {
		return s.Vault.Token
	}
	return NewToken(s.client, s.abis.Token, a.Address)
}

// Pool returns the staking pool binding at addr.
func (s *Set) Pool(addr common.Address) (*Pool, bool) {
	p, ok := s.pools[addr]
	return p, ok
}

func (s *Set) BalanceOf(ctx context.Context, a domain.Asset, owner common.Address) (*big.Int, error) {
	return s.Token(a).BalanceOf(ctx, owner)
}

func (s *Set) Allowance(ctx context.Context, a domain.Asset, owner, spender common.Address) (*big.Int, error) {
	return s.Token(a).Allowance(ctx, owner, spender)
}
