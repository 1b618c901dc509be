package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/pkg/errors"
)

const tokenABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const vaultABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"}],"outputs":[{"name":"shares","type":"uint256"}]},
	{"type":"function","name":"removeLiquidity","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"}]},
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[{"name":"reserveA","type":"uint256"},{"name":"reserveB","type":"uint256"}]},
	{"type":"function","name":"getPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getLiquidityValue","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"}]}
]`

const poolABI = `[
	{"type":"function","name":"provideLiquidity","stateMutability":"payable","inputs":[{"name":"liquidityAmount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[{"name":"lstAmount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getExchangeRate","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"poolLiquidityVolume","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lstVolume","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lstToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"liquidityToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const lendingABI = `[
	{"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"collateralToken","type":"address"},{"name":"collateralAmount","type":"uint256"},{"name":"borrowToken","type":"address"},{"name":"borrowAmount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getUserLoanCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getLoan","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"loanId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[
		{"name":"borrower","type":"address"},
		{"name":"collateralToken","type":"address"},
		{"name":"collateralAmount","type":"uint256"},
		{"name":"borrowToken","type":"address"},
		{"name":"borrowAmount","type":"uint256"},
		{"name":"timestamp","type":"uint256"},
		{"name":"isActive","type":"bool"}
	]}]},
	{"type":"function","name":"calculateRepaymentAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"loanId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"feePercentage","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"BASIS_POINTS","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ABIs holds the parsed contract interfaces. It is built once at startup and
// shared read-only.
type ABIs struct {
	Token   *abi.ABI
	Vault   *abi.ABI
	Pool    *abi.ABI
	Lending *abi.ABI
}

// LoadABIs parses the contract interfaces this client talks to.
func LoadABIs() (*ABIs, error) {
	parse := func(name, def string) (*abi.ABI, error) {
		parsed, err := abi.JSON(strings.NewReader(def))
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s abi", name)
		}
		return &parsed, nil
	}

	var (
		out ABIs
		err error
	)
	if out.Token, err = parse("token", tokenABI); err != nil {
		return nil, err
	}
	if out.Vault, err = parse("vault", vaultABI); err != nil {
		return nil, err
	}
	if out.Pool, err = parse("pool", poolABI); err != nil {
		return nil, err
	}
	if out.Lending, err = parse("lending", lendingABI); err != nil {
		return nil, err
	}
	return &out, nil
}

// MustLoadABIs is LoadABIs for tests and fixed embedded definitions.
func MustLoadABIs() *ABIs {
	abis, err := LoadABIs()
	if err != nil {
		panic(err)
	}
	return abis
}
