package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const defaultStateDir = "./wal/simulate"

// Store persists the simulated chain ledger so restarts keep balances, vault
// reserves and loans.
type Store struct {
	path string
}

func getStateDir() string {
	if stateDir := os.Getenv("SAIGON_SIMULATE_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a ledger store. dir overrides the state directory when set.
func NewStore(dir, scope string) (*Store, error) {
	stateDir := dir
	if stateDir == "" {
		stateDir = getStateDir()
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	storeFileName := sanitizeScope(scope)
	if storeFileName == "" {
		storeFileName = "ledger"
	}

	fullName := fmt.Sprintf("%s.json", storeFileName)

	return &Store{path: filepath.Join(stateDir, fullName)}, nil
}

// State represents all persisted ledger data. Amounts are decimal strings of
// base units; addresses are hex.
type State struct {
	Block  uint64                 `json:"block"`
	Nonce  uint64                 `json:"nonce"`
	Fee    string                 `json:"fee_bps"`
	Tokens map[string]TokenState  `json:"tokens"`
	Vault  *VaultState            `json:"vault,omitempty"`
	Pools  map[string]PoolState   `json:"pools"`
	Loans  map[string][]LoanState `json:"loans"`
}

// TokenState is one ERC-20 ledger.
type TokenState struct {
	Supply     string                       `json:"supply"`
	Balances   map[string]string            `json:"balances"`
	Allowances map[string]map[string]string `json:"allowances,omitempty"`
}

// VaultState holds the vault reserves. LP shares live in Tokens under the
// vault address.
type VaultState struct {
	ReserveA string `json:"reserve_a"`
	ReserveB string `json:"reserve_b"`
}

// PoolState holds a staking pool exchange rate and deposited liquidity.
type PoolState struct {
	Rate      string `json:"rate"`
	Liquidity string `json:"liquidity"`
}

// LoanState is one stored loan.
type LoanState struct {
	CollateralToken  string `json:"collateral_token"`
	CollateralAmount string `json:"collateral_amount"`
	BorrowToken      string `json:"borrow_token"`
	BorrowAmount     string `json:"borrow_amount"`
	Timestamp        int64  `json:"timestamp"`
	Active           bool   `json:"active"`
}

// Path returns the file the store writes to.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load reads ledger state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read simulate state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}

	return &state, nil
}

// Save writes ledger state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}

	return nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
