package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ActionKind is the type of user-initiated write.
type ActionKind int

const (
	ActionApprove ActionKind = iota
	ActionMint
	ActionStake
	ActionUnstake
	ActionBorrow
	ActionRepay
	ActionAddLiquidity
	ActionRemoveLiquidity
)

// action string constants to avoid magic strings
const (
	actionStringApprove         = "approve"
	actionStringMint            = "mint"
	actionStringStake           = "stake"
	actionStringUnstake         = "unstake"
	actionStringBorrow          = "borrow"
	actionStringRepay           = "repay"
	actionStringAddLiquidity    = "add_liquidity"
	actionStringRemoveLiquidity = "remove_liquidity"
)

// String returns the string representation of the action kind
func (k ActionKind) String() string {
	switch k {
	case ActionApprove:
		return actionStringApprove
	case ActionMint:
		return actionStringMint
	case ActionStake:
		return actionStringStake
	case ActionUnstake:
		return actionStringUnstake
	case ActionBorrow:
		return actionStringBorrow
	case ActionRepay:
		return actionStringRepay
	case ActionAddLiquidity:
		return actionStringAddLiquidity
	case ActionRemoveLiquidity:
		return actionStringRemoveLiquidity
	default:
		return "unknown"
	}
}

// ParseActionKind converts a string into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case actionStringApprove:
		return ActionApprove, nil
	case actionStringMint:
		return ActionMint, nil
	case actionStringStake:
		return ActionStake, nil
	case actionStringUnstake:
		return ActionUnstake, nil
	case actionStringBorrow:
		return ActionBorrow, nil
	case actionStringRepay:
		return ActionRepay, nil
	case actionStringAddLiquidity:
		return ActionAddLiquidity, nil
	case actionStringRemoveLiquidity:
		return ActionRemoveLiquidity, nil
	}
	return 0, errors.Errorf("unknown action kind %q", s)
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseActionKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ActionState is the lifecycle state of a submitted action.
type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionConfirmed ActionState = "confirmed"
	ActionFailed    ActionState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s ActionState) Terminal() bool {
	return s == ActionConfirmed || s == ActionFailed
}

// ActionOutcome is the journal record of an action reaching a state.
type ActionOutcome struct {
	ID          string      `json:"id"`
	Kind        ActionKind  `json:"kind"`
	Owner       string      `json:"owner"`
	Asset       string      `json:"asset"`
	Amount      string      `json:"amount"`
	State       ActionState `json:"state"`
	TxHashes    []string    `json:"tx_hashes,omitempty"`
	ErrorCode   Code        `json:"error_code,omitempty"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
}

// ActionOutcomeEntry bundles a journaled outcome with its log index.
type ActionOutcomeEntry struct {
	Index   uint64
	Outcome ActionOutcome
}
