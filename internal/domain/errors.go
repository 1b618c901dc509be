package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies failures surfaced to the UI layer.
type Code string

const (
	CodeReadFailure           Code = "READ_FAILURE"
	CodeDecode                Code = "DECODE_ERROR"
	CodeDataUnavailable       Code = "DATA_UNAVAILABLE"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance Code = "INSUFFICIENT_ALLOWANCE"
	CodeAlreadyInFlight       Code = "ALREADY_IN_FLIGHT"
	CodeApprovalFailed        Code = "APPROVAL_FAILED"
	CodeTransactionFailed     Code = "TRANSACTION_FAILED"
	CodeUnknownAsset          Code = "UNKNOWN_ASSET"
	CodeNotRepayable          Code = "NOT_REPAYABLE"
	CodeNotConnected          Code = "NOT_CONNECTED"
)

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrReadFailure           = &Error{Code: CodeReadFailure}
	ErrDecode                = &Error{Code: CodeDecode}
	ErrDataUnavailable       = &Error{Code: CodeDataUnavailable}
	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance}
	ErrInsufficientAllowance = &Error{Code: CodeInsufficientAllowance}
	ErrAlreadyInFlight       = &Error{Code: CodeAlreadyInFlight}
	ErrApprovalFailed        = &Error{Code: CodeApprovalFailed}
	ErrTransactionFailed     = &Error{Code: CodeTransactionFailed}
	ErrUnknownAsset          = &Error{Code: CodeUnknownAsset}
	ErrNotRepayable          = &Error{Code: CodeNotRepayable}
	ErrNotConnected          = &Error{Code: CodeNotConnected}
)

// Error is a coded error carrying the failed operation and its cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("[%s] %s", e.Code, e.Op)
	case e.Op == "":
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WrapWithCode attaches a code and operation to err. A nil err stays nil.
func WrapWithCode(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// NewError builds a coded error from a formatted message.
func NewError(code Code, op string, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: errors.Errorf(format, args...)}
}

// CodeOf returns the code of the first *Error in the chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
