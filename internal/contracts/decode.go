// Package contracts provides typed bindings over chain.Client. Every binding
// validates the shape of loosely typed call results before handing them out.
package contracts

import (
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/saigon/internal/domain"
)

func expectOutputs(op string, out []any, n int) error {
	if len(out) != n {
		return domain.NewError(domain.CodeDecode, op, "expected %d outputs, got %d", n, len(out))
	}
	return nil
}

func decodeBigInt(op string, out []any, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, domain.NewError(domain.CodeDecode, op, "missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok || v == nil {
		return nil, domain.NewError(domain.CodeDecode, op, "output %d is %T, want *big.Int", i, out[i])
	}
	if v.Sign() < 0 {
		return nil, domain.NewError(domain.CodeDecode, op, "output %d is negative", i)
	}
	return new(big.Int).Set(v), nil
}

func decodeUint8(op string, out []any, i int) (uint8, error) {
	if i >= len(out) {
		return 0, domain.NewError(domain.CodeDecode, op, "missing output %d", i)
	}
	v, ok := out[i].(uint8)
	if !ok {
		return 0, domain.NewError(domain.CodeDecode, op, "output %d is %T, want uint8", i, out[i])
	}
	return v, nil
}

func decodeAddress(op string, out []any, i int) (common.Address, error) {
	if i >= len(out) {
		return common.Address{}, domain.NewError(domain.CodeDecode, op, "missing output %d", i)
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, domain.NewError(domain.CodeDecode, op, "output %d is %T, want address", i, out[i])
	}
	return v, nil
}

func decodeString(op string, out []any, i int) (string, error) {
	if i >= len(out) {
		return "", domain.NewError(domain.CodeDecode, op, "missing output %d", i)
	}
	v, ok := out[i].(string)
	if !ok {
		return "", domain.NewError(domain.CodeDecode, op, "output %d is %T, want string", i, out[i])
	}
	return v, nil
}

// decodeStruct converts an ABI tuple (an anonymous struct built by the abi
// package) into a named struct with identical field names and types.
func decodeStruct[T any](op string, out []any, i int) (T, error) {
	var zero T
	if i >= len(out) {
		return zero, domain.NewError(domain.CodeDecode, op, "missing output %d", i)
	}
	if v, ok := out[i].(T); ok {
		return v, nil
	}
	rv := reflect.ValueOf(out[i])
	want := reflect.TypeOf(zero)
	if !rv.IsValid() || !rv.Type().ConvertibleTo(want) {
		return zero, domain.NewError(domain.CodeDecode, op, "output %d is %T, want %s", i, out[i], want)
	}
	return rv.Convert(want).Interface().(T), nil
}

// bigToUint64 narrows a counter read from the chain.
func bigToUint64(op string, v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, domain.NewError(domain.CodeDecode, op, "value %s overflows uint64", v)
	}
	return v.Uint64(), nil
}
