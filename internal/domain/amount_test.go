package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     string
		wantCode Code
	}{
		{name: "whole", input: "10", decimals: 18, want: "10000000000000000000"},
		{name: "fraction", input: "0.5", decimals: 18, want: "500000000000000000"},
		{name: "smallest unit", input: "0.00000001", decimals: 8, want: "1"},
		{name: "trimmed", input: "  1.25 ", decimals: 2, want: "125"},
		{name: "too precise", input: "0.001", decimals: 2, wantCode: CodeInvalidAmount},
		{name: "zero", input: "0", decimals: 18, wantCode: CodeInvalidAmount},
		{name: "negative", input: "-1", decimals: 18, wantCode: CodeInvalidAmount},
		{name: "garbage", input: "abc", decimals: 18, wantCode: CodeInvalidAmount},
		{name: "empty", input: "", decimals: 18, wantCode: CodeInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatDisplay(t *testing.T) {
	v, ok := new(big.Int).SetString("1234567890123456789", 10)
	require.True(t, ok)

	assert.Equal(t, "1.23456789", FormatDisplay(v, Asset{Decimals: 18, DisplayPrecision: 8}))
	assert.Equal(t, "1.23", FormatDisplay(v, Asset{Decimals: 18, DisplayPrecision: 2}))
	assert.Equal(t, "1.2345", FormatDisplay(v, Asset{Decimals: 18}))
	assert.Equal(t, "0.00", FormatDisplay(big.NewInt(0), Asset{Decimals: 18, DisplayPrecision: 2}))
	assert.Equal(t, "1.234567890123456789", FormatAmount(v, 18))
}

func TestNeedsApproval(t *testing.T) {
	huge := new(big.Int).Add(InfiniteApproval, big.NewInt(1))

	assert.True(t, NeedsApproval(big.NewInt(0), big.NewInt(1)))
	assert.True(t, NeedsApproval(big.NewInt(99), big.NewInt(100)))
	assert.False(t, NeedsApproval(big.NewInt(100), big.NewInt(100)))
	assert.False(t, NeedsApproval(InfiniteApproval, new(big.Int).Mul(InfiniteApproval, big.NewInt(5))))
	assert.False(t, NeedsApproval(huge, big.NewInt(1)))
	assert.True(t, NeedsApproval(nil, big.NewInt(1)))
}

func TestNeedsApproval_MatchesComparison(t *testing.T) {
	// below the infinite threshold needsApproval is exactly allowance < requested
	values := []int64{0, 1, 2, 10, 999, 1000, 1001}
	for _, a := range values {
		for _, r := range values {
			got := NeedsApproval(big.NewInt(a), big.NewInt(r))
			assert.Equal(t, a < r, got, "allowance=%d requested=%d", a, r)
		}
	}
}

func TestApplyRate(t *testing.T) {
	rate := new(big.Int).Mul(big.NewInt(11), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)) // 1.1
	assert.Equal(t, "110", ApplyRate(big.NewInt(100), rate).String())
	assert.Nil(t, ApplyRate(nil, rate))
}
