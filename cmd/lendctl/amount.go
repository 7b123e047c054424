package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"lendcore/services/lending/client"
)

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// parseAmount converts a token amount such as "1.25" into base units for an
// asset with the given decimals.
func parseAmount(raw string, decimals uint8) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("amount required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !value.IsPositive() {
		return 0, fmt.Errorf("amount must be positive")
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", trimmed, decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("amount %s overflows", trimmed)
	}
	return scaled.BigInt().Uint64(), nil
}

// formatAmount renders base units as a token amount.
func formatAmount(units uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals)).String()
}

// resolveAmount parses raw either as base units or as a token amount scaled
// by the bank's decimals.
func resolveAmount(ctx context.Context, c *client.Client, asset, raw string, baseUnits bool) (uint64, error) {
	if baseUnits {
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil || v == 0 {
			return 0, fmt.Errorf("invalid base-unit amount %q", raw)
		}
		return v, nil
	}
	decimals, err := assetDecimals(ctx, c, asset)
	if err != nil {
		return 0, fmt.Errorf("%w (pass --base-units to skip the lookup)", err)
	}
	return parseAmount(raw, decimals)
}

func assetDecimals(ctx context.Context, c *client.Client, asset string) (uint8, error) {
	raw, err := c.Bank(ctx, asset)
	if err != nil {
		return 0, err
	}
	var bank struct {
		Decimals uint8 `json:"decimals"`
	}
	if err := json.Unmarshal(raw, &bank); err != nil {
		return 0, fmt.Errorf("decode bank: %w", err)
	}
	return bank.Decimals, nil
}
