package lending

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ValueDecimals is the precision of the common value unit.
const ValueDecimals = 18

var unitValue = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(ValueDecimals))

// Valuer converts between asset amounts and the common value unit used to
// compare collateral and debt across banks.
type Valuer interface {
	Value(bank *Bank, amount uint64) (*uint256.Int, error)
	Amount(bank *Bank, value *uint256.Int) (uint64, error)
}

// StaticValuer prices each asset at a fixed quote per whole token. Assets
// without a quote are valued at par.
type StaticValuer struct {
	prices map[string]*uint256.Int
}

// ParValuer values one whole token of every asset at one unit.
func ParValuer() *StaticValuer {
	return &StaticValuer{prices: map[string]*uint256.Int{}}
}

// NewStaticValuer parses decimal quotes such as "1850.25" keyed by asset.
func NewStaticValuer(quotes map[string]string) (*StaticValuer, error) {
	v := ParValuer()
	for asset, raw := range quotes {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", asset, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("price for %s must be positive", asset)
		}
		scaled := price.Shift(ValueDecimals)
		if !scaled.Equal(scaled.Truncate(0)) {
			return nil, fmt.Errorf("price for %s exceeds %d decimal places", asset, ValueDecimals)
		}
		quote, overflow := uint256.FromBig(scaled.BigInt())
		if overflow {
			return nil, fmt.Errorf("price for %s: %w", asset, ErrArithmeticOverflow)
		}
		v.prices[NormalizeAsset(asset)] = quote
	}
	return v, nil
}

func (v *StaticValuer) price(asset string) *uint256.Int {
	if v != nil {
		if quote, ok := v.prices[NormalizeAsset(asset)]; ok {
			return quote
		}
	}
	return unitValue
}

// Value returns amount * price / 10^decimals in the common unit.
func (v *StaticValuer) Value(bank *Bank, amount uint64) (*uint256.Int, error) {
	scale, err := decimalScale(bank)
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), v.price(bank.Asset))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, scale), nil
}

// Amount inverts Value, rounding down so the result never buys more value
// than requested.
func (v *StaticValuer) Amount(bank *Bank, value *uint256.Int) (uint64, error) {
	scale, err := decimalScale(bank)
	if err != nil {
		return 0, err
	}
	product, overflow := new(uint256.Int).MulOverflow(value, scale)
	if overflow {
		return 0, ErrArithmeticOverflow
	}
	amount := product.Div(product, v.price(bank.Asset))
	if !amount.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return amount.Uint64(), nil
}

func decimalScale(bank *Bank) (*uint256.Int, error) {
	if bank == nil {
		return nil, ErrNotInitialized
	}
	if bank.Decimals > MaxAssetDecimals {
		return nil, ErrInvalidParameters
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(bank.Decimals))), nil
}
