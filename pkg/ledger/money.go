package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// MinorUnits is an integer amount in the currency's smallest unit.
type MinorUnits int64

// Int64 exposes the raw value.
func (amount MinorUnits) Int64() int64 {
	return int64(amount)
}

// Currency is an ISO 4217 code supported by the marketplace.
type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyTZS Currency = "TZS"
	CurrencyUGX Currency = "UGX"
	CurrencyUSD Currency = "USD"
)

var currencyExponents = map[Currency]int32{
	CurrencyKES: 2,
	CurrencyTZS: 2,
	CurrencyUGX: 0,
	CurrencyUSD: 2,
}

// ParseCurrency validates and normalizes a currency code.
func ParseCurrency(raw string) (Currency, error) {
	currency := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := currencyExponents[currency]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	return currency, nil
}

// Exponent returns the number of minor-unit digits.
func (currency Currency) Exponent() int32 {
	return currencyExponents[currency]
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}

// Money pairs an amount in minor units with its currency.
type Money struct {
	Amount   MinorUnits
	Currency Currency
}

// NewMoney builds a Money value from minor units.
func NewMoney(amount MinorUnits, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// ParseMoney parses a decimal string such as "1000.50" into minor units of currency.
// Amounts with more fractional digits than the currency allows are rejected.
func ParseMoney(raw string, currency Currency) (Money, error) {
	if _, ok := currencyExponents[currency]; !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if value.IsNegative() {
		return Money{}, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, raw)
	}
	shifted := value.Shift(currency.Exponent())
	if !shifted.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has too many decimal places for %s", ErrInvalidAmount, raw, currency)
	}
	if shifted.GreaterThan(maxMinorUnits) {
		return Money{}, fmt.Errorf("%w: %q exceeds the largest representable amount", ErrInvalidAmount, raw)
	}
	return Money{Amount: MinorUnits(shifted.IntPart()), Currency: currency}, nil
}

// String formats the amount as a fixed-point decimal string.
func (money Money) String() string {
	exponent := money.Currency.Exponent()
	return decimal.New(money.Amount.Int64(), -exponent).StringFixed(exponent)
}

// IsPositive reports whether the amount is greater than zero.
func (money Money) IsPositive() bool {
	return money.Amount > 0
}

type moneyPayload struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes money as {"amount":"700.00","currency":"KES"}.
func (money Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyPayload{Amount: money.String(), Currency: money.Currency.String()})
}

// UnmarshalJSON decodes the decimal-string representation.
func (money *Money) UnmarshalJSON(data []byte) error {
	var payload moneyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	currency, err := ParseCurrency(payload.Currency)
	if err != nil {
		return err
	}
	parsed, err := ParseMoney(payload.Amount, currency)
	if err != nil {
		return err
	}
	*money = parsed
	return nil
}

// ApplyPercent returns percent% of amount rounded half-up to the nearest minor unit.
func ApplyPercent(amount MinorUnits, percent int64) MinorUnits {
	scaled := decimal.NewFromInt(amount.Int64()).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return MinorUnits(scaled.IntPart())
}
