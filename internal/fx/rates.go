// Package fx quotes stablecoin conversions. Rates come from an external rate
// source; the static table here mirrors the Arc testnet demo rates.
package fx

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
)

// QuotePlaces is the precision expected amounts are rounded to.
const QuotePlaces = 6

// Defaults used when the configuration leaves the table empty.
const (
	DefaultPriceImpact = "0.001"
	DefaultGasEstimate = "0.015"
)

// Quote is a conversion quote. GasEstimate is a static figure, so
// GasEstimated is always true for quotes produced by StaticRates.
type Quote struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Rate           string `json:"rate"`
	ExpectedAmount string `json:"expectedAmount"`
	PriceImpact    string `json:"priceImpact"`
	GasEstimate    string `json:"gasEstimate"`
	GasEstimated   bool   `json:"gasEstimated"`
}

// RateSource produces conversion quotes.
type RateSource interface {
	Quote(ctx context.Context, from, to, amount string) (Quote, error)
}

// StaticRates serves quotes from a fixed rate table.
type StaticRates struct {
	rates       map[[2]string]decimal.Decimal
	priceImpact decimal.Decimal
	gas         string
}

// DefaultRates returns the EURC/USDC demo table.
func DefaultRates() *StaticRates {
	r, err := NewStaticRates(map[string]string{
		"EURC/USDC": "1.05",
		"USDC/EURC": "0.95",
	}, DefaultPriceImpact, DefaultGasEstimate)
	if err != nil {
		panic(err)
	}
	return r
}

// NewStaticRates parses a table keyed "FROM/TO".
func NewStaticRates(table map[string]string, priceImpact, gas string) (*StaticRates, error) {
	rates := make(map[[2]string]decimal.Decimal, len(table))
	for key, value := range table {
		parts := strings.Split(key, "/")
		if len(parts) != 2 {
			return nil, fmt.Errorf("rate key %q must look like FROM/TO", key)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("rate %s=%q is not a positive decimal", key, value)
		}
		pair := [2]string{strings.ToUpper(strings.TrimSpace(parts[0])), strings.ToUpper(strings.TrimSpace(parts[1]))}
		rates[pair] = rate
	}
	if priceImpact == "" {
		priceImpact = DefaultPriceImpact
	}
	impact, err := decimal.NewFromString(priceImpact)
	if err != nil {
		return nil, fmt.Errorf("price impact %q: %w", priceImpact, err)
	}
	if gas == "" {
		gas = DefaultGasEstimate
	}
	if _, err := decimal.NewFromString(gas); err != nil {
		return nil, fmt.Errorf("gas estimate %q: %w", gas, err)
	}
	return &StaticRates{rates: rates, priceImpact: impact, gas: gas}, nil
}

// Quote implements RateSource. Same-token quotes are 1:1 with no price impact.
func (s *StaticRates) Quote(_ context.Context, from, to, amount string) (Quote, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	value, err := currency.ParseAmount(amount)
	if err != nil {
		return Quote{}, err
	}

	rate := decimal.NewFromInt(1)
	impact := decimal.Zero
	if from != to {
		r, ok := s.rates[[2]string{from, to}]
		if !ok {
			return Quote{}, xerrors.New(xerrors.CodeUnsupportedPair,
				fmt.Sprintf("no rate for %s → %s", from, to),
				xerrors.WithMetadata("from", from), xerrors.WithMetadata("to", to))
		}
		rate = r
		impact = s.priceImpact
	}

	return Quote{
		From:           from,
		To:             to,
		Amount:         amount,
		Rate:           rate.String(),
		ExpectedAmount: value.Mul(rate).StringFixed(QuotePlaces),
		PriceImpact:    impact.String(),
		GasEstimate:    s.gas,
		GasEstimated:   true,
	}, nil
}

// MinimumOut applies the quote's price impact as slippage tolerance and
// returns the minimum acceptable output amount.
func (q Quote) MinimumOut() (decimal.Decimal, error) {
	expected, err := decimal.NewFromString(q.ExpectedAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("expected amount %q: %w", q.ExpectedAmount, err)
	}
	impact, err := decimal.NewFromString(q.PriceImpact)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price impact %q: %w", q.PriceImpact, err)
	}
	return expected.Mul(decimal.NewFromInt(1).Sub(impact)), nil
}

var _ RateSource = (*StaticRates)(nil)
