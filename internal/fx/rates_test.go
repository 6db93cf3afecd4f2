package fx

import (
	"context"
	"testing"

	xerrors "IntentArc/internal/errors"
)

func TestStaticRatesQuote(t *testing.T) {
	rates := DefaultRates()

	q, err := rates.Quote(context.Background(), "USDC", "EURC", "100")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.ExpectedAmount != "95.000000" || q.PriceImpact != "0.001" || q.GasEstimate != "0.015" || !q.GasEstimated {
		t.Fatalf("unexpected quote %+v", q)
	}

	q, err = rates.Quote(context.Background(), "eurc", "usdc", "12.5")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.ExpectedAmount != "13.125000" || q.Rate != "1.05" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestStaticRatesSameToken(t *testing.T) {
	q, err := DefaultRates().Quote(context.Background(), "EURC", "EURC", "7")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.ExpectedAmount != "7.000000" || q.PriceImpact != "0" {
		t.Fatalf("same token must be a no-op, got %+v", q)
	}
}

func TestStaticRatesUnsupported(t *testing.T) {
	_, err := DefaultRates().Quote(context.Background(), "USYC", "EURC", "1")
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedPair {
		t.Fatalf("expected UNSUPPORTED_PAIR, got %v", err)
	}
	_, err = DefaultRates().Quote(context.Background(), "USDC", "EURC", "-3")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidAmount {
		t.Fatalf("expected INVALID_AMOUNT, got %v", err)
	}
}

func TestNewStaticRatesValidation(t *testing.T) {
	if _, err := NewStaticRates(map[string]string{"USDC-EURC": "1"}, "", ""); err == nil {
		t.Fatalf("expected key format error")
	}
	if _, err := NewStaticRates(map[string]string{"USDC/EURC": "0"}, "", ""); err == nil {
		t.Fatalf("expected non-positive rate error")
	}
}

func TestQuoteMinimumOut(t *testing.T) {
	q := Quote{ExpectedAmount: "100.000000", PriceImpact: "0.001"}
	min, err := q.MinimumOut()
	if err != nil {
		t.Fatalf("minimum out: %v", err)
	}
	if min.String() != "99.9" {
		t.Fatalf("unexpected minimum %s", min)
	}
}
