package currency

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	xerrors "IntentArc/internal/errors"
)

func TestNormalizeAliases(t *testing.T) {
	r := Default()
	cases := map[string]string{
		"$":       "USDC",
		"usd":     "USDC",
		"Dollars": "USDC",
		"€":       "EURC",
		"euros":   "EURC",
		"eurc":    "EURC",
		"USYC":    "USYC",
		"savings": "USYC",
	}
	for in, want := range cases {
		got, ok := r.Normalize(in)
		if !ok || got != want {
			t.Fatalf("Normalize(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := r.Normalize("BTC"); ok {
		t.Fatalf("expected BTC to be unknown")
	}
}

func TestSupportedPairs(t *testing.T) {
	r := Default()
	if !r.SupportedPair("USDC", "EURC") || !r.SupportedPair("EURC", "USDC") {
		t.Fatalf("expected USDC<->EURC to be supported")
	}
	if !r.SupportedPair("USYC", "USYC") {
		t.Fatalf("same-token pair must be valid")
	}
	if r.SupportedPair("USDC", "USYC") {
		t.Fatalf("USDC->USYC is not a conversion pair")
	}
}

func TestBaseUnitConversion(t *testing.T) {
	r := Default()

	units, err := r.ToBaseUnits("EURC", "12.5")
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	if units.Cmp(big.NewInt(12_500_000)) != 0 {
		t.Fatalf("unexpected units %s", units)
	}

	back, err := r.FromBaseUnits("EURC", units)
	if err != nil || back != "12.5" {
		t.Fatalf("round trip mismatch: %q %v", back, err)
	}

	if _, err := r.ToBaseUnits("EURC", "0.0000001"); xerrors.CodeOf(err) != xerrors.CodeInvalidAmount {
		t.Fatalf("expected INVALID_AMOUNT for excess precision, got %v", err)
	}
	if _, err := r.ToBaseUnits("BTC", "1"); xerrors.CodeOf(err) != xerrors.CodeUnsupportedToken {
		t.Fatalf("expected UNSUPPORTED_TOKEN, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	content := `base: USDC
secondary: EURC
yield: USYC
tokens:
  - symbol: usdc
    address: "0x3600000000000000000000000000000000000000"
    decimals: 6
    aliases: ["$", "usd"]
  - symbol: EURC
    address: "0x89B50855Aa3bE2F677cD6303Cec089B5F319D72a"
    decimals: 6
  - symbol: USYC
    address: "0xe9185F0c5F296Ed1797AaE4238D26CCaBEadb86C"
    decimals: 6
    yield_bearing: true
pairs:
  - [USDC, EURC]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	entry, ok := r.Lookup("$")
	if !ok || entry.Symbol != "USDC" || entry.Native || entry.Decimals != 6 {
		t.Fatalf("unexpected USDC entry %+v", entry)
	}
	if got := r.Symbols(); len(got) != 3 || got[0] != "USDC" {
		t.Fatalf("unexpected symbols %v", got)
	}
}

func TestNewRejectsUnknownBase(t *testing.T) {
	_, err := New(File{Base: "XYZ", Tokens: defaultFile.Tokens, Secondary: "EURC", Yield: "USYC"})
	if err == nil {
		t.Fatalf("expected error for unknown base token")
	}
}
