// Package currency maps the logical currency symbols users type (USD, EUR,
// USDC, EURC, USYC) onto on-chain token identifiers and precision rules.
package currency

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	xerrors "IntentArc/internal/errors"
)

// Entry describes one token known to the registry.
type Entry struct {
	Symbol       string   `yaml:"symbol" json:"symbol"`
	Address      string   `yaml:"address" json:"address"`
	Decimals     int32    `yaml:"decimals" json:"decimals"`
	Native       bool     `yaml:"native" json:"native"`
	YieldBearing bool     `yaml:"yield_bearing" json:"yieldBearing"`
	Aliases      []string `yaml:"aliases" json:"aliases,omitempty"`
}

// TokenAddress returns the contract address of the entry.
func (e Entry) TokenAddress() common.Address {
	return common.HexToAddress(e.Address)
}

// File is the YAML layout accepted by LoadFile.
type File struct {
	Base      string      `yaml:"base"`
	Secondary string      `yaml:"secondary"`
	Yield     string      `yaml:"yield"`
	Tokens    []Entry     `yaml:"tokens"`
	Pairs     [][2]string `yaml:"pairs"`
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	entries   map[string]Entry
	order     []string
	aliases   map[string]string
	pairs     map[[2]string]struct{}
	base      string
	secondary string
	yield     string
}

// Arc testnet token layout. USDC is the chain's native gas currency.
var defaultFile = File{
	Base:      "USDC",
	Secondary: "EURC",
	Yield:     "USYC",
	Tokens: []Entry{
		{Symbol: "USDC", Address: "0x3600000000000000000000000000000000000000", Decimals: 18, Native: true, Aliases: []string{"$", "USD", "DOLLAR", "DOLLARS"}},
		{Symbol: "EURC", Address: "0x89B50855Aa3bE2F677cD6303Cec089B5F319D72a", Decimals: 6, Aliases: []string{"€", "EUR", "EURO", "EUROS"}},
		{Symbol: "USYC", Address: "0xe9185F0c5F296Ed1797AaE4238D26CCaBEadb86C", Decimals: 6, YieldBearing: true, Aliases: []string{"SAVINGS", "YIELD"}},
	},
	Pairs: [][2]string{{"USDC", "EURC"}},
}

// Default returns the registry for the Arc testnet tokens.
func Default() *Registry {
	r, err := New(defaultFile)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile reads a registry definition from YAML. An empty path yields the
// default registry.
func LoadFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read currency registry: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse currency registry: %w", err)
	}
	return New(f)
}

// New validates a registry definition.
func New(f File) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]Entry, len(f.Tokens)),
		aliases: make(map[string]string),
		pairs:   make(map[[2]string]struct{}),
	}
	for _, tok := range f.Tokens {
		sym := strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("token without symbol")
		}
		if _, dup := r.entries[sym]; dup {
			return nil, fmt.Errorf("duplicate token %s", sym)
		}
		if !common.IsHexAddress(tok.Address) {
			return nil, fmt.Errorf("token %s has invalid address %q", sym, tok.Address)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return nil, fmt.Errorf("token %s has invalid decimals %d", sym, tok.Decimals)
		}
		tok.Symbol = sym
		r.entries[sym] = tok
		r.order = append(r.order, sym)
		r.aliases[sym] = sym
		for _, alias := range tok.Aliases {
			r.aliases[strings.ToUpper(strings.TrimSpace(alias))] = sym
		}
	}

	var err error
	if r.base, err = r.mustKnow("base", f.Base); err != nil {
		return nil, err
	}
	if r.secondary, err = r.mustKnow("secondary", f.Secondary); err != nil {
		return nil, err
	}
	if r.yield, err = r.mustKnow("yield", f.Yield); err != nil {
		return nil, err
	}
	for _, p := range f.Pairs {
		a, errA := r.mustKnow("pair", p[0])
		b, errB := r.mustKnow("pair", p[1])
		if errA != nil || errB != nil {
			return nil, fmt.Errorf("pair %v references unknown token", p)
		}
		r.pairs[[2]string{a, b}] = struct{}{}
		r.pairs[[2]string{b, a}] = struct{}{}
	}
	return r, nil
}

func (r *Registry) mustKnow(role, symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := r.entries[sym]; !ok {
		return "", fmt.Errorf("%s token %q is not defined", role, symbol)
	}
	return sym, nil
}

// Normalize maps a symbol, alias or currency sign onto a registry symbol.
func (r *Registry) Normalize(raw string) (string, bool) {
	sym, ok := r.aliases[strings.ToUpper(strings.TrimSpace(raw))]
	return sym, ok
}

// Lookup returns the entry for a registry symbol or alias.
func (r *Registry) Lookup(symbol string) (Entry, bool) {
	sym, ok := r.Normalize(symbol)
	if !ok {
		return Entry{}, false
	}
	return r.entries[sym], true
}

// MustLookup is Lookup returning a typed UNSUPPORTED_TOKEN failure.
func (r *Registry) MustLookup(symbol string) (Entry, error) {
	entry, ok := r.Lookup(symbol)
	if !ok {
		return Entry{}, xerrors.New(xerrors.CodeUnsupportedToken, fmt.Sprintf("unsupported token %q", symbol))
	}
	return entry, nil
}

// Symbols lists the registry symbols in declaration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Base is the base stable symbol, the default token of every command.
func (r *Registry) Base() string { return r.base }

// Secondary is the second stable symbol (EURC on Arc).
func (r *Registry) Secondary() string { return r.secondary }

// YieldBearing is the savings token symbol.
func (r *Registry) YieldBearing() string { return r.yield }

// SupportedPair reports whether from can be converted into to. Same-token
// pairs are valid no-ops.
func (r *Registry) SupportedPair(from, to string) bool {
	a, okA := r.Normalize(from)
	b, okB := r.Normalize(to)
	if !okA || !okB {
		return false
	}
	if a == b {
		return true
	}
	_, ok := r.pairs[[2]string{a, b}]
	return ok
}

// Pairs lists supported conversion pairs, each direction once, sorted.
func (r *Registry) Pairs() [][2]string {
	out := make([][2]string, 0, len(r.pairs))
	for p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] == out[j][0] {
			return out[i][1] < out[j][1]
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// ToBaseUnits converts a decimal amount string into the token's integer
// base units. Amounts with more fractional digits than the token supports
// are rejected rather than rounded.
func (r *Registry) ToBaseUnits(symbol, amount string) (*big.Int, error) {
	entry, err := r.MustLookup(symbol)
	if err != nil {
		return nil, err
	}
	d, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(entry.Decimals)
	if !shifted.IsInteger() {
		return nil, xerrors.New(xerrors.CodeInvalidAmount,
			fmt.Sprintf("%s supports at most %d decimals", entry.Symbol, entry.Decimals))
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders integer base units as a decimal string.
func (r *Registry) FromBaseUnits(symbol string, units *big.Int) (string, error) {
	entry, err := r.MustLookup(symbol)
	if err != nil {
		return "", err
	}
	if units == nil {
		return "0", nil
	}
	return decimal.NewFromBigInt(units, -entry.Decimals).String(), nil
}

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeInvalidAmount, err, fmt.Sprintf("invalid amount %q", amount))
	}
	if d.IsNegative() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidAmount, fmt.Sprintf("negative amount %q", amount))
	}
	return d, nil
}

// ParsePositive parses an amount that must be strictly greater than zero.
func ParsePositive(amount string) (decimal.Decimal, error) {
	d, err := ParseAmount(amount)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return d, xerrors.New(xerrors.CodeInvalidAmount, "amount must be greater than zero")
	}
	return d, nil
}
