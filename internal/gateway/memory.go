package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/fx"
)

// MemoryOption customises a MemoryGateway.
type MemoryOption func(*MemoryGateway)

// WithConfirmAfter sets how many GetStatus calls return pending before a
// transaction confirms.
func WithConfirmAfter(polls int) MemoryOption {
	return func(g *MemoryGateway) {
		if polls >= 0 {
			g.confirmAfter = polls
		}
	}
}

// WithBalance seeds a balance.
func WithBalance(address, token, amount string) MemoryOption {
	return func(g *MemoryGateway) {
		g.setBalance(address, token, decimal.RequireFromString(amount))
	}
}

type memoryTx struct {
	req    SubmitRequest
	polls  int
	status TxStatus
	fail   bool
}

// MemoryGateway is a deterministic in-process Gateway used by tests and the
// demo mode of the binaries. Balances move when a transaction confirms.
type MemoryGateway struct {
	registry     *currency.Registry
	book         addressbook.Book
	rates        fx.RateSource
	gas          string
	confirmAfter int

	mu          sync.Mutex
	balances    map[string]map[string]decimal.Decimal
	txs         map[string]*memoryTx
	nonce       uint64
	calls       map[string]int
	submitErr   error
	failNext    bool
	unavailable error
}

// NewMemoryGateway creates a gateway whose transactions confirm on the
// second status poll by default.
func NewMemoryGateway(reg *currency.Registry, book addressbook.Book, rates fx.RateSource, opts ...MemoryOption) *MemoryGateway {
	if rates == nil {
		rates = fx.DefaultRates()
	}
	g := &MemoryGateway{
		registry:     reg,
		book:         book,
		rates:        rates,
		gas:          DefaultGasEstimate,
		confirmAfter: 1,
		balances:     make(map[string]map[string]decimal.Decimal),
		txs:          make(map[string]*memoryTx),
		calls:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetBalance overwrites a balance.
func (g *MemoryGateway) SetBalance(address, token, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setBalance(address, token, decimal.RequireFromString(amount))
}

func (g *MemoryGateway) setBalance(address, token string, amount decimal.Decimal) {
	key := strings.ToLower(address)
	if g.balances[key] == nil {
		g.balances[key] = make(map[string]decimal.Decimal)
	}
	symbol, ok := g.registry.Normalize(token)
	if !ok {
		symbol = strings.ToUpper(token)
	}
	g.balances[key][symbol] = amount
}

// FailSubmissions makes every Submit return err until cleared with nil.
func (g *MemoryGateway) FailSubmissions(err error) {
	g.mu.Lock()
	g.submitErr = err
	g.mu.Unlock()
}

// RevertNext makes the next submitted transaction settle as failed.
func (g *MemoryGateway) RevertNext() {
	g.mu.Lock()
	g.failNext = true
	g.mu.Unlock()
}

// SetUnavailable makes every call fail with err, or restores service with nil.
func (g *MemoryGateway) SetUnavailable(err error) {
	g.mu.Lock()
	g.unavailable = err
	g.mu.Unlock()
}

// Calls returns how often op was invoked.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// TotalCalls returns the number of gateway calls of any kind.
func (g *MemoryGateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

// Submitted returns the request recorded for hash.
func (g *MemoryGateway) Submitted(hash string) (SubmitRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.txs[strings.ToLower(hash)]
	if !ok {
		return SubmitRequest{}, false
	}
	return tx.req, true
}

func (g *MemoryGateway) enter(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.unavailable != nil {
		return xerrors.Wrap(xerrors.CodeGatewayUnavailable, g.unavailable, op+" failed")
	}
	return nil
}

// ResolveRecipient implements Gateway.
func (g *MemoryGateway) ResolveRecipient(ctx context.Context, nameOrAddress string) (string, bool, error) {
	if err := g.enter("ResolveRecipient"); err != nil {
		return "", false, err
	}
	if g.book == nil {
		if common.IsHexAddress(nameOrAddress) {
			return common.HexToAddress(nameOrAddress).Hex(), true, nil
		}
		return "", false, nil
	}
	addr, ok, err := g.book.Resolve(ctx, nameOrAddress)
	if err != nil || !ok {
		return "", false, err
	}
	return addr.Hex(), true, nil
}

// EstimateGas implements Gateway. The in-memory network has no fee market,
// so the static figure is returned and flagged as an estimate.
func (g *MemoryGateway) EstimateGas(_ context.Context, _, _, amount, token string) (GasEstimate, error) {
	if err := g.enter("EstimateGas"); err != nil {
		return GasEstimate{}, err
	}
	if _, err := g.lookup(token); err != nil {
		return GasEstimate{}, err
	}
	if _, err := currency.ParseAmount(amount); err != nil {
		return GasEstimate{}, err
	}
	return GasEstimate{Amount: g.gas, Estimated: true}, nil
}

// GetBalance implements Gateway.
func (g *MemoryGateway) GetBalance(_ context.Context, address, token string) (string, error) {
	if err := g.enter("GetBalance"); err != nil {
		return "", err
	}
	symbol, err := g.lookup(token)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[strings.ToLower(address)][symbol].String(), nil
}

// GetRateQuote implements Gateway.
func (g *MemoryGateway) GetRateQuote(ctx context.Context, fromToken, toToken, amount string) (fx.Quote, error) {
	if err := g.enter("GetRateQuote"); err != nil {
		return fx.Quote{}, err
	}
	if !g.registry.SupportedPair(fromToken, toToken) {
		return fx.Quote{}, xerrors.New(xerrors.CodeUnsupportedPair, fmt.Sprintf("%s → %s is not supported", fromToken, toToken))
	}
	from, _ := g.registry.Normalize(fromToken)
	to, _ := g.registry.Normalize(toToken)
	return g.rates.Quote(ctx, from, to, amount)
}

// Submit implements Gateway.
func (g *MemoryGateway) Submit(_ context.Context, req SubmitRequest) (string, error) {
	if err := g.enter("Submit"); err != nil {
		return "", err
	}
	if _, err := g.lookup(req.Token); err != nil {
		return "", err
	}
	if _, err := currency.ParsePositive(req.Amount); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", xerrors.Wrap(xerrors.CodeSubmissionFailed, g.submitErr, "transaction rejected")
	}
	g.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s", g.nonce, req.Kind, req.From, req.To, req.Amount, req.Token))).Hex()
	g.txs[strings.ToLower(hash)] = &memoryTx{
		req:    req,
		status: TxStatus{Status: StatusPending},
		fail:   g.failNext,
	}
	g.failNext = false
	return hash, nil
}

// GetStatus implements Gateway. Terminal statuses never change.
func (g *MemoryGateway) GetStatus(_ context.Context, hash string) (TxStatus, error) {
	if err := g.enter("GetStatus"); err != nil {
		return TxStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.txs[strings.ToLower(hash)]
	if !ok {
		return TxStatus{Status: StatusPending}, nil
	}
	if tx.status.Status.Terminal() {
		tx.status.Confirmations++
		return tx.status, nil
	}
	tx.polls++
	if tx.polls <= g.confirmAfter {
		return tx.status, nil
	}
	if tx.fail {
		tx.status = TxStatus{Status: StatusFailed, Confirmations: 1}
		return tx.status, nil
	}
	g.apply(tx.req)
	tx.status = TxStatus{Status: StatusConfirmed, Confirmations: 1}
	return tx.status, nil
}

// apply moves balances for a confirmed request. Callers hold g.mu.
func (g *MemoryGateway) apply(req SubmitRequest) {
	amount := decimal.RequireFromString(req.Amount)
	from := strings.ToLower(req.From)
	token, _ := g.registry.Normalize(req.Token)
	g.add(from, token, amount.Neg())

	switch req.Kind {
	case KindTransfer:
		g.add(strings.ToLower(req.To), token, amount)
	case KindConvert:
		to, _ := g.registry.Normalize(req.ToToken)
		quote, err := g.rates.Quote(context.Background(), token, to, req.Amount)
		if err == nil {
			g.add(from, to, decimal.RequireFromString(quote.ExpectedAmount))
		}
	case KindDeposit:
		g.add(from, g.registry.YieldBearing(), amount)
	case KindWithdraw:
		g.add(from, g.registry.Base(), amount)
	}
}

func (g *MemoryGateway) add(address, token string, delta decimal.Decimal) {
	if g.balances[address] == nil {
		g.balances[address] = make(map[string]decimal.Decimal)
	}
	g.balances[address][token] = g.balances[address][token].Add(delta)
}

func (g *MemoryGateway) lookup(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return g.registry.Base(), nil
	}
	entry, err := g.registry.MustLookup(token)
	if err != nil {
		return "", err
	}
	return entry.Symbol, nil
}

var _ Gateway = (*MemoryGateway)(nil)
