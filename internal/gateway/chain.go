package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/fx"
	"IntentArc/internal/web3"
	"IntentArc/pkg/logger"
)

// Fixed gas limits for calls that follow an approve in the same submission;
// estimating them would fail until the approve is mined.
const (
	swapGasLimit    = 300_000
	depositGasLimit = 250_000
)

// nativeDecimals is the precision of fees reported by the node.
const nativeDecimals = 18

// ChainOption customises a ChainGateway.
type ChainOption func(*ChainGateway)

// WithRouter sets the FX router used for conversions.
func WithRouter(router string) ChainOption {
	return func(g *ChainGateway) {
		if common.IsHexAddress(router) {
			g.router = common.HexToAddress(router)
		}
	}
}

// WithSettledLimit bounds how many confirmed or failed hashes are remembered.
func WithSettledLimit(n int) ChainOption {
	return func(g *ChainGateway) {
		g.settled = newSettledCache(n)
	}
}

// WithFallbackGas overrides the static gas estimate.
func WithFallbackGas(amount string) ChainOption {
	return func(g *ChainGateway) {
		if amount != "" {
			g.fallbackGas = amount
		}
	}
}

// ChainGateway implements Gateway over an EVM client.
type ChainGateway struct {
	client      web3.Client
	book        addressbook.Book
	rates       fx.RateSource
	registry    *currency.Registry
	router      common.Address
	fallbackGas string
	logger      *slog.Logger

	// settled pins terminal statuses so polling stays monotonic.
	settled *settledCache
}

// NewChainGateway wires the gateway's collaborators.
func NewChainGateway(client web3.Client, book addressbook.Book, rates fx.RateSource, reg *currency.Registry, opts ...ChainOption) *ChainGateway {
	g := &ChainGateway{
		client:      client,
		book:        book,
		rates:       rates,
		registry:    reg,
		fallbackGas: DefaultGasEstimate,
		logger:      logger.Named("gateway"),
		settled:     newSettledCache(defaultSettledLimit),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolveRecipient implements Gateway.
func (g *ChainGateway) ResolveRecipient(ctx context.Context, nameOrAddress string) (string, bool, error) {
	addr, ok, err := g.book.Resolve(ctx, nameOrAddress)
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, "address book lookup failed")
	}
	if !ok {
		return "", false, nil
	}
	return addr.Hex(), true, nil
}

// EstimateGas implements Gateway. Native transfers estimate a value
// transfer; token transfers estimate ERC20.transfer on the token contract.
// Node failures fall back to the static estimate, flagged as such.
func (g *ChainGateway) EstimateGas(ctx context.Context, from, to, amount, token string) (GasEstimate, error) {
	entry, err := g.entry(token)
	if err != nil {
		return GasEstimate{}, err
	}
	fromAddr, err := parseAddress("from", from)
	if err != nil {
		return GasEstimate{}, err
	}
	toAddr, err := parseAddress("to", to)
	if err != nil {
		return GasEstimate{}, err
	}
	units, err := g.registry.ToBaseUnits(entry.Symbol, amount)
	if err != nil {
		return GasEstimate{}, err
	}

	msg := web3.CallMsg{From: fromAddr, To: toAddr, Value: units}
	if !entry.Native {
		data, err := web3.PackTransfer(toAddr, units)
		if err != nil {
			return GasEstimate{}, xerrors.Wrap(xerrors.CodeUnknown, err, "encode transfer")
		}
		msg = web3.CallMsg{From: fromAddr, To: entry.TokenAddress(), Data: data}
	}

	fee, err := g.client.EstimateFee(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return GasEstimate{}, xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, "gas estimate timed out")
		}
		g.logger.Warn("gas estimate failed, using fallback",
			slog.String("token", entry.Symbol),
			slog.String("fallback", g.fallbackGas),
			slog.Any("error", err))
		return GasEstimate{Amount: g.fallbackGas, Estimated: true}, nil
	}
	return GasEstimate{Amount: decimal.NewFromBigInt(fee, -nativeDecimals).String()}, nil
}

// GetBalance implements Gateway.
func (g *ChainGateway) GetBalance(ctx context.Context, address, token string) (string, error) {
	entry, err := g.entry(token)
	if err != nil {
		return "", err
	}
	owner, err := parseAddress("address", address)
	if err != nil {
		return "", err
	}

	var units *big.Int
	if entry.Native {
		units, err = g.client.BalanceAt(ctx, owner)
	} else {
		units, err = g.tokenBalance(ctx, entry, owner)
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, fmt.Sprintf("query %s balance", entry.Symbol))
	}
	return g.registry.FromBaseUnits(entry.Symbol, units)
}

func (g *ChainGateway) tokenBalance(ctx context.Context, entry currency.Entry, owner common.Address) (*big.Int, error) {
	data, err := web3.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := g.client.CallContract(ctx, web3.CallMsg{To: entry.TokenAddress(), Data: data})
	if err != nil {
		return nil, err
	}
	return web3.UnpackUint(web3.ERC20, "balanceOf", out)
}

// GetRateQuote implements Gateway.
func (g *ChainGateway) GetRateQuote(ctx context.Context, fromToken, toToken, amount string) (fx.Quote, error) {
	if !g.registry.SupportedPair(fromToken, toToken) {
		return fx.Quote{}, xerrors.New(xerrors.CodeUnsupportedPair, fmt.Sprintf("%s → %s is not supported", fromToken, toToken))
	}
	from, _ := g.registry.Normalize(fromToken)
	to, _ := g.registry.Normalize(toToken)
	return g.rates.Quote(ctx, from, to, amount)
}

// Submit implements Gateway. Conversions and deposits approve the spender
// first and return the hash of the second transaction.
func (g *ChainGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	from, err := parseAddress("from", req.From)
	if err != nil {
		return "", err
	}
	entry, err := g.entry(req.Token)
	if err != nil {
		return "", err
	}
	units, err := g.registry.ToBaseUnits(entry.Symbol, req.Amount)
	if err != nil {
		return "", err
	}

	var hash common.Hash
	switch req.Kind {
	case KindTransfer:
		hash, err = g.submitTransfer(ctx, from, entry, units, req.To)
	case KindConvert:
		hash, err = g.submitConvert(ctx, from, entry, units, req)
	case KindDeposit:
		hash, err = g.submitDeposit(ctx, from, entry, units)
	case KindWithdraw:
		var data []byte
		if data, err = web3.PackRedeem(units); err == nil {
			hash, err = g.sendCall(ctx, from, entry.TokenAddress(), 0, data)
		}
	default:
		err = xerrors.New(xerrors.CodeSubmissionFailed, fmt.Sprintf("unsupported submission kind %q", req.Kind))
	}
	if err != nil {
		return "", submissionError(err)
	}

	logger.Audit().Info("transaction submitted",
		slog.String("kind", string(req.Kind)),
		slog.String("hash", hash.Hex()),
		slog.String("from", from.Hex()),
		slog.String("amount", req.Amount),
		slog.String("token", entry.Symbol))
	return hash.Hex(), nil
}

func (g *ChainGateway) submitTransfer(ctx context.Context, from common.Address, entry currency.Entry, units *big.Int, recipient string) (common.Hash, error) {
	to, err := parseAddress("to", recipient)
	if err != nil {
		return common.Hash{}, err
	}
	if entry.Native {
		return g.client.SendTransaction(ctx, web3.TxRequest{From: from, To: to, Value: units})
	}
	data, err := web3.PackTransfer(to, units)
	if err != nil {
		return common.Hash{}, err
	}
	return g.sendCall(ctx, from, entry.TokenAddress(), 0, data)
}

func (g *ChainGateway) submitConvert(ctx context.Context, from common.Address, in currency.Entry, units *big.Int, req SubmitRequest) (common.Hash, error) {
	if g.router == (common.Address{}) {
		return common.Hash{}, xerrors.New(xerrors.CodeSubmissionFailed, "no FX router is configured")
	}
	out, err := g.entry(req.ToToken)
	if err != nil {
		return common.Hash{}, err
	}
	minOut := big.NewInt(0)
	if req.MinAmountOut != "" {
		d, err := currency.ParseAmount(req.MinAmountOut)
		if err != nil {
			return common.Hash{}, err
		}
		minOut = d.Shift(out.Decimals).Floor().BigInt()
	}
	if err := g.approve(ctx, from, in.TokenAddress(), g.router, units); err != nil {
		return common.Hash{}, err
	}
	data, err := web3.PackSwap(in.TokenAddress(), out.TokenAddress(), units, minOut)
	if err != nil {
		return common.Hash{}, err
	}
	return g.sendCall(ctx, from, g.router, swapGasLimit, data)
}

func (g *ChainGateway) submitDeposit(ctx context.Context, from common.Address, in currency.Entry, units *big.Int) (common.Hash, error) {
	vault, err := g.entry(g.registry.YieldBearing())
	if err != nil {
		return common.Hash{}, err
	}
	if err := g.approve(ctx, from, in.TokenAddress(), vault.TokenAddress(), units); err != nil {
		return common.Hash{}, err
	}
	data, err := web3.PackDeposit(units)
	if err != nil {
		return common.Hash{}, err
	}
	return g.sendCall(ctx, from, vault.TokenAddress(), depositGasLimit, data)
}

func (g *ChainGateway) approve(ctx context.Context, from, token, spender common.Address, units *big.Int) error {
	data, err := web3.PackApprove(spender, units)
	if err != nil {
		return err
	}
	_, err = g.sendCall(ctx, from, token, 0, data)
	return err
}

func (g *ChainGateway) sendCall(ctx context.Context, from, to common.Address, gasLimit uint64, data []byte) (common.Hash, error) {
	return g.client.SendTransaction(ctx, web3.TxRequest{From: from, To: to, Data: data, GasLimit: gasLimit})
}

// GetStatus implements Gateway. Once a hash is confirmed or failed that
// status is pinned: later polls only refresh the confirmation count, and a
// node error or missing receipt returns the pinned status.
func (g *ChainGateway) GetStatus(ctx context.Context, hash string) (TxStatus, error) {
	key := strings.ToLower(strings.TrimSpace(hash))
	if len(common.FromHex(key)) != common.HashLength {
		return TxStatus{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid transaction hash %q", hash))
	}
	pinned, settled := g.settled.get(key)

	receipt, err := g.client.Receipt(ctx, common.HexToHash(key))
	switch {
	case err != nil && settled:
		return pinned, nil
	case err != nil:
		return TxStatus{}, xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, "fetch receipt")
	case !receipt.Found && settled:
		return pinned, nil
	case !receipt.Found:
		return TxStatus{Status: StatusPending}, nil
	}

	status := TxStatus{Status: StatusFailed, Confirmations: int(receipt.Confirmations)}
	if receipt.Success {
		status.Status = StatusConfirmed
	}
	if settled {
		status.Status = pinned.Status
		status.Confirmations = max(status.Confirmations, pinned.Confirmations)
	}
	g.settled.put(key, status)
	return status, nil
}

func (g *ChainGateway) entry(token string) (currency.Entry, error) {
	if strings.TrimSpace(token) == "" {
		token = g.registry.Base()
	}
	return g.registry.MustLookup(token)
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(strings.TrimSpace(value)) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("%s is not a valid address: %q", field, value))
	}
	return common.HexToAddress(value), nil
}

func submissionError(err error) error {
	if coded, ok := xerrors.From(err); ok {
		return coded
	}
	return xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "transaction rejected")
}

var _ Gateway = (*ChainGateway)(nil)
