// Package resolver 把结构化意图解析为可确认的提案：查询收款地址、
// 估算 gas、拉取汇率与收益率，并在无法成立时给出带错误码的失败原因。
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/fx"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/yield"
	"IntentArc/pkg/logger"
)

// Option 定制 Resolver。
type Option func(*Resolver)

// WithAPYSource 指定收益率来源，默认使用固定的 5%。
func WithAPYSource(src yield.APYSource) Option {
	return func(r *Resolver) {
		if src != nil {
			r.apy = src
		}
	}
}

// WithLedger 指定存款台账，用于计算取款的持有天数。
func WithLedger(ledger yield.Ledger) Option {
	return func(r *Resolver) {
		r.ledger = ledger
	}
}

// WithPlaceholderDays 设置没有存款记录时的占位持有天数。
func WithPlaceholderDays(days int) Option {
	return func(r *Resolver) {
		if days > 0 {
			r.placeholderDays = days
		}
	}
}

// WithClock 替换时间来源，测试中使用。
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver 负责按动作族生成提案。
type Resolver struct {
	gateway         gateway.Gateway
	registry        *currency.Registry
	apy             yield.APYSource
	ledger          yield.Ledger
	placeholderDays int
	now             func() time.Time
	logger          *slog.Logger
}

// New 构造解析器。
func New(gw gateway.Gateway, reg *currency.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		gateway:         gw,
		registry:        reg,
		apy:             yield.StaticAPY{Percent: yield.DefaultAPY},
		placeholderDays: yield.DefaultPlaceholderDays,
		now:             time.Now,
		logger:          logger.Named("resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 为意图生成提案。解析失败不会以 error 返回，而是写入 Proposal.Failure。
func (r *Resolver) Resolve(ctx context.Context, in intent.Intent, sender string) *Proposal {
	p := &Proposal{
		ID:        uuid.NewString(),
		Action:    in.Action,
		Sender:    strings.TrimSpace(sender),
		Intent:    in,
		Recipient: in.Recipient,
		Amount:    in.Amount,
		Token:     in.Token,
		ToToken:   in.ToCurrency,
		CreatedAt: r.now().UTC(),
	}

	if err := in.Validate(r.registry); err != nil {
		return p.fail(err, xerrors.CodeParseFailed)
	}
	if !common.IsHexAddress(p.Sender) {
		return p.fail(xerrors.New(xerrors.CodeInvalidArgument, "a valid sender address is required"), xerrors.CodeInvalidArgument)
	}

	family := in.Action.Family()
	var amount decimal.Decimal
	if family != intent.FamilyBalance {
		d, err := currency.ParsePositive(in.Amount)
		if err != nil {
			return p.fail(err, xerrors.CodeInvalidAmount)
		}
		amount = d
	}

	var err error
	switch family {
	case intent.FamilyTransfer:
		err = r.resolveTransfer(ctx, p)
	case intent.FamilyBalance:
		err = r.resolveBalance(ctx, p)
	case intent.FamilyConvert:
		err = r.resolveConvert(ctx, p, in)
	case intent.FamilyDeposit:
		err = r.resolveDeposit(ctx, p, amount)
	case intent.FamilyWithdraw:
		err = r.resolveWithdraw(ctx, p, amount)
	}
	if err != nil {
		r.logger.Info("提案解析失败",
			slog.String("proposal_id", p.ID),
			slog.String("action", string(p.Action)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return p.fail(err, xerrors.CodeUnknown)
	}
	r.logger.Debug("提案已生成",
		slog.String("proposal_id", p.ID),
		slog.String("action", string(p.Action)),
		slog.String("amount", p.Amount),
		slog.String("token", p.Token))
	return p
}

func (r *Resolver) resolveTransfer(ctx context.Context, p *Proposal) error {
	addr, ok, err := r.gateway.ResolveRecipient(ctx, p.Recipient)
	if err != nil {
		return err
	}
	if !ok || addr == "" {
		return xerrors.New(xerrors.CodeUnresolvedRecipient, fmt.Sprintf("unresolved recipient %q", p.Recipient),
			xerrors.WithMetadata("recipient", p.Recipient))
	}
	p.RecipientAddress = addr
	return r.attachGas(ctx, p, addr)
}

func (r *Resolver) resolveBalance(ctx context.Context, p *Proposal) error {
	tokens := r.registry.Symbols()
	if p.Token != "" {
		tokens = []string{p.Token}
	}
	for _, token := range tokens {
		amount, err := r.gateway.GetBalance(ctx, p.Sender, token)
		if err != nil {
			return err
		}
		bal := Balance{Token: token, Amount: amount}
		if entry, ok := r.registry.Lookup(token); ok && entry.YieldBearing {
			apy, err := r.apy.CurrentAPY(ctx)
			if err != nil {
				return err
			}
			bal.APY = apy.Percent.String()
		}
		p.Balances = append(p.Balances, bal)
	}
	return nil
}

func (r *Resolver) resolveConvert(ctx context.Context, p *Proposal, in intent.Intent) error {
	from, to := in.FromCurrency, in.ToCurrency
	p.Token, p.ToToken = from, to
	if !r.registry.SupportedPair(from, to) {
		return xerrors.New(xerrors.CodeUnsupportedPair, fmt.Sprintf("%s → %s is not supported", from, to))
	}
	if from == to {
		p.NoOp = true
		p.Rate = "1"
		p.ExpectedAmount = p.Amount
		p.PriceImpact = "0"
		return nil
	}
	quote, err := r.gateway.GetRateQuote(ctx, from, to, p.Amount)
	if err != nil {
		return err
	}
	p.Rate = quote.Rate
	p.ExpectedAmount = quote.ExpectedAmount
	p.PriceImpact = quote.PriceImpact
	if minOut, err := quote.MinimumOut(); err == nil {
		p.MinimumReceived = minOut.StringFixed(fx.QuotePlaces)
	}
	p.GasEstimate = quote.GasEstimate
	p.GasEstimated = quote.GasEstimated
	return nil
}

func (r *Resolver) resolveDeposit(ctx context.Context, p *Proposal, amount decimal.Decimal) error {
	base := r.registry.Base()
	if p.Token != base {
		return xerrors.New(xerrors.CodeUnsupportedToken, fmt.Sprintf("only %s can be deposited into savings", base))
	}
	p.ToToken = r.registry.YieldBearing()
	if err := r.requireBalance(ctx, p.Sender, base, amount); err != nil {
		return err
	}
	apy, err := r.apy.CurrentAPY(ctx)
	if err != nil {
		return err
	}
	p.APY = apy.Percent.String()
	p.APYFallback = apy.Fallback
	return r.attachGas(ctx, p, r.vaultAddress())
}

func (r *Resolver) resolveWithdraw(ctx context.Context, p *Proposal, amount decimal.Decimal) error {
	p.Token = r.registry.YieldBearing()
	p.ToToken = r.registry.Base()
	if err := r.requireBalance(ctx, p.Sender, p.Token, amount); err != nil {
		return err
	}
	apy, err := r.apy.CurrentAPY(ctx)
	if err != nil {
		return err
	}
	held, err := yield.HoldingPeriodFor(ctx, r.ledger, p.Sender, r.now(), r.placeholderDays)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read deposit ledger")
	}
	p.APY = apy.Percent.String()
	p.APYFallback = apy.Fallback
	p.HoldingDays = held.Days
	p.HoldingPeriodPlaceholder = held.Placeholder
	p.YieldEarned = yield.FormatEarned(yield.Earned(amount, apy.Percent, held.Days))
	return r.attachGas(ctx, p, r.vaultAddress())
}

func (r *Resolver) requireBalance(ctx context.Context, owner, token string, amount decimal.Decimal) error {
	raw, err := r.gateway.GetBalance(ctx, owner, token)
	if err != nil {
		return err
	}
	balance, err := currency.ParseAmount(raw)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, "gateway returned an unreadable balance")
	}
	if balance.LessThan(amount) {
		return xerrors.New(xerrors.CodeInsufficientBalance,
			fmt.Sprintf("insufficient %s balance: have %s, need %s", token, balance.String(), amount.String()),
			xerrors.WithMetadata("balance", balance.String()))
	}
	return nil
}

func (r *Resolver) attachGas(ctx context.Context, p *Proposal, to string) error {
	est, err := r.gateway.EstimateGas(ctx, p.Sender, to, p.Amount, p.Token)
	if err != nil {
		return err
	}
	p.GasEstimate = est.Amount
	p.GasEstimated = est.Estimated
	return nil
}

func (r *Resolver) vaultAddress() string {
	entry, ok := r.registry.Lookup(r.registry.YieldBearing())
	if !ok {
		return ""
	}
	return entry.TokenAddress().Hex()
}
