package gateway

import (
	"context"
	"time"

	"IntentArc/internal/fx"
)

// Observer receives one callback per gateway call.
type Observer interface {
	ObserveGatewayCall(op string, elapsed time.Duration, err error)
}

type instrumented struct {
	next Gateway
	obs  Observer
}

// WithObserver reports latency and outcome of every call to obs.
func WithObserver(g Gateway, obs Observer) Gateway {
	if obs == nil {
		return g
	}
	return &instrumented{next: g, obs: obs}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveGatewayCall(op, time.Since(start), err)
}

func (i *instrumented) ResolveRecipient(ctx context.Context, nameOrAddress string) (string, bool, error) {
	start := time.Now()
	addr, ok, err := i.next.ResolveRecipient(ctx, nameOrAddress)
	i.observe("ResolveRecipient", start, err)
	return addr, ok, err
}

func (i *instrumented) EstimateGas(ctx context.Context, from, to, amount, token string) (GasEstimate, error) {
	start := time.Now()
	est, err := i.next.EstimateGas(ctx, from, to, amount, token)
	i.observe("EstimateGas", start, err)
	return est, err
}

func (i *instrumented) GetBalance(ctx context.Context, address, token string) (string, error) {
	start := time.Now()
	balance, err := i.next.GetBalance(ctx, address, token)
	i.observe("GetBalance", start, err)
	return balance, err
}

func (i *instrumented) GetRateQuote(ctx context.Context, fromToken, toToken, amount string) (fx.Quote, error) {
	start := time.Now()
	quote, err := i.next.GetRateQuote(ctx, fromToken, toToken, amount)
	i.observe("GetRateQuote", start, err)
	return quote, err
}

func (i *instrumented) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	start := time.Now()
	hash, err := i.next.Submit(ctx, req)
	i.observe("Submit", start, err)
	return hash, err
}

func (i *instrumented) GetStatus(ctx context.Context, hash string) (TxStatus, error) {
	start := time.Now()
	status, err := i.next.GetStatus(ctx, hash)
	i.observe("GetStatus", start, err)
	return status, err
}

var _ Gateway = (*instrumented)(nil)
