package gateway

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/fx"
)

// DefaultCallTimeout bounds each gateway call.
const DefaultCallTimeout = 10 * time.Second

// timeoutGateway bounds every call with a deadline and types the failure.
// It never retries: the first failure is returned as is.
type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout wraps g so that each call carries its own deadline. Deadline
// and uncoded transport errors become GATEWAY_UNAVAILABLE; uncoded Submit
// errors become SUBMISSION_FAILED.
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &timeoutGateway{next: g, timeout: timeout}
}

func (t *timeoutGateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func classify(ctx context.Context, op string, err error, fallback xerrors.Code) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeGatewayUnavailable, err, op+" timed out",
			xerrors.WithMetadata("operation", op))
	}
	if coded, ok := xerrors.From(err); ok {
		return coded
	}
	return xerrors.Wrap(fallback, err, op+" failed", xerrors.WithMetadata("operation", op))
}

func (t *timeoutGateway) ResolveRecipient(ctx context.Context, nameOrAddress string) (string, bool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	addr, ok, err := t.next.ResolveRecipient(ctx, nameOrAddress)
	return addr, ok, classify(ctx, "ResolveRecipient", err, xerrors.CodeGatewayUnavailable)
}

func (t *timeoutGateway) EstimateGas(ctx context.Context, from, to, amount, token string) (GasEstimate, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	est, err := t.next.EstimateGas(ctx, from, to, amount, token)
	return est, classify(ctx, "EstimateGas", err, xerrors.CodeGatewayUnavailable)
}

func (t *timeoutGateway) GetBalance(ctx context.Context, address, token string) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	balance, err := t.next.GetBalance(ctx, address, token)
	return balance, classify(ctx, "GetBalance", err, xerrors.CodeGatewayUnavailable)
}

func (t *timeoutGateway) GetRateQuote(ctx context.Context, fromToken, toToken, amount string) (fx.Quote, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	quote, err := t.next.GetRateQuote(ctx, fromToken, toToken, amount)
	return quote, classify(ctx, "GetRateQuote", err, xerrors.CodeGatewayUnavailable)
}

func (t *timeoutGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	hash, err := t.next.Submit(ctx, req)
	return hash, classify(ctx, "Submit", err, xerrors.CodeSubmissionFailed)
}

func (t *timeoutGateway) GetStatus(ctx context.Context, hash string) (TxStatus, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	status, err := t.next.GetStatus(ctx, hash)
	return status, classify(ctx, "GetStatus", err, xerrors.CodeGatewayUnavailable)
}

var _ Gateway = (*timeoutGateway)(nil)
