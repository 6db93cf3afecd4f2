// Package gateway is the boundary between the conversational core and the
// network: recipient resolution, gas estimates, balances, FX quotes,
// submission and receipt status. Every amount crossing it is a decimal string.
package gateway

import (
	"context"

	"IntentArc/internal/fx"
)

// DefaultGasEstimate is reported, flagged as estimated, when the network
// cannot produce a measured figure.
const DefaultGasEstimate = "0.015"

// Status is the lifecycle of a submitted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// TxStatus is the result of a status poll.
type TxStatus struct {
	Status        Status `json:"status"`
	Confirmations int    `json:"confirmations"`
}

// GasEstimate is a fee in the native currency. Estimated is true when the
// figure is the static fallback rather than a node measurement.
type GasEstimate struct {
	Amount    string `json:"amount"`
	Estimated bool   `json:"estimated"`
}

// Kind selects how a submission is encoded on chain.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindConvert  Kind = "convert"
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// SubmitRequest carries a proposal's resolved parameters. Amount and Token
// are passed through unchanged from the proposal.
type SubmitRequest struct {
	Kind         Kind   `json:"kind"`
	From         string `json:"from"`
	To           string `json:"to,omitempty"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	ToToken      string `json:"toToken,omitempty"`
	MinAmountOut string `json:"minAmountOut,omitempty"`
}

// Gateway is implemented by ChainGateway, MemoryGateway and the decorators.
// An empty token means the registry's native token.
type Gateway interface {
	// ResolveRecipient returns ok=false for unknown names. It never guesses.
	ResolveRecipient(ctx context.Context, nameOrAddress string) (address string, ok bool, err error)
	EstimateGas(ctx context.Context, from, to, amount, token string) (GasEstimate, error)
	GetBalance(ctx context.Context, address, token string) (string, error)
	GetRateQuote(ctx context.Context, fromToken, toToken, amount string) (fx.Quote, error)
	Submit(ctx context.Context, req SubmitRequest) (hash string, err error)
	GetStatus(ctx context.Context, hash string) (TxStatus, error)
}
