package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health output.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// CallMsg is a read-only call or gas estimation request.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// TxRequest describes a transaction the client should sign and broadcast.
// From must match the client's signer.
type TxRequest struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Receipt is the chain-agnostic view of a transaction receipt. Found is false
// while the transaction has not been mined.
type Receipt struct {
	Found         bool
	Success       bool
	BlockNumber   uint64
	Confirmations uint64
}

// Client defines the primitives the gateway needs from an EVM network.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)
	// EstimateFee returns gas units multiplied by the suggested gas price, in wei.
	EstimateFee(ctx context.Context, msg CallMsg) (*big.Int, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (Receipt, error)
	Signer() (common.Address, bool)
	Close()
}
