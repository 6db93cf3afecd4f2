package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"IntentArc/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// gasMarginPercent pads estimated gas limits for submitted transactions.
const gasMarginPercent = 20

// ErrWrongNetwork is returned when the node reports a chain ID other than the
// configured one.
var ErrWrongNetwork = errors.New("connected to the wrong network")

// ErrSignerMismatch is returned when a transaction is requested for an
// account the client cannot sign for.
var ErrSignerMismatch = errors.New("sender is not the configured signer")

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
	// SignerKey is a hex encoded secp256k1 private key. Empty means read-only.
	SignerKey string
}

// Backend is the subset of ethclient.Client the client depends on. The
// go-ethereum simulated backend satisfies it as well.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.ContractCaller
	gethcore.GasEstimator
	gethcore.GasPricer
	gethcore.GasPricer1559
	gethcore.TransactionReader
	gethcore.TransactionSender
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend
	expected  *big.Int
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	signer    common.Address
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("rpc url is not configured")
	}

	key, err := parseKey(cfg.SignerKey)
	if err != nil {
		return nil, err
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}
	if cfg.ChainID > 0 {
		client.expected = big.NewInt(cfg.ChainID)
	}
	client.setKey(key)
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend, key *ecdsa.PrivateKey) *Client {
	client := &Client{
		name:     name,
		backend:  backend,
		expected: new(big.Int).Set(chainID),
		chainID:  new(big.Int).Set(chainID),
		notes:    "simulated backend",
	}
	client.setKey(key)
	return client
}

func (c *Client) setKey(key *ecdsa.PrivateKey) {
	if key == nil {
		return
	}
	c.key = key
	c.signer = crypto.PubkeyToAddress(key.PublicKey)
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return key, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Signer returns the account transactions are signed with, if any.
func (c *Client) Signer() (common.Address, bool) {
	if c == nil || c.key == nil {
		return common.Address{}, false
	}
	return c.signer, true
}

// ChainID returns the network chain ID, verifying it against the configured
// one on first use.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("ethereum client is not initialised")
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if c.expected != nil && id.Cmp(c.expected) != 0 {
		return nil, fmt.Errorf("%w: node reports %s, expected %s", ErrWrongNetwork, id, c.expected)
	}

	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("fetch block number: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the native balance of account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("ethereum client is not initialised")
	}
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg web3.CallMsg) ([]byte, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("ethereum client is not initialised")
	}
	to := msg.To
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: msg.From, To: &to, Value: msg.Value, Data: msg.Data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// EstimateFee returns gas units times the suggested gas price.
func (c *Client) EstimateFee(ctx context.Context, msg web3.CallMsg) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("ethereum client is not initialised")
	}
	to := msg.To
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: msg.From, To: &to, Value: msg.Value, Data: msg.Data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), price), nil
}

// SendTransaction signs req as an EIP-1559 transaction and broadcasts it.
func (c *Client) SendTransaction(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	if c == nil || c.backend == nil {
		return common.Hash{}, errors.New("ethereum client is not initialised")
	}
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("%w: client is read-only", ErrSignerMismatch)
	}
	if req.From != (common.Address{}) && req.From != c.signer {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrSignerMismatch, req.From.Hex())
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		to := req.To
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.signer, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = estimated + estimated*gasMarginPercent/100
	}

	to := req.To
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	if sim, ok := c.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	return signed.Hash(), nil
}

// Receipt looks up the receipt for hash. A transaction that is not mined yet
// yields Found=false and no error.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	if c == nil || c.backend == nil {
		return web3.Receipt{}, errors.New("ethereum client is not initialised")
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if notIndexedYet(err) {
			return web3.Receipt{}, nil
		}
		return web3.Receipt{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return web3.Receipt{}, nil
	}

	out := web3.Receipt{
		Found:   true,
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	head, err := c.backend.BlockNumber(ctx)
	if err == nil && head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber
	}
	return out, nil
}

// notIndexedYet reports lookups that may still succeed later: the hash is
// unknown, or geth is still building its transaction index and cannot tell.
func notIndexedYet(err error) bool {
	return errors.Is(err, gethcore.NotFound) || strings.Contains(err.Error(), "transaction indexing is in progress")
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
