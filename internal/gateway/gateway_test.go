package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/fx"
	"IntentArc/internal/web3"
	"IntentArc/internal/web3/ethereum"
)

const (
	sender = "0x5000000000000000000000000000000000000005"
	alice  = "0xABC0000000000000000000000000000000000001"
)

func newBook(t *testing.T) *addressbook.MemoryBook {
	t.Helper()
	book, err := addressbook.NewMemoryBook(map[string]string{"alice": alice})
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	return book
}

func TestMemoryGatewayStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(currency.Default(), newBook(t), nil, WithBalance(sender, "USDC", "100"))

	hash, err := g.Submit(ctx, SubmitRequest{Kind: KindTransfer, From: sender, To: alice, Amount: "50", Token: "USDC"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	first, _ := g.GetStatus(ctx, hash)
	if first.Status != StatusPending {
		t.Fatalf("first poll should be pending, got %+v", first)
	}
	for i := 0; i < 5; i++ {
		status, err := g.GetStatus(ctx, hash)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Status != StatusConfirmed {
			t.Fatalf("poll %d flapped to %+v", i, status)
		}
	}

	if got, _ := g.GetBalance(ctx, sender, "USDC"); got != "50" {
		t.Fatalf("sender balance %s, want 50", got)
	}
	if got, _ := g.GetBalance(ctx, alice, ""); got != "50" {
		t.Fatalf("recipient balance %s, want 50", got)
	}
	req, ok := g.Submitted(hash)
	if !ok || req.Amount != "50" || req.Token != "USDC" || req.To != alice {
		t.Fatalf("submitted request not recorded verbatim: %+v", req)
	}
}

func TestMemoryGatewayRevertAndReject(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(currency.Default(), nil, nil, WithConfirmAfter(0))

	g.RevertNext()
	hash, _ := g.Submit(ctx, SubmitRequest{Kind: KindWithdraw, From: sender, Amount: "1", Token: "USYC"})
	if status, _ := g.GetStatus(ctx, hash); status.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", status)
	}
	if status, _ := g.GetStatus(ctx, hash); status.Status != StatusFailed {
		t.Fatalf("failed must stay failed, got %+v", status)
	}

	g.FailSubmissions(errors.New("user rejected"))
	if _, err := g.Submit(ctx, SubmitRequest{Kind: KindTransfer, From: sender, To: alice, Amount: "1", Token: "USDC"}); xerrors.CodeOf(err) != xerrors.CodeSubmissionFailed {
		t.Fatalf("expected SUBMISSION_FAILED, got %v", err)
	}
}

func TestMemoryGatewayResolveNeverGuesses(t *testing.T) {
	g := NewMemoryGateway(currency.Default(), newBook(t), nil)
	if addr, ok, err := g.ResolveRecipient(context.Background(), "Mallory"); ok || addr != "" || err != nil {
		t.Fatalf("unknown recipient must not resolve: %q %v %v", addr, ok, err)
	}
	addr, ok, _ := g.ResolveRecipient(context.Background(), "Alice")
	if !ok || !strings.EqualFold(addr, alice) {
		t.Fatalf("unexpected address %q", addr)
	}
}

type slowGateway struct {
	Gateway
}

func (slowGateway) GetBalance(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (slowGateway) Submit(context.Context, SubmitRequest) (string, error) {
	return "", errors.New("wallet locked")
}

func TestWithTimeoutTypesFailures(t *testing.T) {
	g := WithTimeout(slowGateway{}, 20*time.Millisecond)

	start := time.Now()
	_, err := g.GetBalance(context.Background(), sender, "USDC")
	if xerrors.CodeOf(err) != xerrors.CodeGatewayUnavailable {
		t.Fatalf("expected GATEWAY_UNAVAILABLE, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}

	_, err = g.Submit(context.Background(), SubmitRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeSubmissionFailed {
		t.Fatalf("expected SUBMISSION_FAILED, got %v", err)
	}
}

type recordingObserver struct {
	ops  []string
	errs int
}

func (r *recordingObserver) ObserveGatewayCall(op string, _ time.Duration, err error) {
	r.ops = append(r.ops, op)
	if err != nil {
		r.errs++
	}
}

func TestWithObserver(t *testing.T) {
	obs := &recordingObserver{}
	g := WithObserver(NewMemoryGateway(currency.Default(), nil, nil), obs)
	_, _ = g.GetBalance(context.Background(), sender, "USDC")
	_, _ = g.GetRateQuote(context.Background(), "USYC", "EURC", "1")
	if len(obs.ops) != 2 || obs.ops[1] != "GetRateQuote" || obs.errs != 1 {
		t.Fatalf("unexpected observations %+v", obs)
	}
}

type failingChain struct {
	web3.Client
}

func (failingChain) EstimateFee(context.Context, web3.CallMsg) (*big.Int, error) {
	return nil, errors.New("connection refused")
}

func TestChainGatewayGasFallbackIsLabelled(t *testing.T) {
	g := NewChainGateway(failingChain{}, newBook(t), fx.DefaultRates(), currency.Default())
	est, err := g.EstimateGas(context.Background(), sender, alice, "50", "EURC")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.Amount != "0.015" || !est.Estimated {
		t.Fatalf("expected labelled fallback, got %+v", est)
	}
}

func TestChainGatewaySimulatedTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	alloc := coretypes.GenesisAlloc{from: {Balance: new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))}}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	t.Cleanup(func() { backend.Close() })
	client := ethereum.NewSimulatedClient("simulated", big.NewInt(1337), backend, key)

	g := NewChainGateway(client, newBook(t), fx.DefaultRates(), currency.Default())

	est, err := g.EstimateGas(ctx, from.Hex(), alice, "50", "USDC")
	if err != nil || est.Estimated || est.Amount == "" {
		t.Fatalf("expected measured estimate, got %+v (%v)", est, err)
	}

	hash, err := g.Submit(ctx, SubmitRequest{Kind: KindTransfer, From: from.Hex(), To: alice, Amount: "50", Token: "USDC"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.Commit()

	for i := 0; i < 3; i++ {
		status, err := g.GetStatus(ctx, hash)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Status != StatusConfirmed {
			t.Fatalf("expected confirmed, got %+v", status)
		}
	}

	balance, err := g.GetBalance(ctx, alice, "USDC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "50" {
		t.Fatalf("unexpected recipient balance %s", balance)
	}

	pending, err := g.GetStatus(ctx, common.HexToHash("0x1234").Hex())
	if err != nil || pending.Status != StatusPending {
		t.Fatalf("unknown hash should be pending, got %+v (%v)", pending, err)
	}
	if _, err := g.GetStatus(ctx, "0xnothash"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}

	if _, err := g.Submit(ctx, SubmitRequest{Kind: KindTransfer, From: sender, To: alice, Amount: "1", Token: "USDC"}); xerrors.CodeOf(err) != xerrors.CodeSubmissionFailed {
		t.Fatalf("foreign sender must be SUBMISSION_FAILED, got %v", err)
	}
	if _, err := g.Submit(ctx, SubmitRequest{Kind: KindConvert, From: from.Hex(), Amount: "1", Token: "USDC", ToToken: "EURC"}); xerrors.CodeOf(err) != xerrors.CodeSubmissionFailed {
		t.Fatalf("convert without router must be SUBMISSION_FAILED, got %v", err)
	}
}

type receiptClient struct {
	web3.Client
	receipts []web3.Receipt
	errs     []error
	calls    int
}

func (c *receiptClient) Receipt(context.Context, common.Hash) (web3.Receipt, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return web3.Receipt{}, c.errs[i]
	}
	if i < len(c.receipts) {
		return c.receipts[i], nil
	}
	return web3.Receipt{}, nil
}

func TestChainGatewayRefreshesConfirmations(t *testing.T) {
	ctx := context.Background()
	client := &receiptClient{
		receipts: []web3.Receipt{
			{Found: true, Success: true, BlockNumber: 10, Confirmations: 1},
			{Found: true, Success: true, BlockNumber: 10, Confirmations: 4},
			{},
			{Found: true, Success: false, BlockNumber: 11, Confirmations: 2},
		},
		errs: []error{nil, nil, errors.New("connection reset")},
	}
	g := NewChainGateway(client, newBook(t), fx.DefaultRates(), currency.Default())
	hash := common.HexToHash("0xabc").Hex()

	want := []int{1, 4, 4, 4}
	for i, confirmations := range want {
		status, err := g.GetStatus(ctx, hash)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if status.Status != StatusConfirmed || status.Confirmations != confirmations {
			t.Fatalf("poll %d: got %+v, want confirmed with %d confirmations", i, status, confirmations)
		}
	}
}

func TestChainGatewaySettledCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	client := &receiptClient{receipts: []web3.Receipt{
		{Found: true, Success: true}, {Found: true, Success: true}, {Found: true, Success: false},
	}}
	g := NewChainGateway(client, newBook(t), fx.DefaultRates(), currency.Default(), WithSettledLimit(2))

	for _, h := range []string{"0x01", "0x02", "0x03"} {
		if _, err := g.GetStatus(ctx, common.HexToHash(h).Hex()); err != nil {
			t.Fatalf("status %s: %v", h, err)
		}
	}
	if n := g.settled.len(); n != 2 {
		t.Fatalf("settled cache holds %d entries, want 2", n)
	}
	if _, ok := g.settled.get(strings.ToLower(common.HexToHash("0x01").Hex())); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
}
