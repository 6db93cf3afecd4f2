package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/agent"
	"IntentArc/internal/currency"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/observability/metrics"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/resolver"
	"IntentArc/internal/txrecord"
	"IntentArc/internal/web3"
)

const (
	sender = "0x5000000000000000000000000000000000000005"
	alice  = "0xABC0000000000000000000000000000000000001"
)

type testEnv struct {
	server  *httptest.Server
	agent   *agent.Manager
	records *txrecord.MemoryStore
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	reg := currency.Default()
	book, err := addressbook.NewMemoryBook(map[string]string{"alice": alice})
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	records, err := txrecord.NewMemoryStore("")
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	gw := gateway.NewMemoryGateway(reg, book, nil, gateway.WithBalance(sender, "USDC", "1000"))
	mgr := agent.New(intent.NewParser(nil, reg, intent.DefaultConfig()), resolver.New(gw, reg), gw,
		agent.WithDefaultSender(sender),
		agent.WithSessionOptions(
			orchestrator.WithStore(records),
			orchestrator.WithPolling(10*time.Millisecond, 2*time.Second),
		))

	opts = append([]Option{WithRecordStore(records)}, opts...)
	srv := httptest.NewServer(NewServer(":0", mgr, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return &testEnv{server: srv, agent: mgr, records: records}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeReply(t *testing.T, data []byte) agent.Reply {
	t.Helper()
	var reply agent.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply: %v (%s)", err, data)
	}
	return reply
}

func TestMessageConfirmAndListTransactions(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/api/v1/sessions/chat-1/messages", messageRequest{Text: "Send $50 to Alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, data)
	}
	reply := decodeReply(t, data)
	if reply.Kind != agent.ReplyProposal || reply.Proposal == nil || reply.Proposal.GasEstimate != "0.015" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	resp, data = env.do(t, http.MethodPost, "/api/v1/sessions/chat-1/confirm", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected confirm status %d: %s", resp.StatusCode, data)
	}
	reply = decodeReply(t, data)
	if reply.Record == nil || reply.Record.Status != gateway.StatusPending {
		t.Fatalf("expected pending record, got %+v", reply.Record)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := env.agent.Wait(ctx, "chat-1"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, data = env.do(t, http.MethodGet, "/api/v1/transactions?sender="+strings.ToLower(sender)+"&limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status %d: %s", resp.StatusCode, data)
	}
	var list struct {
		Transactions []txrecord.Record `json:"transactions"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Transactions) != 1 || list.Transactions[0].Status != gateway.StatusConfirmed || list.Transactions[0].Amount != "50" {
		t.Fatalf("unexpected transactions %+v", list.Transactions)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/transactions/"+list.Transactions[0].ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected record lookup to succeed, got %d", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/api/v1/sessions/chat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected session status %d", resp.StatusCode)
	}
	var snap orchestrator.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != orchestrator.StateIdle || snap.Last == nil || snap.Last.Status != gateway.StatusConfirmed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCancelAndConflicts(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/v1/sessions/chat-2/messages", messageRequest{Text: "Send $50 to Alice"})
	resp, data := env.do(t, http.MethodPost, "/api/v1/sessions/chat-2/cancel", nil)
	if resp.StatusCode != http.StatusOK || decodeReply(t, data).Kind != agent.ReplyCancelled {
		t.Fatalf("unexpected cancel response %d: %s", resp.StatusCode, data)
	}

	resp, data = env.do(t, http.MethodPost, "/api/v1/sessions/chat-2/confirm", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("confirm without proposal should be 409, got %d", resp.StatusCode)
	}
	if reply := decodeReply(t, data); reply.Error == nil || reply.Error.Code != string(orchestrator.CodeNoPendingProposal) {
		t.Fatalf("unexpected error %+v", reply.Error)
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/missing"},
		{http.MethodPost, "/api/v1/sessions/missing/confirm"},
		{http.MethodPost, "/api/v1/sessions/missing/cancel"},
		{http.MethodDelete, "/api/v1/sessions/missing"},
		{http.MethodGet, "/api/v1/transactions/missing"},
	} {
		resp, data := env.do(t, tc.method, tc.path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d (%s)", tc.method, tc.path, resp.StatusCode, data)
		}
	}
}

func TestOpenSessionWelcome(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, data)
	}
	reply := decodeReply(t, data)
	if reply.SessionID == "" || reply.Kind != agent.ReplyWelcome {
		t.Fatalf("unexpected welcome %+v", reply)
	}

	resp, data = env.do(t, http.MethodPost, "/api/v1/sessions", sessionRequest{Sender: "not-an-address"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid sender should be 400, got %d: %s", resp.StatusCode, data)
	}
}

func TestParseEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/api/v1/intents:parse", messageRequest{Text: "Convert 100 USDC to EURC"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, data)
	}
	var parsed parseResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !parsed.Accepted || parsed.Intent == nil || parsed.Intent.Action != intent.ActionConvert || parsed.Intent.Amount != "100" {
		t.Fatalf("unexpected parse result %+v", parsed)
	}

	resp, data = env.do(t, http.MethodPost, "/api/v1/intents:parse", messageRequest{Text: "hello there"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("gibberish should be 422, got %d", resp.StatusCode)
	}
	parsed = parseResponse{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.Accepted || parsed.Error == nil || parsed.Error.Hint != intent.HelpMessage {
		t.Fatalf("expected help hint, got %+v", parsed)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/intents:parse", "{")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body should be 400, got %d", resp.StatusCode)
	}
}

func TestInvalidListLimit(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/transactions?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := metrics.New()
	env := newTestEnv(t, WithMetrics(reg))

	resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}
	env.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)

	resp, data := env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", resp.StatusCode)
	}
	body := string(data)
	if !strings.Contains(body, `intentarc_http_requests_total{code="404",handler="/api/v1/sessions/{id}`) {
		t.Fatalf("missing request metric in:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins("https://app.example.com"))

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/sessions/x/messages", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/sessions/x/messages", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin must not be allowed, got %q", got)
	}
}

type stubProbe struct{ snaps []web3.ChainSnapshot }

func (p stubProbe) Snapshots(context.Context) []web3.ChainSnapshot { return p.snaps }

func TestHealthReportsUnreachableChain(t *testing.T) {
	env := newTestEnv(t, WithChainProbe(stubProbe{snaps: []web3.ChainSnapshot{
		{Name: "arc-testnet", ChainID: "0xd40e", BlockNumber: "0x10"},
		{Name: "arc-backup", Notes: "dial tcp: connection refused"},
	}}))

	resp, data := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body struct {
		Status string               `json:"status"`
		Chains []web3.ChainSnapshot `json:"chains"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || len(body.Chains) != 2 {
		t.Fatalf("unexpected health body %+v", body)
	}
}
