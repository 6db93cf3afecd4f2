package intentarc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"IntentArc/internal/api"
	"IntentArc/internal/app"
	"IntentArc/internal/config"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.AddressBook.Entries = map[string]string{"alice": "0xABC0000000000000000000000000000000000001"}
	cfg.Orchestrator.PollInterval = 5 * time.Millisecond
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(api.NewServer("", a.Agent, api.WithRecordStore(a.Records)).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSendConfirmAndWait(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	welcome, err := client.OpenSession(ctx, "sdk-1", "")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if welcome.Kind != "welcome" || welcome.SessionID != "sdk-1" {
		t.Fatalf("unexpected welcome %+v", welcome)
	}

	reply, err := client.Send(ctx, "sdk-1", "Send $50 to Alice")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Kind != "proposal" || reply.Intent == nil || reply.Intent.Amount != "50" {
		t.Fatalf("unexpected proposal reply %+v", reply)
	}

	submitted, err := client.Confirm(ctx, "sdk-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if submitted.Record == nil || submitted.Record.Hash == "" {
		t.Fatalf("expected submitted record, got %+v", submitted)
	}

	tx, err := client.WaitSettled(ctx, "sdk-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if tx.Status != "confirmed" || tx.Hash != submitted.Record.Hash {
		t.Fatalf("unexpected settled transaction %+v", tx)
	}

	list, err := client.Transactions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != tx.ID {
		t.Fatalf("unexpected transaction list %+v", list)
	}
	got, err := client.Transaction(ctx, tx.ID)
	if err != nil || got.Hash != tx.Hash {
		t.Fatalf("get transaction: %+v err=%v", got, err)
	}

	if err := client.CloseSession(ctx, "sdk-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConfirmWithoutProposalIsConflict(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	if _, err := client.OpenSession(ctx, "sdk-2", ""); err != nil {
		t.Fatalf("open session: %v", err)
	}

	_, err := client.Confirm(ctx, "sdk-2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "NO_PENDING_PROPOSAL" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	client := newClient(t)
	_, err := client.Session(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParse(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	ok, err := client.Parse(ctx, "convert 100 EURC to USDC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok.Accepted || ok.Intent == nil || ok.Intent.Action != "convert" {
		t.Fatalf("unexpected parse result %+v", ok)
	}

	miss, err := client.Parse(ctx, "tell me a joke")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if miss.Accepted || miss.Error == nil || miss.Error.Code != "PARSE_FAILED" {
		t.Fatalf("expected parse failure, got %+v", miss)
	}
}
