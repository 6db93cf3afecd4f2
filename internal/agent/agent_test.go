package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/resolver"
)

const (
	sender = "0x5000000000000000000000000000000000000005"
	alice  = "0xABC0000000000000000000000000000000000001"
)

type stubParser struct {
	result *intent.Intent
	err    error
	wait   time.Duration
}

func (s *stubParser) Parse(ctx context.Context, _ string) (*intent.Intent, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

type countingObserver struct {
	mu        sync.Mutex
	intents   map[string]int
	rejected  int
	proposals map[string]int
	active    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{intents: map[string]int{}, proposals: map[string]int{}}
}

func (o *countingObserver) ObserveIntent(action string, accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !accepted {
		o.rejected++
		return
	}
	o.intents[action]++
}

func (o *countingObserver) ObserveProposal(action, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proposals[action+"/"+code]++
}

func (o *countingObserver) SetActiveSessions(n int) {
	o.mu.Lock()
	o.active = n
	o.mu.Unlock()
}

func newManager(t *testing.T, parser intent.Parser, opts ...Option) (*Manager, *gateway.MemoryGateway) {
	t.Helper()
	reg := currency.Default()
	book, err := addressbook.NewMemoryBook(map[string]string{"alice": alice})
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	gw := gateway.NewMemoryGateway(reg, book, nil, gateway.WithBalance(sender, "USDC", "1000"))
	if parser == nil {
		parser = intent.NewParser(nil, reg, intent.DefaultConfig())
	}
	opts = append([]Option{
		WithDefaultSender(sender),
		WithSessionOptions(orchestrator.WithPolling(10*time.Millisecond, 2*time.Second)),
	}, opts...)
	m := New(parser, resolver.New(gw, reg), gw, opts...)
	t.Cleanup(m.Close)
	return m, gw
}

func TestManagerSendAndConfirm(t *testing.T) {
	m, gw := newManager(t, nil)
	ctx := context.Background()

	reply, err := m.Handle(ctx, Message{SessionID: "s1", Text: "Send $50 to Alice"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != ReplyProposal || reply.State != orchestrator.StateAwaitingConfirmation {
		t.Fatalf("expected proposal awaiting confirmation, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "50 USDC to Alice") || !strings.Contains(reply.Text, "(yes/no)") {
		t.Fatalf("unexpected proposal text %q", reply.Text)
	}
	if !strings.EqualFold(reply.Proposal.RecipientAddress, alice) {
		t.Fatalf("unexpected recipient %q", reply.Proposal.RecipientAddress)
	}

	reply, err = m.Handle(ctx, Message{SessionID: "s1", Text: "Yes!"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if reply.Kind != ReplySubmitted || reply.Record == nil || reply.Record.Hash == "" {
		t.Fatalf("expected submitted reply, got %+v", reply)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rec, err := m.Wait(waitCtx, "s1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status != gateway.StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", rec)
	}
	if text := SettledText(rec); text != "Transaction confirmed! Sent 50 USDC to Alice." {
		t.Fatalf("unexpected settled text %q", text)
	}
	if bal, _ := gw.GetBalance(ctx, alice, "USDC"); bal != "50" {
		t.Fatalf("alice balance = %s", bal)
	}
}

func TestManagerCancelWord(t *testing.T) {
	m, gw := newManager(t, nil)
	ctx := context.Background()

	if _, err := m.Handle(ctx, Message{SessionID: "s1", Text: "Send $50 to Alice"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	before := gw.TotalCalls()
	reply, err := m.Handle(ctx, Message{SessionID: "s1", Text: "no"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reply.Kind != ReplyCancelled || reply.State != orchestrator.StateIdle {
		t.Fatalf("expected cancelled reply, got %+v", reply)
	}
	if gw.TotalCalls() != before {
		t.Fatalf("cancel must not call the gateway")
	}

	reply, _ = m.Handle(ctx, Message{SessionID: "s1", Text: "yes"})
	if reply.Kind != ReplyError || reply.Error.Code != string(orchestrator.CodeNoPendingProposal) {
		t.Fatalf("expected NO_PENDING_PROPOSAL, got %+v", reply)
	}
}

func TestManagerHelpForUnknownText(t *testing.T) {
	m, _ := newManager(t, nil)

	reply, err := m.Handle(context.Background(), Message{SessionID: "s1", Text: "asdf qwerty"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != ReplyHelp || reply.Text != intent.HelpMessage {
		t.Fatalf("expected help reply, got %+v", reply)
	}
	if reply.Error == nil || reply.Error.Code != string(xerrors.CodeParseFailed) || reply.Error.Family != string(xerrors.FamilyParse) {
		t.Fatalf("expected PARSE_FAILED, got %+v", reply.Error)
	}
}

func TestManagerWelcome(t *testing.T) {
	m, _ := newManager(t, nil)

	reply, err := m.Open("", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reply.SessionID == "" || reply.Kind != ReplyWelcome || reply.Text != intent.WelcomeMessage {
		t.Fatalf("unexpected welcome %+v", reply)
	}
	if _, ok := m.Snapshot(reply.SessionID); !ok {
		t.Fatalf("open must create the session")
	}
}

func TestManagerResolutionFailure(t *testing.T) {
	m, _ := newManager(t, nil)

	reply, err := m.Handle(context.Background(), Message{SessionID: "s1", Text: "Send $50 to Mallory"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != ReplyError || reply.Error.Code != string(xerrors.CodeUnresolvedRecipient) {
		t.Fatalf("expected UNRESOLVED_RECIPIENT, got %+v", reply)
	}
	if reply.State != orchestrator.StateIdle {
		t.Fatalf("failed proposal must not be pending, state %s", reply.State)
	}
}

func TestManagerBalanceNeedsNoConfirmation(t *testing.T) {
	m, _ := newManager(t, nil)

	reply, err := m.Handle(context.Background(), Message{SessionID: "s1", Text: "Show my balance in dollars"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != ReplyInfo || reply.State != orchestrator.StateIdle {
		t.Fatalf("expected info reply, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "1000") {
		t.Fatalf("unexpected balance text %q", reply.Text)
	}
}

func TestManagerNewCommandReplacesPending(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()

	first, _ := m.Handle(ctx, Message{SessionID: "s1", Text: "Send $50 to Alice"})
	second, _ := m.Handle(ctx, Message{SessionID: "s1", Text: "Send 20 USDC to Alice"})
	if second.Kind != ReplyProposal || !strings.HasPrefix(second.Text, "Your previous proposal was discarded.") {
		t.Fatalf("expected replacing proposal, got %+v", second)
	}
	snap, _ := m.Snapshot("s1")
	if snap.Pending == nil || snap.Pending.ID == first.Proposal.ID || snap.Pending.Amount != "20" {
		t.Fatalf("new command must replace the pending proposal: %+v", snap.Pending)
	}
}

func TestManagerSenderValidation(t *testing.T) {
	reg := currency.Default()
	gw := gateway.NewMemoryGateway(reg, nil, nil)
	m := New(intent.NewParser(nil, reg, intent.DefaultConfig()), resolver.New(gw, reg), gw)
	defer m.Close()

	if _, err := m.Handle(context.Background(), Message{SessionID: "s1", Text: "balance"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT without sender, got %v", err)
	}
	if _, err := m.Handle(context.Background(), Message{SessionID: "s1", Sender: "bob", Text: "balance"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for a malformed sender, got %v", err)
	}
	reply, err := m.Handle(context.Background(), Message{SessionID: "s1", Sender: sender, Text: "balance"})
	if err != nil || reply.Kind != ReplyInfo {
		t.Fatalf("explicit sender must be accepted: reply=%+v err=%v", reply, err)
	}
}

func TestManagerParseTimeout(t *testing.T) {
	parser := &stubParser{wait: 50 * time.Millisecond, result: &intent.Intent{Action: intent.ActionBalance, Confidence: 1}}
	m, _ := newManager(t, parser, WithParseTimeout(10*time.Millisecond))

	reply, err := m.Handle(context.Background(), Message{SessionID: "s1", Text: "balance"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != ReplyHelp {
		t.Fatalf("a timed-out parse must fall back to help, got %+v", reply)
	}
}

func TestManagerLowConfidenceIsRejected(t *testing.T) {
	parser := &stubParser{result: &intent.Intent{Action: intent.ActionBalance, Confidence: 0.5}}
	m, _ := newManager(t, parser)

	reply, _ := m.Handle(context.Background(), Message{SessionID: "s1", Text: "balance?"})
	if reply.Kind != ReplyHelp || reply.Intent == nil {
		t.Fatalf("expected help with the rejected intent attached, got %+v", reply)
	}

	m2, _ := newManager(t, parser, WithIntentConfig(intent.Config{AcceptThreshold: 0.4}))
	reply, _ = m2.Handle(context.Background(), Message{SessionID: "s1", Text: "balance?"})
	if reply.Kind != ReplyInfo {
		t.Fatalf("lower threshold must accept the intent, got %+v", reply)
	}
}

func TestManagerObserver(t *testing.T) {
	obs := newCountingObserver()
	m, _ := newManager(t, nil, WithObserver(obs))
	ctx := context.Background()

	m.Handle(ctx, Message{SessionID: "a", Text: "Send $50 to Alice"})
	m.Handle(ctx, Message{SessionID: "b", Text: "Send $50 to Mallory"})
	m.Handle(ctx, Message{SessionID: "b", Text: "what?"})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.intents["transfer"] != 2 || obs.rejected != 1 {
		t.Fatalf("unexpected intent counts %+v rejected=%d", obs.intents, obs.rejected)
	}
	if obs.proposals["transfer/"] != 1 || obs.proposals["transfer/UNRESOLVED_RECIPIENT"] != 1 {
		t.Fatalf("unexpected proposal counts %+v", obs.proposals)
	}
	if obs.active != 2 {
		t.Fatalf("expected 2 active sessions, got %d", obs.active)
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	m, _ := newManager(t, nil, WithMaxSessions(2))
	ctx := context.Background()

	m.Handle(ctx, Message{SessionID: "pending", Text: "Send $50 to Alice"})
	m.Handle(ctx, Message{SessionID: "idle", Text: "balance"})
	if _, err := m.Handle(ctx, Message{SessionID: "third", Text: "balance"}); err != nil {
		t.Fatalf("idle session should be evicted: %v", err)
	}
	if _, ok := m.Snapshot("idle"); ok {
		t.Fatalf("idle session must be evicted")
	}
	if _, ok := m.Snapshot("pending"); !ok {
		t.Fatalf("session awaiting confirmation must be kept")
	}

	m.Handle(ctx, Message{SessionID: "third", Text: "Send $5 to Alice"})
	if _, err := m.Handle(ctx, Message{SessionID: "fourth", Text: "balance"}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT when no session is idle, got %v", err)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m, _ := newManager(t, nil)

	if _, err := m.Confirm(context.Background(), "missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := m.Cancel("missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if m.CloseSession("missing") {
		t.Fatalf("closing a missing session must report false")
	}
}
