package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/resolver"
	"IntentArc/internal/txrecord"
)

const (
	sender = "0x5000000000000000000000000000000000000005"
	alice  = "0xABC0000000000000000000000000000000000001"
)

type recordingNotifier struct {
	mu      sync.Mutex
	records []Record
}

func (n *recordingNotifier) Notify(_ context.Context, rec Record) error {
	n.mu.Lock()
	n.records = append(n.records, rec)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) snapshot() []Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Record(nil), n.records...)
}

// blockingGateway holds Submit until release is closed.
type blockingGateway struct {
	*gateway.MemoryGateway
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Submit(ctx context.Context, req gateway.SubmitRequest) (string, error) {
	close(g.entered)
	<-g.release
	return g.MemoryGateway.Submit(ctx, req)
}

type fixture struct {
	gw       *gateway.MemoryGateway
	resolver *resolver.Resolver
}

func newFixture(t *testing.T, opts ...gateway.MemoryOption) fixture {
	t.Helper()
	reg := currency.Default()
	book, err := addressbook.NewMemoryBook(map[string]string{"alice": alice})
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	opts = append([]gateway.MemoryOption{gateway.WithBalance(sender, "USDC", "1000")}, opts...)
	gw := gateway.NewMemoryGateway(reg, book, nil, opts...)
	return fixture{gw: gw, resolver: resolver.New(gw, reg)}
}

func (f fixture) propose(t *testing.T, text string) *resolver.Proposal {
	t.Helper()
	in, err := intent.NewRuleParser(currency.Default(), intent.DefaultRuleConfidence).Parse(context.Background(), text)
	if err != nil || in == nil {
		t.Fatalf("parse %q: intent=%v err=%v", text, in, err)
	}
	p := f.resolver.Resolve(context.Background(), *in, sender)
	if p.Failed() {
		t.Fatalf("resolve %q failed: %+v", text, p.Failure)
	}
	return p
}

func waitSettled(t *testing.T, s *Session) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return rec
}

func TestSendFiftyToAliceEndToEnd(t *testing.T) {
	f := newFixture(t)
	store, err := txrecord.NewMemoryStore("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	notifier := &recordingNotifier{}

	var mu sync.Mutex
	var transitions []string
	s := NewSession("e2e", f.gw,
		WithStore(store),
		WithNotifier(notifier),
		WithPolling(10*time.Millisecond, 2*time.Second),
		WithTransitionHook(func(from, to State) {
			mu.Lock()
			transitions = append(transitions, string(from)+">"+string(to))
			mu.Unlock()
		}))
	defer s.Close()

	p := f.propose(t, "Send $50 to Alice")
	if p.Amount != "50" || p.Token != "USDC" || !strings.EqualFold(p.RecipientAddress, alice) || p.GasEstimate != "0.015" {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if err := s.Propose(p, false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if s.State() != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", s.State())
	}

	rec, err := s.Confirm(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Status != gateway.StatusPending || rec.Hash == "" {
		t.Fatalf("confirm must return a pending record with a hash: %+v", rec)
	}

	settled := waitSettled(t, s)
	if settled.Status != gateway.StatusConfirmed || settled.StatusUnknown || settled.ID != rec.ID {
		t.Fatalf("expected confirmed record, got %+v", settled)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after settlement, got %s", s.State())
	}

	got, ok, err := store.Get(context.Background(), rec.ID)
	if err != nil || !ok || got.Status != gateway.StatusConfirmed {
		t.Fatalf("store holds %+v ok=%v err=%v", got, ok, err)
	}
	notes := notifier.snapshot()
	if len(notes) != 2 || notes[0].Status != gateway.StatusPending || notes[1].Status != gateway.StatusConfirmed {
		t.Fatalf("expected pending then confirmed notifications, got %+v", notes)
	}

	bal, _ := f.gw.GetBalance(context.Background(), alice, "USDC")
	if bal != "50" {
		t.Fatalf("alice balance = %s", bal)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"idle>awaiting_confirmation",
		"awaiting_confirmation>submitting",
		"submitting>polling",
		"polling>settled",
		"settled>idle",
	}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestCancelMakesNoGatewayCall(t *testing.T) {
	f := newFixture(t)
	s := NewSession("cancel", f.gw)
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	before := f.gw.TotalCalls()
	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.gw.TotalCalls() != before {
		t.Fatalf("cancel must not call the gateway")
	}
	if s.State() != StateIdle || s.Pending() != nil {
		t.Fatalf("expected idle without pending proposal")
	}
	if err := s.Cancel(); xerrors.CodeOf(err) != CodeNoPendingProposal {
		t.Fatalf("expected NO_PENDING_PROPOSAL, got %v", err)
	}
	if _, err := s.Confirm(context.Background()); xerrors.CodeOf(err) != CodeNoPendingProposal {
		t.Fatalf("expected NO_PENDING_PROPOSAL on confirm, got %v", err)
	}
}

func TestProposeWhileAwaiting(t *testing.T) {
	f := newFixture(t)
	s := NewSession("replace", f.gw)
	defer s.Close()

	first := f.propose(t, "Send $50 to Alice")
	second := f.propose(t, "Send 20 USDC to Alice")
	if err := s.Propose(first, false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := s.Propose(second, false); xerrors.CodeOf(err) != CodePendingExists {
		t.Fatalf("expected PENDING_EXISTS, got %v", err)
	}
	if s.Pending().ID != first.ID {
		t.Fatalf("rejected proposal must not replace the pending one")
	}
	if err := s.Propose(second, true); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.Pending().ID != second.ID {
		t.Fatalf("expected replaced proposal")
	}
}

func TestProposeRejectsNonConfirmable(t *testing.T) {
	f := newFixture(t)
	s := NewSession("balance", f.gw)
	defer s.Close()

	if err := s.Propose(f.propose(t, "Show my balance"), false); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("balance proposal must be rejected, got %v", err)
	}
	if err := s.Propose(nil, false); err == nil {
		t.Fatalf("nil proposal must be rejected")
	}
}

func TestSessionBusyWhileSubmitting(t *testing.T) {
	f := newFixture(t)
	gw := &blockingGateway{MemoryGateway: f.gw, entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession("busy", gw, WithPolling(10*time.Millisecond, 2*time.Second))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.Confirm(context.Background())
		done <- err
	}()
	<-gw.entered

	if s.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", s.State())
	}
	if err := s.Propose(f.propose(t, "Send 5 USDC to Alice"), true); xerrors.CodeOf(err) != CodeSessionBusy {
		t.Fatalf("expected SESSION_BUSY, got %v", err)
	}
	if _, err := s.Confirm(context.Background()); xerrors.CodeOf(err) != CodeSessionBusy {
		t.Fatalf("expected SESSION_BUSY on second confirm, got %v", err)
	}

	close(gw.release)
	if err := <-done; err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec := waitSettled(t, s); rec.Status != gateway.StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", rec)
	}
}

func TestProposeWhilePollingSupersedes(t *testing.T) {
	f := newFixture(t, gateway.WithConfirmAfter(1000))
	notifier := &recordingNotifier{}
	s := NewSession("supersede", f.gw, WithNotifier(notifier), WithPolling(10*time.Millisecond, time.Minute))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	rec, err := s.Confirm(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if s.State() != StatePolling {
		t.Fatalf("expected polling, got %s", s.State())
	}

	if err := s.Propose(f.propose(t, "Send 5 USDC to Alice"), false); err != nil {
		t.Fatalf("propose during polling: %v", err)
	}
	if s.State() != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", s.State())
	}
	last := s.Snapshot().Last
	if last == nil || last.ID != rec.ID || !last.StatusUnknown || last.Status != gateway.StatusPending || !last.Settled() {
		t.Fatalf("superseded record must settle as status-unknown: %+v", last)
	}
	notes := notifier.snapshot()
	if len(notes) != 2 || !notes[1].StatusUnknown {
		t.Fatalf("expected one status-unknown notification, got %+v", notes)
	}
}

func TestSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.FailSubmissions(errors.New("nonce too low"))
	store, _ := txrecord.NewMemoryStore("")
	s := NewSession("reject", f.gw, WithStore(store))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	rec, err := s.Confirm(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeSubmissionFailed {
		t.Fatalf("expected SUBMISSION_FAILED, got %v", err)
	}
	if rec.Status != gateway.StatusFailed || rec.FailureCode != string(xerrors.CodeSubmissionFailed) || rec.Hash != "" {
		t.Fatalf("unexpected failed record %+v", rec)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	if f.gw.Calls("GetStatus") != 0 {
		t.Fatalf("a rejected submission must not be polled")
	}
	stored, ok, _ := store.Get(context.Background(), rec.ID)
	if !ok || stored.Status != gateway.StatusFailed {
		t.Fatalf("failed record not persisted: %+v", stored)
	}
}

func TestRevertedTransaction(t *testing.T) {
	f := newFixture(t)
	f.gw.RevertNext()
	s := NewSession("revert", f.gw, WithPolling(10*time.Millisecond, 2*time.Second))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec := waitSettled(t, s)
	if rec.Status != gateway.StatusFailed || rec.FailureCode != string(CodeTransactionFailed) {
		t.Fatalf("expected TRANSACTION_FAILED, got %+v", rec)
	}
	if bal, _ := f.gw.GetBalance(context.Background(), sender, "USDC"); bal != "1000" {
		t.Fatalf("reverted transfer moved funds: %s", bal)
	}
}

func TestPollTimeoutIsStatusUnknown(t *testing.T) {
	f := newFixture(t, gateway.WithConfirmAfter(1000))
	s := NewSession("timeout", f.gw, WithPolling(5*time.Millisecond, 40*time.Millisecond))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec := waitSettled(t, s)
	if !rec.StatusUnknown || rec.Status != gateway.StatusPending || !rec.Settled() {
		t.Fatalf("expected status-unknown settlement, got %+v", rec)
	}
	if !strings.Contains(rec.FailureMessage, "timed out") {
		t.Fatalf("unexpected reason %q", rec.FailureMessage)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestPollingSurvivesGatewayErrors(t *testing.T) {
	f := newFixture(t)
	s := NewSession("flaky", f.gw, WithPolling(10*time.Millisecond, 2*time.Second))
	defer s.Close()

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.gw.SetUnavailable(errors.New("node restarting"))
	time.Sleep(40 * time.Millisecond)
	if s.State() != StatePolling {
		t.Fatalf("gateway errors must not end polling, state %s", s.State())
	}
	f.gw.SetUnavailable(nil)
	if rec := waitSettled(t, s); rec.Status != gateway.StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", rec)
	}
}

func TestWaitWithoutTransaction(t *testing.T) {
	f := newFixture(t)
	s := NewSession("", f.gw)
	defer s.Close()

	if s.ID() == "" {
		t.Fatalf("session id must be generated")
	}
	if _, err := s.Wait(context.Background()); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	f := newFixture(t, gateway.WithConfirmAfter(1000))
	s := NewSession("closed", f.gw, WithPolling(10*time.Millisecond, time.Minute))

	if err := s.Propose(f.propose(t, "Send $50 to Alice"), false); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.Confirm(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	s.Close()

	last := s.Snapshot().Last
	if last == nil || !last.StatusUnknown {
		t.Fatalf("closing must settle the in-flight record as status-unknown: %+v", last)
	}
	if err := s.Propose(f.propose(t, "Send 5 USDC to Alice"), false); xerrors.CodeOf(err) != CodeSessionClosed {
		t.Fatalf("expected SESSION_CLOSED, got %v", err)
	}
}
