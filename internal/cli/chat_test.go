package cli

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"IntentArc/internal/app"
	"IntentArc/internal/config"
)

func newTestApp(t *testing.T) *app.App {
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
	return a
}

func runScript(t *testing.T, a *app.App, script string, yes bool) string {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	c := &chat{
		agent:   a.Agent,
		session: "cli-test",
		in:      bufio.NewScanner(strings.NewReader(script)),
		out:     &out,
		yes:     yes,
		wait:    2 * time.Second,
	}
	if err := c.run(context.Background()); err != nil {
		t.Fatalf("chat: %v", err)
	}
	return out.String()
}

func TestChatConfirmsAndWaits(t *testing.T) {
	a := newTestApp(t)
	out := runScript(t, a, "send 50 USDC to alice\ny\nexit\n", false)

	for _, want := range []string{"Confirm? [y/N]", "Transaction submitted! Hash:", "Transaction confirmed!"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	bal, err := a.Gateway.GetBalance(context.Background(), "0xABC0000000000000000000000000000000000001", "USDC")
	if err != nil || bal != "50" {
		t.Fatalf("unexpected recipient balance %q err=%v", bal, err)
	}
}

func TestChatDeclineCancels(t *testing.T) {
	a := newTestApp(t)
	out := runScript(t, a, "send 50 USDC to alice\nn\n", false)

	if !strings.Contains(out, "Transaction cancelled.") {
		t.Fatalf("expected cancellation in output:\n%s", out)
	}
	if a.Memory.Calls("Submit") != 0 {
		t.Fatalf("declined proposal must not be submitted")
	}
}

func TestChatAutoAcceptAndHelp(t *testing.T) {
	a := newTestApp(t)
	out := runScript(t, a, "what is the weather\nsend 5 USDC to alice\n", true)

	if !strings.Contains(out, "I couldn't understand that.") {
		t.Fatalf("expected help text in output:\n%s", out)
	}
	if strings.Contains(out, "Confirm? [y/N]") {
		t.Fatalf("--yes must not prompt:\n%s", out)
	}
	if !strings.Contains(out, "Transaction confirmed!") {
		t.Fatalf("expected confirmation in output:\n%s", out)
	}
}
