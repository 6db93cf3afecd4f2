package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"IntentArc/internal/agent"
	"IntentArc/internal/gateway"
)

var (
	sender     string
	autoAccept bool
	waitLimit  time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Type a command such as "send 50 USDC to alice",
review the preview and answer y to submit it. Type "exit" to quit.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&sender, "sender", "", "Wallet address to act for (defaults to agent.default_sender)")
	chatCmd.Flags().BoolVarP(&autoAccept, "yes", "y", false, "Submit proposals without asking")
	chatCmd.Flags().DurationVar(&waitLimit, "wait", 3*time.Minute, "How long to wait for confirmation before giving up")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	procCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = a.RunProcessor(procCtx) }()

	c := &chat{
		agent:   a.Agent,
		session: uuid.NewString(),
		sender:  sender,
		in:      bufio.NewScanner(cmd.InOrStdin()),
		out:     cmd.OutOrStdout(),
		yes:     autoAccept,
		wait:    waitLimit,
		spin:    isTerminal(cmd.OutOrStdout()),
	}
	return c.run(ctx)
}

// chat is the REPL loop; it only talks to the agent so it can be driven by
// tests with a plain reader and writer.
type chat struct {
	agent   *agent.Manager
	session string
	sender  string
	in      *bufio.Scanner
	out     io.Writer
	yes     bool
	wait    time.Duration
	spin    bool
}

func (c *chat) run(ctx context.Context) error {
	welcome, err := c.agent.Open(c.session, c.sender)
	if err != nil {
		return err
	}
	c.print(welcome)

	for {
		fmt.Fprint(c.out, color.CyanString("> "))
		if !c.in.Scan() {
			return c.in.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := c.agent.Handle(ctx, agent.Message{SessionID: c.session, Text: line})
		if err != nil {
			return err
		}
		c.print(reply)

		switch reply.Kind {
		case agent.ReplyProposal:
			if err := c.decide(ctx); err != nil {
				return err
			}
		case agent.ReplySubmitted:
			c.settle(ctx)
		}
	}
}

// decide asks y/N for the pending proposal and submits or cancels it.
func (c *chat) decide(ctx context.Context) error {
	accepted := c.yes
	if !accepted {
		fmt.Fprint(c.out, "Confirm? [y/N]: ")
		if !c.in.Scan() {
			return c.in.Err()
		}
		answer := strings.ToLower(strings.TrimSpace(c.in.Text()))
		accepted = answer == "y" || answer == "yes"
	}

	if !accepted {
		reply, err := c.agent.Cancel(c.session)
		if err != nil {
			return err
		}
		c.print(reply)
		return nil
	}
	reply, err := c.agent.Confirm(ctx, c.session)
	if err != nil {
		return err
	}
	c.print(reply)
	if reply.Kind == agent.ReplySubmitted {
		c.settle(ctx)
	}
	return nil
}

// settle blocks until the in-flight transaction is confirmed, fails or the
// wait limit passes.
func (c *chat) settle(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	var s *spinner.Spinner
	if c.spin {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Writer = c.out
		s.Suffix = " Waiting for confirmation..."
		s.Start()
	}
	rec, err := c.agent.Wait(waitCtx, c.session)
	if s != nil {
		s.Stop()
	}
	if err != nil {
		fmt.Fprintln(c.out, color.YellowString("Still pending. Check later with: intentarc status %s", rec.Hash))
		return
	}

	text := agent.SettledText(rec)
	switch {
	case rec.Status == gateway.StatusConfirmed:
		fmt.Fprintln(c.out, color.GreenString(text))
	case rec.StatusUnknown:
		fmt.Fprintln(c.out, color.YellowString(text))
	default:
		fmt.Fprintln(c.out, color.RedString(text))
	}
}

func (c *chat) print(reply *agent.Reply) {
	switch reply.Kind {
	case agent.ReplyError:
		fmt.Fprintln(c.out, color.RedString(reply.Text))
	case agent.ReplyHelp:
		fmt.Fprintln(c.out, color.YellowString(reply.Text))
	case agent.ReplySubmitted:
		fmt.Fprintln(c.out, color.GreenString(reply.Text))
	default:
		fmt.Fprintln(c.out, reply.Text)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
