package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/intent"
)

var parseCmd = &cobra.Command{
	Use:   "parse <text>",
	Short: "Show how a command is understood without acting on it",
	Long: `Parse a command and print the structured intent. Nothing is resolved or submitted.

Examples:
  intentarc parse send 50 USDC to alice
  intentarc parse "convert 100 EURC to USDC" --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	in, accepted := a.Agent.Parse(cmd.Context(), strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"intent": in, "accepted": accepted}, "", "  ")
		fmt.Fprintln(out, string(data))
	} else if in != nil {
		fmt.Fprintf(out, "\n  Action:     %s\n", color.CyanString(string(in.Action)))
		if in.Amount != "" {
			fmt.Fprintf(out, "  Amount:     %s %s\n", in.Amount, in.Token)
		} else if in.Token != "" {
			fmt.Fprintf(out, "  Token:      %s\n", in.Token)
		}
		if in.FromCurrency != "" || in.ToCurrency != "" {
			fmt.Fprintf(out, "  Pair:       %s -> %s\n", in.FromCurrency, in.ToCurrency)
		}
		if in.Recipient != "" {
			fmt.Fprintf(out, "  Recipient:  %s\n", in.Recipient)
		}
		fmt.Fprintf(out, "  Confidence: %.2f\n\n", in.Confidence)
	}
	if !accepted {
		if !jsonOutput {
			fmt.Fprintln(out, color.YellowString(intent.HelpMessage))
		}
		return xerrors.New(xerrors.CodeParseFailed, "message not understood")
	}
	return nil
}
