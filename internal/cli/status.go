package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"IntentArc/internal/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status <tx-hash>",
	Short: "Check the status of a submitted transaction",
	Long: `Check the on-chain status of a transaction by its hash.

Examples:
  intentarc status 0x1234...abcd
  intentarc status 0x1234...abcd --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	hash := strings.TrimSpace(args[0])
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput && isTerminal(cmd.OutOrStdout()) {
		s.Suffix = " Checking transaction status..."
		s.Start()
	}
	status, err := a.Gateway.GetStatus(cmd.Context(), hash)
	s.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"hash": hash, "status": status.Status, "confirmations": status.Confirmations}, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintf(out, "\n  Hash:          %s\n", color.CyanString(hash))
	fmt.Fprintf(out, "  Status:        %s\n", coloredStatus(status.Status))
	fmt.Fprintf(out, "  Confirmations: %d\n\n", status.Confirmations)
	return nil
}

func coloredStatus(status gateway.Status) string {
	label := strings.ToUpper(string(status))
	switch status {
	case gateway.StatusConfirmed:
		return color.GreenString(label)
	case gateway.StatusPending:
		return color.YellowString(label)
	case gateway.StatusFailed:
		return color.RedString(label)
	default:
		return label
	}
}
