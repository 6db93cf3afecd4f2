// Package cli implements the intentarc command line: an interactive chat
// against the same wiring the daemon uses, plus one-shot parse and status
// commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"IntentArc/internal/app"
	"IntentArc/internal/config"
	"IntentArc/pkg/logger"
)

var (
	configFile string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "intentarc",
	Short: "Chat-driven payments, FX and yield on Arc",
	Long: `intentarc turns plain-language financial commands into transactions.
Every command is previewed first and nothing is submitted until you confirm.

Examples:
  intentarc chat
  intentarc parse "send 50 USDC to alice"
  intentarc status 0x1234...abcd`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		level := "warn"
		if verbose {
			level = "debug"
		}
		return logger.Init(logger.Config{Level: level, Format: "text", OutputPaths: []string{"stderr"}})
	},
}

// ExecuteContext runs the root command and prints any error it returns.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		printError(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (defaults to $INTENTARC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
}

// openApp loads the config and wires the application.
func openApp(ctx context.Context) (*app.App, error) {
	path := configFile
	if path == "" {
		path = os.Getenv("INTENTARC_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
}
