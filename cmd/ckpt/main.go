package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ckpt-go/internal/app"
	"ckpt-go/internal/config"
	"ckpt-go/internal/ui"

	"github.com/spf13/cobra"
)

var (
	outputFlag  string
	verboseFlag bool
)

// exitCodeError ends the process with code without printing anything more.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		os.Exit(ec.code)
	}
	fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
	os.Exit(1)
}

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "checkpoint.create").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := app.Options{Passphrase: passphraseFromEnvOrPrompt}
	if verboseFlag {
		opts.Stderr = os.Stderr
	}
	a, err := app.New(cmd.Context(), cfg, operation, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func outputFormat() (ui.Format, error) {
	return ui.ParseFormat(outputFlag)
}

var rootCmd = &cobra.Command{
	Use:           "ckpt",
	Short:         "Checkpoint and rollback for service hosts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Also write log lines to stderr")
	rootCmd.Version = app.Version

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(deploymentCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(historyCmd)
}
