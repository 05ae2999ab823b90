package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/djlord-it/easytrigger/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidInput(err error) error {
	return &exitError{code: exitInvalidConfig, err: err}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitSuccess
	}

	fmt.Fprintf(stderr, "error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "easytrigger",
		Short: "easytrigger - CRM trigger automation engine",
		Long: `easytrigger evaluates operator-defined trigger rules against contact events
and runs their actions (tasks, notifications, field updates, webhooks).

Configuration comes from environment variables, optionally layered over a YAML
file given by --config or ` + config.ConfigFileEnv + `. Run "easytrigger config" to
print the effective configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.ConfigFileEnv+")")

	load := func() (config.Config, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		serveCmd(load),
		validateCmd(load),
		configCmd(load),
		migrateCmd(load),
		importCmd(load),
		versionCmd(),
	)
	return root
}

// loadConfig loads and validates configuration. Failures map to
// exitInvalidConfig.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, invalidInput(fmt.Errorf("load configuration: %w", err))
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, invalidInput(fmt.Errorf("configuration error: %w", err))
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "easytrigger version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
