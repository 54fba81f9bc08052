// Package cli implements the privd command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/daemon"
	"github.com/boxadmin/privd/internal/version"
	"github.com/spf13/cobra"
)

var (
	rootStdin  io.Reader = os.Stdin
	rootStdout io.Writer = os.Stdout
	rootStderr io.Writer = os.Stderr

	loadConfigFn = config.Load
)

// exitError carries an exit code out of a command. The message, if any,
// has already been printed.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return daemon.ExitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(rootStderr, "privd: %v\n", err)
	return daemon.ExitUsageErr
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "privd",
		Short:         "privd - privileged operation dispatcher",
		Long:          `privd runs privileged operations on behalf of an unprivileged web tier over an authenticated Unix socket.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(rootStdin)
	root.SetOut(rootStdout)
	root.SetErr(rootStderr)
	root.SetVersionTemplate("privd {{.Version}}\n")

	root.AddCommand(
		newServeCmd(),
		newCallCmd(),
		newListCmd(),
		newAuditCmd(),
		newConfigCmd(),
		newVersionCmd(),
		newExecCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the privd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "privd %s\n", version.String())
		},
	}
}

// loadConfig reads and validates the configuration. Failures are reported
// as usage errors.
func loadConfig() (*config.Config, error) {
	cfg, err := loadConfigFn()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", config.ExampleConfigPath(), err)
	}
	return cfg, nil
}

// newLogger returns a text logger on stderr at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func fail(code int, format string, a ...any) error {
	fmt.Fprintf(rootStderr, "privd: "+format+"\n", a...)
	return &exitError{code: code}
}
