package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/boxadmin/privd/internal/daemon"
	"github.com/boxadmin/privd/internal/ops"
	"github.com/spf13/cobra"
)

var (
	runDaemonFn          = daemon.Run
	checkPrerequisitesFn = ops.CheckPrerequisites
)

func newServeCmd() *cobra.Command {
	var develop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the privileged dispatcher",
		Long: `Runs the dispatcher in the foreground. Under systemd socket activation the
inherited socket is used and the dispatcher exits after the idle timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if os.Getenv("PRIVD_DEVELOP") == "1" {
				develop = true
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			ops.Configure(cfg)
			for _, err := range checkPrerequisitesFn() {
				logger.Warn("missing prerequisite", "error", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = runDaemonFn(ctx, daemon.Options{
				Config:  cfg,
				Modules: modulesFn(),
				Logger:  logger,
				Develop: develop,
			})
			if err != nil {
				logger.Error("dispatcher failed", "error", err)
				return &exitError{code: daemon.ExitFailure}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&develop, "develop", false, "Shorten the idle timeout for development (also PRIVD_DEVELOP=1)")
	return cmd
}

// newExecCmd is the entry point of a run-as child. The dispatcher starts it
// with dropped credentials, the request on stdin and the result on stdout.
func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:    daemon.ExecCommand,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFn()
			if err != nil {
				return err
			}
			ops.Configure(cfg)
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return daemon.ExecChild(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), modulesFn(), logger)
		},
	}
}
