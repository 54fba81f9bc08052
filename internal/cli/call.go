package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/boxadmin/privd/internal/config"
	"github.com/boxadmin/privd/internal/daemon"
	"github.com/boxadmin/privd/internal/envelope"
	"github.com/boxadmin/privd/internal/fault"
	"github.com/spf13/cobra"
)

type caller interface {
	Call(ctx context.Context, req *envelope.Request) (*envelope.Result, io.ReadCloser, error)
}

var newCallerFn = func(cfg *config.Config, logger *slog.Logger) caller {
	return daemon.NewClient(cfg, logger)
}

// callInput is the JSON document read from stdin by "privd call".
type callInput struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func newCallCmd() *cobra.Command {
	var noArgs, quiet, traceback bool
	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Call a privileged operation",
		Long: `Reads {"args": [...], "kwargs": {...}} from stdin, sends the call to the
dispatcher and prints the JSON result. Raw-output operations copy their
stream to stdout.

Exit status is 10 for malformed input, 20 when the dispatcher refused the
caller and 1 for any other failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			in := callInput{}
			if !noArgs {
				if in, err = readCallInput(cmd.InOrStdin()); err != nil {
					return fail(daemon.ExitUsageErr, "%v", err)
				}
			}

			req := envelope.NewRequest(args[0], in.Args, in.Kwargs, envelope.Flags{SuppressErrorLog: quiet})
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			return runCall(cmd.Context(), newCallerFn(cfg, logger), req, cmd.OutOrStdout(), traceback)
		},
	}
	cmd.Flags().BoolVar(&noArgs, "no-args", false, "Do not read arguments from stdin")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Ask the dispatcher not to log a failure of this call")
	cmd.Flags().BoolVar(&traceback, "traceback", false, "Print the dispatcher-side traceback of a failure")
	return cmd
}

func readCallInput(r io.Reader) (callInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return callInput{}, fmt.Errorf("reading arguments: %w", err)
	}
	var in callInput
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return callInput{}, fmt.Errorf("arguments must be {\"args\": [...], \"kwargs\": {...}}: %w", err)
	}
	return in, nil
}

func runCall(ctx context.Context, c caller, req *envelope.Request, out io.Writer, traceback bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, stream, err := c.Call(ctx, req)
	if err != nil {
		return reportFault(err, traceback)
	}
	if err := res.Err(); err != nil {
		if stream != nil {
			stream.Close()
		}
		return reportFault(err, traceback)
	}

	if stream != nil {
		defer stream.Close()
		if _, err := io.Copy(out, stream); err != nil {
			return fail(daemon.ExitFailure, "%s: reading stream: %v", req.Name, err)
		}
		return nil
	}

	value := res.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, value, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(value)
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func reportFault(err error, traceback bool) error {
	var f *fault.Fault
	if traceback && errors.As(err, &f) && f.Traceback != "" {
		fmt.Fprintln(rootStderr, f.Traceback)
	}
	return fail(daemon.ExitCode(err), "%v", err)
}
