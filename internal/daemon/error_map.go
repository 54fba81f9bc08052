package daemon

import (
	"errors"

	"github.com/boxadmin/privd/internal/fault"
)

// Process exit codes of "privd call".
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsageErr   = 10
	ExitPermission = 20
)

// ExitCode maps a call error to the exit code of the CLI: 10 when the
// request itself was wrong, 20 when the caller is not allowed, 1 for any
// other failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case errors.Is(err, fault.InvalidArgument),
		errors.Is(err, fault.MalformedRequest),
		errors.Is(err, fault.UnknownOperation):
		return ExitUsageErr
	case errors.Is(err, fault.UnauthorizedPeer):
		return ExitPermission
	}
	return ExitFailure
}
