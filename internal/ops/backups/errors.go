package backups

import (
	"errors"
	"regexp"

	"github.com/boxadmin/privd/internal/fault"
)

// Fault kinds raised by backup operations.
var (
	ErrAlreadyMounted      = fault.Define("backups.AlreadyMounted")
	ErrSshfs               = fault.Define("backups.SshfsError")
	ErrBorg                = fault.Define("backups.BorgError")
	ErrRepositoryNotFound  = fault.Define("backups.RepositoryDoesNotExist")
	ErrRepositoryExists    = fault.Define("backups.RepositoryExists")
	ErrArchiveExists       = fault.Define("backups.ArchiveExists")
	ErrArchiveDoesNotExist = fault.Define("backups.ArchiveDoesNotExist")
	ErrBusy                = fault.Define("backups.Busy")
	ErrNoSpace             = fault.Define("backups.NoSpace")
)

type knownError struct {
	patterns []*regexp.Regexp
	message  string
	kind     fault.Kind
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// knownErrors maps text found in a failed command to a fault kind. The
// first match wins.
var knownErrors = []knownError{
	{patterns(`context deadline exceeded`), "Connection refused - make sure you provided correct credentials and the server is running.", ErrBorg},
	{patterns(`Connection refused`), "Connection refused", ErrBorg},
	{patterns(`not a valid repository`, `does not exist`, `No such file or directory`), "Repository not found", ErrRepositoryNotFound},
	{patterns(`passphrase supplied in .* is incorrect`), "Incorrect encryption passphrase", ErrBorg},
	{patterns(`Connection reset by peer`), "SSH access denied", ErrSshfs},
	{patterns(`There is already something at`), "Repository path is neither empty nor is an existing backups repository.", ErrBorg},
	{patterns(`A repository already exists at`), "", ErrRepositoryExists},
	{patterns(`Archive .* already exists`), "An archive with given name already exists in the repository.", ErrArchiveExists},
	{patterns(`Archive .* not found`), "Archive with given name was not found in the repository.", ErrArchiveDoesNotExist},
	{patterns(`Failed to create/acquire the lock`), "Backup system is busy with another operation.", ErrBusy},
	{patterns(`No space left on device`), "Not enough space left on the disk or remote location.", ErrNoSpace},
}

// reraiseKnown converts a command failure with a recognised message into
// its backups fault kind. Faults and unknown errors pass through.
func reraiseKnown(err error) error {
	if err == nil {
		return nil
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	text := err.Error()
	for _, known := range knownErrors {
		for _, re := range known.patterns {
			if !re.MatchString(text) {
				continue
			}
			if known.message == "" {
				return fault.Wrap(known.kind, err)
			}
			return fault.Wrap(known.kind, err, known.message)
		}
	}
	return err
}
