package ops

import (
	"fmt"
	"os/exec"

	"github.com/boxadmin/privd/internal/privileged"
)

type lookupPathFunc func(file string) (string, error)

// requiredTools lists the executables each built-in module runs.
var requiredTools = map[string][]string{
	"system":   {"hostnamectl"},
	"services": {"systemctl"},
	"backups":  {"sshfs", "mountpoint", "umount"},
}

// CheckPrerequisites returns one error per executable a built-in module
// needs that is not on PATH. The dispatcher still starts; only the calls
// that need the tool fail.
func CheckPrerequisites() []error {
	return checkPrerequisitesWithLookup(All(), exec.LookPath)
}

func checkPrerequisitesWithLookup(modules []*privileged.Module, lookup lookupPathFunc) []error {
	if lookup == nil {
		lookup = exec.LookPath
	}
	var errs []error
	for _, m := range modules {
		for _, tool := range requiredTools[m.Name] {
			if _, err := lookup(tool); err != nil {
				errs = append(errs, fmt.Errorf("module %s: required command %q not found in PATH", m.Name, tool))
			}
		}
	}
	return errs
}
