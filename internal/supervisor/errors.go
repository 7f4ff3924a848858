package supervisor

import (
	"errors"
	"strings"

	"github.com/nerrad567/chainkeeper/internal/chain"
)

var (
	// ErrUnknownChain is returned for IDs missing from the definitions.
	ErrUnknownChain = chain.ErrUnknownChain

	// ErrNotDownloaded is returned when starting a chain whose binary is
	// not installed.
	ErrNotDownloaded = errors.New("chain not downloaded")

	// ErrAlreadyRunning is returned when starting a chain that has a live
	// process record.
	ErrAlreadyRunning = errors.New("chain already running")

	// ErrDownloadInProgress is returned when starting a chain that is still
	// downloading or extracting.
	ErrDownloadInProgress = errors.New("chain download in progress")

	// ErrExited is returned by WaitReady when the process exits before it
	// becomes ready.
	ErrExited = errors.New("chain exited before becoming ready")
)

// DependencyError rejects a start because a dependency is not running.
type DependencyError struct {
	Chain   string
	Missing string
}

func (e *DependencyError) Error() string {
	return "missing dependency: " + e.Missing
}

// DependentsError rejects a stop because chains depending on it still run.
type DependentsError struct {
	Chain      string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return "dependents still running: " + strings.Join(e.Dependents, ", ")
}
