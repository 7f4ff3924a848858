package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph reports a dependency that names an unknown chain or itself.
	ErrInvalidGraph = errors.New("invalid dependency graph")

	// ErrCycleFound reports a dependency cycle.
	ErrCycleFound = errors.New("dependency cycle detected")

	// ErrInvalidDefinition reports a chain definition that cannot be resolved
	// for the current platform.
	ErrInvalidDefinition = errors.New("invalid chain definition")

	// ErrUnknownChain is returned for IDs not present in the definitions table.
	ErrUnknownChain = errors.New("unknown chain")
)

// GraphError wraps deterministic graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}

func definitionf(id, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidDefinition, id, fmt.Sprintf(format, args...))
}
