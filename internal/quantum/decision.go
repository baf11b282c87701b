package quantum

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWork marks a quantum that legitimately has nothing to do.
	ErrNoWork = errors.New("no work found")
	// ErrNoInput means the catalog has no entry for a required input.
	ErrNoInput = errors.New("missing input dataset")
	// ErrMissingMetadata means the field governing admission is absent.
	ErrMissingMetadata = errors.New("missing exposure metadata")
)

// Decision is the outcome of an admission check: admitted with a (possibly
// adjusted) quantum, or skipped with a reason.
type Decision struct {
	admitted bool
	reason   string
	quantum  Quantum
}

// Admit admits q unchanged.
func Admit(q Quantum) Decision {
	return Decision{admitted: true, quantum: q}
}

// Skip excludes the quantum for the given reason.
func Skip(reason string) Decision {
	return Decision{reason: reason}
}

func (d Decision) Admitted() bool { return d.admitted }

// Reason is empty for admitted decisions.
func (d Decision) Reason() string { return d.reason }

// Quantum is only meaningful when Admitted is true.
func (d Decision) Quantum() Quantum { return d.quantum }

// Err converts a skipped decision to a *NoWorkFoundError and returns nil
// for an admitted one.
func (d Decision) Err() error {
	if d.admitted {
		return nil
	}
	return &NoWorkFoundError{Reason: d.reason}
}

func (d Decision) String() string {
	if d.admitted {
		return "admitted"
	}
	return "skipped: " + d.reason
}

// NoWorkFoundError is the error form of a skipped decision.
type NoWorkFoundError struct {
	Reason string
}

func (e *NoWorkFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNoWork, e.Reason)
}

func (e *NoWorkFoundError) Unwrap() error {
	return ErrNoWork
}
