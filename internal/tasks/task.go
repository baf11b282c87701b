package tasks

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"cptesting/internal/connections"
	"cptesting/internal/quantum"
)

// ErrUnknownTask is returned by Lookup for an unregistered class.
var ErrUnknownTask = errors.New("unknown task class")

// Config is a task configuration. Implementations are plain structs whose
// fields map onto pipeline definition keys.
type Config interface {
	Validate() error
}

// Task is a pipeline task type: a declared connection table, a default
// configuration and the rules that prune the table for a configuration.
type Task interface {
	// Class is the type name used in pipeline definitions.
	Class() string
	// DefaultName is the label used when a definition does not set one.
	DefaultName() string
	// Dimensions of a single quantum.
	Dimensions() []string
	NewConfig() Config
	// Declared returns the full slot superset.
	Declared() *connections.Set
	// Connections returns the active slots for cfg.
	Connections(cfg Config) (*connections.Set, error)
}

// QuantumAdjuster is implemented by tasks that decide per quantum whether
// there is any work to do.
type QuantumAdjuster interface {
	AdjustQuantum(cfg Config, q quantum.Quantum) (quantum.Decision, error)
}

var registry = map[string]Task{}

func register(t Task) {
	registry[t.Class()] = t
	registry[t.DefaultName()] = t
}

func init() {
	register(IsrTask{})
	register(BrighterFatterKernelSolveTask{})
	register(LinearitySolveTask{})
	register(PhotodiodeCorrectionTask{})
}

// Lookup resolves a class name or default task name.
func Lookup(class string) (Task, error) {
	t, ok := registry[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, class)
	}
	return t, nil
}

// Classes lists the registered class names, sorted.
func Classes() []string {
	seen := map[string]struct{}{}
	for _, t := range registry {
		seen[t.Class()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func configAs[T Config](task string, cfg Config) (T, error) {
	c, ok := cfg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected config type %T", task, cfg)
	}
	return c, nil
}

var (
	detectorDims = []string{"instrument", "detector"}
	exposureDims = []string{"instrument", "exposure", "detector"}
)

func dims(d []string) []string { return slices.Clone(d) }
