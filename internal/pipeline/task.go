package pipeline

import (
	"fmt"

	"cptesting/internal/connections"
	"cptesting/internal/quantum"
	"cptesting/internal/tasks"
)

// ResolveTask configures a single task class outside any pipeline, applying
// "key=value" overrides to its defaults.
func ResolveTask(class string, overrides ...string) (*TaskNode, error) {
	task, err := tasks.Lookup(class)
	if err != nil {
		return nil, err
	}
	td := &TaskDefinition{Class: class}
	for _, o := range overrides {
		if _, _, err := splitAssignment(o); err != nil {
			return nil, err
		}
		td.overrides = append(td.overrides, o)
	}
	cfg, err := NewTaskConfig(task, td)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", task.DefaultName(), err)
	}
	set, err := task.Connections(cfg)
	if err != nil {
		return nil, err
	}
	return &TaskNode{Label: task.DefaultName(), Task: task, Config: cfg, Connections: set}, nil
}

// Removed lists the declared slots the configuration pruned away.
func (n *TaskNode) Removed() []string {
	return connections.Removed(n.Task.Declared(), n.Connections)
}

// Evaluate runs admission for a quantum holding only ref as its first input.
// Tasks that do not adjust quanta admit everything.
func (n *TaskNode) Evaluate(ref quantum.DatasetRef) (quantum.Decision, error) {
	first, ok := n.Connections.FirstInput()
	if !ok {
		return quantum.Decision{}, fmt.Errorf("%w: %s has no regular input", quantum.ErrNoInput, n.Label)
	}
	if ref.DatasetType == "" {
		ref.DatasetType = first.DatasetType
	}
	q := quantum.Quantum{
		TaskLabel: n.Label,
		DataID:    ref.DataID.Project(n.Task.Dimensions()),
		Inputs:    map[string][]quantum.DatasetRef{first.Field: {ref}},
	}
	adj, ok := n.Task.(tasks.QuantumAdjuster)
	if !ok {
		return quantum.Admit(q), nil
	}
	return adj.AdjustQuantum(n.Config, q)
}
