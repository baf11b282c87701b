package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"cptesting/internal/connections"
	"cptesting/internal/quantum"
	"cptesting/internal/tasks"
)

// ErrCycle is returned when task dependencies form a loop.
var ErrCycle = errors.New("pipeline has a dependency cycle")

// TaskNode is one configured task in a graph.
type TaskNode struct {
	Label       string
	Task        tasks.Task
	Config      tasks.Config
	Connections *connections.Set
}

// DatasetTypeNode describes a dataset type and the tasks touching it.
type DatasetTypeNode struct {
	Name          string   `json:"name"`
	StorageClass  string   `json:"storage_class"`
	Dimensions    []string `json:"dimensions"`
	IsCalibration bool     `json:"is_calibration,omitempty"`
	Producer      string   `json:"producer,omitempty"`
	Consumers     []string `json:"consumers,omitempty"`
}

// Graph is a resolved pipeline: tasks in dependency order and every dataset
// type their active connections reference.
type Graph struct {
	Description  string
	Instrument   string
	Tasks        []*TaskNode
	DatasetTypes map[string]*DatasetTypeNode

	byLabel map[string]*TaskNode
}

// BuildGraph resolves every task of def, prunes its connections once for its
// configuration and links producers to consumers.
func BuildGraph(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, errors.New("nil pipeline definition")
	}
	g := &Graph{
		Description:  def.Description,
		Instrument:   def.Instrument,
		DatasetTypes: map[string]*DatasetTypeNode{},
		byLabel:      map[string]*TaskNode{},
	}

	var nodes []*TaskNode
	for _, label := range def.Labels() {
		td := def.Tasks[label]
		task, err := tasks.Lookup(td.Class)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", label, err)
		}
		cfg, err := NewTaskConfig(task, td)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", label, err)
		}
		set, err := task.Connections(cfg)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", label, err)
		}
		node := &TaskNode{Label: label, Task: task, Config: cfg, Connections: set}
		nodes = append(nodes, node)
		g.byLabel[label] = node
	}

	for _, node := range nodes {
		for _, c := range node.Connections.All() {
			if err := g.addDatasetType(node.Label, c); err != nil {
				return nil, err
			}
		}
	}

	ordered, err := g.sortTasks(nodes)
	if err != nil {
		return nil, err
	}
	g.Tasks = ordered
	return g, nil
}

func (g *Graph) addDatasetType(label string, c connections.Connection) error {
	dt, ok := g.DatasetTypes[c.DatasetType]
	if !ok {
		dt = &DatasetTypeNode{
			Name:          c.DatasetType,
			StorageClass:  c.StorageClass,
			Dimensions:    slices.Clone(c.Dimensions),
			IsCalibration: c.IsCalibration,
		}
		g.DatasetTypes[c.DatasetType] = dt
	} else {
		if dt.StorageClass != c.StorageClass {
			return fmt.Errorf("dataset type %s: storage class %s in %s conflicts with %s", c.DatasetType, c.StorageClass, label, dt.StorageClass)
		}
		if !slices.Equal(dt.Dimensions, c.Dimensions) {
			return fmt.Errorf("dataset type %s: dimensions %v in %s conflict with %v", c.DatasetType, c.Dimensions, label, dt.Dimensions)
		}
	}

	if c.Role == connections.Output {
		if dt.Producer != "" && dt.Producer != label {
			return fmt.Errorf("dataset type %s is produced by both %s and %s", c.DatasetType, dt.Producer, label)
		}
		dt.Producer = label
		return nil
	}
	if !slices.Contains(dt.Consumers, label) {
		dt.Consumers = append(dt.Consumers, label)
		sort.Strings(dt.Consumers)
	}
	return nil
}

// sortTasks orders tasks so producers run before consumers. Ties break by
// label.
func (g *Graph) sortTasks(nodes []*TaskNode) ([]*TaskNode, error) {
	deps := map[string]map[string]struct{}{}
	for _, n := range nodes {
		deps[n.Label] = map[string]struct{}{}
	}
	for _, dt := range g.DatasetTypes {
		if dt.Producer == "" {
			continue
		}
		for _, consumer := range dt.Consumers {
			deps[consumer][dt.Producer] = struct{}{}
		}
	}

	var ordered []*TaskNode
	done := map[string]bool{}
	for len(ordered) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if done[n.Label] {
				continue
			}
			ready := true
			for dep := range deps[n.Label] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, n)
				done[n.Label] = true
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for _, n := range nodes {
				if !done[n.Label] {
					stuck = append(stuck, n.Label)
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
		}
	}
	return ordered, nil
}

// Task returns the node for label.
func (g *Graph) Task(label string) (*TaskNode, bool) {
	n, ok := g.byLabel[label]
	return n, ok
}

// Labels returns task labels in execution order.
func (g *Graph) Labels() []string {
	out := make([]string, len(g.Tasks))
	for i, n := range g.Tasks {
		out[i] = n.Label
	}
	return out
}

// DatasetTypeNames returns all dataset type names sorted.
func (g *Graph) DatasetTypeNames() []string {
	names := make([]string, 0, len(g.DatasetTypes))
	for name := range g.DatasetTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OverallInputs lists dataset types no task in the graph produces.
func (g *Graph) OverallInputs() []string {
	var out []string
	for _, name := range g.DatasetTypeNames() {
		if g.DatasetTypes[name].Producer == "" {
			out = append(out, name)
		}
	}
	return out
}

// Catalog finds stored datasets.
type Catalog interface {
	FindDatasets(datasetType, instrument string) ([]quantum.DatasetRef, error)
}

// Quanta builds the quanta for label by grouping the refs of the task's
// first input by the task's dimensions. Only that input is looked up; the
// rest are resolved after admission.
func (g *Graph) Quanta(label string, cat Catalog) ([]quantum.Quantum, error) {
	node, ok := g.Task(label)
	if !ok {
		return nil, fmt.Errorf("unknown task label %q", label)
	}
	first, ok := node.Connections.FirstInput()
	if !ok {
		return nil, fmt.Errorf("task %s: %w: no regular input connection", label, quantum.ErrNoInput)
	}
	refs, err := cat.FindDatasets(first.DatasetType, g.Instrument)
	if err != nil {
		return nil, fmt.Errorf("task %s: find %s: %w", label, first.DatasetType, err)
	}

	taskDims := node.Task.Dimensions()
	groups := map[quantum.DataID][]quantum.DatasetRef{}
	var keys []quantum.DataID
	for _, ref := range refs {
		key := ref.DataID.Project(taskDims)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ref)
	}

	out := make([]quantum.Quantum, 0, len(keys))
	for _, key := range keys {
		id := key
		// An exposure implies its filter.
		if slices.Contains(taskDims, "exposure") {
			id.PhysicalFilter = groups[key][0].DataID.PhysicalFilter
		}
		q := quantum.Quantum{
			ID:        uuid.NewString(),
			TaskLabel: label,
			DataID:    id,
			Inputs:    map[string][]quantum.DatasetRef{first.Field: groups[key]},
			Outputs:   map[string][]quantum.DatasetRef{},
		}
		for _, c := range node.Connections.Outputs() {
			q.Outputs[c.Field] = []quantum.DatasetRef{{
				ID:          uuid.NewString(),
				DatasetType: c.DatasetType,
				DataID:      id.Project(c.Dimensions),
			}}
		}
		out = append(out, q)
	}
	return out, nil
}
