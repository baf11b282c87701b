package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"cptesting/internal/connections"
	"cptesting/internal/quantum"
	"cptesting/internal/storage"
)

// router implements Processor. It resolves the remaining inputs of an
// admitted quantum and hands it to the handler registered for the task class.
// Classes without a handler get their outputs registered in the store.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	catalog  Catalog
	handlers map[string]Processor
}

func newRouter(logger *slog.Logger, store *storage.Store, catalog Catalog, handlers map[string]Processor) Processor {
	return &router{
		log:      logger,
		store:    store,
		catalog:  catalog,
		handlers: handlers,
	}
}

func (r *router) Process(ctx context.Context, node *TaskNode, q quantum.Quantum) error {
	q, err := r.resolveInputs(node, q)
	if err != nil {
		return err
	}
	if h, ok := r.handlers[node.Task.Class()]; ok {
		return h.Process(ctx, node, q)
	}
	return r.registerOutputs(node, q)
}

// resolveInputs fills every active input slot q does not carry yet with
// refs whose data coordinate matches q on the slot's dimensions.
func (r *router) resolveInputs(node *TaskNode, q quantum.Quantum) (quantum.Quantum, error) {
	resolved := make(map[string][]quantum.DatasetRef, node.Connections.Len())
	for field, refs := range q.Inputs {
		resolved[field] = refs
	}
	var carried []quantum.DatasetRef
	if first, ok := node.Connections.FirstInput(); ok {
		carried = q.Inputs[first.Field]
	}
	for _, c := range node.Connections.All() {
		if !c.Role.IsInput() {
			continue
		}
		if _, ok := resolved[c.Field]; ok {
			continue
		}
		refs, err := r.lookup(c, q.DataID.Instrument, wantedIDs(node, c, q.DataID, carried))
		if err != nil {
			return q, err
		}
		if len(refs) < c.Minimum {
			return q, fmt.Errorf("%w: %s needs %s (%s) for %s", quantum.ErrNoInput, node.Label, c.Field, c.DatasetType, q.DataID)
		}
		if len(refs) == 0 {
			continue
		}
		resolved[c.Field] = refs
	}
	q.Inputs = resolved
	return q, nil
}

// wantedIDs returns the coordinates a connection's refs may have. When the
// connection has a dimension the quantum lacks, such as per-exposure inputs
// of a per-detector task, they come from the refs the quantum was built from.
func wantedIDs(node *TaskNode, c connections.Connection, id quantum.DataID, carried []quantum.DatasetRef) []quantum.DataID {
	dims := node.Task.Dimensions()
	covered := func(dim string) bool {
		if slices.Contains(dims, dim) {
			return true
		}
		// An exposure implies its filter.
		return dim == "physical_filter" && slices.Contains(dims, "exposure")
	}
	if !slices.ContainsFunc(c.Dimensions, func(dim string) bool { return !covered(dim) }) {
		return []quantum.DataID{id.Project(c.Dimensions)}
	}
	var out []quantum.DataID
	for _, ref := range carried {
		want := ref.DataID.Project(c.Dimensions)
		if !slices.Contains(out, want) {
			out = append(out, want)
		}
	}
	return out
}

func (r *router) lookup(c connections.Connection, instrument string, wanted []quantum.DataID) ([]quantum.DatasetRef, error) {
	if len(wanted) == 0 {
		return nil, nil
	}
	if r.catalog == nil {
		return nil, fmt.Errorf("no catalog to resolve %s", c.DatasetType)
	}
	refs, err := r.catalog.FindDatasets(c.DatasetType, instrument)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.DatasetType, err)
	}
	var out []quantum.DatasetRef
	for _, ref := range refs {
		if !slices.Contains(wanted, ref.DataID.Project(c.Dimensions)) {
			continue
		}
		out = append(out, ref)
		if !c.Multiple {
			break
		}
	}
	return out, nil
}

func (r *router) registerOutputs(node *TaskNode, q quantum.Quantum) error {
	run := "cptesting/" + node.Label
	for _, c := range node.Connections.Outputs() {
		for _, ref := range q.Outputs[c.Field] {
			rec := storage.DatasetRecord{ID: ref.ID, DatasetType: ref.DatasetType, DataID: ref.DataID, Run: run}
			if err := r.store.RecordDataset(rec); err != nil {
				return fmt.Errorf("register %s: %w", ref.DatasetType, err)
			}
		}
	}
	r.log.Debug("outputs registered", "task", node.Label, "quantum", q.ID, "run", run)
	return nil
}
