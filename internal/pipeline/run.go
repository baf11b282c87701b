package pipeline

import (
	"context"
	"fmt"
)

// Summary counts quantum outcomes of a run.
type Summary struct {
	Label     string `json:"label"`
	Quanta    int    `json:"quanta"`
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d quanta, %d completed, %d skipped, %d failed", s.Label, s.Quanta, s.Completed, s.Skipped, s.Failed)
}

// RunTask builds the quanta of label from the catalog, submits them all and
// waits for their results. A failed quantum does not stop its siblings.
func (p *Pipeline) RunTask(ctx context.Context, label string) (Summary, error) {
	sum := Summary{Label: label}
	if p.catalog == nil {
		return sum, fmt.Errorf("task %s: no catalog configured", label)
	}
	qs, err := p.graph.Quanta(label, p.catalog)
	if err != nil {
		return sum, err
	}
	sum.Quanta = len(qs)
	done := make(chan Result, len(qs))
	for _, q := range qs {
		if err := p.submit(ctx, job{q: q, done: done}); err != nil {
			return sum, err
		}
	}
	for range qs {
		select {
		case res := <-done:
			switch res.Status {
			case StatusCompleted:
				sum.Completed++
			case StatusSkipped:
				sum.Skipped++
			default:
				sum.Failed++
			}
		case <-ctx.Done():
			return sum, ctx.Err()
		}
	}
	return sum, nil
}

// Run executes every task of the graph in dependency order. Later tasks see
// the datasets registered by earlier ones.
func (p *Pipeline) Run(ctx context.Context) ([]Summary, error) {
	var out []Summary
	for _, label := range p.graph.Labels() {
		sum, err := p.RunTask(ctx, label)
		if err != nil {
			return out, fmt.Errorf("run %s: %w", label, err)
		}
		out = append(out, sum)
	}
	return out, nil
}
