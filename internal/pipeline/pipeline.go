package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"cptesting/internal/logging"
	"cptesting/internal/quantum"
	"cptesting/internal/storage"
	"cptesting/internal/tasks"
)

// Status is the persisted outcome of a quantum.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result captures the outcome of one quantum.
type Result struct {
	Quantum  quantum.Quantum
	Status   Status
	Reason   string
	Error    error
	Duration time.Duration
}

// Processor executes an admitted quantum.
type Processor interface {
	Process(ctx context.Context, node *TaskNode, q quantum.Quantum) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, node *TaskNode, q quantum.Quantum) error

func (f ProcessorFunc) Process(ctx context.Context, node *TaskNode, q quantum.Quantum) error {
	return f(ctx, node, q)
}

type job struct {
	q    quantum.Quantum
	done chan<- Result
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) { p.concurrency = n }
}

// WithCatalog overrides where inputs are looked up. Defaults to the store.
func WithCatalog(c Catalog) Option {
	return func(p *Pipeline) { p.catalog = c }
}

// WithHandler routes admitted quanta of a task class to proc.
func WithHandler(class string, proc Processor) Option {
	return func(p *Pipeline) { p.handlers[class] = proc }
}

// Pipeline runs quanta of a graph across workers. Every quantum goes
// through admission first when its task adjusts quanta; skipped quanta are
// recorded and never reach a Processor.
type Pipeline struct {
	graph       *Graph
	processor   Processor
	catalog     Catalog
	handlers    map[string]Processor
	concurrency int
	log         *slog.Logger
	jobs        chan job
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	stopOnce    sync.Once
	store       *storage.Store
	mu          sync.Mutex
	subs        map[int]chan Result
	nextSubID   int
}

// New creates a Pipeline for g and starts its workers.
func New(ctx context.Context, g *Graph, logger *slog.Logger, store *storage.Store, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		graph:       g,
		log:         logger,
		store:       store,
		handlers:    map[string]Processor{},
		concurrency: 1,
		subs:        make(map[int]chan Result),
	}
	if store != nil {
		p.catalog = store
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	p.processor = newRouter(logger, store, p.catalog, p.handlers)

	ctx, p.cancel = context.WithCancel(ctx)
	p.jobs = make(chan job, p.concurrency*2)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Graph returns the graph the pipeline executes.
func (p *Pipeline) Graph() *Graph { return p.graph }

// Submit queues a quantum, blocking until a worker slot frees up or ctx ends.
func (p *Pipeline) Submit(ctx context.Context, q quantum.Quantum) error {
	return p.submit(ctx, job{q: q})
}

func (p *Pipeline) submit(ctx context.Context, j job) error {
	if _, ok := p.graph.Task(j.q.TaskLabel); !ok {
		return fmt.Errorf("unknown task label %q", j.q.TaskLabel)
	}
	if err := p.store.RecordQuantumQueued(j.q); err != nil {
		p.log.Warn("failed to record queued quantum", "id", j.q.ID, "error", err)
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			res := p.execute(ctx, j.q)
			p.record(res)
			if j.done != nil {
				j.done <- res
			}
			p.broadcast(res)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, q quantum.Quantum) Result {
	start := time.Now()
	res := Result{Quantum: q}
	node, ok := p.graph.Task(q.TaskLabel)
	if !ok {
		res.Status = StatusFailed
		res.Error = fmt.Errorf("unknown task label %q", q.TaskLabel)
		return res
	}
	logging.LogQuantumStart(p.log, q.TaskLabel, q.ID, q.DataID.String())

	if adj, ok := node.Task.(tasks.QuantumAdjuster); ok {
		d, err := adj.AdjustQuantum(node.Config, q)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err
			res.Duration = time.Since(start)
			return res
		}
		if !d.Admitted() {
			res.Status = StatusSkipped
			res.Reason = d.Reason()
			res.Duration = time.Since(start)
			return res
		}
		q = d.Quantum()
		res.Quantum = q
	}

	err := p.processor.Process(ctx, node, q)
	res.Duration = time.Since(start)
	var noWork *quantum.NoWorkFoundError
	switch {
	case errors.As(err, &noWork):
		res.Status = StatusSkipped
		res.Reason = noWork.Reason
	case err != nil:
		res.Status = StatusFailed
		res.Error = err
	default:
		res.Status = StatusCompleted
	}
	return res
}

func (p *Pipeline) record(res Result) {
	q := res.Quantum
	switch res.Status {
	case StatusSkipped:
		logging.LogQuantumSkipped(p.log, q.TaskLabel, q.ID, q.DataID.String(), res.Reason)
	case StatusFailed:
		logging.LogQuantumError(p.log, q.TaskLabel, q.ID, res.Duration, res.Error)
	default:
		logging.LogQuantumComplete(p.log, q.TaskLabel, q.ID, res.Duration)
	}
	if err := p.store.RecordQuantumResult(q.ID, string(res.Status), res.Reason, errString(res.Error)); err != nil {
		p.log.Warn("failed to record quantum result", "id", q.ID, "error", err)
	}
}

// Subscribe returns a channel for receiving results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, subscriberBuffer)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Subscribers get a buffer large enough for a typical task; a full buffer
// blocks the worker for up to subscriberWait before the result is dropped.
const (
	subscriberBuffer = 256
	subscriberWait   = 5 * time.Second
)

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
			continue
		default:
		}
		timer := time.NewTimer(subscriberWait)
		select {
		case ch <- res:
		case <-timer.C:
			p.log.Warn("subscriber not draining, result dropped", "subscriber", id, "quantum", res.Quantum.ID)
		}
		timer.Stop()
	}
}
