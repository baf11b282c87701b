package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"cptesting/internal/connections"
	"cptesting/internal/logging"
	"cptesting/internal/pipeline"
	"cptesting/internal/quantum"
	"cptesting/internal/storage"
	"cptesting/internal/tasks"
	"cptesting/internal/web"
)

// Event is pushed to WebSocket clients for quantum results and finished runs.
type Event struct {
	Type      string             `json:"type"` // quantum, run, graph
	RunID     string             `json:"run_id,omitempty"`
	Pipeline  string             `json:"pipeline"`
	QuantumID string             `json:"quantum_id,omitempty"`
	Task      string             `json:"task,omitempty"`
	DataID    *quantum.DataID    `json:"data_id,omitempty"`
	Status    string             `json:"status,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Error     string             `json:"error,omitempty"`
	Summaries []pipeline.Summary `json:"summaries,omitempty"`
}

// Server exposes the task registry, pipeline graphs and run results over
// HTTP, with a WebSocket result stream.
type Server struct {
	addr        string
	store       *storage.Store
	pipelineDir string
	concurrency int
	log         *slog.Logger
	hub         *web.Hub
	server      *http.Server
	baseCtx     context.Context

	mu     sync.RWMutex
	graphs map[string]*pipeline.Graph
	runs   sync.WaitGroup
}

// NewServer loads every definition in pipelineDir. Definitions that fail to
// build are logged and left out.
func NewServer(addr string, store *storage.Store, pipelineDir string, concurrency int, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:        addr,
		store:       store,
		pipelineDir: pipelineDir,
		concurrency: concurrency,
		log:         log,
		hub:         web.NewHub(log),
		baseCtx:     context.Background(),
		graphs:      map[string]*pipeline.Graph{},
	}
	if pipelineDir == "" {
		return s, nil
	}
	paths, err := filepath.Glob(filepath.Join(pipelineDir, "*.toml"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		def, err := pipeline.Load(path)
		if err == nil {
			var g *pipeline.Graph
			if g, err = pipeline.BuildGraph(def); err == nil {
				s.setGraph(path, g)
				continue
			}
		}
		log.Warn("skipping pipeline definition", "path", path, "error", err)
	}
	return s, nil
}

func pipelineName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (s *Server) setGraph(path string, g *pipeline.Graph) {
	s.mu.Lock()
	s.graphs[pipelineName(path)] = g
	s.mu.Unlock()
	logging.LogGraphBuilt(s.log, path, len(g.Tasks), len(g.DatasetTypes))
}

func (s *Server) graph(name string) (*pipeline.Graph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[name]
	return g, ok
}

// Start serves HTTP and watches the pipeline directory until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go s.hub.Run(ctx)

	if s.pipelineDir != "" {
		if _, err := os.Stat(s.pipelineDir); err == nil {
			w, err := pipeline.NewDefinitionWatcher([]string{s.pipelineDir}, s.log, nil)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			go s.followDefinitions(w)
			defer w.Stop()
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr, "pipelines", s.pipelineDir)
	err := s.server.ListenAndServe()
	s.runs.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) followDefinitions(w *pipeline.DefinitionWatcher) {
	for ev := range w.Events {
		name := pipelineName(ev.Path)
		out := Event{Type: "graph", Pipeline: name, Status: ev.Operation}
		if ev.Err != nil {
			s.log.Warn("pipeline definition rejected", "path", ev.Path, "error", ev.Err)
			out.Error = ev.Err.Error()
		} else {
			s.setGraph(ev.Path, ev.Graph)
		}
		_ = s.hub.Publish(out)
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	r.HandleFunc("/tasks/{class}/connections", s.handleTaskConnections).Methods("GET")
	r.HandleFunc("/pipelines", s.handlePipelines).Methods("GET")
	r.HandleFunc("/pipelines/{name}", s.handleGraph).Methods("GET")
	r.HandleFunc("/pipelines/{name}/runs", s.handleRun).Methods("POST")
	r.HandleFunc("/quanta", s.handleQuanta).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskInfo struct {
	Class       string   `json:"class"`
	DefaultName string   `json:"default_name"`
	Dimensions  []string `json:"dimensions"`
	Adjusts     bool     `json:"adjusts_quanta"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	var out []taskInfo
	for _, class := range tasks.Classes() {
		t, _ := tasks.Lookup(class)
		_, adjusts := t.(tasks.QuantumAdjuster)
		out = append(out, taskInfo{Class: class, DefaultName: t.DefaultName(), Dimensions: t.Dimensions(), Adjusts: adjusts})
	}
	writeJSON(w, http.StatusOK, out)
}

type taskView struct {
	Label       string                   `json:"label"`
	Class       string                   `json:"class"`
	Dimensions  []string                 `json:"dimensions"`
	Config      tasks.Config             `json:"config"`
	Connections []connections.Connection `json:"connections"`
	Removed     []string                 `json:"removed"`
}

func viewTask(n *pipeline.TaskNode) taskView {
	return taskView{
		Label:       n.Label,
		Class:       n.Task.Class(),
		Dimensions:  n.Task.Dimensions(),
		Config:      n.Config,
		Connections: n.Connections.All(),
		Removed:     n.Removed(),
	}
}

// handleTaskConnections prunes a task's connections for the defaults plus
// any ?set=key=value overrides.
func (s *Server) handleTaskConnections(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	node, err := pipeline.ResolveTask(class, r.URL.Query()["set"]...)
	if errors.Is(err, tasks.ErrUnknownTask) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(node))
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

type graphView struct {
	Name         string                      `json:"name"`
	Description  string                      `json:"description"`
	Instrument   string                      `json:"instrument"`
	Tasks        []taskView                  `json:"tasks"`
	DatasetTypes []*pipeline.DatasetTypeNode `json:"dataset_types"`
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	g, ok := s.graph(name)
	if !ok {
		http.Error(w, "unknown pipeline "+name, http.StatusNotFound)
		return
	}
	view := graphView{Name: name, Description: g.Description, Instrument: g.Instrument}
	for _, n := range g.Tasks {
		view.Tasks = append(view.Tasks, viewTask(n))
	}
	for _, dt := range g.DatasetTypeNames() {
		view.DatasetTypes = append(view.DatasetTypes, g.DatasetTypes[dt])
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRun starts a run of the named pipeline in the background. Results
// stream to WebSocket clients.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	g, ok := s.graph(name)
	if !ok {
		http.Error(w, "unknown pipeline "+name, http.StatusNotFound)
		return
	}
	if s.store == nil {
		http.Error(w, "no registry configured", http.StatusServiceUnavailable)
		return
	}
	runID := uuid.NewString()
	s.runs.Add(1)
	go s.run(runID, name, g)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) run(runID, name string, g *pipeline.Graph) {
	defer s.runs.Done()
	p := pipeline.New(s.baseCtx, g, s.log, s.store, pipeline.WithConcurrency(s.concurrency))
	results, _ := p.Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for res := range results {
			id := res.Quantum.DataID
			ev := Event{
				Type:      "quantum",
				RunID:     runID,
				Pipeline:  name,
				QuantumID: res.Quantum.ID,
				Task:      res.Quantum.TaskLabel,
				DataID:    &id,
				Status:    string(res.Status),
				Reason:    res.Reason,
			}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			_ = s.hub.Publish(ev)
		}
	}()

	sums, err := p.Run(s.baseCtx)
	// Stop closes the subscription once every result is broadcast.
	p.Stop()
	<-forwarded

	ev := Event{Type: "run", RunID: runID, Pipeline: name, Status: "finished", Summaries: sums}
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
		s.log.Error("pipeline run failed", "run", runID, "pipeline", name, "error", err)
	}
	_ = s.hub.Publish(ev)
}

func (s *Server) handleQuanta(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentQuanta(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
