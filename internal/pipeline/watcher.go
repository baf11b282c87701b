package pipeline

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GraphEvent reports a rebuilt graph (or the error that prevented it) after
// a definition file changed.
type GraphEvent struct {
	Path      string
	Operation string // "created", "modified"
	Time      time.Time
	Graph     *Graph
	Err       error
}

// DefinitionWatcher rebuilds pipeline graphs when definition files change.
type DefinitionWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan GraphEvent
	watchDirs []string
	log       *slog.Logger
	done      chan struct{}
	override  func(*Definition) error
}

// NewDefinitionWatcher watches dirs for *.toml definition changes. apply, when
// non-nil, runs on each reloaded definition before the graph is built.
func NewDefinitionWatcher(dirs []string, logger *slog.Logger, apply func(*Definition) error) (*DefinitionWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefinitionWatcher{
		watcher:   watcher,
		Events:    make(chan GraphEvent, 16),
		watchDirs: dirs,
		log:       logger,
		done:      make(chan struct{}),
		override:  apply,
	}, nil
}

// Start begins monitoring the configured directories.
func (w *DefinitionWatcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching pipeline definitions", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (w *DefinitionWatcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *DefinitionWatcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			default:
				continue
			}
			if filepath.Ext(event.Name) != ".toml" {
				continue
			}

			ev := GraphEvent{Path: event.Name, Operation: operation, Time: time.Now()}
			ev.Graph, ev.Err = w.rebuild(event.Name)
			select {
			case w.Events <- ev:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("definition watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *DefinitionWatcher) rebuild(path string) (*Graph, error) {
	def, err := Load(path)
	if err != nil {
		return nil, err
	}
	if w.override != nil {
		if err := w.override(def); err != nil {
			return nil, err
		}
	}
	return BuildGraph(def)
}
