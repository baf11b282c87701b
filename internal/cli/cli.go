package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"cptesting/internal/config"
	"cptesting/internal/fitsmeta"
	"cptesting/internal/fitsmeta/magick"
	"cptesting/internal/fsutil"
	"cptesting/internal/grpcserver"
	"cptesting/internal/pipeline"
	"cptesting/internal/quantum"
	"cptesting/internal/server"
	"cptesting/internal/storage"
)

const (
	rawRun   = "cptesting/raw"
	calibRun = "cptesting/calib"
)

type headerReaderFactory func(name string) fitsmeta.Reader

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) error

func defaultHeaderReader(name string) fitsmeta.Reader {
	if name == "imagick" {
		return magick.Reader{}
	}
	return fitsmeta.NativeReader{}
}

// defaultServe runs the HTTP API and the gRPC service until ctx is done.
func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) error {
	httpSrv, err := server.NewServer(cfg.Server.HTTPAddr, store, cfg.Paths.PipelineDir, cfg.Processing.ParallelJobs, log)
	if err != nil {
		return err
	}
	grpcSrv := grpcserver.New(log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return grpcSrv.Start(ctx, cfg.Server.GRPCAddr) })
	return g.Wait()
}

// Root wires CLI commands to the registry and pipeline.
type Root struct {
	cfg           *config.Config
	log           *slog.Logger
	store         *storage.Store
	headerFactory headerReaderFactory
	serveFn       serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:           cfg,
		log:           logger,
		store:         store,
		headerFactory: defaultHeaderReader,
		serveFn:       defaultServe,
	}
}

func (r *Root) headerReader() fitsmeta.Reader {
	if r.headerFactory != nil {
		return r.headerFactory(r.cfg.Admission.HeaderReader)
	}
	return defaultHeaderReader(r.cfg.Admission.HeaderReader)
}

// definitionPath resolves a definition argument. A bare name such as
// "protocolB" is also looked up in the configured pipeline directory.
func (r *Root) definitionPath(arg string) string {
	dir, err := config.ExpandUser(r.cfg.Paths.PipelineDir)
	if err != nil || dir == "" {
		return arg
	}
	if p := fsutil.FirstExisting(arg, filepath.Join(dir, arg), filepath.Join(dir, arg+".toml")); p != "" {
		return p
	}
	return arg
}

// loadGraph reads a definition, applies label:key=value overrides and builds
// its graph.
func loadGraph(path string, overrides []string) (*pipeline.Graph, error) {
	def, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		label, assignment, ok := cutLabel(o)
		if !ok {
			return nil, fmt.Errorf("override %q: want label:key=value", o)
		}
		if err := def.Override(label, assignment); err != nil {
			return nil, err
		}
	}
	return pipeline.BuildGraph(def)
}

func cutLabel(s string) (string, string, bool) {
	label, assignment, ok := strings.Cut(s, ":")
	if !ok || label == "" || strings.Contains(label, "=") {
		return "", "", false
	}
	return label, assignment, true
}

func (r *Root) printGraph(w io.Writer, g *pipeline.Graph) {
	if g.Description != "" {
		fmt.Fprintf(w, "%s\n", g.Description)
	}
	fmt.Fprintf(w, "Instrument: %s\n\n", g.Instrument)
	for _, n := range g.Tasks {
		fmt.Fprintf(w, "%s (%s) dimensions=%v\n", n.Label, n.Task.Class(), n.Task.Dimensions())
		for _, c := range n.Connections.All() {
			fmt.Fprintf(w, "  %-12s %-28s %s\n", c.Role, c.Field, c.DatasetType)
		}
		if removed := n.Removed(); len(removed) > 0 {
			fmt.Fprintf(w, "  removed: %v\n", removed)
		}
	}
	fmt.Fprintf(w, "\nOverall inputs: %v\n", g.OverallInputs())
}

func (r *Root) printConnections(w io.Writer, n *pipeline.TaskNode) {
	fmt.Fprintf(w, "%s\n", n.Task.Class())
	fmt.Fprintf(w, "Active:\n")
	for _, c := range n.Connections.All() {
		fmt.Fprintf(w, "  %-12s %-28s %s (%s)\n", c.Role, c.Field, c.DatasetType, c.StorageClass)
	}
	fmt.Fprintf(w, "Removed:\n")
	for _, f := range n.Removed() {
		fmt.Fprintf(w, "  %s\n", f)
	}
}

type ingestStats struct {
	Files     int
	Exposures int
	Rejected  int
}

// ingest registers an exposure and a raw dataset for every header found in
// paths, or in the configured default input when paths is empty. Headers
// without an exposure identity are logged and skipped.
func (r *Root) ingest(instrument string, paths []string) (ingestStats, error) {
	var stats ingestStats
	if r.store == nil {
		return stats, errors.New("no registry configured")
	}
	if len(paths) == 0 {
		if r.cfg.Paths.DefaultInput == "" {
			return stats, errors.New("no input paths and no paths.default_input configured")
		}
		dir, err := config.ExpandUser(r.cfg.Paths.DefaultInput)
		if err != nil {
			return stats, err
		}
		paths = []string{dir}
	}
	files, err := fsutil.Expand(paths)
	if err != nil {
		return stats, err
	}
	cameras := map[string]bool{}
	for _, path := range files {
		headers, err := r.readHeaders(path)
		if err != nil {
			return stats, err
		}
		stats.Files++
		uri, _ := filepath.Abs(path)
		for _, h := range headers {
			md, err := fitsmeta.Extract(instrument, h)
			if err != nil {
				r.log.Warn("skipping header", "path", path, "error", err)
				stats.Rejected++
				continue
			}
			if err := r.record(md, uri); err != nil {
				return stats, err
			}
			stats.Exposures++
			cameras[md.Exposure.Instrument] = true
		}
	}
	for inst := range cameras {
		rec := storage.DatasetRecord{
			ID:          "camera/" + inst,
			DatasetType: "camera",
			DataID:      quantum.DataID{Instrument: inst},
			Run:         calibRun,
		}
		if err := r.store.RecordDataset(rec); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (r *Root) record(md fitsmeta.Metadata, uri string) error {
	exp := md.Exposure
	if err := r.store.RecordExposure(exp); err != nil {
		return fmt.Errorf("record exposure %d: %w", exp.ID, err)
	}
	id := md.DataID()
	rec := storage.DatasetRecord{
		ID:          "raw/" + id.Key(),
		DatasetType: "raw",
		DataID:      id,
		Run:         rawRun,
		URI:         uri,
	}
	if err := r.store.RecordDataset(rec); err != nil {
		return fmt.Errorf("record raw %s: %w", id, err)
	}
	return nil
}

func (r *Root) readHeaders(path string) ([]map[string]string, error) {
	switch {
	case fsutil.IsFITSFile(path):
		h, err := r.headerReader().ReadHeader(path)
		if err != nil {
			return nil, err
		}
		return []map[string]string{h}, nil
	case fsutil.IsHeaderFile(path):
		return readHeaderJSON(path)
	default:
		return nil, fmt.Errorf("%s: not a FITS or header file", path)
	}
}

// readHeaderJSON reads one header object or an array of them. Values are
// kept in their literal form.
func readHeaderJSON(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	var objs []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		objs = append(objs, v)
	case []any:
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: element %d is not an object", path, i)
			}
			objs = append(objs, m)
		}
	default:
		return nil, fmt.Errorf("%s: want an object or an array of objects", path)
	}

	out := make([]map[string]string, 0, len(objs))
	for _, obj := range objs {
		h := make(map[string]string, len(obj))
		for k, v := range obj {
			h[k] = headerValue(v)
		}
		out = append(out, h)
	}
	return out, nil
}

func headerValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "T"
		}
		return "F"
	default:
		return fmt.Sprint(t)
	}
}

func (r *Root) runGraph(ctx context.Context, w io.Writer, g *pipeline.Graph) error {
	if r.store == nil {
		return errors.New("no registry configured")
	}
	p := pipeline.New(ctx, g, r.log, r.store, pipeline.WithConcurrency(r.cfg.Processing.ParallelJobs))
	defer p.Stop()

	sums, err := p.Run(ctx)
	for _, s := range sums {
		fmt.Fprintln(w, s.String())
	}
	if err != nil {
		return err
	}
	failed := 0
	for _, s := range sums {
		failed += s.Failed
	}
	if failed > 0 {
		return fmt.Errorf("%d quanta failed", failed)
	}
	return nil
}

func (r *Root) printQuanta(w io.Writer, limit int) error {
	if r.store == nil {
		return errors.New("no registry configured")
	}
	recs, err := r.store.RecentQuanta(limit)
	if err != nil {
		return err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].TaskLabel < recs[j].TaskLabel })
	for _, q := range recs {
		line := q.TaskLabel + " " + q.DataID.String() + " " + q.Status
		if q.Reason != "" {
			line += ": " + q.Reason
		}
		if q.Error != "" {
			line += ": " + strconv.Quote(q.Error)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
