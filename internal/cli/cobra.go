package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cptesting/internal/config"
	"cptesting/internal/pipeline"
	"cptesting/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cptesting",
		Short: "cptesting builds and runs calibration pipelines",
		Long: `cptesting resolves calibration pipeline definitions into task graphs,
prunes each task's connections for its configuration, ingests raw exposure
metadata and runs pipelines with per-exposure admission.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newGraphCmd(root))
	rootCmd.AddCommand(newConnectionsCmd(root))
	rootCmd.AddCommand(newIngestCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newQuantaCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newGraphCmd(root *Root) *cobra.Command {
	var (
		overrides []string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "graph <definition>",
		Short: "Build and print a pipeline graph",
		Long: `Load a pipeline definition, resolve every task's configuration and print
the resulting graph with each task's active and removed connections. A name
that is not a file is looked up in paths.pipeline_dir, with or without the
.toml suffix.

With --watch, the definition's directory is watched and the graph is
rebuilt whenever a definition changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.definitionPath(args[0])
			g, err := loadGraph(path, overrides)
			if err != nil {
				return err
			}
			root.printGraph(cmd.OutOrStdout(), g)
			if !watch {
				return nil
			}
			return root.watchGraph(cmd, path, overrides)
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "config", "c", nil, "config override (label:key=value), repeatable")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild the graph when the definition changes")

	return cmd
}

func (r *Root) watchGraph(cmd *cobra.Command, path string, overrides []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	apply := func(def *pipeline.Definition) error {
		for _, o := range overrides {
			label, assignment, ok := cutLabel(o)
			if !ok {
				return fmt.Errorf("override %q: want label:key=value", o)
			}
			if err := def.Override(label, assignment); err != nil {
				return err
			}
		}
		return nil
	}
	w, err := pipeline.NewDefinitionWatcher([]string{filepath.Dir(target)}, r.log, apply)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if abs, _ := filepath.Abs(ev.Path); abs != target {
				continue
			}
			if ev.Err != nil {
				fmt.Fprintf(out, "\n%s: %v\n", ev.Path, ev.Err)
				continue
			}
			fmt.Fprintf(out, "\n--- %s %s ---\n", ev.Operation, ev.Time.Format("15:04:05"))
			r.printGraph(out, ev.Graph)
		}
	}
}

func newConnectionsCmd(root *Root) *cobra.Command {
	var overrides []string

	cmd := &cobra.Command{
		Use:   "connections <task class>",
		Short: "Show a task's connections for a configuration",
		Long: `Resolve a task class (or its default label) with its default configuration
plus any overrides, and show which connections stay active and which are
pruned.

Examples:
  cptesting connections CptIsrTask -c doDark=false -c doFlat=false
  cptesting connections cptLinearityTask -c usePhotodiode=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := pipeline.ResolveTask(args[0], overrides...)
			if err != nil {
				return err
			}
			root.printConnections(cmd.OutOrStdout(), node)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "config", "c", nil, "config override (key=value), repeatable")

	return cmd
}

func newIngestCmd(root *Root) *cobra.Command {
	var instrument string

	cmd := &cobra.Command{
		Use:   "ingest [file|dir]...",
		Short: "Register raw exposures from FITS headers",
		Long: `Read FITS primary headers (or JSON header records) and register an exposure
record and a raw dataset for each. Directories are searched recursively.
Without arguments, paths.default_input from the config is ingested.

The header reader is selected by admission.header_reader in the config:
"native" parses header cards directly, "imagick" pings through ImageMagick.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := root.ingest(instrument, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d exposures from %d files (%d rejected)\n",
				stats.Exposures, stats.Files, stats.Rejected)
			return nil
		},
	}

	cmd.Flags().StringVarP(&instrument, "instrument", "i", "", "instrument name (default: INSTRUME header)")

	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var overrides []string

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a pipeline over the registered datasets",
		Long: `Build the pipeline graph and run every task in dependency order. Each
quantum is admitted or skipped before any of its inputs are read; outcomes are
recorded in the registry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(root.definitionPath(args[0]), overrides)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.runGraph(ctx, cmd.OutOrStdout(), g)
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "config", "c", nil, "config override (label:key=value), repeatable")

	return cmd
}

func newQuantaCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "quanta",
		Short: "List recently recorded quantum outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printQuanta(cmd.OutOrStdout(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of quanta to show")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC calibration service",
		Long: `Start the HTTP API (task registry, pipeline graphs, runs and a WebSocket
result stream) together with the gRPC Calibration service answering
connection and admission queries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpAddr != "" {
				root.cfg.Server.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.serveFn(ctx, root.cfg, root.store, root.log)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("cptesting v0.1.0")
		},
	}
}
