package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd, asJSON)
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r.cfg)
	}

	cfgPath := os.Getenv("CPTESTING_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/cptesting/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n\n", cfgPath)
	fmt.Fprintf(out, "Database Driver: %s\n", r.cfg.Database.Driver)
	fmt.Fprintf(out, "Database Path: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(out, "Pipeline Directory: %s\n", r.cfg.Paths.PipelineDir)
	fmt.Fprintf(out, "Parallel Jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(out, "Header Reader: %s\n", r.cfg.Admission.HeaderReader)
	fmt.Fprintf(out, "HTTP Address: %s\n", r.cfg.Server.HTTPAddr)
	fmt.Fprintf(out, "gRPC Address: %s\n", r.cfg.Server.GRPCAddr)
	fmt.Fprintf(out, "Log Level: %s\n", r.cfg.Logging.Level)
	fmt.Fprintf(out, "Log Format: %s\n", r.cfg.Logging.Format)
	fmt.Fprintf(out, "Log Directory: %s\n", r.cfg.Logging.LogDir)
	return nil
}
