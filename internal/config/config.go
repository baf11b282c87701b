package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/cptesting/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the calibration tooling.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Database   Database   `json:"database"`
	Server     Server     `json:"server"`
	Admission  Admission  `json:"admission"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	PipelineDir  string `json:"pipeline_dir"`
	DefaultInput string `json:"default_input"`
}

// Database selects the SQLite driver for the registry.
type Database struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Admission configures how exposure metadata is read at ingest.
type Admission struct {
	HeaderReader string `json:"header_reader"` // native or imagick
}

// Load reads configuration from disk, falling back to defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("CPTESTING_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can act on.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or sqlite3", c.Database.Driver)
	}
	switch c.Admission.HeaderReader {
	case "", "native", "imagick":
	default:
		return fmt.Errorf("admission.header_reader %q: want native or imagick", c.Admission.HeaderReader)
	}
	if c.Processing.ParallelJobs < 0 {
		return fmt.Errorf("processing.parallel_jobs must not be negative")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	parallel := defaultParallel
	if n := runtime.NumCPU(); n < parallel {
		parallel = n
	}
	return &Config{
		Processing: Processing{
			ParallelJobs: parallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "cptesting.db"),
			PipelineDir:  "./pipelines",
			DefaultInput: ".",
		},
		Database: Database{
			Driver: "sqlite",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Admission: Admission{
			HeaderReader: "native",
		},
	}
}

// ExpandUser resolves a leading ~ to the home directory.
func ExpandUser(path string) (string, error) { return expandUser(path) }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
