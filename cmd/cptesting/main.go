package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"cptesting/internal/cli"
	"cptesting/internal/config"
	"cptesting/internal/logging"
	"cptesting/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("resolve database path", "error", err)
		os.Exit(1)
	}
	store, err := storage.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		log.Error("open registry", "path", dbPath, "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	cmd := cli.NewRootCmd(cfg, log, store)
	err = cmd.ExecuteContext(context.Background())
	store.Close()
	if err != nil {
		os.Exit(1)
	}
}
