package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/daemon"
	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/commitq-dev/commitq/internal/version"
)

func main() {
	// Handle version command before anything else (for CI testing)
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("commitqd %s\n", version.Version)
		return
	}

	var (
		dbPath     = flag.String("db", storage.DefaultDBPath(), "path to sqlite database")
		configPath = flag.String("config", config.GlobalConfigPath(), "path to config file")
		statePath  = flag.String("state", config.QueueStatePath(), "path to pending queue state file")
		addr       = flag.String("addr", "", "server address (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting commitqd...")

	// Load configuration from specified path
	cfg, err := config.LoadGlobalFrom(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", *configPath, err)
		cfg = config.DefaultConfig()
	}

	// Apply flag overrides
	if *addr != "" {
		cfg.ServerAddr = *addr
	}

	// Open database
	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	log.Printf("Database: %s", *dbPath)

	ctx := context.Background()
	manager, cleanup, err := daemon.BuildManager(ctx, cfg, db)
	if err != nil {
		log.Fatalf("Failed to build queue manager: %v", err)
	}
	defer cleanup()

	server := daemon.NewServer(manager, db, cfg, *configPath, *statePath)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		if err := server.Stop(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		cleanup()
		os.Exit(0)
	}()

	// Start server (blocks until shutdown)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
