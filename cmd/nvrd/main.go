// Command nvrd is the recording-engine daemon: it loads a process
// configuration file, opens the metadata store, and serves the stream
// Registry's control surface until a shutdown signal arrives (spec §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opennvr/nvrd/pkg/api"
	"github.com/opennvr/nvrd/pkg/config"
	"github.com/opennvr/nvrd/pkg/logger"
	"github.com/opennvr/nvrd/pkg/registry"
	"github.com/opennvr/nvrd/pkg/store"
)

// Exit codes inherited from the process wrapper (spec §6).
const (
	exitClean          = 0
	exitConfigError    = 1
	exitStorageError   = 2
	exitFatalRuntime   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("nvrd", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	configPath := fs.String("config", "nvrd.conf", "path to the process configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Network video recorder daemon\n\nOptions:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		return exitConfigError
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		return exitConfigError
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		return exitConfigError
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*configPath, log.Logger)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		return exitConfigError
	}
	log.Info("configuration loaded", "storage_root", cfg.StorageRoot)

	if err := os.MkdirAll(filepath.Join(cfg.StorageRoot, "recordings"), 0o755); err != nil {
		log.Error("failed to create recordings directory", "error", err)
		return exitStorageError
	}

	dbPath := cfg.SQLitePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.StorageRoot, dbPath)
	}
	metaStore, err := store.Open(dbPath, log.Logger)
	if err != nil {
		log.Error("failed to open metadata store", "path", dbPath, "error", err)
		return exitStorageError
	}
	defer metaStore.Close()

	reg := registry.New(cfg.StorageRoot, log.Logger)
	if cfg.ShutdownTimeoutS > 0 {
		reg.SetShutdownTimeout(time.Duration(cfg.ShutdownTimeoutS) * time.Second)
	}
	if cfg.BufferMemoryLimitMB > 0 {
		reg.SetDefaultBufferBytes(cfg.BufferMemoryLimitMB * 1024 * 1024)
	}
	reg.SetMaxStreams(cfg.MaxStreams)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	apiServer := api.NewServer(reg, metaStore, log.Logger, api.Defaults{
		PreRollSeconds:         cfg.DefaultPreRollS,
		PostRollSeconds:        cfg.DefaultPostRollS,
		SegmentDurationSeconds: cfg.DefaultSegmentDurationS,
	})
	if err := apiServer.Start(fmt.Sprintf(":%d", cfg.WebPort)); err != nil {
		log.Error("failed to start control API", "error", err)
		return exitFatalRuntime
	}

	log.Info("nvrd ready", "max_streams", cfg.MaxStreams, "web_port", cfg.WebPort)

	<-ctx.Done()

	apiShutdownCtx, apiShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := apiServer.Stop(apiShutdownCtx); err != nil {
		log.Error("control API shutdown error", "error", err)
	}
	apiShutdownCancel()

	if err := reg.Shutdown(context.Background()); err != nil {
		log.Error("registry shutdown did not complete cleanly", "error", err)
		return exitFatalRuntime
	}

	log.Info("nvrd stopped cleanly")
	return exitClean
}
