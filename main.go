// Command scan-engine runs the API security scan orchestration server.
//
// Usage:
//
//	scan-engine [-config path/to/config.yaml] [-listen :8080]
//
// Configuration comes from the optional YAML file, overridden by SCANNER_*
// environment variables, overridden by flags.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/app"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/backend"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/config"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scheduler"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/server"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/store"

	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := logging.NewStdoutLogger("ScanEngine")

	st, err := store.Open(cfg.StorageRoot, logger.With(logging.Field{Key: "component", Value: "Store"}))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	be, err := buildBackend(cfg, logger)
	if err != nil {
		log.Fatalf("configuring worker backend: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxParallel:  cfg.MaxParallelContainers,
		RetryCeiling: cfg.RetryCeiling,
		ChunkTimeout: cfg.ChunkTimeout(),
		PollInterval: cfg.PollInterval(),
	}, be, logger.With(logging.Field{Key: "component", Value: "Scheduler"}))

	manager := app.NewManager(sched, st, logger.With(logging.Field{Key: "component", Value: "Manager"}))
	if err := manager.Restore(context.Background()); err != nil {
		log.Fatalf("restoring scan history: %v", err)
	}

	srv, err := server.NewServer(server.Config{
		ListenAddr: cfg.ListenAddr,
		Manager:    manager,
		Logger:     logger.With(logging.Field{Key: "component", Value: "Server"}),
	})
	if err != nil {
		log.Fatalf("creating server: %v", err)
	}

	httpSrv := srv.HTTPServer()

	go func() {
		logger.Info("listening",
			logging.Field{Key: "addr", Value: cfg.ListenAddr},
			logging.Field{Key: "backend", Value: cfg.Worker.Backend},
			logging.Field{Key: "max_parallel", Value: cfg.MaxParallelContainers})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", logging.Field{Key: "error", Value: err.Error()})
	}
}

func buildBackend(cfg *config.Config, logger logging.Logger) (backend.Backend, error) {
	switch cfg.Worker.Backend {
	case config.BackendRemote:
		return backend.NewRemote(backend.RemoteConfig{
			BaseURL: cfg.Worker.TaskAPIURL,
			Token:   cfg.Worker.TaskAPIToken,
		}, logger.With(logging.Field{Key: "component", Value: "RemoteBackend"}))
	default:
		return backend.NewLocal(backend.LocalConfig{
			Runtime:       "docker",
			Image:         cfg.Worker.Image,
			SinkDir:       cfg.StorageRoot,
			MemoryLimitMB: cfg.Worker.MemoryLimitMB,
		}, logger.With(logging.Field{Key: "component", Value: "LocalBackend"}))
	}
}
