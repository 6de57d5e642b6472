package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookdash/bookdash/internal/api"
	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/logging"
	"github.com/bookdash/bookdash/internal/logring"
	"github.com/bookdash/bookdash/internal/pipeline"
	"github.com/bookdash/bookdash/internal/queue"
	"github.com/bookdash/bookdash/internal/repository"
	"github.com/bookdash/bookdash/internal/session"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	listen := flag.String("listen", "127.0.0.1:8585", "HTTP listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	store, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v\n", err)
	}

	cur := store.Current()

	logCfg := config.LogConfig{}
	if cur.Log != nil {
		logCfg = *cur.Log
	}
	if *debug {
		logCfg.Level = "debug"
	}

	ring := logring.New(logring.DefaultLimit)

	closeLog, err := logging.Setup(logCfg, ring)
	if err != nil {
		log.Fatalf("Error initializing logging: %v\n", err)
	}
	defer closeLog()

	repo, err := repository.NewBboltRepository(config.DatabasePath())
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}
	defer repo.Close()

	// Each job runs on its own connection with the configuration in effect
	// at execution time, then files the artifact into the library.
	run := func(ctx context.Context, job queue.Job) (string, error) {
		snap := store.Snapshot()

		staged, err := session.New(snap).Download(job.ResultID, job.Bot)
		if err != nil {
			return "", err
		}

		return pipeline.New(snap).Process(staged, job.ResultID, job.ID.String(), job.TargetFolder)
	}

	jobs := queue.New(repo, run)

	workers := 0
	if cur.Queue != nil {
		workers = cur.Queue.Workers
	}
	if err := jobs.Start(workers); err != nil {
		log.Fatalf("Error starting job queue: %v\n", err)
	}

	sess := session.NewPersistent()

	srv := &http.Server{
		Addr:              *listen,
		Handler:           api.New(store, ring, sess, jobs).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", *listen)
		errCh <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	sess.Disconnect()
	jobs.Stop()

	slog.Info("shutdown complete")
}
