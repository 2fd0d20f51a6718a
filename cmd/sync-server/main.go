package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
	"github.com/superpowers/superpowers-core-sub000/pkg/config"
	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/project"
	"github.com/superpowers/superpowers-core-sub000/pkg/storage"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	flags := pflag.NewFlagSet("sync-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	addr := flags.String("addr", "", "the address to listen on (overrides the config)")
	projectsDir := flags.String("projects-dir", "", "the directory holding projects (overrides the config)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error (overrides the config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.Expand()
	}
	if flags.Changed("addr") {
		cfg.Addr = *addr
	}
	if flags.Changed("projects-dir") {
		cfg.ProjectsDir = *projectsDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var revisions *storage.RevisionStore
	if cfg.RevisionsDatabase != "" {
		slog.Info("opening revisions database", "path", cfg.RevisionsDatabase)
		store, err := storage.OpenRevisionStore(ctx, cfg.RevisionsDatabase)
		if err != nil {
			return err
		}
		defer store.Close()
		revisions = store
	}

	grace, saveDelay, persistInterval := cfg.Durations()
	hub := project.NewHub(cfg.ProjectsDir, project.Options{
		Registry:    document.Builtin(),
		Revisions:   revisions,
		GracePeriod: grace,
		SaveDelay:   saveDelay,
		Logger:      slog.Default(),
	})
	defer hub.Close()

	s := &server{hub: hub, ctx: ctx}
	httpServer := &http.Server{Addr: cfg.Addr, Handler: s.router()}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		persistEvery(ctx, clock.Real(), persistInterval, hub.Persist)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr, "projects", cfg.ProjectsDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()
	return nil
}

// persistEvery calls persist on every tick until ctx ends.
func persistEvery(ctx context.Context, clk clock.Clock, interval time.Duration, persist func() error) {
	t := clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := persist(); err != nil {
				slog.Error("failed to persist projects", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
