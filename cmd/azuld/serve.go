package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/coordinator"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/internal/watcher"
)

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := resolveConfig()
	if err != nil {
		fatal("serve: %v", err)
	}
	logger := newLogger("azuld", cfg)
	defer logger.Close()

	t, w, gen := newComponents(cfg, logger)

	srv := transport.New(transport.Options{
		Addr:                     listenAddr(cfg),
		RequestSnapshotOnConnect: cfg.RequestSnapshotOnConnect,
	}, logger.With("component", "transport"))

	wOpts := watcher.DefaultOptions()

	co := coordinator.New(t, w, gen, srv, coordinator.Options{
		SourcemapPath:          cfg.SourcemapPath,
		DeleteOrphansOnConnect: cfg.DeleteOrphansOnConnect,
		MapNewFilesToInstances: cfg.MapNewFilesToInstances,
		ScriptExtension:        cfg.ScriptExtension,
		SuffixModuleScripts:    cfg.SuffixModuleScripts,
		IgnorePatterns:         wOpts.IgnorePatterns,
	}, logger.With("component", "coordinator"))

	wOpts.Debounce = cfg.FileWatchDebounce
	watch, err := watcher.New(w.BaseDir(), w, co.HandleWatcherEvent, &wOpts, logger.With("component", "watcher"))
	if err != nil {
		fatal("serve: failed to start watcher: %v", err)
	}

	srv.OnConnect(func() {
		watch.SetPriming(true)
		co.HandleConnect()
		go waitForLive(co, watch)
	})
	srv.OnMessage(co.HandleMessage)
	srv.OnDisconnect(func() {
		watch.SetPriming(false)
		co.HandleDisconnect()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("serve: shutting down")
		cancel()
	}()

	go co.Run(ctx)

	if err := watch.Start(ctx); err != nil {
		fatal("serve: failed to watch %s: %v", w.BaseDir(), err)
	}
	defer watch.Stop()

	logger.Info("serve: listening", "addr", listenAddr(cfg), "syncDir", w.BaseDir())
	if err := srv.ListenAndServe(ctx); err != nil {
		fatal("serve: %v", err)
	}
}

// waitForLive clears the watcher's priming flag once the coordinator
// settles out of Priming, so file adds made by the editor after the
// initial snapshot projection are observed normally again.
func waitForLive(co *coordinator.Coordinator, watch *watcher.Watcher) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		switch co.State() {
		case coordinator.StateLive, coordinator.StateDisconnected, coordinator.StateIdle:
			watch.SetPriming(false)
			return
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
