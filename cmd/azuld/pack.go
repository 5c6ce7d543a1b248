package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/packer"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
)

func runPack(cmd *cobra.Command, args []string) {
	cfg, err := resolveConfig()
	if err != nil {
		fatal("pack: %v", err)
	}
	logger := newLogger("azuld-pack", cfg)
	defer logger.Close()

	_, _, gen := newComponents(cfg, logger)

	var existing *sourcemap.Node
	if root, err := gen.Load(cfg.SourcemapPath); err == nil {
		existing = root
	}

	srv := transport.New(transport.Options{Addr: listenAddr(cfg)}, logger.With("component", "transport"))

	connected := make(chan struct{}, 1)
	waitForPeer(srv, connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	p := packer.New(logger.With("component", "packer"))
	resultCh := make(chan *sourcemap.Node, 1)
	errCh := make(chan error, 1)

	go func() {
		select {
		case <-connected:
		case <-ctx.Done():
			return
		}
		root, err := p.Pack(ctx, srv, packMode, packScriptsOnly, existing)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- root
	}()

	go func() {
		logger.Info("pack: waiting for editor connection", "addr", listenAddr(cfg))
		if err := srv.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case root := <-resultCh:
		if err := gen.Write(root, cfg.SourcemapPath); err != nil {
			fatal("pack: failed to write sourcemap: %v", err)
		}
		cancel()
		logger.Info("pack: wrote enriched sourcemap", "path", cfg.SourcemapPath)
	case err := <-errCh:
		cancel()
		fatal("pack: %v", err)
	case <-ctx.Done():
		fatal("pack: timed out waiting for editor")
	}
}
