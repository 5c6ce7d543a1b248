package main

import (
	"fmt"
	"os"

	"github.com/Ransomwave/azul/internal/config"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/writer"
	"github.com/Ransomwave/azul/pkg/logging"
)

// resolveConfig loads the user config, applying any --config override and
// layering the --debug flag on top of whatever the file set. The --addr
// override is applied separately, by listenAddr.
func resolveConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.UserConfigPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
	}

	if debug {
		cfg.DebugMode = true
	}
	return cfg, nil
}

func newLogger(service string, cfg config.Config) *logging.Logger {
	l, err := logging.New(logging.Config{
		Service: service,
		Debug:   cfg.DebugMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging setup: %v\n", err)
	}
	return l
}

// newComponents builds the tree/writer/generator triple every subcommand
// wires into a transport.Server or coordinator.Coordinator.
func newComponents(cfg config.Config, logger *logging.Logger) (*tree.Manager, *writer.Writer, *sourcemap.Generator) {
	t := tree.NewManager(logger.With("component", "tree"))
	w := writer.New(cfg.SyncDir, cfg.ScriptExtension, cfg.SuffixModuleScripts, logger.With("component", "writer"))
	gen := sourcemap.New(logger.With("component", "sourcemap"))
	return t, w, gen
}

// listenAddr honors an explicit --addr override, falling back to the
// config file's port bound on every interface.
func listenAddr(cfg config.Config) string {
	if addr != "" {
		return addr
	}
	return fmt.Sprintf(":%d", cfg.Port)
}

// waitForPeer registers an OnConnect callback on s that signals connected,
// without blocking, whenever an editor connects. It neither starts s nor
// waits; callers select on connected themselves.
func waitForPeer(s *transport.Server, connected chan struct{}) {
	s.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
}
