package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/config"
	"github.com/Ransomwave/azul/internal/coordinator"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/watcher"
	"github.com/Ransomwave/azul/internal/writer"
	"github.com/Ransomwave/azul/pkg/logging"
)

func runBuild(cmd *cobra.Command, args []string) {
	cfg, err := resolveConfig()
	if err != nil {
		fatal("build: %v", err)
	}
	logger := newLogger("azuld-build", cfg)
	defer logger.Close()

	t, w, gen := newComponents(cfg, logger)

	if fromSourcemap != "" {
		buildFromSourcemap(fromSourcemap, t, w, gen, cfg, logger)
		return
	}

	srv := transport.New(transport.Options{
		Addr:                     listenAddr(cfg),
		RequestSnapshotOnConnect: true,
	}, logger.With("component", "transport"))

	co := coordinator.New(t, w, gen, srv, coordinator.Options{
		SourcemapPath:          cfg.SourcemapPath,
		DeleteOrphansOnConnect: cfg.DeleteOrphansOnConnect,
		IgnorePatterns:         watcher.DefaultOptions().IgnorePatterns,
	}, logger.With("component", "coordinator"))

	srv.OnConnect(co.HandleConnect)
	srv.OnMessage(co.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go co.Run(ctx)

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if co.State() == coordinator.StateLive {
				cancel()
				return
			}
		}
	}()

	logger.Info("build: waiting for editor connection", "addr", listenAddr(cfg))
	if err := srv.ListenAndServe(ctx); err != nil {
		fatal("build: %v", err)
	}
	logger.Info("build: sync directory and sourcemap written", "syncDir", w.BaseDir())
}

// buildFromSourcemap materializes the sync directory directly from an
// existing sourcemap.json, skipping the live connection entirely. Any
// node missing a guid (a hand-authored or externally produced sourcemap)
// gets one minted for this run only: the minted guid is written into the
// freshly generated sourcemap.json but never back into path itself, so
// re-running build against the same input mints fresh guids again rather
// than reusing the prior run's.
func buildFromSourcemap(path string, t *tree.Manager, w *writer.Writer, gen *sourcemap.Generator, cfg config.Config, logger *logging.Logger) {
	root, err := gen.Load(path)
	if err != nil {
		fatal("build: failed to load %s: %v", path, err)
	}

	var instances []codec.InstanceData
	for _, svc := range root.Children {
		mintInstances(svc, nil, "", &instances)
	}

	if errs := t.ApplyFullSnapshot(instances); len(errs) > 0 {
		for _, e := range errs {
			logger.Warn("build: snapshot inconsistency", "error", e)
		}
	}
	for _, e := range w.WriteTree(t.GetAllNodes()) {
		logger.Warn("build: write error", "error", e)
	}

	out, _ := t.GetRoot()
	mappings := make(map[string]writer.Mapping)
	for _, m := range w.Mappings() {
		mappings[m.GUID] = m
	}
	generated := gen.Generate(out, t.GetAllNodes(), mappings)
	if err := gen.Write(generated, cfg.SourcemapPath); err != nil {
		fatal("build: failed to write sourcemap: %v", err)
	}

	logger.Info("build: materialized from sourcemap", "source", path, "syncDir", w.BaseDir())
}

// mintInstances walks a sourcemap tree into the flat InstanceData shape
// the tree manager expects, minting a fresh guid for any node that
// arrived without one.
func mintInstances(n *sourcemap.Node, path []string, parentGUID string, out *[]codec.InstanceData) {
	guid := n.GUID
	if guid == "" {
		guid = uuid.NewString()
	}
	curPath := append(append([]string(nil), path...), n.Name)

	inst := codec.InstanceData{
		GUID:       guid,
		ClassName:  n.ClassName,
		Name:       n.Name,
		Path:       curPath,
		Properties: n.Properties,
		Attributes: n.Attributes,
	}
	if parentGUID != "" {
		pg := parentGUID
		inst.ParentGUID = &pg
	}
	*out = append(*out, inst)

	for _, child := range n.Children {
		mintInstances(child, curPath, guid, out)
	}
}
