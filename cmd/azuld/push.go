package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/pkg/logging"
)

func runPush(cmd *cobra.Command, args []string) {
	cfg, err := resolveConfig()
	if err != nil {
		fatal("push: %v", err)
	}
	logger := newLogger("azuld-push", cfg)
	defer logger.Close()

	_, _, gen := newComponents(cfg, logger)

	root, err := gen.Load(cfg.SourcemapPath)
	if err != nil {
		fatal("push: failed to load %s: %v", cfg.SourcemapPath, err)
	}

	var instances []codec.InstanceData
	for _, svc := range root.Children {
		collectPushInstances(svc, nil, "", &instances, logger)
	}

	srv := transport.New(transport.Options{Addr: listenAddr(cfg)}, logger.With("component", "transport"))

	connected := make(chan struct{}, 1)
	waitForPeer(srv, connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	go func() {
		select {
		case <-connected:
			if err := srv.Send(codec.TypeBuildSnapshot, codec.BuildSnapshot{Data: instances}); err != nil {
				logger.Warn("push: failed to send buildSnapshot", "error", err)
			}
			time.Sleep(200 * time.Millisecond) // give the write a moment to flush before tearing down
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("push: waiting for editor connection", "addr", listenAddr(cfg), "instances", len(instances))
	if err := srv.ListenAndServe(ctx); err != nil {
		fatal("push: %v", err)
	}
}

// collectPushInstances walks the sourcemap, reading the current on-disk
// contents of every script node's mapped file back into InstanceData so
// the editor can apply local edits it missed while disconnected.
func collectPushInstances(n *sourcemap.Node, path []string, parentGUID string, out *[]codec.InstanceData, logger *logging.Logger) {
	curPath := append(append([]string(nil), path...), n.Name)

	inst := codec.InstanceData{
		GUID:       n.GUID,
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
	if len(n.FilePaths) > 0 {
		if body, err := os.ReadFile(n.FilePaths[0]); err == nil {
			src := string(body)
			inst.Source = &src
		} else if !os.IsNotExist(err) {
			logger.Warn("push: failed to read script file", "path", n.FilePaths[0])
		}
	}
	*out = append(*out, inst)

	for _, child := range n.Children {
		collectPushInstances(child, curPath, n.GUID, out, logger)
	}
}
