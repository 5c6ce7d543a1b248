package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	addr       string
	debug      bool

	fromSourcemap string

	packMode        string
	packScriptsOnly bool

	rootCmd = &cobra.Command{
		Use:   "azuld",
		Short: "Bidirectional live sync between Roblox Studio and the local filesystem",
		Long: `azuld mirrors a Roblox Studio DataModel onto a local directory tree of
script files and a Rojo-compatible sourcemap.json, keeping both sides live
while the companion plugin is connected.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the live sync daemon, accepting one editor connection at a time",
		Run:   runServe,
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Materialize the sync directory once, from a live connection or an existing sourcemap",
		Run:   runBuild,
	}

	pushCmd = &cobra.Command{
		Use:   "push",
		Short: "Push the on-disk file tree to a connected editor as a buildSnapshot",
		Run:   runPush,
	}

	packCmd = &cobra.Command{
		Use:   "pack",
		Short: "Request a full property-bearing snapshot and write an enriched sourcemap",
		Run:   runPack,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the azul YAML config file (default: platform user-config location)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "override the listen address (host:port)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVar(&fromSourcemap, "from-sourcemap", "", "materialize from this sourcemap.json instead of waiting for a live connection; guids missing from the file are minted fresh")

	rootCmd.AddCommand(pushCmd)

	rootCmd.AddCommand(packCmd)
	packCmd.Flags().StringVar(&packMode, "mode", "full", "pack mode stamped into the sourcemap's _azul.mode field")
	packCmd.Flags().BoolVar(&packScriptsOnly, "scripts-only", true, "request only scripts and their descendants, skipping plain containers")
}
