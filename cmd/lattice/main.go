package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	blobfs "github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/handler/batch"
	"github.com/cuemby/lattice/pkg/handler/parallel"
	"github.com/cuemby/lattice/pkg/harness"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/registry"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// sharedRegistry is the process-wide function table every subcommand
// dispatches against, plus the three self-re-exec protocols (parallel
// worker, batch worker, harness runner) that make this same binary
// able to play child, batch-trampoline and container-runner roles.
// These checks must run before cobra ever parses a flag: a re-exec'd
// child is invoked with its own sentinel env var set and no subcommand
// of its own.
var sharedRegistry = registry.New()

func main() {
	registerBuiltins(sharedRegistry)

	if parallel.RunWorkerIfRequested(sharedRegistry) {
		return
	}
	if batch.RunWorkerIfRequested(sharedRegistry) {
		return
	}
	// The harness runner needs a blob store rooted at BLOB_STORAGE_DIR;
	// runHarnessIfRequested below wires one up before handing off, since
	// the runner is only ever spawned by this same binary's own
	// container/host harness path.
	runHarnessIfRequested()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lattice",
	Short:   "lattice - a cross-substrate job lifecycle engine",
	Version: Version,
	Long: `lattice turns ordinary registered functions into jobs that run
locally, on a bounded worker pool, on a batch scheduler, or on a remote
compute resource reached through a shared document store, without
changing the function itself.`,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lattice version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runHarnessIfRequested is the harness.RunIfRequested half of the
// self-re-exec protocol; it needs a concrete blob store rooted at
// BLOB_STORAGE_DIR, which the spawning harness always sets for a
// re-exec'd runner. Skipped entirely when the sentinel is unset so a
// normal CLI invocation never touches the filesystem for this.
func runHarnessIfRequested() {
	if os.Getenv(harness.EnvRunnerSentinel) != "1" {
		return
	}
	dir := os.Getenv(harness.EnvBlobStorageDir)
	blobs, err := blobfs.New(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice: harness runner: %v\n", err)
		os.Exit(1)
	}
	harness.RunIfRequested(sharedRegistry, blobs)
}
