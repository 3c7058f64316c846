package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	blobfs "github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/compute"
	"github.com/cuemby/lattice/pkg/docstore/bolt"
	"github.com/cuemby/lattice/pkg/harness"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/runtime"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Compute-resource daemon operations",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a compute-resource daemon claiming jobs from the doc store",
	Long: `Start a compute-resource daemon bound to a resource id. It polls
the doc store for QUEUED job documents addressed to that resource id,
claims them via compare-and-swap, executes them locally (optionally
inside a container via the harness), and writes back the outcome.`,
	RunE: runWorkerStart,
}

func init() {
	workerCmd.AddCommand(workerStartCmd)

	workerStartCmd.Flags().String("resource-id", "resource-1", "compute_resource_id this daemon claims work for")
	workerStartCmd.Flags().String("data-dir", "./lattice-worker-data", "Directory for the doc store, blob store and harness temp trees")
	workerStartCmd.Flags().Int("capacity", 4, "Maximum concurrently executing jobs")
	workerStartCmd.Flags().Duration("poll-interval", compute.PollInterval, "Cadence of the claim loop")
	workerStartCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics and /healthz on (empty disables)")
	workerStartCmd.Flags().Bool("containers", false, "Route jobs declaring a container image through the harness/containerd instead of failing them")
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	resourceID, _ := cmd.Flags().GetString("resource-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	capacity, _ := cmd.Flags().GetInt("capacity")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	useContainers, _ := cmd.Flags().GetBool("containers")

	logger := log.WithComponent("worker")

	docs, err := bolt.New(docStoreDirFromEnv(filepath.Join(dataDir, "docstore")))
	if err != nil {
		return fmt.Errorf("open doc store: %w", err)
	}
	metrics.RegisterComponent("docstore", true, "")

	blobDir := filepath.Join(dataDir, "blobs")
	blobs, err := blobfs.New(blobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	var daemon *compute.Daemon
	if useContainers {
		selfPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable path: %w", err)
		}

		useSingularity := useSingularityFromEnv()
		var rt *runtime.Runtime
		if !useSingularity {
			rt, err = runtime.New(os.Getenv("CONTAINERD_SOCKET"))
			if err != nil {
				return fmt.Errorf("connect to containerd (set CONTAINERD_SOCKET if nonstandard, or USE_SINGULARITY=1 to use singularity): %w", err)
			}
			defer rt.Close()
		}

		hns := harness.New(sharedRegistry, rt, harness.Options{
			BlobStorageDir: blobDir,
			BinaryPath:     selfPath,
			KeepTemp:       os.Getenv(harness.EnvDebugKeepTemp) == "1",
			NumWorkers:     numWorkersFromEnv(),
			UseSingularity: useSingularity,
		})
		daemon = compute.NewWithHarness(docs, blobs, sharedRegistry, hns, resourceID, capacity)
	} else {
		daemon = compute.New(docs, blobs, sharedRegistry, resourceID, capacity)
	}

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("docstore", "compute_daemon")
	metrics.RegisterComponent("compute_daemon", true, "claiming jobs for "+resourceID)

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("serving /metrics and /healthz")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("resource_id", resourceID).Int("capacity", capacity).Msg("compute-resource daemon starting")
	runErr := daemon.Run(ctx, pollInterval)

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if runErr != nil && runErr != ctx.Err() {
		return fmt.Errorf("daemon exited: %w", runErr)
	}
	logger.Info().Msg("compute-resource daemon stopped")
	return nil
}
