package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/blobstore"
	blobfs "github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/docstore/bolt"
	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/handler/batch"
	"github.com/cuemby/lattice/pkg/handler/local"
	"github.com/cuemby/lattice/pkg/handler/parallel"
	"github.com/cuemby/lattice/pkg/handler/remote"
	"github.com/cuemby/lattice/pkg/harness"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/manager"
	"github.com/cuemby/lattice/pkg/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run <function>",
	Short: "Submit one job and wait for its result",
	Long: `Submit a single job against the function registered under the
given name, wait for it to reach a terminal status, and print its
result (or error) as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("args", "null", "JSON value to pass as the function's argument")
	runCmd.Flags().String("handler", "local", "Handler to dispatch through: local, parallel, batch, or remote")
	runCmd.Flags().String("resource-id", "resource-1", "compute_resource_id remote jobs are addressed to (remote handler only)")
	runCmd.Flags().String("cache", "", "Cache name to use (empty disables caching)")
	runCmd.Flags().String("container", "", `Container setting: empty/"false" runs uncontained, "true" uses the function's declared image, anything else is used as an explicit image string`)
	runCmd.Flags().Float64("timeout", 0, "Job timeout in seconds (0 disables it)")
	runCmd.Flags().Int("capacity", 4, "Parallel handler worker pool capacity")
	runCmd.Flags().String("data-dir", "./lattice-data", "Directory for blob storage and batch work directories")
	runCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the job to finish")
	runCmd.Flags().StringP("file", "f", "", "Load the function name, args and handler settings from a YAML job spec instead of flags")
}

func runRun(cmd *cobra.Command, args []string) error {
	rawArgs, _ := cmd.Flags().GetString("args")
	handlerName, _ := cmd.Flags().GetString("handler")
	cacheName, _ := cmd.Flags().GetString("cache")
	containerImage, _ := cmd.Flags().GetString("container")
	timeoutSeconds, _ := cmd.Flags().GetFloat64("timeout")
	capacity, _ := cmd.Flags().GetInt("capacity")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	waitFor, _ := cmd.Flags().GetDuration("wait")
	specFile, _ := cmd.Flags().GetString("file")

	var functionName string
	functionVersion := "1.0.0"
	var argVal codec.Value

	if specFile != "" {
		spec, err := LoadJobSpec(specFile)
		if err != nil {
			return err
		}
		functionName = spec.Spec.Function
		if spec.Spec.Version != "" {
			functionVersion = spec.Spec.Version
		}
		argVal, err = codec.Deserialize(spec.Spec.Args)
		if err != nil {
			return fmt.Errorf("decode spec.args: %w", err)
		}
		if spec.Spec.Handler != "" {
			handlerName = spec.Spec.Handler
		}
		if spec.Spec.Cache != "" {
			cacheName = spec.Spec.Cache
		}
		if spec.Spec.Container != "" {
			containerImage = spec.Spec.Container
		}
		if spec.Spec.TimeoutSeconds > 0 {
			timeoutSeconds = spec.Spec.TimeoutSeconds
		}
	} else {
		if len(args) != 1 {
			return fmt.Errorf("run requires a function name argument, or --file with a job spec")
		}
		functionName = args[0]
		var err error
		argVal, err = codec.FromJSON([]byte(rawArgs))
		if err != nil {
			return fmt.Errorf("parse --args: %w", err)
		}
	}

	blobDir := filepath.Join(dataDir, "blobs")
	blobs, err := blobfs.New(blobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	containerFrame, needsRuntime := resolveContainerFlag(containerImage)

	useSingularity := useSingularityFromEnv()
	var rt *runtime.Runtime
	if needsRuntime && !useSingularity {
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

	handlers := map[string]handler.Handler{
		"local":    local.NewContainerAware(sharedRegistry, hns, blobs),
		"parallel": parallel.New(sharedRegistry, capacity),
		"batch":    batch.New(sharedRegistry, batch.NewLocalSubmitter(), filepath.Join(dataDir, "batch"), selfPath),
	}
	if handlerName == "remote" {
		resourceID, _ := cmd.Flags().GetString("resource-id")
		docs, err := bolt.New(docStoreDirFromEnv(filepath.Join(dataDir, "docstore")))
		if err != nil {
			return fmt.Errorf("open doc store: %w", err)
		}
		defer docs.Close()
		handlers["remote"] = remote.New(docs, blobs, resourceID)
	}

	stack := config.NewStack()
	exitFrame := stack.EnterFrame(config.Frame{JobHandler: handlerName, JobCache: cacheName})
	defer exitFrame()

	if containerFrame != nil {
		exitContainer := stack.EnterFrame(config.Frame{Container: containerFrame})
		defer exitContainer()
	}
	if timeoutSeconds > 0 {
		exitTimeout := stack.EnterFrame(config.Frame{JobTimeoutSeconds: &timeoutSeconds})
		defer exitTimeout()
	}

	mgr := manager.New(manager.Options{
		Handlers: handlers,
		Caches:   map[string]cache.Cache{"default": cache.New()},
		Registry: sharedRegistry,
		Config:   stack,
	})

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	j, err := mgr.Submit(functionName, functionVersion, "", argVal)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := mgr.Wait(ctx, j); err != nil {
		return fmt.Errorf("wait: %w", err)
	}

	return printJobOutcome(ctx, j, blobs)
}

func printJobOutcome(ctx context.Context, j *job.Job, blobs blobstore.Store) error {
	if result, ok := j.Result(); ok {
		plain, err := codec.Serialize(ctx, result, blobs)
		if err != nil {
			return fmt.Errorf("serialize result: %w", err)
		}
		out, _ := json.MarshalIndent(map[string]interface{}{"status": string(job.StatusFinished), "result": plain}, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	kind, message := string(joberr.KindFrameworkError), j.Err().Error()
	if je, ok := joberr.As(j.Err()); ok {
		kind, message = string(je.Kind), je.Message
	}
	out, _ := json.MarshalIndent(map[string]interface{}{"status": string(job.StatusError), "error_kind": kind, "error_message": message}, "", "  ")
	fmt.Println(string(out))
	return fmt.Errorf("job ended in error")
}
