package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/codegen"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
)

// EnvRunnerSentinel marks a re-exec of the host binary as a harness
// runner rather than the normal program entry point: the same
// self-re-exec protocol pkg/handler/parallel and pkg/handler/batch use,
// adapted to the harness's argv convention (the work directory as
// os.Args[1]) since a container entrypoint has no live pipe back to
// its launcher.
const EnvRunnerSentinel = "LATTICE_HARNESS_RUNNER"

// runnerResult is the on-disk shape of codegen.ResultFile, restricted
// to the fields the runner itself can populate; start and end times are
// stamped by the harness that invoked this process, not by the runner.
type runnerResult struct {
	Success    bool        `json:"success"`
	Result     codec.Value `json:"result"`
	ErrKind    string      `json:"err_kind"`
	ErrMessage string      `json:"err_message"`
}

// RunIfRequested is the runner-side half of the harness protocol,
// called first thing in main() after registering functions. If
// EnvRunnerSentinel is unset this is a no-op returning false. If set,
// this process IS a spawned runner: it reads codegen.KwargsFile and
// codegen.RunnerFile from the working directory given as os.Args[1],
// resolves File arguments through the blob store unless
// NoResolveInputFiles was declared, invokes the registered function,
// writes codegen.ResultFile, and exits; main() never returns control
// to the caller in that branch.
func RunIfRequested(reg *registry.Registry, blobs blobstore.Store) bool {
	if os.Getenv(EnvRunnerSentinel) != "1" {
		return false
	}
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "lattice: harness runner invoked without a working directory argument")
		os.Exit(1)
	}

	workDir := os.Args[1]
	result := runJob(context.Background(), reg, blobs, workDir)

	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice: harness runner failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(filepath.Join(workDir, codegen.ResultFile), data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "lattice: harness runner failed to write result: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true // unreachable, satisfies the compiler
}

func runJob(ctx context.Context, reg *registry.Registry, blobs blobstore.Store, workDir string) runnerResult {
	kwargsData, err := os.ReadFile(filepath.Join(workDir, codegen.KwargsFile))
	if err != nil {
		return runnerResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "read kwargs: " + err.Error()}
	}

	optsData, err := os.ReadFile(filepath.Join(workDir, codegen.RunnerFile))
	if err != nil {
		return runnerResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "read runner options: " + err.Error()}
	}
	var opts codegen.RunnerOptions
	if err := json.Unmarshal(optsData, &opts); err != nil {
		return runnerResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "decode runner options: " + err.Error()}
	}

	args, err := codec.FromJSON(kwargsData)
	if err != nil {
		return runnerResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "deserialize kwargs: " + err.Error()}
	}

	if !opts.NoResolveInputFiles {
		if args, err = codec.ResolveInputs(ctx, args, blobs); err != nil {
			return runnerResult{ErrKind: string(joberr.KindBlobStoreUnavailable), ErrMessage: err.Error()}
		}
	}

	entry, err := reg.Lookup(opts.FunctionName)
	if err != nil {
		return runnerResult{ErrKind: string(joberr.KindUnknownFunction), ErrMessage: err.Error()}
	}

	result, runErr := invokeSafely(ctx, entry.Fn, args)
	if runErr != nil {
		return runnerResult{ErrKind: string(joberr.KindUserFunctionError), ErrMessage: runErr.Error()}
	}
	return runnerResult{Success: true, Result: result}
}

func invokeSafely(ctx context.Context, fn registry.Function, args codec.Value) (result codec.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in function body: %v", r)
		}
	}()
	return fn(ctx, args)
}
