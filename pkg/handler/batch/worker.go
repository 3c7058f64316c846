package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
)

// EnvWorkerSentinel marks a re-exec of the host binary as the process a
// trampoline script launches once the external scheduler has started
// its submission. Unlike the parallel handler's worker (talked to over
// a live pipe), a batch job may start minutes after
// Accept returns, so its request/response travel through the working
// directory rather than stdin/stdout.
const EnvWorkerSentinel = "LATTICE_BATCH_WORKER"

// kwargsFile and resultFile are the two files a batch working directory
// always contains.
const (
	kwargsFile = "kwargs.json"
	resultFile = "result.json"
)

type batchResult struct {
	Success    bool        `json:"success"`
	Result     codec.Value `json:"result"`
	ErrKind    string      `json:"err_kind"`
	ErrMessage string      `json:"err_message"`
}

type kwargsDoc struct {
	FunctionName    string      `json:"function_name"`
	FunctionVersion string      `json:"function_version"`
	Args            codec.Value `json:"args"`
}

// RunWorkerIfRequested is the trampoline-side half of the batch
// protocol: called first thing in main(), it checks EnvWorkerSentinel
// and, if the process was launched as a batch worker, reads
// kwargs.json from the working directory given as os.Args[1], executes
// the function, writes result.json, and exits.
func RunWorkerIfRequested(reg *registry.Registry) bool {
	if os.Getenv(EnvWorkerSentinel) != "1" {
		return false
	}
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "lattice: batch worker invoked without a working directory argument")
		os.Exit(1)
	}

	workDir := os.Args[1]
	result := runBatchJob(context.Background(), reg, workDir)

	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice: batch worker failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(workDir+"/"+resultFile, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "lattice: batch worker failed to write result: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true // unreachable, satisfies the compiler
}

func runBatchJob(ctx context.Context, reg *registry.Registry, workDir string) batchResult {
	data, err := os.ReadFile(workDir + "/" + kwargsFile)
	if err != nil {
		return batchResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "read kwargs: " + err.Error()}
	}

	var doc kwargsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return batchResult{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "decode kwargs: " + err.Error()}
	}

	entry, err := reg.Lookup(doc.FunctionName)
	if err != nil {
		return batchResult{ErrKind: string(joberr.KindUnknownFunction), ErrMessage: err.Error()}
	}

	result, runErr := invokeSafely(ctx, entry.Fn, doc.Args)
	if runErr != nil {
		return batchResult{ErrKind: string(joberr.KindUserFunctionError), ErrMessage: runErr.Error()}
	}
	return batchResult{Success: true, Result: result}
}

func invokeSafely(ctx context.Context, fn registry.Function, args codec.Value) (result codec.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in function body: %v", r)
		}
	}()
	return fn(ctx, args)
}
