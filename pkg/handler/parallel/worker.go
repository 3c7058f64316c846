package parallel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
)

// EnvWorkerSentinel marks a re-exec of the host binary as a parallel
// worker child rather than the normal program entry point. Spawning an
// OS-level child process (instead of a goroutine) is what gives the
// parallel handler its isolation guarantee: one crashing job can never
// corrupt the pool.
const EnvWorkerSentinel = "LATTICE_PARALLEL_WORKER"

type workerRequest struct {
	FunctionName    string      `json:"function_name"`
	FunctionVersion string      `json:"function_version"`
	Args            codec.Value `json:"args"`
}

type workerResponse struct {
	Success    bool        `json:"success"`
	Result     codec.Value `json:"result"`
	ErrKind    string      `json:"err_kind"`
	ErrMessage string      `json:"err_message"`
}

// RunWorkerIfRequested is the child-side half of the parallel handler's
// re-exec protocol. A program embedding lattice calls this as the very
// first statement of main(), after registering its functions: if the
// sentinel env var is absent this is a no-op returning false: the
// caller continues on to its normal entry point (e.g. a cobra command
// tree). If present, this process IS a spawned worker: it reads one
// workerRequest from stdin, executes the function via reg, writes one
// workerResponse to stdout, and exits; main() never returns control to
// the caller in that branch.
func RunWorkerIfRequested(reg *registry.Registry) bool {
	if os.Getenv(EnvWorkerSentinel) != "1" {
		return false
	}

	resp := runWorkerRequest(context.Background(), reg, os.Stdin)

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "lattice: worker failed to encode response: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true // unreachable, satisfies the compiler
}

func runWorkerRequest(ctx context.Context, reg *registry.Registry, r io.Reader) workerResponse {
	var req workerRequest
	if err := json.NewDecoder(bufio.NewReader(r)).Decode(&req); err != nil {
		return workerResponse{ErrKind: string(joberr.KindFrameworkError), ErrMessage: "decode request: " + err.Error()}
	}

	entry, err := reg.Lookup(req.FunctionName)
	if err != nil {
		return workerResponse{ErrKind: string(joberr.KindUnknownFunction), ErrMessage: err.Error()}
	}

	result, runErr := invokeSafely(ctx, entry.Fn, req.Args)
	if runErr != nil {
		return workerResponse{ErrKind: string(joberr.KindUserFunctionError), ErrMessage: runErr.Error()}
	}
	return workerResponse{Success: true, Result: result}
}

func invokeSafely(ctx context.Context, fn registry.Function, args codec.Value) (result codec.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in function body: %v", r)
		}
	}()
	return fn(ctx, args)
}
