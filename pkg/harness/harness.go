// Package harness implements the container harness: it materializes a
// code bundle into a fresh temp tree, executes a generated runner entry
// point either inside a container or directly in the host process
// group, and parses the runner's result document back into a
// (success, result, runtime_info, error) tuple.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/codegen"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/registry"
	"github.com/cuemby/lattice/pkg/runtime"
)

// EnvBlobStorageDir, EnvUseSingularity, EnvDebugKeepTemp and
// EnvNumWorkers are the enumerated environment variables propagated
// into (or consulted around) a harness invocation. They are read
// exactly once at harness construction, never re-read per call.
const (
	EnvBlobStorageDir = "BLOB_STORAGE_DIR"
	EnvUseSingularity = "USE_SINGULARITY"
	EnvDebugKeepTemp  = "DEBUG_KEEP_TEMP"
	EnvNumWorkers     = "NUM_WORKERS"
)

// Options configures a Harness at construction.
type Options struct {
	// BlobStorageDir is the directory a spawned runner mounts/reads
	// blobs from. If empty, Run aborts before starting anything.
	BlobStorageDir string

	// BinaryPath is the lattice binary re-exec'd as the runner, both
	// for the host-process path and as the container's entrypoint.
	BinaryPath string

	// KeepTemp retains the materialized temp tree after Run returns,
	// for inspection.
	KeepTemp bool

	// NumWorkers is propagated into the runner's environment as
	// LATTICE_NUM_WORKERS; it has no effect on the harness itself.
	NumWorkers int

	// UseSingularity runs container invocations by shelling out to the
	// singularity CLI instead of talking to containerd, so a harness can
	// run container jobs on hosts (HPC login/compute nodes, typically)
	// where no containerd daemon is available.
	UseSingularity bool
}

// Harness runs one job's function body to completion in an isolated
// tree, optionally inside a container.
type Harness struct {
	registry *registry.Registry
	runtime  *runtime.Runtime // nil when no container runtime is configured
	opts     Options
}

// New builds a harness. rt may be nil: harness invocations for
// uncontained jobs (job.Container == "") never need one, and a
// container invocation with rt == nil fails with a FrameworkError
// rather than panicking.
func New(reg *registry.Registry, rt *runtime.Runtime, opts Options) *Harness {
	return &Harness{registry: reg, runtime: rt, opts: opts}
}

// Result is the harness's result document.
type Result struct {
	Retval      codec.Value
	Success     bool
	RuntimeInfo RuntimeInfo
	Error       *joberr.Error
}

// RuntimeInfo is the result document's runtime_info field.
type RuntimeInfo struct {
	StartTime  time.Time
	EndTime    time.Time
	Stdout     string
	Stderr     string
	ConsoleOut string
	TimedOut   bool
}

// Invocation carries everything Run needs for one job.
type Invocation struct {
	FunctionName        string
	FunctionVersion     string
	Args                codec.Value
	Container           string // image ref; "" means run in the host process group
	NoResolveInputFiles bool
	Timeout             time.Duration // zero means no timeout
}

// Run executes inv to completion: materialize bundle, run, parse
// result.
func (h *Harness) Run(ctx context.Context, blobs blobstore.Store, inv Invocation) (Result, error) {
	if h.opts.BlobStorageDir == "" {
		return Result{}, joberr.Framework("harness: %s is unset", EnvBlobStorageDir)
	}

	entry, err := h.registry.Lookup(inv.FunctionName)
	if err != nil {
		return Result{}, err
	}

	workDir, err := os.MkdirTemp("", "lattice-harness-")
	if err != nil {
		return Result{}, joberr.FrameworkWrap(fmt.Errorf("create temp tree: %w", err))
	}
	defer h.cleanup(workDir)

	bundle, err := codegen.Build(ctx, entry, inv.Args, blobs, codegen.RunnerOptions{
		FunctionName:        inv.FunctionName,
		FunctionVersion:     inv.FunctionVersion,
		NoResolveInputFiles: inv.NoResolveInputFiles,
		BlobStorageDir:      h.opts.BlobStorageDir,
	})
	if err != nil {
		return Result{}, joberr.FrameworkWrap(err)
	}
	if err := bundle.Write(workDir); err != nil {
		return Result{}, joberr.FrameworkWrap(err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	start := time.Now()
	var stdout, stderr string
	var timedOut bool

	if inv.Container != "" {
		stdout, stderr, timedOut, err = h.runContainer(runCtx, workDir, inv)
	} else {
		stdout, stderr, timedOut, err = h.runHost(runCtx, workDir, inv)
	}
	end := time.Now()

	ri := RuntimeInfo{StartTime: start, EndTime: end, Stdout: stdout, Stderr: stderr, TimedOut: timedOut}

	if timedOut {
		return Result{RuntimeInfo: ri}, joberr.TimedOut(inv.Timeout.String())
	}
	if err != nil {
		return Result{RuntimeInfo: ri}, err
	}

	resultPath := filepath.Join(workDir, codegen.ResultFile)
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return Result{RuntimeInfo: ri}, joberr.Framework("run exited without a result file: %v", err)
	}

	var doc runnerResult
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{RuntimeInfo: ri}, joberr.FrameworkWrap(fmt.Errorf("parse result document: %w", err))
	}

	if !doc.Success {
		je := &joberr.Error{Kind: joberr.Kind(doc.ErrKind), Message: doc.ErrMessage, Stderr: stderr}
		return Result{RuntimeInfo: ri, Error: je}, je
	}
	return Result{Retval: doc.Result, Success: true, RuntimeInfo: ri}, nil
}

func (h *Harness) cleanup(workDir string) {
	if h.opts.KeepTemp {
		logger := log.WithComponent("harness")
		logger.Info().Str("work_dir", workDir).Msg("retaining temp tree (debug flag set)")
		return
	}
	_ = os.RemoveAll(workDir)
}

// runHost executes the runner directly in the host process group,
// used when the invocation names no image.
func (h *Harness) runHost(ctx context.Context, workDir string, inv Invocation) (stdout, stderr string, timedOut bool, err error) {
	cmd := exec.CommandContext(ctx, h.opts.BinaryPath, workDir)
	cmd.Env = append(os.Environ(),
		EnvRunnerSentinel+"=1",
		fmt.Sprintf("%s=%s", EnvBlobStorageDir, h.opts.BlobStorageDir),
		fmt.Sprintf("LATTICE_NUM_WORKERS=%d", h.opts.NumWorkers),
	)
	var out, errBuf pipeBuffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), errBuf.String(), true, nil
	}
	if runErr != nil {
		if _, statErr := os.Stat(filepath.Join(workDir, codegen.ResultFile)); statErr != nil {
			return out.String(), errBuf.String(), false, joberr.Framework("runner exited without a result file: %v", runErr)
		}
	}
	return out.String(), errBuf.String(), false, nil
}

// runContainer executes the runner inside a container, mounting workDir
// read-write, the blob store read-only, and the runner binary itself
// read-only (the image carries user code dependencies, not lattice).
func (h *Harness) runContainer(ctx context.Context, workDir string, inv Invocation) (stdout, stderr string, timedOut bool, err error) {
	if h.opts.UseSingularity {
		return h.runSingularity(ctx, workDir, inv)
	}
	if h.runtime == nil {
		return "", "", false, joberr.Framework("harness: job declares container %q but no container runtime is configured", inv.Container)
	}

	spec := runtime.Spec{
		Image:      inv.Container,
		Args:       []string{runtime.MountBinary, runtime.MountWorkDir},
		WorkDir:    workDir,
		BlobDir:    h.opts.BlobStorageDir,
		BinaryPath: h.opts.BinaryPath,
		Env: []string{
			EnvRunnerSentinel + "=1",
			fmt.Sprintf("%s=%s", EnvBlobStorageDir, runtime.MountBlobDir),
			fmt.Sprintf("LATTICE_NUM_WORKERS=%d", h.opts.NumWorkers),
		},
	}

	res, runErr := h.runtime.Run(ctx, inv.FunctionName, spec)
	if runErr != nil {
		return "", "", false, joberr.FrameworkWrap(runErr)
	}
	if res.Killed {
		return res.Stdout, res.Stderr, true, nil
	}
	if res.ExitCode != 0 {
		if _, statErr := os.Stat(filepath.Join(workDir, codegen.ResultFile)); statErr != nil {
			return res.Stdout, res.Stderr, false, joberr.Framework("container exited %d without a result file", res.ExitCode)
		}
	}
	return res.Stdout, res.Stderr, false, nil
}

// runSingularity executes the runner via the singularity CLI with the
// same three binds the containerd path mounts. Environment reaches the
// contained process through SINGULARITYENV_-prefixed variables.
func (h *Harness) runSingularity(ctx context.Context, workDir string, inv Invocation) (stdout, stderr string, timedOut bool, err error) {
	args := []string{
		"exec",
		"--cleanenv",
		"--bind", workDir + ":" + runtime.MountWorkDir,
		"--bind", h.opts.BlobStorageDir + ":" + runtime.MountBlobDir + ":ro",
		"--bind", h.opts.BinaryPath + ":" + runtime.MountBinary + ":ro",
		inv.Container,
		runtime.MountBinary, runtime.MountWorkDir,
	}
	cmd := exec.CommandContext(ctx, "singularity", args...)
	cmd.Env = append(os.Environ(),
		"SINGULARITYENV_"+EnvRunnerSentinel+"=1",
		fmt.Sprintf("SINGULARITYENV_%s=%s", EnvBlobStorageDir, runtime.MountBlobDir),
		fmt.Sprintf("SINGULARITYENV_LATTICE_NUM_WORKERS=%d", h.opts.NumWorkers),
	)
	var out, errBuf pipeBuffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), errBuf.String(), true, nil
	}
	if runErr != nil {
		if _, statErr := os.Stat(filepath.Join(workDir, codegen.ResultFile)); statErr != nil {
			return out.String(), errBuf.String(), false, joberr.Framework("singularity exited without a result file: %v", runErr)
		}
	}
	return out.String(), errBuf.String(), false, nil
}

type pipeBuffer struct{ data []byte }

func (p *pipeBuffer) Write(b []byte) (int, error) {
	p.data = append(p.data, b...)
	return len(b), nil
}

func (p *pipeBuffer) String() string { return string(p.data) }
