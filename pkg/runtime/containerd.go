package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace lattice's harness runs in.
	Namespace = "lattice"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// KillGrace is how long Run waits after SIGTERM before escalating
	// to SIGKILL on cancellation.
	KillGrace = 5 * time.Second
)

// Runtime is a containerd client scoped to running harness jobs.
type Runtime struct {
	client *containerd.Client
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}
	return &Runtime{client: client}, nil
}

// Close releases the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// MountWorkDir, MountBlobDir and MountBinary are the in-container paths
// Run binds Spec.WorkDir, Spec.BlobDir and Spec.BinaryPath to.
const (
	MountWorkDir = "/lattice/work"
	MountBlobDir = "/lattice/blobs"
	MountBinary  = "/lattice/bin/lattice"
)

// Spec describes one synchronous container invocation.
type Spec struct {
	Image      string   // OCI image reference
	Args       []string // entrypoint + args run inside the container
	Env        []string // KEY=VALUE pairs
	WorkDir    string   // host path bind-mounted read-write at MountWorkDir
	BlobDir    string   // host path bind-mounted read-only at MountBlobDir
	BinaryPath string   // host binary bind-mounted read-only at MountBinary; empty skips the mount
}

// Result is the outcome of one Run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Killed   bool // true if ctx ended and Run had to terminate the task
}

// Run creates a container from spec, starts its task, waits for exit
// (or for ctx to end), and always deletes the container and its
// snapshot before returning. It never
// leaves a container running past one call, whether the task
// finished, failed, or had to be killed.
func (r *Runtime) Run(ctx context.Context, jobID string, spec Spec) (Result, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return Result{}, fmt.Errorf("runtime: pull image %s: %w", spec.Image, err)
		}
	}

	mounts := []specs.Mount{
		{Source: spec.WorkDir, Destination: MountWorkDir, Type: "bind", Options: []string{"rw", "bind"}},
		{Source: spec.BlobDir, Destination: MountBlobDir, Type: "bind", Options: []string{"ro", "bind"}},
	}
	if spec.BinaryPath != "" {
		mounts = append(mounts, specs.Mount{
			Source: spec.BinaryPath, Destination: MountBinary, Type: "bind", Options: []string{"ro", "bind"},
		})
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithProcessArgs(spec.Args...),
		oci.WithMounts(mounts),
	}

	containerID := "lattice-" + jobID
	ctr, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return Result{}, fmt.Errorf("runtime: create container: %w", err)
	}
	defer func() {
		_ = ctr.Delete(context.Background(), containerd.WithSnapshotCleanup)
	}()

	var stdout, stderr bytes.Buffer
	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return Result{}, fmt.Errorf("runtime: create task: %w", err)
	}
	defer func() { _, _ = task.Delete(context.Background()) }()

	statusC, err := task.Wait(context.Background())
	if err != nil {
		return Result{}, fmt.Errorf("runtime: wait task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("runtime: start task: %w", err)
	}

	select {
	case status := <-statusC:
		return Result{ExitCode: int(status.ExitCode()), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	case <-ctx.Done():
		return r.killTask(task, statusC, stdout.String(), stderr.String())
	}
}

func (r *Runtime) killTask(task containerd.Task, statusC <-chan containerd.ExitStatus, stdout, stderr string) (Result, error) {
	killCtx := namespaces.WithNamespace(context.Background(), Namespace)
	_ = task.Kill(killCtx, syscall.SIGTERM)

	select {
	case status := <-statusC:
		return Result{ExitCode: int(status.ExitCode()), Stdout: stdout, Stderr: stderr, Killed: true}, nil
	case <-time.After(KillGrace):
		_ = task.Kill(killCtx, syscall.SIGKILL)
		<-statusC
		return Result{ExitCode: -1, Stdout: stdout, Stderr: stderr, Killed: true}, nil
	}
}
