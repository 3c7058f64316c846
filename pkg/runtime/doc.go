/*
Package runtime wraps containerd to run one job's generated runner
command to completion inside a container.

The container harness never needs a container to outlive one synchronous
invocation, so this package exposes a single Run that creates a container,
starts its task, waits for it to exit (bounded by the caller's context),
captures stdout and stderr, and always deletes the container and its
snapshot afterward.

# Mounts

Run always mounts the harness's temp working tree read-write and the
blob store directory read-only, plus the host binary read-only when
Spec.BinaryPath is set. Nothing else from the host is visible to the
containerized runner.

# Cancellation

If ctx is cancelled or its deadline expires while the task is running,
Run sends SIGTERM, waits a grace period, then SIGKILL, and still deletes
the container before returning, so a job that times out never leaks a
container.
*/
package runtime
