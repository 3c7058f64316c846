/*
Package manager implements the job manager: the central tick that owns
every job's status, gates jobs on their dependencies, consults the cache,
and dispatches ready work onto the configured handlers.

It is a single-process scheduler. There is no replicated state: one job
table, mutated exclusively inside Tick, with remote coordination delegated
to the doc store's compare-and-swap operations.

# Tick

Tick runs a four-step loop:

 1. Resolve each intake job's dependency set; fail jobs with a failed
    upstream, leave others WAITING until every upstream is FINISHED,
    then resolve arguments and compute the fingerprint.
 2. Probe the cache for each fingerprint-ready job: HIT finishes the
    job immediately, IN_FLIGHT requeues it for the next tick, MISS
    reserves the fingerprint and offers the job to its handler.
 3. Call Iterate on every handler, then commit or release cache
    reservations for jobs that reached a terminal status.
 4. Callers parked in Wait observe termination through Job.Done, which
    Job.Transition closes directly; the manager doesn't need to wake
    them explicitly.

# Concurrency

The job table is mutated only inside Tick; handlers may run OS-level
workers internally, but the manager only talks to them at Accept/Iterate
boundaries. Manager's own mutex only protects its bookkeeping maps (jobs,
intake, ready, in-flight fingerprints), never held across a handler call.
*/
package manager
