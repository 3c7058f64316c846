/*
Package log provides structured logging for lattice using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Contextual Loggers                 │           │
	│  │  - WithComponent("manager")                │           │
	│  │  - ForJob("job-01H...", "sumsqr")          │           │
	│  │  - WithFingerprint("sha256:ab12...")       │           │
	│  │  - WithComputeResource("resource-1")       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                      │           │
	│  │  JSON for machines, console for humans     │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# Usage

Initialize the logger once at process startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Components derive child loggers that stamp every event with the field
identifying their slice of the system:

	logger := log.WithComponent("manager")
	logger.Info().Str("job_id", id).Msg("job submitted")

Job-scoped code paths prefer the job-aware constructor so that one job's
events can be isolated from an interleaved stream:

	jl := log.ForJob(job.ID, job.FunctionName)
	jl.Debug().Str("status", "RUNNING").Msg("handler accepted job")

The compute-resource daemon tags everything it claims with its resource id:

	wl := log.WithComputeResource(resourceID)
	wl.Info().Str("doc_id", doc.JobID).Msg("claimed job document")

# Field conventions

Events carry snake_case field names matching the doc-store schema so that
log lines and job documents can be joined during an incident:

	component            which subsystem emitted the event
	job_id               the job's stable identifier
	fingerprint          the job's content-addressed cache key
	compute_resource_id  the daemon that claimed the work
	status               a job status lattice value

An implicit default logger at info level is installed at package load so
that libraries and tests may log before the CLI calls Init; Init replaces
it wholesale.
*/
package log
