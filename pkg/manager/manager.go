package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/registry"
)

// PollInterval is how long Wait sleeps between ticks while any of its
// jobs remains non-terminal.
const PollInterval = 10 * time.Millisecond

// Options configures a Manager at construction.
type Options struct {
	// Handlers is keyed by the handler name a job's config frame names
	// ("local", "parallel", "batch", "remote").
	Handlers map[string]handler.Handler

	// Caches is keyed by cache name; the empty name is never looked up
	// (job.CacheName == "" disables caching for that job).
	Caches map[string]cache.Cache

	Registry *registry.Registry
	Config   *config.Stack
}

// Manager is the job manager: the only thing allowed to mutate a
// job's status once it has been submitted.
type Manager struct {
	handlers map[string]handler.Handler
	caches   map[string]cache.Cache
	registry *registry.Registry
	config   *config.Stack
	logger   zerolog.Logger

	mu         sync.Mutex
	jobs       map[string]*job.Job
	intake     []string          // FIFO of job ids awaiting dependency resolution
	ready      []string          // fingerprinted job ids awaiting cache probe/dispatch
	inFlightFP map[string]string // job id -> fingerprint, reserved in a cache and owned by a handler
}

// New builds a Manager. The returned Manager owns none of opts'
// handlers/caches lifecycle; callers are responsible for starting and
// stopping any background daemons those wrap.
func New(opts Options) *Manager {
	return &Manager{
		handlers:   opts.Handlers,
		caches:     opts.Caches,
		registry:   opts.Registry,
		config:     opts.Config,
		logger:     log.WithComponent("manager"),
		jobs:       make(map[string]*job.Job),
		inFlightFP: make(map[string]string),
	}
}

// Submit creates a job under the current configuration frame and
// places it in the intake queue.
func (m *Manager) Submit(functionName, functionVersion, label string, args codec.Value) (*job.Job, error) {
	frame := m.config.Current()

	container, err := m.resolveContainer(functionName, frame)
	if err != nil {
		return nil, err
	}

	j := job.New(uuid.NewString(), functionName, functionVersion, args)
	j.Label = label
	j.Container = container
	j.HandlerName = frame.JobHandler
	j.CacheName = frame.JobCache
	if frame.DownloadResults != nil {
		j.DownloadResults = *frame.DownloadResults
	}
	if frame.JobTimeoutSeconds != nil {
		j.Timeout = time.Duration(*frame.JobTimeoutSeconds * float64(time.Second))
	}

	if err := j.Transition(job.StatusQueued); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.intake = append(m.intake, j.ID)
	m.mu.Unlock()

	metrics.JobsSubmittedTotal.Inc()
	jobLogger := log.ForJob(j.ID, functionName)
	jobLogger.Debug().Str("handler", j.HandlerName).Msg("job submitted")
	return j, nil
}

func (m *Manager) resolveContainer(functionName string, frame config.Frame) (string, error) {
	if frame.Container == nil {
		return "", nil
	}
	switch frame.Container.Mode {
	case config.ContainerNone, config.ContainerInherit:
		return "", nil
	case config.ContainerImage:
		return frame.Container.Image, nil
	case config.ContainerUseDeclared:
		entry, err := m.registry.Lookup(functionName)
		if err != nil {
			return "", err
		}
		return entry.Options.Container, nil
	default:
		return "", joberr.Framework("manager: unknown container mode %v", frame.Container.Mode)
	}
}

// Get returns a previously submitted job by id.
func (m *Manager) Get(id string) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Wait pumps Tick until every job in js reaches a terminal status or
// ctx ends; a deadline on ctx plays the role of an optional timeout.
func (m *Manager) Wait(ctx context.Context, js ...*job.Job) error {
	for {
		done := true
		for _, j := range js {
			if !isTerminal(j.Status()) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if err := m.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// Reset cancels every in-flight job, empties the queues, and
// reinstalls the default configuration.
func (m *Manager) Reset() {
	m.mu.Lock()
	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.jobs = make(map[string]*job.Job)
	m.intake = nil
	m.ready = nil
	m.inFlightFP = make(map[string]string)
	m.mu.Unlock()

	for _, j := range jobs {
		if isTerminal(j.Status()) {
			continue
		}
		if h := m.handlers[j.HandlerName]; h != nil {
			h.Cancel(j.ID)
		}
	}

	m.config.Reset()
}

// Tick runs one iteration of the central scheduling loop.
func (m *Manager) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	m.resolveIntake()
	if err := m.dispatchReady(ctx); err != nil {
		return err
	}
	return m.iterateHandlers(ctx)
}

// resolveIntake is tick step 1: gate each intake job on its upstream
// dependencies, failing, waiting, or fingerprinting it.
func (m *Manager) resolveIntake() {
	m.mu.Lock()
	pending := m.intake
	m.intake = nil
	m.mu.Unlock()

	var stillWaiting []string
	for _, id := range pending {
		switch m.resolveOne(id) {
		case resolveReady:
			m.mu.Lock()
			m.ready = append(m.ready, id)
			m.mu.Unlock()
		case resolveWaiting:
			stillWaiting = append(stillWaiting, id)
		case resolveDone:
			// job failed or errored out during resolution; nothing more to do.
		}
	}

	m.mu.Lock()
	m.intake = append(stillWaiting, m.intake...)
	m.mu.Unlock()
}

type resolveOutcome int

const (
	resolveDone resolveOutcome = iota
	resolveWaiting
	resolveReady
)

func (m *Manager) resolveOne(id string) resolveOutcome {
	j, ok := m.Get(id)
	if !ok {
		return resolveDone
	}

	deps := codec.CollectJobRefs(j.Args)
	upstreamFPs := make(map[string]string, len(deps))
	for _, depID := range deps {
		dep, ok := m.Get(depID)
		if !ok {
			_ = j.Fail(joberr.Framework("unknown upstream job %s", depID), nowRuntimeInfo())
			return resolveDone
		}
		switch dep.Status() {
		case job.StatusFinished:
			fp, _ := dep.Fingerprint()
			upstreamFPs[depID] = fp
		case job.StatusError:
			_ = j.Fail(joberr.Upstream(dep.ID, dep.Err()), nowRuntimeInfo())
			return resolveDone
		default:
			if j.Status() != job.StatusWaiting {
				_ = j.Transition(job.StatusWaiting)
			}
			return resolveWaiting
		}
	}

	resolved := codec.Walk(j.Args, func(leaf codec.Value) (codec.Value, bool) {
		if leaf.Kind != codec.KindJobRef {
			return codec.Value{}, false
		}
		dep, _ := m.Get(leaf.JobRef)
		result, _ := dep.Result()
		return result, true
	})
	j.ResolvedArgs = resolved

	// Fingerprint hashes the *unresolved* argument graph, substituting
	// each upstream JobRef with that upstream's own fingerprint rather
	// than its concrete result (job.Fingerprint's contract): caching
	// keys on the computation, not a snapshot of its output.
	fp, err := job.Fingerprint(j.FunctionName, j.FunctionVersion, j.Container, j.Args, upstreamFPs)
	if err != nil {
		_ = j.Fail(joberr.FrameworkWrap(err), nowRuntimeInfo())
		return resolveDone
	}
	if err := j.SetFingerprint(fp); err != nil {
		_ = j.Fail(joberr.FrameworkWrap(err), nowRuntimeInfo())
		return resolveDone
	}
	return resolveReady
}

// dispatchReady is tick step 2: probe the cache for each fingerprinted
// job and either finish it from cache or offer it to its handler.
func (m *Manager) dispatchReady(ctx context.Context) error {
	m.mu.Lock()
	pending := m.ready
	m.ready = nil
	m.mu.Unlock()

	var requeue []string
	for _, id := range pending {
		j, ok := m.Get(id)
		if !ok || isTerminal(j.Status()) {
			continue
		}
		fp, _ := j.Fingerprint()
		c := m.cacheFor(j.CacheName)

		if c == nil {
			if err := m.dispatchDirect(ctx, j); err != nil {
				if errors.Is(err, handler.ErrAtCapacity) {
					requeue = append(requeue, id)
					continue
				}
				return err
			}
			continue
		}

		result, outcome, err := c.Probe(fp)
		if err != nil {
			return joberr.FrameworkWrap(err)
		}
		metrics.CacheProbesTotal.WithLabelValues(result.String()).Inc()

		switch result {
		case cache.Hit:
			finishFromOutcome(j, outcome)
		case cache.InFlight:
			requeue = append(requeue, id)
		default: // Miss
			ok, err := c.Reserve(fp)
			if err != nil {
				return joberr.FrameworkWrap(err)
			}
			if !ok {
				requeue = append(requeue, id)
				continue
			}
			if err := m.dispatchWithCache(ctx, j, c, fp); err != nil {
				if errors.Is(err, handler.ErrAtCapacity) {
					requeue = append(requeue, id)
					continue
				}
				return err
			}
		}
	}

	m.mu.Lock()
	m.ready = append(m.ready, requeue...)
	m.mu.Unlock()
	return nil
}

func (m *Manager) dispatchDirect(ctx context.Context, j *job.Job) error {
	return m.offer(ctx, j)
}

func (m *Manager) dispatchWithCache(ctx context.Context, j *job.Job, c cache.Cache, fp string) error {
	m.mu.Lock()
	m.inFlightFP[j.ID] = fp
	m.mu.Unlock()

	if err := m.offer(ctx, j); err != nil {
		m.mu.Lock()
		delete(m.inFlightFP, j.ID)
		m.mu.Unlock()
		if relErr := c.ReleaseFailed(fp); relErr != nil {
			fpLogger := log.WithFingerprint(fp)
			fpLogger.Warn().Err(relErr).Msg("failed to release cache reservation")
		}
		return err
	}
	return nil
}

func (m *Manager) offer(ctx context.Context, j *job.Job) error {
	h := m.handlers[j.HandlerName]
	if h == nil {
		return j.Fail(joberr.Framework("no handler registered for %q", j.HandlerName), nowRuntimeInfo())
	}
	metrics.HandlerDispatchTotal.WithLabelValues(j.HandlerName).Inc()
	err := h.Accept(ctx, j)
	if errors.Is(err, handler.ErrAtCapacity) {
		metrics.HandlerAtCapacityTotal.WithLabelValues(j.HandlerName).Inc()
	}
	return err
}

// iterateHandlers is tick step 3: advance every handler's in-flight
// work, then commit or release cache reservations for jobs that
// reached a terminal status.
func (m *Manager) iterateHandlers(ctx context.Context) error {
	m.mu.Lock()
	handlers := make([]handler.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h.Iterate(ctx); err != nil {
			return joberr.FrameworkWrap(err)
		}
	}

	m.mu.Lock()
	inFlight := make(map[string]string, len(m.inFlightFP))
	for id, fp := range m.inFlightFP {
		inFlight[id] = fp
	}
	m.mu.Unlock()

	for id, fp := range inFlight {
		j, ok := m.Get(id)
		if !ok {
			continue
		}
		m.settleCache(j, fp)
	}
	return nil
}

func (m *Manager) settleCache(j *job.Job, fp string) {
	c := m.cacheFor(j.CacheName)
	if c == nil {
		return
	}

	switch j.Status() {
	case job.StatusFinished:
		result, _ := j.Result()
		outcome := cache.Outcome{Result: result, RuntimeInfo: toCacheRuntimeInfo(j.RuntimeInfo())}
		if err := c.Commit(fp, outcome); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("failed to commit cache outcome")
		}
		m.clearInFlight(j.ID)
		metrics.JobsFinishedTotal.WithLabelValues("FINISHED", j.FunctionName).Inc()

	case job.StatusError:
		je, _ := joberr.As(j.Err())
		if je != nil && je.Cached() {
			outcome := cache.Outcome{ErrKind: je.Kind, ErrMessage: je.Message, RuntimeInfo: toCacheRuntimeInfo(j.RuntimeInfo())}
			if err := c.Commit(fp, outcome); err != nil {
				m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("failed to commit cache outcome")
			}
		} else if err := c.ReleaseFailed(fp); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("failed to release cache reservation")
		}
		m.clearInFlight(j.ID)
		metrics.JobsFinishedTotal.WithLabelValues("ERROR", j.FunctionName).Inc()
	}
}

func (m *Manager) clearInFlight(id string) {
	m.mu.Lock()
	delete(m.inFlightFP, id)
	m.mu.Unlock()
}

func (m *Manager) cacheFor(name string) cache.Cache {
	if name == "" {
		return nil
	}
	return m.caches[name]
}

func finishFromOutcome(j *job.Job, outcome cache.Outcome) {
	ri := fromCacheRuntimeInfo(outcome.RuntimeInfo)
	if outcome.ErrKind != "" {
		_ = j.Fail(outcome.Err(), ri)
		return
	}
	_ = j.Finish(outcome.Result, ri)
}

func toCacheRuntimeInfo(ri job.RuntimeInfo) cache.RuntimeInfo {
	return cache.RuntimeInfo{StartTime: ri.StartTime, EndTime: ri.EndTime, TimedOut: ri.TimedOut}
}

func fromCacheRuntimeInfo(ri cache.RuntimeInfo) job.RuntimeInfo {
	return job.RuntimeInfo{StartTime: ri.StartTime, EndTime: ri.EndTime, TimedOut: ri.TimedOut}
}

func nowRuntimeInfo() job.RuntimeInfo {
	now := time.Now()
	return job.RuntimeInfo{StartTime: now, EndTime: now}
}

func isTerminal(s job.Status) bool {
	return s == job.StatusFinished || s == job.StatusError
}
