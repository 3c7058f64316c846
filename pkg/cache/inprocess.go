package cache

import "sync"

// InProcess is the process-local cache backend: a map guarded by a
// mutex, with in-flight tracking folded into the same lock rather than
// a separate singleflight group, since Reserve/Commit/ReleaseFailed
// already serialize on fp through the job manager's single-threaded
// tick.
type InProcess struct {
	mu        sync.Mutex
	committed map[string]Outcome
	inFlight  map[string]struct{}
}

var _ Cache = (*InProcess)(nil)

// New creates an empty in-process cache.
func New() *InProcess {
	return &InProcess{
		committed: make(map[string]Outcome),
		inFlight:  make(map[string]struct{}),
	}
}

func (c *InProcess) Probe(fp string) (ProbeResult, Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o, ok := c.committed[fp]; ok {
		return Hit, o, nil
	}
	if _, ok := c.inFlight[fp]; ok {
		return InFlight, Outcome{}, nil
	}
	return Miss, Outcome{}, nil
}

func (c *InProcess) Reserve(fp string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.committed[fp]; ok {
		return false, nil
	}
	if _, ok := c.inFlight[fp]; ok {
		return false, nil
	}
	c.inFlight[fp] = struct{}{}
	return true, nil
}

func (c *InProcess) Commit(fp string, outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, fp)
	c.committed[fp] = outcome
	return nil
}

func (c *InProcess) ReleaseFailed(fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, fp)
	return nil
}
