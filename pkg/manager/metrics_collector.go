package manager

import (
	"time"

	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/metrics"
)

// MetricsCollector periodically snapshots the manager's job table into
// the JobsTotal gauge on a start/stop-channel ticker, one series per
// job status.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a collector for mgr.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{manager: mgr, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a fixed interval.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	counts := map[job.Status]int{
		job.StatusPending:  0,
		job.StatusQueued:   0,
		job.StatusWaiting:  0,
		job.StatusRunning:  0,
		job.StatusFinished: 0,
		job.StatusError:    0,
	}

	c.manager.mu.Lock()
	jobs := make([]*job.Job, 0, len(c.manager.jobs))
	for _, j := range c.manager.jobs {
		jobs = append(jobs, j)
	}
	c.manager.mu.Unlock()

	for _, j := range jobs {
		counts[j.Status()]++
	}
	for status, n := range counts {
		metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
