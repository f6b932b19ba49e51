package metrics

import (
	"time"

	"github.com/nazq/tei-manager/pkg/types"
)

// Registry is the subset of the registry the collector polls.
type Registry interface {
	List() []types.WorkerView
}

// Pool is the subset of the backend pool the collector polls.
type Pool interface {
	Size() int
}

// Collector periodically snapshots registry and pool state into the
// gauge metrics that a point-in-time scrape cannot derive from counters
// alone.
type Collector struct {
	registry Registry
	pool     Pool
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector. pool may be nil if the
// caller has not constructed the backend pool yet.
func NewCollector(reg Registry, pool Pool) *Collector {
	return &Collector{
		registry: reg,
		pool:     pool,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a ticker.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		c.collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for its goroutine to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectPoolMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	views := c.registry.List()

	counts := map[types.Status]int{
		types.StatusCreated:  0,
		types.StatusStarting: 0,
		types.StatusRunning:  0,
		types.StatusStopping: 0,
		types.StatusStopped:  0,
		types.StatusFailed:   0,
	}
	for _, view := range views {
		counts[view.Runtime.Status]++
	}
	for status, count := range counts {
		InstancesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectPoolMetrics() {
	if c.pool == nil {
		return
	}
	PoolConnectionsTotal.Set(float64(c.pool.Size()))
}
