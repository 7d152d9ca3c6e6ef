package metrics

import (
	"time"

	"github.com/cuemby/overwatch/pkg/types"
)

// StatusSource exposes already-computed startup status
type StatusSource interface {
	Mode() types.ClusterMode
	InProgress() bool
	Outcomes() []types.ServiceOutcome
}

// Collector copies status board values into gauges
type Collector struct {
	source   StatusSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatusSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMode()
	c.collectServices()
}

func (c *Collector) collectMode() {
	current := c.source.Mode()
	for _, mode := range []types.ClusterMode{types.ModeEphemeral, types.ModeStandalone, types.ModeCluster} {
		value := 0.0
		if mode == current {
			value = 1
		}
		ClusterMode.WithLabelValues(string(mode)).Set(value)
	}

	if c.source.InProgress() {
		RunInProgress.Set(1)
	} else {
		RunInProgress.Set(0)
	}
}

func (c *Collector) collectServices() {
	for _, outcome := range c.source.Outcomes() {
		value := 0.0
		if outcome.Succeeded {
			value = 1
		}
		ServiceUp.WithLabelValues(outcome.Service).Set(value)
	}
}
