package metrics

import (
	"sync"
	"time"

	"github.com/psinet-ops/psinet/pkg/psinet"
)

// Source returns the network to report on, or nil if none is loaded yet
type Source func() *psinet.Network

// Collector periodically publishes gauges describing a network
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector polling source every interval
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect updates every gauge from the current network
func (c *Collector) Collect() {
	n := c.source()
	if n == nil {
		return
	}
	Observe(n)
}

// Observe sets the network gauges from n
func Observe(n *psinet.Network) {
	HostsTotal.Set(float64(len(n.Hosts)))
	DeletedServersTotal.Set(float64(len(n.DeletedServers)))

	now := n.Now()
	ServersTotal.Reset()
	discoverable := 0
	for _, s := range n.Servers {
		state := "active"
		if !s.Capabilities.Serving() {
			state = "disabled"
		}
		ServersTotal.WithLabelValues(string(s.Role()), state).Inc()
		if s.DiscoveryDateRange.Contains(now) {
			discoverable++
		}
	}
	DiscoverableServers.Set(float64(discoverable))

	pending := n.Pending()
	PendingDeployWork.WithLabelValues("implementation").Set(float64(pending.ImplementationHosts))
	PendingDeployWork.WithLabelValues("data").Set(boolToFloat(pending.Data))
	PendingDeployWork.WithLabelValues("builds").Set(float64(pending.Builds))
	PendingDeployWork.WithLabelValues("stats").Set(boolToFloat(pending.StatsConfig))
	PendingDeployWork.WithLabelValues("email").Set(boolToFloat(pending.EmailConfig))
	PendingDeployWork.WithLabelValues("websites").Set(float64(pending.Websites))
	PendingDeployWork.WithLabelValues("provider_removals").Set(float64(pending.ProviderRemovals))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
