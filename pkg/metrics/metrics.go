package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Network metrics
	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psinet_hosts_total",
			Help: "Total number of active hosts",
		},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "psinet_servers_total",
			Help: "Total number of active servers by role and state",
		},
		[]string{"role", "state"},
	)

	DeletedServersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psinet_deleted_servers_total",
			Help: "Total number of archived servers",
		},
	)

	DiscoverableServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psinet_discoverable_servers",
			Help: "Servers whose discovery range contains the current instant",
		},
	)

	PendingDeployWork = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "psinet_pending_deploy_work",
			Help: "Outstanding deploy work items by kind",
		},
		[]string{"kind"},
	)

	// Deploy metrics
	DeployPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psinet_deploy_phase_duration_seconds",
			Help:    "Deploy phase duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"phase"},
	)

	DeployItemFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_deploy_item_failures_total",
			Help: "Total number of failed deploy items by phase",
		},
		[]string{"phase"},
	)

	DeployRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_deploy_runs_total",
			Help: "Total number of deploy runs by result",
		},
		[]string{"result"},
	)

	// Provider metrics
	ProviderLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_provider_launches_total",
			Help: "Total number of server launches by provider and result",
		},
		[]string{"provider", "result"},
	)

	ProviderRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_provider_removals_total",
			Help: "Total number of provider-side server removals by provider and result",
		},
		[]string{"provider", "result"},
	)

	// Rotation metrics
	ServersAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_servers_added_total",
			Help: "Total number of servers added by role",
		},
		[]string{"role"},
	)

	ServersPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_servers_pruned_total",
			Help: "Total number of pruned servers by action",
		},
		[]string{"action"},
	)

	// Handshake metrics
	HandshakeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psinet_handshake_requests_total",
			Help: "Total number of handshake requests by status",
		},
		[]string{"status"},
	)

	HandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "psinet_handshake_duration_seconds",
			Help:    "Handshake response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DiscoveredServers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "psinet_handshake_discovered_servers",
			Help:    "Number of server entries returned per handshake",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	// Storage metrics
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psinet_store_operation_duration_seconds",
			Help:    "Network store load and save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(DeletedServersTotal)
	prometheus.MustRegister(DiscoverableServers)
	prometheus.MustRegister(PendingDeployWork)
	prometheus.MustRegister(DeployPhaseDuration)
	prometheus.MustRegister(DeployItemFailures)
	prometheus.MustRegister(DeployRunsTotal)
	prometheus.MustRegister(ProviderLaunchesTotal)
	prometheus.MustRegister(ProviderRemovalsTotal)
	prometheus.MustRegister(ServersAdded)
	prometheus.MustRegister(ServersPruned)
	prometheus.MustRegister(HandshakeRequestsTotal)
	prometheus.MustRegister(HandshakeDuration)
	prometheus.MustRegister(DiscoveredServers)
	prometheus.MustRegister(StoreOperationDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
