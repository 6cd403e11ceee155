/*
Package metrics provides Prometheus metrics and health endpoints for the
network operations tools and the handshake server.

All metrics are package-level collectors registered with the default
Prometheus registry at init and exposed through Handler.

# Metrics Catalog

Network state, refreshed by Observe and the periodic Collector:

  - psinet_hosts_total: active hosts
  - psinet_servers_total{role, state}: active servers by role
    (embedded, permanent, discovery, propagation) and state
  - psinet_deleted_servers_total: archived servers
  - psinet_discoverable_servers: servers whose discovery range contains now
  - psinet_pending_deploy_work{kind}: outstanding deploy work items

Deploy:

  - psinet_deploy_phase_duration_seconds{phase}
  - psinet_deploy_item_failures_total{phase}
  - psinet_deploy_runs_total{result}

Providers and rotation:

  - psinet_provider_launches_total{provider, result}
  - psinet_provider_removals_total{provider, result}
  - psinet_servers_added_total{role}
  - psinet_servers_pruned_total{action}

Handshake server:

  - psinet_handshake_requests_total{status}
  - psinet_handshake_duration_seconds
  - psinet_handshake_discovered_servers

Storage:

  - psinet_store_operation_duration_seconds{operation}

# Usage

	timer := metrics.NewTimer()
	err := runPhase(ctx)
	timer.ObserveDurationVec(metrics.DeployPhaseDuration, "data")

Health and readiness are tracked per component:

	metrics.RegisterComponent(metrics.ComponentSnapshot, false, "not loaded")
	metrics.UpdateComponent(metrics.ComponentSnapshot, true, "")
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())

Readiness requires ComponentSnapshot and ComponentHandshake to be registered
and healthy. Other components only affect /health.
*/
package metrics
