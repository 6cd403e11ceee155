package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/psinet-ops/psinet/pkg/events"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultHostConcurrency bounds parallel host pushes and provider calls
const DefaultHostConcurrency = 25

// Phase names, in the order Deploy runs them
const (
	PhaseImplementation   = "implementation"
	PhaseBuilds           = "builds"
	PhaseData             = "data"
	PhaseStatsConfig      = "stats_config"
	PhaseEmailConfig      = "email_config"
	PhaseProviderRemovals = "provider_removals"
	PhaseWebsites         = "websites"
)

// HostDeployer pushes code and data to hosts
type HostDeployer interface {
	DeployImplementation(ctx context.Context, h *types.Host) error
	DeployData(ctx context.Context, h *types.Host, data []byte) error
}

// StatsDeployer pushes the stats-server snapshot
type StatsDeployer interface {
	DeployStats(ctx context.Context, data []byte) error
}

// Publisher produces client builds, websites and the email configuration
type Publisher interface {
	PublishBuild(ctx context.Context, n *psinet.Network, p types.Platform, key types.CampaignKey) error
	PublishEmailConfig(ctx context.Context, n *psinet.Network) error
	PublishWebsite(ctx context.Context, n *psinet.Network, sponsorID string) error
}

// Remover destroys hosts at their provider
type Remover interface {
	SupportsRemoval(provider string) bool
	RemoveHost(ctx context.Context, h *types.Host) error
}

// Checkpointer persists the network between phases
type Checkpointer interface {
	Checkpoint(n *psinet.Network) error
}

// Dependencies are the collaborators of a Driver. A phase whose
// collaborator is nil fails when it has work, leaving its flags set.
// Store and Events may be nil.
type Dependencies struct {
	Hosts     HostDeployer
	Stats     StatsDeployer
	Publisher Publisher
	Providers Remover
	Store     Checkpointer
	Events    *events.Broker
}

// Config tunes a Driver
type Config struct {
	HostConcurrency int
}

// Driver executes the work recorded in a network's dirty flags
type Driver struct {
	deps   Dependencies
	cfg    Config
	logger zerolog.Logger
}

// New creates a Driver
func New(deps Dependencies, cfg Config) *Driver {
	if cfg.HostConcurrency <= 0 {
		cfg.HostConcurrency = DefaultHostConcurrency
	}
	return &Driver{
		deps:   deps,
		cfg:    cfg,
		logger: log.WithComponent("deploy"),
	}
}

type phase struct {
	name string
	run  func(ctx context.Context, n *psinet.Network) (bool, error)
}

// Deploy runs every phase in order. Failed items keep their flags and
// later phases still run; the joined phase errors are returned. With
// nothing pending no collaborator is called.
func (d *Driver) Deploy(ctx context.Context, n *psinet.Network) error {
	if !n.IsLocked() {
		return psinet.ErrNotLocked
	}
	pending := n.Pending()
	if pending.Empty() {
		d.logger.Debug().Msg("Nothing to deploy")
		return nil
	}

	runID := uuid.New().String()
	logger := d.logger.With().Str("run_id", runID).Logger()
	logger.Info().
		Int("implementation_hosts", pending.ImplementationHosts).
		Bool("data", pending.Data).
		Int("builds", pending.Builds).
		Bool("stats_config", pending.StatsConfig).
		Bool("email_config", pending.EmailConfig).
		Int("provider_removals", pending.ProviderRemovals).
		Int("websites", pending.Websites).
		Msg("Deploy started")
	d.deps.Events.Emit(events.EventDeployStarted, "deploy started", map[string]string{"run_id": runID})

	phases := []phase{
		{PhaseImplementation, d.deployImplementation},
		{PhaseBuilds, d.deployBuilds},
		{PhaseData, d.deployData},
		{PhaseStatsConfig, d.deployStatsConfig},
		{PhaseEmailConfig, d.deployEmailConfig},
		{PhaseProviderRemovals, d.removeFromProviders},
		{PhaseWebsites, d.deployWebsites},
	}

	var errs []error
	for _, p := range phases {
		timer := metrics.NewTimer()
		worked, err := p.run(ctx, n)
		if !worked && err == nil {
			continue
		}
		timer.ObserveDurationVec(metrics.DeployPhaseDuration, p.name)

		if err != nil {
			logger.Error().Err(err).Str("phase", p.name).Msg("Deploy phase failed")
			d.deps.Events.Emit(events.EventDeployPhaseFailed, err.Error(), map[string]string{"run_id": runID, "phase": p.name})
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		} else {
			logger.Info().Str("phase", p.name).Dur("duration", timer.Duration()).Msg("Deploy phase completed")
			d.deps.Events.Emit(events.EventDeployPhaseCompleted, p.name, map[string]string{"run_id": runID, "phase": p.name})
		}
		if err := d.checkpoint(n); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.Observe(n)

	err := errors.Join(errs...)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.DeployRunsTotal.WithLabelValues(result).Inc()
	d.deps.Events.Emit(events.EventDeployCompleted, "deploy "+result, map[string]string{"run_id": runID, "result": result})
	logger.Info().Str("result", result).Msg("Deploy finished")
	return err
}

func (d *Driver) checkpoint(n *psinet.Network) error {
	if d.deps.Store == nil {
		return nil
	}
	if err := d.deps.Store.Checkpoint(n); err != nil {
		return fmt.Errorf("failed to checkpoint network: %w", err)
	}
	return nil
}
