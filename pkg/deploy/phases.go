package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psinet-ops/psinet/pkg/compartment"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
	"golang.org/x/sync/errgroup"
)

func errMissing(collaborator string) error {
	return fmt.Errorf("no %s configured", collaborator)
}

// fanOut runs fn for every host with bounded concurrency. It returns the
// ids of the hosts that succeeded, sorted, and the joined failures.
func (d *Driver) fanOut(ctx context.Context, phase string, hosts []*types.Host, fn func(context.Context, *types.Host) error) ([]string, error) {
	var (
		mu   sync.Mutex
		done []string
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(d.cfg.HostConcurrency)
	for _, h := range hosts {
		g.Go(func() error {
			err := fn(ctx, h)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.DeployItemFailures.WithLabelValues(phase).Inc()
				d.logger.Error().Err(err).Str("phase", phase).Str("host_id", h.ID).Msg("Host push failed")
				errs = append(errs, fmt.Errorf("host %s: %w", h.ID, err))
				return nil
			}
			done = append(done, h.ID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(done)
	return done, errors.Join(errs...)
}

func (d *Driver) recordDeploys(n *psinet.Network, ids []string, what string) error {
	for _, id := range ids {
		if err := n.RecordDeploy(id, what); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) deployImplementation(ctx context.Context, n *psinet.Network) (bool, error) {
	ids := n.DeployImplementationRequiredForHosts.Sorted()
	if len(ids) == 0 {
		return false, nil
	}
	if d.deps.Hosts == nil {
		return true, errMissing("host deployer")
	}

	var hosts []*types.Host
	for _, id := range ids {
		h, err := n.Host(id)
		if err != nil {
			d.logger.Warn().Str("host_id", id).Msg("Dropping implementation push for removed host")
			if err := n.ClearDeployImplementationRequired(id); err != nil {
				return true, err
			}
			continue
		}
		hosts = append(hosts, h)
	}

	done, err := d.fanOut(ctx, PhaseImplementation, hosts, d.deps.Hosts.DeployImplementation)
	for _, id := range done {
		if cerr := n.ClearDeployImplementationRequired(id); cerr != nil {
			return true, cerr
		}
	}
	if rerr := d.recordDeploys(n, done, "implementation"); rerr != nil {
		return true, rerr
	}
	return true, err
}

// deployBuilds publishes every pending (channel, sponsor) build, platform by
// platform, checkpointing after each platform
func (d *Driver) deployBuilds(ctx context.Context, n *psinet.Network) (bool, error) {
	worked := false
	var errs []error
	for _, p := range types.Platforms {
		keys := n.BuildsRequired(p)
		if len(keys) == 0 {
			continue
		}
		worked = true
		if d.deps.Publisher == nil {
			return true, errMissing("publisher")
		}

		for _, key := range keys {
			logger := d.logger.With().Str("platform", string(p)).Str("campaign", key.String()).Logger()
			_, cerr := n.PropagationChannel(key.PropagationChannelID)
			_, serr := n.Sponsor(key.SponsorID)
			if cerr != nil || serr != nil {
				logger.Warn().Msg("Dropping build for unknown channel or sponsor")
				if err := n.ClearDeployBuildsRequired(p, key); err != nil {
					return true, err
				}
				continue
			}

			if err := d.deps.Publisher.PublishBuild(ctx, n, p, key); err != nil {
				metrics.DeployItemFailures.WithLabelValues(PhaseBuilds).Inc()
				logger.Error().Err(err).Msg("Build failed")
				errs = append(errs, fmt.Errorf("%s %s: %w", p, key, err))
				continue
			}
			if err := n.ClearDeployBuildsRequired(p, key); err != nil {
				return true, err
			}
		}
		if err := d.checkpoint(n); err != nil {
			errs = append(errs, err)
		}
	}
	return worked, errors.Join(errs...)
}

// deployData pushes each host its compartmentalized view. The flag stays
// set unless every host succeeded.
func (d *Driver) deployData(ctx context.Context, n *psinet.Network) (bool, error) {
	if !n.DeployDataRequiredForAll {
		return false, nil
	}
	if d.deps.Hosts == nil {
		return true, errMissing("host deployer")
	}
	if _, err := n.DiscoveryHMACKey(); err != nil {
		return true, err
	}

	hosts := n.ListHosts()
	payloads := make(map[string][]byte, len(hosts))
	for _, h := range hosts {
		data, err := compartment.ForHost(n, h.ID)
		if err != nil {
			return true, err
		}
		payloads[h.ID] = data
	}

	done, err := d.fanOut(ctx, PhaseData, hosts, func(ctx context.Context, h *types.Host) error {
		return d.deps.Hosts.DeployData(ctx, h, payloads[h.ID])
	})
	if rerr := d.recordDeploys(n, done, "data"); rerr != nil {
		return true, rerr
	}
	if err != nil {
		return true, err
	}
	return true, n.ClearDeployDataRequired()
}

func (d *Driver) deployStatsConfig(ctx context.Context, n *psinet.Network) (bool, error) {
	if !n.DeployStatsConfigRequired {
		return false, nil
	}
	if d.deps.Stats == nil {
		return true, errMissing("stats deployer")
	}
	data, err := compartment.ForStats(n)
	if err != nil {
		return true, err
	}
	if err := d.deps.Stats.DeployStats(ctx, data); err != nil {
		metrics.DeployItemFailures.WithLabelValues(PhaseStatsConfig).Inc()
		return true, err
	}
	return true, n.ClearDeployStatsConfigRequired()
}

func (d *Driver) deployEmailConfig(ctx context.Context, n *psinet.Network) (bool, error) {
	if !n.DeployEmailConfigRequired {
		return false, nil
	}
	if d.deps.Publisher == nil {
		return true, errMissing("publisher")
	}
	if err := d.deps.Publisher.PublishEmailConfig(ctx, n); err != nil {
		metrics.DeployItemFailures.WithLabelValues(PhaseEmailConfig).Inc()
		return true, err
	}
	return true, n.ClearDeployEmailConfigRequired()
}

// removeFromProviders drains the provider removal queue. Hosts whose
// provider cannot remove machines are dropped with a warning.
func (d *Driver) removeFromProviders(ctx context.Context, n *psinet.Network) (bool, error) {
	ids := types.SortedKeys(n.HostsToRemoveFromProviders)
	if len(ids) == 0 {
		return false, nil
	}
	if d.deps.Providers == nil {
		return true, errMissing("provider registry")
	}

	var hosts []*types.Host
	for _, id := range ids {
		h := n.HostsToRemoveFromProviders[id]
		if !d.deps.Providers.SupportsRemoval(h.Provider) {
			d.logger.Warn().
				Str("host_id", id).
				Str("provider", h.Provider).
				Msg("Provider cannot remove hosts; remove it by hand")
			if err := n.ClearHostToRemoveFromProvider(id); err != nil {
				return true, err
			}
			continue
		}
		hosts = append(hosts, h)
	}

	done, err := d.fanOut(ctx, PhaseProviderRemovals, hosts, d.deps.Providers.RemoveHost)
	for _, id := range done {
		if cerr := n.ClearHostToRemoveFromProvider(id); cerr != nil {
			return true, cerr
		}
	}
	return true, err
}

func (d *Driver) deployWebsites(ctx context.Context, n *psinet.Network) (bool, error) {
	ids := n.DeployWebsiteRequiredForSponsors.Sorted()
	if len(ids) == 0 {
		return false, nil
	}
	if d.deps.Publisher == nil {
		return true, errMissing("publisher")
	}

	var errs []error
	for _, id := range ids {
		if _, err := n.Sponsor(id); err == nil {
			if err := d.deps.Publisher.PublishWebsite(ctx, n, id); err != nil {
				metrics.DeployItemFailures.WithLabelValues(PhaseWebsites).Inc()
				d.logger.Error().Err(err).Str("sponsor_id", id).Msg("Website publish failed")
				errs = append(errs, fmt.Errorf("sponsor %s: %w", id, err))
				continue
			}
		}
		if err := n.ClearDeployWebsiteRequired(id); err != nil {
			return true, err
		}
	}
	return true, errors.Join(errs...)
}
