package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psinet-ops/psinet/pkg/events"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLaunchConcurrency bounds parallel provider launches
	DefaultLaunchConcurrency = 20

	// DefaultDisableThreshold is the user count under which an aged server
	// is disabled rather than left alone
	DefaultDisableThreshold = 50

	// DefaultDiscoveryDays is the discovery window of replacement servers
	// when the channel does not set one
	DefaultDiscoveryDays = 14
)

// Checkpointer persists the network mid-session
type Checkpointer interface {
	Checkpoint(n *psinet.Network) error
}

// Deployer pushes pending work out to hosts
type Deployer interface {
	Deploy(ctx context.Context, n *psinet.Network) error
}

// Installer prepares a launched machine before it is recorded. It may fill
// in host fields it learns, such as the SSH host key.
type Installer interface {
	Install(ctx context.Context, host *types.Host, server *types.Server) error
}

// UserCounter reports how many users are connected to a host
type UserCounter interface {
	ActiveUsers(ctx context.Context, host *types.Host) (int, error)
}

// Dependencies are the collaborators of a Rotator. Installer, Counter,
// Store, Deployer and Events may be nil.
type Dependencies struct {
	Providers *provider.Registry
	Installer Installer
	Counter   UserCounter
	Store     Checkpointer
	Deployer  Deployer
	Events    *events.Broker
}

// Config tunes a Rotator
type Config struct {
	LaunchConcurrency int
	DisableThreshold  int
	DiscoveryDays     int
}

// Rotator adds, replaces and prunes the servers of propagation channels
type Rotator struct {
	network *psinet.Network
	deps    Dependencies
	cfg     Config
	logger  zerolog.Logger
}

// New creates a Rotator working on a locked network
func New(n *psinet.Network, deps Dependencies, cfg Config) *Rotator {
	if cfg.LaunchConcurrency <= 0 {
		cfg.LaunchConcurrency = DefaultLaunchConcurrency
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = DefaultDisableThreshold
	}
	if cfg.DiscoveryDays <= 0 {
		cfg.DiscoveryDays = DefaultDiscoveryDays
	}
	return &Rotator{
		network: n,
		deps:    deps,
		cfg:     cfg,
		logger:  log.WithComponent("rotation"),
	}
}

// AddServers records launched machines as servers of a channel. A nil
// discovery range makes them embedded servers. With replaceOthers, the
// channel's current embedded servers are unembedded (permanent ones stay) or
// its current discovery ranges end now, once at least one new server is
// recorded. caps, when set, overrides the random capability profiles.
//
// Invalid arguments return psinet.ErrValidation before anything changes.
// Per-server failures are joined into the returned error after every server
// has been attempted; a failed server leaves neither host nor server behind.
// The network is checkpointed and deployed when any server was recorded.
func (r *Rotator) AddServers(ctx context.Context, launched []*provider.Launched, channelName string, discoveryRange *types.DiscoveryDateRange, replaceOthers bool, caps types.Capabilities) error {
	n := r.network
	channel, err := n.PropagationChannelByName(channelName)
	if err != nil {
		return err
	}
	if len(caps) > 0 {
		if err := caps.Validate(); err != nil {
			return fmt.Errorf("%w: %v", psinet.ErrValidation, err)
		}
	}
	if discoveryRange != nil && !discoveryRange.End.After(discoveryRange.Start) {
		return fmt.Errorf("%w: discovery range ends before it starts", psinet.ErrValidation)
	}
	logger := r.logger.With().Str("channel_id", channel.ID).Logger()

	var (
		added []string
		errs  []error
	)
	for i, l := range launched {
		id, err := r.addServer(ctx, l, channel, discoveryRange, i, caps)
		if err != nil {
			var hostID string
			if l != nil && l.Host != nil {
				hostID = l.Host.ID
			}
			logger.Error().Err(err).Str("host_id", hostID).Msg("Failed to add server")
			r.deps.Events.Emit(events.EventServerLaunchFailed, err.Error(), map[string]string{"host_id": hostID})
			errs = append(errs, err)
			continue
		}
		added = append(added, id)
	}
	if len(added) == 0 {
		return errors.Join(errs...)
	}

	if replaceOthers {
		var replaced []string
		if discoveryRange == nil {
			replaced, err = n.UnembedServers(channel.ID, added...)
		} else {
			replaced, err = n.TruncateDiscoveryRanges(channel.ID, added...)
		}
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		logger.Info().Strs("servers", replaced).Msg("Replaced servers")
	}

	if err := n.MarkDeployDataRequired(); err != nil {
		return err
	}
	if err := n.MarkDeployStatsConfigRequired(); err != nil {
		return err
	}

	if err := r.checkpointAndDeploy(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// addServer provisions one launched machine and records it, returning the
// new server id
func (r *Rotator) addServer(ctx context.Context, l *provider.Launched, channel *types.PropagationChannel, discoveryRange *types.DiscoveryDateRange, index int, caps types.Capabilities) (string, error) {
	n := r.network
	rnd := n.Rand()
	if l == nil || l.Host == nil || l.Server == nil {
		return "", fmt.Errorf("%w: launch result without host or server", provider.ErrProviderFailure)
	}
	host, server := l.Host, l.Server
	if server.ID == "" {
		server.ID = host.ID
	}
	server.HostID = host.ID
	server.PropagationChannelID = channel.ID
	if server.IPAddress == "" {
		server.IPAddress = host.IPAddress
	}

	var profile Profile
	switch {
	case len(caps) > 0:
		profile = ExplicitProfile(caps, rnd)
	case discoveryRange != nil:
		profile = DiscoveryProfile(rnd)
	default:
		profile = PropagationProfile(index, rnd)
	}
	if err := profile.Capabilities.Validate(); err != nil {
		return "", fmt.Errorf("%w: server %s: %v", psinet.ErrValidation, server.ID, err)
	}
	if err := provision(host, server, profile, rnd); err != nil {
		return "", fmt.Errorf("server %s: %w", server.ID, err)
	}

	if discoveryRange != nil {
		rng := *discoveryRange
		server.DiscoveryDateRange = &rng
	} else {
		server.IsEmbedded = true
	}

	if r.deps.Installer != nil {
		if err := r.deps.Installer.Install(ctx, host, server); err != nil {
			return "", fmt.Errorf("failed to install server %s: %w", server.ID, err)
		}
	}

	if err := n.ImportHostWithServer(host, server); err != nil {
		return "", err
	}

	metrics.ServersAdded.WithLabelValues(string(server.Role())).Inc()
	r.deps.Events.Emit(events.EventServerAdded, fmt.Sprintf("added %s server %s", server.Role(), server.ID), map[string]string{
		"server_id":  server.ID,
		"host_id":    host.ID,
		"channel_id": channel.ID,
	})
	r.logger.Info().
		Str("server_id", server.ID).
		Str("host_id", host.ID).
		Str("role", string(server.Role())).
		Strs("capabilities", capabilityStrings(server.Capabilities)).
		Msg("Server added")
	return server.ID, nil
}

func (r *Rotator) checkpointAndDeploy(ctx context.Context) error {
	if r.deps.Store != nil {
		if err := r.deps.Store.Checkpoint(r.network); err != nil {
			return fmt.Errorf("failed to checkpoint network: %w", err)
		}
	}
	if r.deps.Deployer != nil {
		if err := r.deps.Deployer.Deploy(ctx, r.network); err != nil {
			return fmt.Errorf("deploy failed: %w", err)
		}
	}
	return nil
}

// ReplacePropagationChannelServers launches new servers for a channel and
// adds them as discovery and embedded servers, replacing the current ones.
// Negative counts fall back to the channel's configured counts.
func (r *Rotator) ReplacePropagationChannelServers(ctx context.Context, channelName string, newDiscovery, newPropagation int) error {
	n := r.network
	channel, err := n.PropagationChannelByName(channelName)
	if err != nil {
		return err
	}
	if newDiscovery < 0 {
		newDiscovery = channel.NewDiscoveryServersCount
	}
	if newPropagation < 0 {
		newPropagation = channel.NewPropagationServersCount
	}

	launched, launchErr := r.Launch(ctx, newDiscovery+newPropagation)

	var discovery, propagation []*provider.Launched
	for i, l := range launched {
		if l == nil {
			continue
		}
		if i < newDiscovery {
			discovery = append(discovery, l)
		} else {
			propagation = append(propagation, l)
		}
	}

	errs := []error{launchErr}
	if len(discovery) > 0 {
		now := n.Now()
		days := channel.MaxDiscoveryServerAgeInDays
		if days <= 0 {
			days = r.cfg.DiscoveryDays
		}
		rng := &types.DiscoveryDateRange{Start: now, End: now.AddDate(0, 0, days)}
		errs = append(errs, r.AddServers(ctx, discovery, channelName, rng, true, nil))
	}
	if len(propagation) > 0 {
		errs = append(errs, r.AddServers(ctx, propagation, channelName, nil, true, nil))
	}
	return errors.Join(errs...)
}

// Launch starts count machines in parallel at weighted-random providers.
// The result has one slot per requested machine, nil where the launch
// failed; the failures are joined into the error.
func (r *Rotator) Launch(ctx context.Context, count int) ([]*provider.Launched, error) {
	if count <= 0 {
		return nil, nil
	}
	if r.deps.Providers == nil {
		return nil, fmt.Errorf("%w: no provider registry", provider.ErrUnknownProvider)
	}

	// pick adapters up front; the network's random source is not goroutine safe
	rnd := r.network.Rand()
	adapters := make([]provider.Adapter, count)
	for i := range adapters {
		a, err := r.deps.Providers.Choose(rnd)
		if err != nil {
			return nil, err
		}
		adapters[i] = a
	}

	results := make([]*provider.Launched, count)
	errs := make([]error, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LaunchConcurrency)
	for i, a := range adapters {
		g.Go(func() error {
			l, err := a.LaunchNewServer(gctx)
			if err != nil {
				errs[i] = fmt.Errorf("launch at %s: %w", a.Name(), err)
				return nil
			}
			if l.Host != nil && l.Host.Provider == "" {
				l.Host.Provider = a.Name()
			}
			results[i] = l
			r.deps.Events.Emit(events.EventServerLaunched, "launched at "+a.Name(), map[string]string{"provider": a.Name()})
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			r.logger.Error().Err(err).Msg("Server launch failed")
		}
	}
	return results, errors.Join(errs...)
}

// PruneResult lists what a prune pass changed
type PruneResult struct {
	RemovedHosts    []string
	DisabledServers []string
}

// PrunePropagationChannelServers retires aged servers of a channel. A server
// past its role's maximum age is removed with its host when nobody is
// connected, disabled when fewer than the threshold are, and otherwise left
// alone. Permanent servers and hosts at providers without programmatic
// removal are never touched. A non-positive age disables pruning for that
// role.
func (r *Rotator) PrunePropagationChannelServers(ctx context.Context, channelName string, maxDiscoveryAgeDays, maxPropagationAgeDays int) (*PruneResult, error) {
	n := r.network
	channel, err := n.PropagationChannelByName(channelName)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With().Str("channel_id", channel.ID).Logger()
	now := n.Now()
	result := &PruneResult{}
	var errs []error

	for _, s := range n.ServersForChannel(channel.ID) {
		if s.IsPermanent {
			continue
		}
		maxDays := maxPropagationAgeDays
		if s.Role() == types.RoleDiscovery {
			maxDays = maxDiscoveryAgeDays
		}
		if maxDays <= 0 || !now.After(s.CreatedAt.Add(time.Duration(maxDays)*24*time.Hour)) {
			continue
		}

		host, err := n.Host(s.HostID)
		if err != nil {
			// host already removed with an earlier server
			continue
		}
		if r.deps.Providers == nil || !r.deps.Providers.SupportsRemoval(host.Provider) {
			continue
		}
		if r.deps.Counter == nil {
			return nil, fmt.Errorf("no user counter configured")
		}

		users, err := r.deps.Counter.ActiveUsers(ctx, host)
		if err != nil {
			logger.Error().Err(err).Str("host_id", host.ID).Msg("Failed to count users")
			errs = append(errs, fmt.Errorf("host %s: %w", host.ID, err))
			continue
		}

		switch {
		case users == 0:
			if err := n.RemoveHost(host.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			result.RemovedHosts = append(result.RemovedHosts, host.ID)
			metrics.ServersPruned.WithLabelValues("removed").Inc()
			r.deps.Events.Emit(events.EventHostRemoved, "removed idle host "+host.ID, map[string]string{"host_id": host.ID})
			logger.Info().Str("host_id", host.ID).Msg("Removed idle host")
		case users < r.cfg.DisableThreshold:
			if !s.Capabilities.Serving() {
				continue
			}
			if err := n.DisableServer(s.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			result.DisabledServers = append(result.DisabledServers, s.ID)
			metrics.ServersPruned.WithLabelValues("disabled").Inc()
			r.deps.Events.Emit(events.EventServerDisabled, "disabled server "+s.ID, map[string]string{"server_id": s.ID})
			logger.Info().Str("server_id", s.ID).Int("users", users).Msg("Disabled server")
		default:
			logger.Debug().Str("server_id", s.ID).Int("users", users).Msg("Server still busy")
		}
	}

	if len(result.RemovedHosts) > 0 || len(result.DisabledServers) > 0 {
		if err := r.checkpointAndDeploy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

// PruneAll prunes every channel using the channel's own age limits
func (r *Rotator) PruneAll(ctx context.Context) (*PruneResult, error) {
	total := &PruneResult{}
	var errs []error
	for _, c := range r.network.ListPropagationChannels() {
		if c.MaxDiscoveryServerAgeInDays <= 0 && c.MaxPropagationServerAgeInDays <= 0 {
			continue
		}
		res, err := r.PrunePropagationChannelServers(ctx, c.Name, c.MaxDiscoveryServerAgeInDays, c.MaxPropagationServerAgeInDays)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", c.Name, err))
		}
		if res != nil {
			total.RemovedHosts = append(total.RemovedHosts, res.RemovedHosts...)
			total.DisabledServers = append(total.DisabledServers, res.DisabledServers...)
		}
	}
	return total, errors.Join(errs...)
}

func capabilityStrings(c types.Capabilities) []string {
	var out []string
	for _, cap := range c.Enabled() {
		out = append(out, string(cap))
	}
	return out
}
