package psinet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/psinet-ops/psinet/pkg/types"
)

// deployLogPrefix marks audit entries written by the deploy driver
const deployLogPrefix = "deploy"

// Host looks up an active host
func (n *Network) Host(id string) (*types.Host, error) {
	h, ok := n.Hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: host %s", ErrNotFound, id)
	}
	return h, nil
}

// Server looks up an active server
func (n *Network) Server(id string) (*types.Server, error) {
	s, ok := n.Servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: server %s", ErrNotFound, id)
	}
	return s, nil
}

// ListHosts returns the active hosts ordered by id
func (n *Network) ListHosts() []*types.Host {
	out := make([]*types.Host, 0, len(n.Hosts))
	for _, id := range types.SortedKeys(n.Hosts) {
		out = append(out, n.Hosts[id])
	}
	return out
}

// ListServers returns the active servers ordered by id
func (n *Network) ListServers() []*types.Server {
	out := make([]*types.Server, 0, len(n.Servers))
	for _, id := range types.SortedKeys(n.Servers) {
		out = append(out, n.Servers[id])
	}
	return out
}

// ServersOnHost returns the active servers running on a host, ordered by id
func (n *Network) ServersOnHost(hostID string) []*types.Server {
	var out []*types.Server
	for _, s := range n.ListServers() {
		if s.HostID == hostID {
			out = append(out, s)
		}
	}
	return out
}

// ServersForChannel returns the active servers of a propagation channel, ordered by id
func (n *Network) ServersForChannel(channelID string) []*types.Server {
	var out []*types.Server
	for _, s := range n.ListServers() {
		if s.PropagationChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

// ImportHost registers a host. The host still needs the server code, so it
// is queued for an implementation deploy.
func (n *Network) ImportHost(h *types.Host) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if err := n.checkHost(h); err != nil {
		return err
	}
	n.commitHost(h)
	return nil
}

// ImportServer registers a server on an existing host
func (n *Network) ImportServer(s *types.Server) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if _, ok := n.Hosts[s.HostID]; !ok {
		return fmt.Errorf("%w: server %s references unknown host %s", ErrNotFound, s.ID, s.HostID)
	}
	if err := n.checkServer(s); err != nil {
		return err
	}
	n.commitServer(s)
	return nil
}

// ImportHostWithServer registers a freshly launched host together with its
// server. Both are validated first; on error neither is recorded.
func (n *Network) ImportHostWithServer(h *types.Host, s *types.Server) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if err := n.checkHost(h); err != nil {
		return err
	}
	if s.HostID != h.ID {
		return fmt.Errorf("%w: server %s belongs to host %s, not %s", ErrValidation, s.ID, s.HostID, h.ID)
	}
	if err := n.checkServer(s); err != nil {
		return err
	}
	n.commitHost(h)
	n.commitServer(s)
	return nil
}

func (n *Network) checkHost(h *types.Host) error {
	if h.ID == "" {
		return fmt.Errorf("%w: host id is required", ErrValidation)
	}
	if h.Provider == "" {
		return fmt.Errorf("%w: host %s has no provider", ErrValidation, h.ID)
	}
	if _, ok := n.Hosts[h.ID]; ok {
		return fmt.Errorf("%w: host %s", ErrDuplicate, h.ID)
	}
	if _, ok := n.DeletedHosts[h.ID]; ok {
		return fmt.Errorf("%w: host %s was deleted", ErrDuplicate, h.ID)
	}
	return nil
}

func (n *Network) commitHost(h *types.Host) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = n.Now()
	}
	n.audit(h, "imported from provider %s", h.Provider)
	n.Hosts[h.ID] = h
	n.DeployImplementationRequiredForHosts[h.ID] = true
	n.DeployStatsConfigRequired = true
}

// checkServer validates s apart from its host reference
func (n *Network) checkServer(s *types.Server) error {
	if s.ID == "" {
		return fmt.Errorf("%w: server id is required", ErrValidation)
	}
	if _, ok := n.Servers[s.ID]; ok {
		return fmt.Errorf("%w: server %s", ErrDuplicate, s.ID)
	}
	if _, ok := n.DeletedServers[s.ID]; ok {
		return fmt.Errorf("%w: server %s was deleted", ErrDuplicate, s.ID)
	}
	if _, ok := n.PropagationChannels[s.PropagationChannelID]; !ok {
		return fmt.Errorf("%w: server %s references unknown propagation channel %s", ErrNotFound, s.ID, s.PropagationChannelID)
	}
	if s.IsEmbedded && s.DiscoveryDateRange != nil {
		return fmt.Errorf("%w: server %s cannot be both embedded and discoverable", ErrValidation, s.ID)
	}
	if r := s.DiscoveryDateRange; r != nil && !r.End.After(r.Start) {
		return fmt.Errorf("%w: server %s discovery range ends before it starts", ErrValidation, s.ID)
	}
	if err := s.Capabilities.Validate(); err != nil {
		return fmt.Errorf("%w: server %s: %v", ErrValidation, s.ID, err)
	}
	return nil
}

func (n *Network) commitServer(s *types.Server) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = n.Now()
	}
	n.audit(s, "added as %s server", s.Role())
	n.Servers[s.ID] = s
	n.DeployDataRequiredForAll = true
	n.DeployStatsConfigRequired = true
	if s.IsEmbedded || s.IsPermanent {
		n.markBuildsForChannel(s.PropagationChannelID)
	}
}

// UnembedServers clears the embedded flag of the channel's non-permanent
// embedded servers, other than those in keep, and returns their ids
func (n *Network) UnembedServers(channelID string, keep ...string) ([]string, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	kept := idSet(keep)
	var ids []string
	for _, s := range n.ServersForChannel(channelID) {
		if s.IsEmbedded && !s.IsPermanent && !kept[s.ID] {
			s.IsEmbedded = false
			n.audit(s, "unembedded")
			ids = append(ids, s.ID)
		}
	}
	if len(ids) > 0 {
		n.markBuildsForChannel(channelID)
		n.DeployDataRequiredForAll = true
	}
	return ids, nil
}

// TruncateDiscoveryRanges ends the discovery ranges of the channel's
// servers, other than those in keep, at the current instant and returns the
// affected ids
func (n *Network) TruncateDiscoveryRanges(channelID string, keep ...string) ([]string, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	kept := idSet(keep)
	now := n.Now()
	var ids []string
	for _, s := range n.ServersForChannel(channelID) {
		r := s.DiscoveryDateRange
		if r == nil || r.Ended(now) || kept[s.ID] {
			continue
		}
		if r.Start.After(now) {
			r.Start = now
		}
		r.End = now
		n.audit(s, "discovery range truncated to %s", now.Format("2006-01-02T15:04:05Z07:00"))
		ids = append(ids, s.ID)
	}
	if len(ids) > 0 {
		n.DeployDataRequiredForAll = true
	}
	return ids, nil
}

// DisableServer clears every capability except VPN pass-through so existing
// connections drain without the server being handed out again
func (n *Network) DisableServer(id string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	s, err := n.Server(id)
	if err != nil {
		return err
	}
	caps := types.NewCapabilities()
	if s.Capabilities.Has(types.CapVPN) {
		caps[types.CapVPN] = true
	}
	s.Capabilities = caps
	n.audit(s, "disabled")
	n.DeployDataRequiredForAll = true
	return nil
}

// SetServerPermanent marks a server as permanent, keeping it embedded across
// rotations and in every channel's embedded list
func (n *Network) SetServerPermanent(id string, permanent bool) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	s, err := n.Server(id)
	if err != nil {
		return err
	}
	s.IsPermanent = permanent
	n.audit(s, "permanent set to %t", permanent)
	for _, p := range types.Platforms {
		n.markBuildsForPlatform(p)
	}
	n.DeployStatsConfigRequired = true
	return nil
}

// RecordDeploy appends a deploy entry to a host's audit log
func (n *Network) RecordDeploy(hostID, what string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	h, err := n.Host(hostID)
	if err != nil {
		return err
	}
	n.audit(h, "%s %s", deployLogPrefix, what)
	return nil
}

// RemoveHost archives a host and its servers. Server credentials are
// scrubbed and the host is queued for provider-side destruction.
func (n *Network) RemoveHost(id string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	host, err := n.Host(id)
	if err != nil {
		return err
	}

	servers := n.ServersOnHost(id)
	for _, s := range servers {
		delete(n.Servers, s.ID)
		s.Scrub()
		n.audit(s, "removed with host %s", id)
		n.DeletedServers[s.ID] = s
		if s.IsEmbedded || s.IsPermanent {
			n.markBuildsForChannel(s.PropagationChannelID)
		}
	}

	delete(n.Hosts, id)
	delete(n.DeployImplementationRequiredForHosts, id)
	trimmed := host.Logs[:0:0]
	for _, entry := range host.Logs {
		if !strings.HasPrefix(entry.Message, deployLogPrefix) {
			trimmed = append(trimmed, entry)
		}
	}
	host.Logs = trimmed
	n.audit(host, "removed")
	n.DeletedHosts[id] = host

	queued := *host
	queued.Logs = nil
	n.HostsToRemoveFromProviders[id] = &queued

	n.DeployStatsConfigRequired = true
	if len(servers) > 0 {
		n.DeployDataRequiredForAll = true
	}
	return nil
}

// DeletedServersForHost returns archived servers of a host, ordered by id
func (n *Network) DeletedServersForHost(hostID string) []*types.Server {
	var out []*types.Server
	for _, s := range n.DeletedServers {
		if s.HostID == hostID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
