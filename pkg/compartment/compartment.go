package compartment

import (
	"encoding/json"
	"fmt"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
)

// HostView builds the network a host's handshake server runs on. Every field
// is copied explicitly; anything not named here never leaves the database.
func HostView(n *psinet.Network, hostID string) (*psinet.Network, error) {
	recipient, err := n.Host(hostID)
	if err != nil {
		return nil, err
	}
	now := n.Now()
	view := psinet.New()

	for id, c := range n.PropagationChannels {
		view.PropagationChannels[id] = &types.PropagationChannel{
			ID:                        c.ID,
			PropagatorManagedUpgrades: c.PropagatorManagedUpgrades,
		}
	}

	for id, h := range n.Hosts {
		projected := &types.Host{
			ID:                               h.ID,
			Region:                           h.Region,
			MeekServerPort:                   h.MeekServerPort,
			MeekServerObfuscatedKey:          h.MeekServerObfuscatedKey,
			MeekServerFrontingDomain:         h.MeekServerFrontingDomain,
			MeekServerFrontingHost:           h.MeekServerFrontingHost,
			MeekCookieEncryptionPublicKey:    h.MeekCookieEncryptionPublicKey,
			AlternateMeekServerFrontingHosts: append([]string(nil), h.AlternateMeekServerFrontingHosts...),
		}
		if h.ID == recipient.ID {
			projected.IPAddress = h.IPAddress
			projected.MeekCookieEncryptionPrivateKey = h.MeekCookieEncryptionPrivateKey
		}
		view.Hosts[id] = projected
	}

	for id, s := range n.Servers {
		onHost := s.HostID == recipient.ID
		discoverable := s.DiscoveryDateRange != nil && !s.DiscoveryDateRange.Ended(now)
		if !onHost && !discoverable {
			continue
		}
		projected := projectServer(s)
		if !onHost {
			// only the recipient terminates TLS for its own servers
			projected.WebServerPrivateKey = ""
		}
		view.Servers[id] = projected
	}

	for id, s := range n.Sponsors {
		data := n.SponsorData(s)
		view.Sponsors[id] = &types.Sponsor{
			ID:                  s.ID,
			HomePages:           copyPages(data.HomePages),
			MobileHomePages:     copyPages(data.MobileHomePages),
			PageViewRegexes:     append([]types.RegexReplace(nil), s.PageViewRegexes...),
			HTTPSRequestRegexes: append([]types.RegexReplace(nil), s.HTTPSRequestRegexes...),
		}
	}

	for p, versions := range n.ClientVersions {
		projected := make([]*types.ClientVersion, len(versions))
		for i, v := range versions {
			projected[i] = &types.ClientVersion{Version: v.Version}
		}
		view.ClientVersions[p] = projected
	}

	view.SpeedTestURLs = append([]string(nil), n.SpeedTestURLs...)
	view.DiscoveryStrategyValueHMACKey = n.DiscoveryStrategyValueHMACKey
	return view, nil
}

func projectServer(s *types.Server) *types.Server {
	out := &types.Server{
		ID:                          s.ID,
		HostID:                      s.HostID,
		IPAddress:                   s.IPAddress,
		EgressIPAddress:             s.EgressIPAddress,
		InternalIPAddress:           s.InternalIPAddress,
		PropagationChannelID:        s.PropagationChannelID,
		IsEmbedded:                  s.IsEmbedded,
		IsPermanent:                 s.IsPermanent,
		Capabilities:                s.Capabilities.Clone(),
		WebServerPort:               s.WebServerPort,
		WebServerSecret:             s.WebServerSecret,
		WebServerCertificate:        s.WebServerCertificate,
		WebServerPrivateKey:         s.WebServerPrivateKey,
		SSHPort:                     s.SSHPort,
		SSHUsername:                 s.SSHUsername,
		SSHPassword:                 s.SSHPassword,
		SSHHostKey:                  s.SSHHostKey,
		SSHObfuscatedPort:           s.SSHObfuscatedPort,
		SSHObfuscatedKey:            s.SSHObfuscatedKey,
		AlternateSSHObfuscatedPorts: append([]int(nil), s.AlternateSSHObfuscatedPorts...),
	}
	if r := s.DiscoveryDateRange; r != nil {
		out.DiscoveryDateRange = &types.DiscoveryDateRange{Start: r.Start, End: r.End}
	}
	return out
}

func copyPages(pages map[string][]string) map[string][]string {
	if pages == nil {
		return nil
	}
	out := make(map[string][]string, len(pages))
	for region, urls := range pages {
		out[region] = append([]string(nil), urls...)
	}
	return out
}

// ForHost serializes HostView
func ForHost(n *psinet.Network, hostID string) ([]byte, error) {
	view, err := HostView(n, hostID)
	if err != nil {
		return nil, err
	}
	return marshal(view)
}

// StatsView builds the network the stats server polls with: host access
// details, every live and deleted server's topology, and channel and
// sponsor names for display.
func StatsView(n *psinet.Network) *psinet.Network {
	view := psinet.New()

	for id, c := range n.PropagationChannels {
		view.PropagationChannels[id] = &types.PropagationChannel{ID: c.ID, Name: c.Name}
	}
	for id, s := range n.Sponsors {
		view.Sponsors[id] = &types.Sponsor{ID: s.ID, Name: s.Name}
	}

	for id, h := range n.Hosts {
		view.Hosts[id] = &types.Host{
			ID:               h.ID,
			Provider:         h.Provider,
			IPAddress:        h.IPAddress,
			SSHPort:          h.SSHPort,
			SSHHostKey:       h.SSHHostKey,
			StatsSSHUsername: h.StatsSSHUsername,
			StatsSSHPassword: h.StatsSSHPassword,
		}
	}
	for id, h := range n.DeletedHosts {
		view.DeletedHosts[id] = &types.Host{
			ID:        h.ID,
			Provider:  h.Provider,
			IPAddress: h.IPAddress,
		}
	}

	for id, s := range n.Servers {
		view.Servers[id] = statsServer(s)
	}
	for id, s := range n.DeletedServers {
		view.DeletedServers[id] = statsServer(s)
	}
	return view
}

func statsServer(s *types.Server) *types.Server {
	out := &types.Server{
		ID:                s.ID,
		HostID:            s.HostID,
		IPAddress:         s.IPAddress,
		InternalIPAddress: s.InternalIPAddress,
		IsEmbedded:        s.IsEmbedded,
		IsPermanent:       s.IsPermanent,
	}
	if r := s.DiscoveryDateRange; r != nil {
		out.DiscoveryDateRange = &types.DiscoveryDateRange{Start: r.Start, End: r.End}
	}
	return out
}

// ForStats serializes StatsView
func ForStats(n *psinet.Network) ([]byte, error) {
	return marshal(StatsView(n))
}

func marshal(view *psinet.Network) ([]byte, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compartmentalized network: %w", err)
	}
	return data, nil
}
