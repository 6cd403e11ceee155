package psinet

import (
	"github.com/psinet-ops/psinet/pkg/types"
)

func (n *Network) markBuildsRequired(p types.Platform, key types.CampaignKey) {
	set := n.DeployBuildsRequiredForCampaigns[p]
	if set == nil {
		set = make(map[string]types.CampaignKey)
		n.DeployBuildsRequiredForCampaigns[p] = set
	}
	set[key.String()] = key
}

func (n *Network) markBuildsForSponsor(s *types.Sponsor) {
	for _, c := range s.Campaigns {
		key := types.CampaignKey{PropagationChannelID: c.PropagationChannelID, SponsorID: s.ID}
		for _, p := range types.Platforms {
			if c.TargetsPlatform(p) {
				n.markBuildsRequired(p, key)
			}
		}
	}
}

// markBuildsForChannel queues builds for every sponsor with a campaign on the channel
func (n *Network) markBuildsForChannel(channelID string) {
	for _, s := range n.Sponsors {
		for _, c := range s.CampaignsForChannel(channelID) {
			key := types.CampaignKey{PropagationChannelID: channelID, SponsorID: s.ID}
			for _, p := range types.Platforms {
				if c.TargetsPlatform(p) {
					n.markBuildsRequired(p, key)
				}
			}
		}
	}
}

func (n *Network) markBuildsForPlatform(p types.Platform) {
	for _, s := range n.Sponsors {
		for _, c := range s.Campaigns {
			if c.TargetsPlatform(p) {
				n.markBuildsRequired(p, types.CampaignKey{PropagationChannelID: c.PropagationChannelID, SponsorID: s.ID})
			}
		}
	}
}

// MarkBuildsRequiredForChannel queues client builds for every campaign on the channel
func (n *Network) MarkBuildsRequiredForChannel(channelID string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if _, err := n.PropagationChannel(channelID); err != nil {
		return err
	}
	n.markBuildsForChannel(channelID)
	return nil
}

// MarkDeployDataRequired queues a data push to every host
func (n *Network) MarkDeployDataRequired() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.DeployDataRequiredForAll = true
	return nil
}

// MarkDeployStatsConfigRequired queues a stats server push
func (n *Network) MarkDeployStatsConfigRequired() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.DeployStatsConfigRequired = true
	return nil
}

// MarkDeployImplementationRequiredForAllHosts queues a server code push to every active host
func (n *Network) MarkDeployImplementationRequiredForAllHosts() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	for id := range n.Hosts {
		n.DeployImplementationRequiredForHosts[id] = true
	}
	return nil
}

// ClearDeployImplementationRequired removes a host from the implementation set
func (n *Network) ClearDeployImplementationRequired(hostID string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	delete(n.DeployImplementationRequiredForHosts, hostID)
	return nil
}

// ClearDeployDataRequired clears the data flag
func (n *Network) ClearDeployDataRequired() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.DeployDataRequiredForAll = false
	return nil
}

// ClearDeployBuildsRequired removes one (channel, sponsor) pair for a platform
func (n *Network) ClearDeployBuildsRequired(p types.Platform, key types.CampaignKey) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	set := n.DeployBuildsRequiredForCampaigns[p]
	delete(set, key.String())
	if len(set) == 0 {
		delete(n.DeployBuildsRequiredForCampaigns, p)
	}
	return nil
}

// ClearDeployStatsConfigRequired clears the stats flag
func (n *Network) ClearDeployStatsConfigRequired() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.DeployStatsConfigRequired = false
	return nil
}

// ClearDeployEmailConfigRequired clears the email config flag
func (n *Network) ClearDeployEmailConfigRequired() error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.DeployEmailConfigRequired = false
	return nil
}

// ClearDeployWebsiteRequired removes a sponsor from the website set
func (n *Network) ClearDeployWebsiteRequired(sponsorID string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	delete(n.DeployWebsiteRequiredForSponsors, sponsorID)
	return nil
}

// ClearHostToRemoveFromProvider drops a host from the provider removal queue
func (n *Network) ClearHostToRemoveFromProvider(hostID string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	delete(n.HostsToRemoveFromProviders, hostID)
	return nil
}

// BuildsRequired returns the pending (channel, sponsor) pairs for a platform,
// ordered by key
func (n *Network) BuildsRequired(p types.Platform) []types.CampaignKey {
	set := n.DeployBuildsRequiredForCampaigns[p]
	out := make([]types.CampaignKey, 0, len(set))
	for _, k := range types.SortedKeys(set) {
		out = append(out, set[k])
	}
	return out
}

// PendingWork summarizes the dirty flags
type PendingWork struct {
	ImplementationHosts int
	Data                bool
	Builds              int
	StatsConfig         bool
	EmailConfig         bool
	Websites            int
	ProviderRemovals    int
}

// Empty reports whether there is nothing left to deploy
func (p PendingWork) Empty() bool {
	return p == PendingWork{}
}

// Pending returns a summary of the outstanding deploy work
func (n *Network) Pending() PendingWork {
	builds := 0
	for _, set := range n.DeployBuildsRequiredForCampaigns {
		builds += len(set)
	}
	return PendingWork{
		ImplementationHosts: len(n.DeployImplementationRequiredForHosts),
		Data:                n.DeployDataRequiredForAll,
		Builds:              builds,
		StatsConfig:         n.DeployStatsConfigRequired,
		EmailConfig:         n.DeployEmailConfigRequired,
		Websites:            len(n.DeployWebsiteRequiredForSponsors),
		ProviderRemovals:    len(n.HostsToRemoveFromProviders),
	}
}
