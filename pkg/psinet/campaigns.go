package psinet

import (
	"fmt"

	"github.com/psinet-ops/psinet/pkg/types"
)

// CampaignOptions are the optional campaign attributes
type CampaignOptions struct {
	Languages          []string
	Platforms          []types.Platform
	CustomDownloadSite bool
}

func (n *Network) addCampaign(sponsorName, channelName string, mechanism types.PropagationMechanism, account *types.Account, opts CampaignOptions) (*types.Campaign, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	sponsor, err := n.SponsorByName(sponsorName)
	if err != nil {
		return nil, err
	}
	channel, err := n.PropagationChannelByName(channelName)
	if err != nil {
		return nil, err
	}
	if !channel.HasMechanism(mechanism) {
		return nil, fmt.Errorf("%w: propagation channel %q does not permit %s", ErrValidation, channelName, mechanism)
	}
	if err := account.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var platforms []types.Platform
	for _, p := range opts.Platforms {
		parsed, ok := types.ParsePlatform(string(p))
		if !ok {
			return nil, fmt.Errorf("%w: unknown platform %q", ErrValidation, p)
		}
		platforms = append(platforms, parsed)
	}
	campaign := &types.Campaign{
		PropagationChannelID:     channel.ID,
		PropagationMechanismType: mechanism,
		Account:                  account,
		Languages:                opts.Languages,
		Platforms:                platforms,
		CustomDownloadSite:       opts.CustomDownloadSite,
	}
	for _, existing := range sponsor.Campaigns {
		if existing.PropagationChannelID == channel.ID &&
			existing.PropagationMechanismType == mechanism &&
			existing.EmailAddress() == campaign.EmailAddress() {
			return nil, fmt.Errorf("%w: campaign %s/%s for sponsor %q", ErrDuplicate, channelName, mechanism, sponsorName)
		}
	}

	n.audit(campaign, "created")
	sponsor.Campaigns = append(sponsor.Campaigns, campaign)
	n.audit(sponsor, "campaign %s on channel %s added", mechanism, channelName)

	key := types.CampaignKey{PropagationChannelID: channel.ID, SponsorID: sponsor.ID}
	for _, p := range types.Platforms {
		if campaign.TargetsPlatform(p) {
			n.markBuildsRequired(p, key)
		}
	}
	return campaign, nil
}

// AddSponsorEmailCampaign binds the sponsor to a channel through an email autoresponder address
func (n *Network) AddSponsorEmailCampaign(sponsorName, channelName, emailAddress string, opts CampaignOptions) (*types.Campaign, error) {
	account := &types.Account{
		Kind:  types.AccountEmail,
		Email: &types.EmailAccount{EmailAddress: emailAddress},
	}
	campaign, err := n.addCampaign(sponsorName, channelName, types.MechanismEmailAutoresponder, account, opts)
	if err != nil {
		return nil, err
	}
	n.DeployEmailConfigRequired = true
	return campaign, nil
}

// AddSponsorTwitterCampaign binds the sponsor to a channel through a twitter account
func (n *Network) AddSponsorTwitterCampaign(sponsorName, channelName string, twitter types.TwitterAccount, opts CampaignOptions) (*types.Campaign, error) {
	account := &types.Account{Kind: types.AccountTwitter, Twitter: &twitter}
	return n.addCampaign(sponsorName, channelName, types.MechanismTwitter, account, opts)
}

// AddSponsorStaticDownloadCampaign binds the sponsor to a channel through a static download site
func (n *Network) AddSponsorStaticDownloadCampaign(sponsorName, channelName string, opts CampaignOptions) (*types.Campaign, error) {
	account := &types.Account{Kind: types.AccountNone}
	return n.addCampaign(sponsorName, channelName, types.MechanismStaticDownload, account, opts)
}

// SetCampaignS3BucketName records the object store bucket allocated for a campaign
func (n *Network) SetCampaignS3BucketName(sponsorID string, campaign *types.Campaign, bucket string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	sponsor, err := n.Sponsor(sponsorID)
	if err != nil {
		return err
	}
	campaign.S3BucketName = bucket
	n.audit(campaign, "s3 bucket %s allocated", bucket)
	n.audit(sponsor, "campaign bucket %s allocated", bucket)
	if campaign.PropagationMechanismType == types.MechanismEmailAutoresponder {
		n.DeployEmailConfigRequired = true
	}
	return nil
}

// SponsorCampaign pairs a campaign with its owning sponsor
type SponsorCampaign struct {
	Sponsor  *types.Sponsor
	Campaign *types.Campaign
}

// CampaignsFor returns every campaign bound to the (channel, sponsor) key
func (n *Network) CampaignsFor(key types.CampaignKey) []SponsorCampaign {
	sponsor, ok := n.Sponsors[key.SponsorID]
	if !ok {
		return nil
	}
	var out []SponsorCampaign
	for _, c := range sponsor.CampaignsForChannel(key.PropagationChannelID) {
		out = append(out, SponsorCampaign{Sponsor: sponsor, Campaign: c})
	}
	return out
}

// EmailCampaigns returns every email autoresponder campaign ordered by sponsor name
func (n *Network) EmailCampaigns() []SponsorCampaign {
	var out []SponsorCampaign
	for _, sponsor := range n.ListSponsors() {
		for _, c := range sponsor.Campaigns {
			if c.PropagationMechanismType == types.MechanismEmailAutoresponder && c.EmailAddress() != "" {
				out = append(out, SponsorCampaign{Sponsor: sponsor, Campaign: c})
			}
		}
	}
	return out
}
