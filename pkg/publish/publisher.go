package publish

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/psinet-ops/psinet/pkg/discovery"
	"github.com/psinet-ops/psinet/pkg/events"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/serverentry"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// Config names the well-known buckets
type Config struct {
	// BucketPrefix starts every allocated campaign bucket name
	BucketPrefix string
	// EmailBucket holds the autoresponder configuration
	EmailBucket string
	// RoutesBucket holds the signed per-region routes
	RoutesBucket string
}

// Dependencies are the collaborators of a Publisher. Notifier and Events may
// be nil.
type Dependencies struct {
	Store    ObjectStore
	Builder  Builder
	Notifier Notifier
	Events   *events.Broker
}

// Publisher builds clients for campaigns and publishes them with their
// server lists, websites and autoresponder configuration
type Publisher struct {
	deps   Dependencies
	cfg    Config
	logger zerolog.Logger
}

// New creates a Publisher
func New(deps Dependencies, cfg Config) *Publisher {
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "psinet-"
	}
	return &Publisher{deps: deps, cfg: cfg, logger: log.WithComponent("publish")}
}

// PublishBuild builds and uploads the platform's client for every campaign
// bound to key. Campaigns without a bucket get one, along with their
// website. Failures are joined after every campaign has been attempted.
func (p *Publisher) PublishBuild(ctx context.Context, n *psinet.Network, platform types.Platform, key types.CampaignKey) error {
	if p.deps.Builder == nil {
		return fmt.Errorf("%w: no client builder configured", ErrBuildFailure)
	}
	channel, err := n.PropagationChannel(key.PropagationChannelID)
	if err != nil {
		return err
	}
	campaigns := n.CampaignsFor(key)
	if len(campaigns) == 0 {
		return nil
	}

	entries, err := p.embeddedEntries(n, channel.ID)
	if err != nil {
		return err
	}
	listKP, err := n.GetRemoteServerListSigningKeyPair()
	if err != nil {
		return err
	}
	upgradeKP, err := n.GetUpgradePackageSigningKeyPair()
	if err != nil {
		return err
	}
	feedbackKP, err := n.GetFeedbackEncryptionKeyPair()
	if err != nil {
		return err
	}
	serverList, err := BuildRemoteServerList(entries, listKP)
	if err != nil {
		return err
	}

	var errs []error
	for _, sc := range campaigns {
		if !sc.Campaign.TargetsPlatform(platform) {
			continue
		}
		req := BuildRequest{
			Platform:                           platform,
			PropagationChannelID:               channel.ID,
			SponsorID:                          sc.Sponsor.ID,
			ClientVersion:                      n.LatestClientVersion(platform),
			Banner:                             n.SponsorData(sc.Sponsor).Banner,
			EmbeddedServerList:                 entries,
			RemoteServerListSignaturePublicKey: base64.StdEncoding.EncodeToString(listKP.PublicKey),
			UpgradeSignaturePublicKey:          base64.StdEncoding.EncodeToString(upgradeKP.PublicKey),
			FeedbackEncryptionPublicKey:        base64.StdEncoding.EncodeToString(feedbackKP.PublicKey),
			GetNewVersionEmail:                 sc.Campaign.EmailAddress(),
		}
		if err := p.publishCampaign(ctx, n, channel, sc, req, serverList, upgradeKP); err != nil {
			p.logger.Error().Err(err).
				Str("platform", string(platform)).
				Str("campaign", key.String()).
				Msg("Failed to publish campaign build")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) embeddedEntries(n *psinet.Network, channelID string) ([]string, error) {
	servers := discovery.EmbeddedServers(n.ListServers(), channelID, n.Rand(), discovery.MaxRandomPermanentServers)
	return serverentry.EncodeList(servers, func(id string) *types.Host {
		return n.Hosts[id]
	}, n.Rand())
}

func (p *Publisher) publishCampaign(ctx context.Context, n *psinet.Network, channel *types.PropagationChannel, sc psinet.SponsorCampaign, req BuildRequest, serverList []byte, upgradeKP *types.KeyPair) error {
	c := sc.Campaign
	if c.S3BucketName == "" {
		if err := p.allocateBucket(ctx, n, sc); err != nil {
			return err
		}
	}
	bucket := c.S3BucketName
	store := p.deps.Store

	if err := store.Put(ctx, bucket, ServerListKey, serverList, "application/octet-stream"); err != nil {
		return err
	}
	req.RemoteServerListURL = store.URL(bucket, ServerListKey)
	if !channel.PropagatorManagedUpgrades {
		req.UpgradeURL = store.URL(bucket, UpgradeName(req.Platform))
	}

	path, err := p.deps.Builder.Build(ctx, req)
	if err != nil {
		return err
	}
	binary, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}

	if !channel.PropagatorManagedUpgrades {
		pkg, err := BuildUpgradePackage(binary, upgradeKP)
		if err != nil {
			return err
		}
		if err := store.Put(ctx, bucket, UpgradeName(req.Platform), pkg, "application/octet-stream"); err != nil {
			return err
		}
	}
	if err := store.Put(ctx, bucket, ClientName(req.Platform), binary, "application/octet-stream"); err != nil {
		return err
	}

	url := store.URL(bucket, ClientName(req.Platform))
	p.notify(ctx, c, url)
	p.deps.Events.Emit(events.EventBuildPublished, "published "+url, map[string]string{
		"platform":   string(req.Platform),
		"channel_id": req.PropagationChannelID,
		"sponsor_id": req.SponsorID,
	})
	p.logger.Info().Str("url", url).Int("version", req.ClientVersion).Msg("Client published")
	return nil
}

func (p *Publisher) allocateBucket(ctx context.Context, n *psinet.Network, sc psinet.SponsorCampaign) error {
	suffix, err := security.RandomHex(8)
	if err != nil {
		return err
	}
	bucket := p.cfg.BucketPrefix + strings.ToLower(suffix)
	if err := p.deps.Store.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	if err := n.SetCampaignS3BucketName(sc.Sponsor.ID, sc.Campaign, bucket); err != nil {
		return err
	}
	return p.putWebsite(ctx, n, sc)
}

func (p *Publisher) notify(ctx context.Context, c *types.Campaign, url string) {
	if p.deps.Notifier == nil {
		return
	}
	message := "Download Psiphon: " + url
	var err error
	switch c.PropagationMechanismType {
	case types.MechanismTwitter:
		if c.Account != nil && c.Account.Twitter != nil {
			err = p.deps.Notifier.Tweet(ctx, c.Account.Twitter, message)
		}
	case types.MechanismEmailAutoresponder:
		err = p.deps.Notifier.SendEmail(ctx, c, message)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("url", url).Msg("Notification failed")
	}
}

func (p *Publisher) putWebsite(ctx context.Context, n *psinet.Network, sc psinet.SponsorCampaign) error {
	site, err := Website(n.SponsorData(sc.Sponsor), sc.Campaign, p.deps.Store)
	if err != nil {
		return err
	}
	return p.deps.Store.Put(ctx, sc.Campaign.S3BucketName, WebsiteIndexKey, site, "text/html")
}

// PublishWebsite regenerates the download page of every campaign of a
// sponsor that already has a bucket
func (p *Publisher) PublishWebsite(ctx context.Context, n *psinet.Network, sponsorID string) error {
	sponsor, err := n.Sponsor(sponsorID)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range sponsor.Campaigns {
		if c.S3BucketName == "" {
			continue
		}
		if err := p.putWebsite(ctx, n, psinet.SponsorCampaign{Sponsor: sponsor, Campaign: c}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishEmailConfig uploads the autoresponder configuration
func (p *Publisher) PublishEmailConfig(ctx context.Context, n *psinet.Network) error {
	if p.cfg.EmailBucket == "" {
		return fmt.Errorf("no email bucket configured")
	}
	data, err := EmailConfigJSON(n, p.deps.Store)
	if err != nil {
		return err
	}
	if err := p.deps.Store.EnsureBucket(ctx, p.cfg.EmailBucket); err != nil {
		return err
	}
	return p.deps.Store.Put(ctx, p.cfg.EmailBucket, EmailConfigKey, data, "application/json")
}

// PublishRoutes signs the route files in dir and uploads them, returning
// how many were published
func (p *Publisher) PublishRoutes(ctx context.Context, n *psinet.Network, dir string) (int, error) {
	if p.cfg.RoutesBucket == "" {
		return 0, fmt.Errorf("no routes bucket configured")
	}
	kp, err := n.GetRoutesSigningKeyPair()
	if err != nil {
		return 0, err
	}
	signed, err := SignRoutes(dir, kp)
	if err != nil {
		return 0, err
	}
	if err := p.deps.Store.EnsureBucket(ctx, p.cfg.RoutesBucket); err != nil {
		return 0, err
	}
	for _, key := range types.SortedKeys(signed) {
		if err := p.deps.Store.Put(ctx, p.cfg.RoutesBucket, key, signed[key], "application/octet-stream"); err != nil {
			return 0, err
		}
	}
	p.logger.Info().Int("routes", len(signed)).Msg("Routes published")
	return len(signed), nil
}
