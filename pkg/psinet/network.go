package psinet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/types"
)

// Validation errors. Every one of them wraps ErrValidation.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotLocked  = fmt.Errorf("%w: network is not locked", ErrValidation)
	ErrNotFound   = fmt.Errorf("%w: not found", ErrValidation)
	ErrDuplicate  = fmt.Errorf("%w: already exists", ErrValidation)
)

// IDSet is a persisted set of entity ids
type IDSet map[string]bool

// Sorted returns the members in ascending order
func (s IDSet) Sorted() []string {
	return types.SortedKeys(s)
}

// Network is the aggregate root holding every entity, the key material and
// the pending deploy work. It is not safe for concurrent mutation; a single
// locked session owns it.
type Network struct {
	PropagationChannels map[string]*types.PropagationChannel       `json:"propagation_channels"`
	Sponsors            map[string]*types.Sponsor                  `json:"sponsors"`
	Hosts               map[string]*types.Host                     `json:"hosts"`
	Servers             map[string]*types.Server                   `json:"servers"`
	DeletedHosts        map[string]*types.Host                     `json:"deleted_hosts"`
	DeletedServers      map[string]*types.Server                   `json:"deleted_servers"`
	ClientVersions      map[types.Platform][]*types.ClientVersion `json:"client_versions"`
	SpeedTestURLs       []string                                   `json:"speed_test_urls,omitempty"`

	DiscoveryStrategyValueHMACKey string `json:"discovery_strategy_value_hmac_key,omitempty"`

	RemoteServerListSigningKeyPair *types.KeyPair `json:"remote_server_list_signing_key_pair,omitempty"`
	UpgradePackageSigningKeyPair   *types.KeyPair `json:"upgrade_package_signing_key_pair,omitempty"`
	FeedbackEncryptionKeyPair      *types.KeyPair `json:"feedback_encryption_key_pair,omitempty"`
	RoutesSigningKeyPair           *types.KeyPair `json:"routes_signing_key_pair,omitempty"`

	DeployImplementationRequiredForHosts IDSet                                              `json:"deploy_implementation_required_for_hosts"`
	DeployDataRequiredForAll             bool                                               `json:"deploy_data_required_for_all"`
	DeployBuildsRequiredForCampaigns     map[types.Platform]map[string]types.CampaignKey `json:"deploy_builds_required_for_campaigns"`
	DeployStatsConfigRequired            bool                                               `json:"deploy_stats_config_required"`
	DeployEmailConfigRequired            bool                                               `json:"deploy_email_config_required"`
	DeployWebsiteRequiredForSponsors     IDSet                                              `json:"deploy_website_required_for_sponsors"`
	HostsToRemoveFromProviders           map[string]*types.Host                             `json:"hosts_to_remove_from_providers"`

	locked bool
	clock  func() time.Time
	rnd    *rand.Rand
}

// New returns an empty, unlocked network
func New() *Network {
	n := &Network{}
	n.ensureMaps()
	return n
}

func (n *Network) ensureMaps() {
	if n.PropagationChannels == nil {
		n.PropagationChannels = make(map[string]*types.PropagationChannel)
	}
	if n.Sponsors == nil {
		n.Sponsors = make(map[string]*types.Sponsor)
	}
	if n.Hosts == nil {
		n.Hosts = make(map[string]*types.Host)
	}
	if n.Servers == nil {
		n.Servers = make(map[string]*types.Server)
	}
	if n.DeletedHosts == nil {
		n.DeletedHosts = make(map[string]*types.Host)
	}
	if n.DeletedServers == nil {
		n.DeletedServers = make(map[string]*types.Server)
	}
	if n.ClientVersions == nil {
		n.ClientVersions = make(map[types.Platform][]*types.ClientVersion)
	}
	if n.DeployImplementationRequiredForHosts == nil {
		n.DeployImplementationRequiredForHosts = make(IDSet)
	}
	if n.DeployBuildsRequiredForCampaigns == nil {
		n.DeployBuildsRequiredForCampaigns = make(map[types.Platform]map[string]types.CampaignKey)
	}
	if n.DeployWebsiteRequiredForSponsors == nil {
		n.DeployWebsiteRequiredForSponsors = make(IDSet)
	}
	if n.HostsToRemoveFromProviders == nil {
		n.HostsToRemoveFromProviders = make(map[string]*types.Host)
	}
}

// UnmarshalJSON decodes a network and initializes any absent maps
func (n *Network) UnmarshalJSON(data []byte) error {
	type plain Network
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = Network(p)
	n.ensureMaps()
	return nil
}

// IsLocked reports whether the network belongs to a locked session
func (n *Network) IsLocked() bool { return n.locked }

// MarkLocked is called by the store once the session lock is held
func (n *Network) MarkLocked() { n.locked = true }

// MarkUnlocked is called by the store when the session lock is released
func (n *Network) MarkUnlocked() { n.locked = false }

func (n *Network) assertLocked() error {
	if !n.locked {
		return ErrNotLocked
	}
	return nil
}

// SetClock replaces the time source
func (n *Network) SetClock(clock func() time.Time) { n.clock = clock }

// SetRand replaces the random source used for non-secret choices
func (n *Network) SetRand(rnd *rand.Rand) { n.rnd = rnd }

// Now returns the current time according to the network's clock
func (n *Network) Now() time.Time {
	if n.clock != nil {
		return n.clock()
	}
	return time.Now().UTC()
}

// Rand returns the network's random source
func (n *Network) Rand() *rand.Rand {
	if n.rnd == nil {
		n.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return n.rnd
}

func (n *Network) audit(entity types.Logged, format string, args ...any) {
	entity.AuditLog().Append(n.Now(), fmt.Sprintf(format, args...))
}

func newID() (string, error) {
	id, err := security.RandomHex(8)
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return strings.ToUpper(id), nil
}
