package handshake

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psinet-ops/psinet/pkg/discovery"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/serverentry"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// ErrUnknownServer is returned when no server has the responding address
var ErrUnknownServer = errors.New("unknown responding server")

const regionToken = "client_region=XX"

// Request carries what a handshake is answered from
type Request struct {
	// ServerIP is the address of the responding server
	ServerIP string
	// StrategyValue selects discovery servers; empty disables discovery
	StrategyValue        string
	ClientRegion         string
	PropagationChannelID string
	SponsorID            string
	ClientPlatform       string
	ClientVersion        int
}

// Response is the handshake answer
type Response struct {
	Homepages            []string             `json:"homepages"`
	UpgradeClientVersion *string              `json:"upgrade_client_version"`
	EncodedServerList    []string             `json:"encoded_server_list"`
	SSHPort              int                  `json:"ssh_port"`
	SSHUsername          string               `json:"ssh_username"`
	SSHPassword          string               `json:"ssh_password"`
	SSHHostKey           string               `json:"ssh_host_key"`
	SSHSessionID         string               `json:"ssh_session_id"`
	SSHObfuscatedPort    int                  `json:"ssh_obfuscated_port"`
	SSHObfuscatedKey     string               `json:"ssh_obfuscated_key"`
	PageViewRegexes      []types.RegexReplace `json:"page_view_regexes"`
	HTTPSRequestRegexes  []types.RegexReplace `json:"https_request_regexes"`
	SpeedTestURL         string               `json:"speed_test_url,omitempty"`
}

// Config tunes a Responder
type Config struct {
	// SelectionCount is how many discovery servers a client is given
	SelectionCount int
	// Rand drives home page and speed test picks; seeded from the clock when nil
	Rand *rand.Rand
}

// Responder answers handshakes from a read-only network snapshot. It is
// safe for concurrent use.
type Responder struct {
	network  *psinet.Network
	selector *discovery.Selector
	logger   zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResponder creates a Responder over a snapshot. The snapshot must not
// be mutated afterwards.
func NewResponder(n *psinet.Network, cfg Config) (*Responder, error) {
	r := &Responder{
		network: n,
		rnd:     cfg.Rand,
		logger:  log.WithComponent("handshake"),
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if n.DiscoveryStrategyValueHMACKey != "" {
		key, err := n.DiscoveryHMACKey()
		if err != nil {
			return nil, err
		}
		r.selector = discovery.NewSelector(key, cfg.SelectionCount)
	} else {
		r.logger.Warn().Msg("Snapshot has no discovery key, discovery disabled")
	}
	return r, nil
}

// Network returns the snapshot being served
func (r *Responder) Network() *psinet.Network {
	return r.network
}

// ServerByIP finds the server answering on an address
func (r *Responder) ServerByIP(ip string) (*types.Server, error) {
	for _, s := range r.network.ListServers() {
		if s.IPAddress == ip {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownServer, ip)
}

// Respond builds the handshake response for req
func (r *Responder) Respond(req Request) (*Response, error) {
	server, err := r.ServerByIP(req.ServerIP)
	if err != nil {
		return nil, err
	}

	sessionID, err := security.RandomHex(8)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Homepages:           []string{},
		EncodedServerList:   []string{},
		SSHPort:             server.SSHPort,
		SSHUsername:         server.SSHUsername,
		SSHPassword:         server.SSHPassword,
		SSHHostKey:          server.SSHHostKey,
		SSHSessionID:        sessionID,
		SSHObfuscatedPort:   server.SSHObfuscatedPort,
		SSHObfuscatedKey:    server.SSHObfuscatedKey,
		PageViewRegexes:     []types.RegexReplace{},
		HTTPSRequestRegexes: []types.RegexReplace{},
	}

	platform, known := types.ParsePlatform(req.ClientPlatform)

	if sponsor, ok := r.network.Sponsors[req.SponsorID]; ok {
		if page := r.homepage(sponsor, req.ClientRegion, known && platform.IsMobile()); page != "" {
			resp.Homepages = append(resp.Homepages, page)
		}
		resp.PageViewRegexes = append(resp.PageViewRegexes, sponsor.PageViewRegexes...)
		resp.HTTPSRequestRegexes = append(resp.HTTPSRequestRegexes, sponsor.HTTPSRequestRegexes...)
	}

	if known && !r.upgradesManaged(req.PropagationChannelID) {
		if latest := r.network.LatestClientVersion(platform); latest > req.ClientVersion {
			v := strconv.Itoa(latest)
			resp.UpgradeClientVersion = &v
		}
	}

	entries, err := r.discover(req.StrategyValue)
	if err != nil {
		return nil, err
	}
	resp.EncodedServerList = append(resp.EncodedServerList, entries...)

	if urls := r.network.SpeedTestURLs; len(urls) > 0 {
		r.mu.Lock()
		resp.SpeedTestURL = urls[r.rnd.Intn(len(urls))]
		r.mu.Unlock()
	}
	return resp, nil
}

// upgradesManaged reports whether the channel's propagator ships upgrades
// itself, in which case no upgrade package is published for it
func (r *Responder) upgradesManaged(channelID string) bool {
	c, ok := r.network.PropagationChannels[channelID]
	return ok && c.PropagatorManagedUpgrades
}

// homepage picks one page for the region, falling back to the default
// region and, for mobile clients, to the desktop pages
func (r *Responder) homepage(sponsor *types.Sponsor, region string, mobile bool) string {
	data := r.network.SponsorData(sponsor)

	var pages []string
	if mobile {
		pages = regionPages(data.MobileHomePages, region)
	}
	if len(pages) == 0 {
		pages = regionPages(data.HomePages, region)
	}
	if len(pages) == 0 {
		return ""
	}

	r.mu.Lock()
	page := pages[r.rnd.Intn(len(pages))]
	r.mu.Unlock()

	if region == "" {
		region = types.DefaultRegion
	}
	return strings.ReplaceAll(page, regionToken, "client_region="+region)
}

func regionPages(pages map[string][]string, region string) []string {
	if list := pages[region]; len(list) > 0 {
		return list
	}
	return pages[types.DefaultRegion]
}

func (r *Responder) discover(strategy string) ([]string, error) {
	if strategy == "" || r.selector == nil {
		return nil, nil
	}
	candidates := discovery.Discoverable(r.network.ListServers(), r.network.Now())
	selected := r.selector.Select(candidates, strategy)

	r.mu.Lock()
	defer r.mu.Unlock()
	return serverentry.EncodeList(selected, func(id string) *types.Host {
		return r.network.Hosts[id]
	}, r.rnd)
}
