// Package psinettest provides fixtures for tests that need a populated network.
package psinettest

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
)

// Epoch is the fixed instant fixture networks start at
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source
type Clock struct {
	Now time.Time
}

// Func returns the clock as a time source
func (c *Clock) Func() func() time.Time {
	return func() time.Time { return c.Now }
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.Now = c.Now.Add(d)
}

// NewNetwork returns a locked, empty network with a seeded random source and
// a clock starting at Epoch
func NewNetwork(t testing.TB) (*psinet.Network, *Clock) {
	t.Helper()
	n := psinet.New()
	n.MarkLocked()
	clock := &Clock{Now: Epoch}
	n.SetClock(clock.Func())
	n.SetRand(rand.New(rand.NewSource(1)))
	return n, clock
}

// AddHost imports a host with the given id
func AddHost(t testing.TB, n *psinet.Network, id string) *types.Host {
	t.Helper()
	h := &types.Host{
		ID:                            id,
		Provider:                      "manual",
		ProviderID:                    "prov-" + id,
		IPAddress:                     fmt.Sprintf("192.0.2.%d", len(n.Hosts)+1),
		SSHPort:                       22,
		SSHUsername:                   "root",
		SSHPassword:                   "host-password",
		SSHHostKey:                    "ssh-rsa AAAAHOSTKEY",
		StatsSSHUsername:              "stats",
		StatsSSHPassword:              "stats-password",
		DatacenterName:                "test-dc",
		Region:                        "US",
		MeekServerPort:                0,
		MeekServerObfuscatedKey:       "meek-obfs-" + id,
		MeekCookieEncryptionPublicKey: "meek-pub-" + id,
	}
	if err := n.ImportHost(h); err != nil {
		t.Fatalf("ImportHost(%s): %v", id, err)
	}
	return h
}

// ServerOption customizes AddServer
type ServerOption func(*types.Server)

// Embedded marks the server embedded
func Embedded() ServerOption {
	return func(s *types.Server) { s.IsEmbedded = true }
}

// Permanent marks the server permanent
func Permanent() ServerOption {
	return func(s *types.Server) { s.IsPermanent = true }
}

// Discovery gives the server a discovery range
func Discovery(start, end time.Time) ServerOption {
	return func(s *types.Server) {
		s.DiscoveryDateRange = &types.DiscoveryDateRange{Start: start, End: end}
	}
}

// WithCapabilities replaces the default capability set
func WithCapabilities(caps ...types.Capability) ServerOption {
	return func(s *types.Server) { s.Capabilities = types.NewCapabilities(caps...) }
}

// AddServer imports a host named after the server and the server itself
func AddServer(t testing.TB, n *psinet.Network, id, channelID string, opts ...ServerOption) *types.Server {
	t.Helper()
	host := AddHost(t, n, "host-"+id)
	s := &types.Server{
		ID:                   id,
		HostID:               host.ID,
		IPAddress:            host.IPAddress,
		EgressIPAddress:      host.IPAddress,
		InternalIPAddress:    host.IPAddress,
		PropagationChannelID: channelID,
		Capabilities:         types.NewCapabilities(types.CapHandshake, types.CapVPN, types.CapSSH, types.CapOSSH),
		WebServerPort:        8443,
		WebServerSecret:      "secret-" + id,
		WebServerCertificate: "CERT",
		WebServerPrivateKey:  "KEY",
		SSHPort:              22,
		SSHUsername:          "user-" + id,
		SSHPassword:          "pass-" + id,
		SSHHostKey:           "ssh-rsa AAAASERVERKEY",
		SSHObfuscatedPort:    995,
		SSHObfuscatedKey:     "obfs-" + id,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := n.ImportServer(s); err != nil {
		t.Fatalf("ImportServer(%s): %v", id, err)
	}
	return s
}

// ClearFlags resets every dirty flag so a test can observe what one call sets
func ClearFlags(n *psinet.Network) {
	n.DeployImplementationRequiredForHosts = make(psinet.IDSet)
	n.DeployDataRequiredForAll = false
	n.DeployBuildsRequiredForCampaigns = make(map[types.Platform]map[string]types.CampaignKey)
	n.DeployStatsConfigRequired = false
	n.DeployEmailConfigRequired = false
	n.DeployWebsiteRequiredForSponsors = make(psinet.IDSet)
	n.HostsToRemoveFromProviders = make(map[string]*types.Host)
}
