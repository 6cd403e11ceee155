package compartment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/psinet/psinettest"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated(t *testing.T) *psinet.Network {
	t.Helper()
	n, clock := psinettest.NewNetwork(t)
	main, err := n.AddPropagationChannel("main", []types.PropagationMechanism{types.MechanismEmailAutoresponder})
	require.NoError(t, err)

	_, err = n.AddSponsor("brand")
	require.NoError(t, err)
	require.NoError(t, n.SetSponsorBanner("brand", "QkFOTkVS"))
	require.NoError(t, n.SetSponsorHomePage("brand", "US", "https://brand.example.test/"))
	_, err = n.AddSponsor("overlay")
	require.NoError(t, err)
	require.NoError(t, n.SetSponsorUseDataFrom("overlay", "brand"))
	require.NoError(t, n.AddSponsorPageViewRegex("overlay", "^x$", "y"))
	_, err = n.AddSponsorEmailCampaign("brand", "main", "get@example.test", psinet.CampaignOptions{})
	require.NoError(t, err)

	psinettest.AddServer(t, n, "MINE", main.ID, psinettest.Embedded())
	psinettest.AddServer(t, n, "DISC", main.ID, psinettest.Discovery(clock.Now.Add(-time.Hour), clock.Now.Add(time.Hour)))
	psinettest.AddServer(t, n, "OLD", main.ID, psinettest.Discovery(clock.Now.Add(-48*time.Hour), clock.Now.Add(-time.Hour)))
	psinettest.AddServer(t, n, "OTHER", main.ID)
	psinettest.AddServer(t, n, "GONE", main.ID)
	require.NoError(t, n.RemoveHost("host-GONE"))

	_, err = n.AddClientVersion(types.PlatformWindows, "secret release notes")
	require.NoError(t, err)
	require.NoError(t, n.SetSpeedTestURLs([]string{"https://speed.example.test/"}))
	_, err = n.DiscoveryHMACKey()
	require.NoError(t, err)
	return n
}

func TestHostView(t *testing.T) {
	n := populated(t)
	view, err := HostView(n, "host-MINE")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"MINE", "DISC"}, types.SortedKeys(view.Servers))
	assert.Equal(t, "KEY", view.Servers["MINE"].WebServerPrivateKey)
	assert.Empty(t, view.Servers["DISC"].WebServerPrivateKey)
	assert.Equal(t, "secret-DISC", view.Servers["DISC"].WebServerSecret)
	assert.Empty(t, view.Servers["MINE"].Logs)

	for id, h := range view.Hosts {
		assert.Empty(t, h.SSHPassword, id)
		assert.Empty(t, h.StatsSSHPassword, id)
		assert.Empty(t, h.Provider, id)
		if id != "host-MINE" {
			assert.Empty(t, h.IPAddress, id)
		}
		assert.Equal(t, "US", h.Region)
	}
	assert.Equal(t, n.Hosts["host-MINE"].IPAddress, view.Hosts["host-MINE"].IPAddress)
	assert.Empty(t, view.DeletedServers)
	assert.Empty(t, view.DeletedHosts)

	for _, c := range view.PropagationChannels {
		assert.Empty(t, c.Name)
		assert.Empty(t, c.PropagationMechanismTypes)
	}

	brand, err := n.SponsorByName("brand")
	require.NoError(t, err)
	overlay, err := n.SponsorByName("overlay")
	require.NoError(t, err)
	assert.Empty(t, view.Sponsors[brand.ID].Name)
	assert.Empty(t, view.Sponsors[brand.ID].Banner)
	assert.Empty(t, view.Sponsors[brand.ID].Campaigns)
	assert.Equal(t, overlay.ID, view.Sponsors[overlay.ID].ID)
	assert.Equal(t, brand.HomePages, view.Sponsors[overlay.ID].HomePages)
	assert.Len(t, view.Sponsors[overlay.ID].PageViewRegexes, 1)

	require.Len(t, view.ClientVersions[types.PlatformWindows], 1)
	assert.Empty(t, view.ClientVersions[types.PlatformWindows][0].Description)
	assert.Equal(t, n.SpeedTestURLs, view.SpeedTestURLs)
	assert.Equal(t, n.DiscoveryStrategyValueHMACKey, view.DiscoveryStrategyValueHMACKey)
	assert.Nil(t, view.RemoteServerListSigningKeyPair)
}

func TestHostViewUnknownHost(t *testing.T) {
	_, err := ForHost(populated(t), "nope")
	assert.ErrorIs(t, err, psinet.ErrNotFound)
}

func TestProjectionsAreDeterministic(t *testing.T) {
	n := populated(t)
	before, err := json.Marshal(n)
	require.NoError(t, err)

	a, err := ForHost(n, "host-MINE")
	require.NoError(t, err)
	b, err := ForHost(n, "host-MINE")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	s1, err := ForStats(n)
	require.NoError(t, err)
	s2, err := ForStats(n)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	after, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "projection must not modify the network")
}

func TestStatsView(t *testing.T) {
	n := populated(t)
	view := StatsView(n)

	assert.Len(t, view.Servers, 4)
	assert.Contains(t, view.DeletedServers, "GONE")
	assert.Contains(t, view.DeletedHosts, "host-GONE")

	h := view.Hosts["host-MINE"]
	assert.Equal(t, "manual", h.Provider)
	assert.Equal(t, "stats", h.StatsSSHUsername)
	assert.Equal(t, "stats-password", h.StatsSSHPassword)
	assert.Empty(t, h.SSHPassword)
	assert.Empty(t, h.MeekServerObfuscatedKey)

	s := view.Servers["DISC"]
	assert.NotNil(t, s.DiscoveryDateRange)
	assert.Empty(t, s.WebServerSecret)
	assert.Empty(t, s.SSHPassword)
	assert.Nil(t, s.Capabilities)
	assert.True(t, view.Servers["MINE"].IsEmbedded)

	for _, sp := range view.Sponsors {
		assert.NotEmpty(t, sp.Name)
		assert.Empty(t, sp.HomePages)
	}
	assert.Empty(t, view.DiscoveryStrategyValueHMACKey)
	assert.Empty(t, view.ClientVersions)
}

func TestSnapshotRoundTrip(t *testing.T) {
	data, err := ForHost(populated(t), "host-MINE")
	require.NoError(t, err)

	var decoded psinet.Network
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded.Servers, 2)
	assert.NotNil(t, decoded.DeletedServers)
}
