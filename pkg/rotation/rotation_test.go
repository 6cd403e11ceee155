package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/psinet/psinettest"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	next    int
	failOn  map[int]bool
	removed []string
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) SupportsRemoval() bool { return true }

func (f *fakeAdapter) LaunchNewServer(context.Context) (*provider.Launched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.failOn[f.next] {
		return nil, fmt.Errorf("%w: quota exceeded", provider.ErrProviderFailure)
	}
	id := fmt.Sprintf("%s-%d", f.name, f.next)
	ip := fmt.Sprintf("198.51.100.%d", f.next)
	return &provider.Launched{
		Host:   &types.Host{ID: id, Provider: f.name, ProviderID: id, IPAddress: ip, Region: "CA"},
		Server: &types.Server{IPAddress: ip},
	}, nil
}

func (f *fakeAdapter) RemoveServer(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, providerID)
	return nil
}

type recorder struct {
	checkpoints int
	deploys     int
}

func (r *recorder) Checkpoint(*psinet.Network) error { r.checkpoints++; return nil }

func (r *recorder) Deploy(context.Context, *psinet.Network) error { r.deploys++; return nil }

type fakeInstaller struct{}

func (fakeInstaller) Install(_ context.Context, host *types.Host, _ *types.Server) error {
	host.SSHHostKey = "ssh-rsa INSTALLED"
	return nil
}

type userCounts map[string]int

func (u userCounts) ActiveUsers(_ context.Context, host *types.Host) (int, error) {
	n, ok := u[host.ID]
	if !ok {
		return 0, errors.New("unreachable")
	}
	return n, nil
}

func setup(t *testing.T) (*psinet.Network, *psinettest.Clock, *types.PropagationChannel, *fakeAdapter, *recorder, *Rotator) {
	t.Helper()
	n, clock := psinettest.NewNetwork(t)
	channel, err := n.AddPropagationChannel("main", []types.PropagationMechanism{types.MechanismStaticDownload})
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "fake", failOn: map[int]bool{}}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(adapter, 1))

	rec := &recorder{}
	r := New(n, Dependencies{
		Providers: registry,
		Installer: fakeInstaller{},
		Store:     rec,
		Deployer:  rec,
	}, Config{})
	return n, clock, channel, adapter, rec, r
}

func launch(t *testing.T, a *fakeAdapter, count int) []*provider.Launched {
	t.Helper()
	var out []*provider.Launched
	for i := 0; i < count; i++ {
		l, err := a.LaunchNewServer(context.Background())
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func TestAddEmbeddedServersReplacesNonPermanent(t *testing.T) {
	n, _, channel, adapter, rec, r := setup(t)
	_, err := n.AddSponsor("s1")
	require.NoError(t, err)
	_, err = n.AddSponsorStaticDownloadCampaign("s1", "main", psinet.CampaignOptions{})
	require.NoError(t, err)

	psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded(), psinettest.Permanent())
	psinettest.AddServer(t, n, "E2", channel.ID, psinettest.Embedded())
	psinettest.AddServer(t, n, "E3", channel.ID, psinettest.Embedded())
	psinettest.ClearFlags(n)

	launched := launch(t, adapter, 2)
	require.NoError(t, r.AddServers(context.Background(), launched, "main", nil, true, nil))

	assert.True(t, n.Servers["E1"].IsEmbedded)
	assert.False(t, n.Servers["E2"].IsEmbedded)
	assert.False(t, n.Servers["E3"].IsEmbedded)
	for _, l := range launched {
		s := n.Servers[l.Host.ID]
		require.NotNil(t, s, "server %s recorded", l.Host.ID)
		assert.True(t, s.IsEmbedded)
		assert.Equal(t, channel.ID, s.PropagationChannelID)
		assert.NotEmpty(t, s.WebServerCertificate)
		assert.NotEmpty(t, s.WebServerPrivateKey)
		assert.Len(t, s.WebServerSecret, 64)
		assert.NotEmpty(t, s.SSHPassword)
		assert.NotEmpty(t, s.SSHObfuscatedKey)
		assert.Equal(t, "ssh-rsa INSTALLED", n.Hosts[l.Host.ID].SSHHostKey)
	}

	assert.True(t, n.DeployDataRequiredForAll)
	assert.True(t, n.DeployStatsConfigRequired)
	assert.Len(t, n.DeployImplementationRequiredForHosts, 2)
	assert.NotEmpty(t, n.BuildsRequired(types.PlatformWindows))
	assert.NotEmpty(t, n.BuildsRequired(types.PlatformAndroid))
	assert.Equal(t, 1, rec.checkpoints)
	assert.Equal(t, 1, rec.deploys)
}

func TestAddDiscoveryServersTruncatesCurrentRanges(t *testing.T) {
	n, clock, channel, adapter, _, r := setup(t)
	now := clock.Now
	psinettest.AddServer(t, n, "D1", channel.ID, psinettest.Discovery(now.Add(-24*time.Hour), now.Add(5*24*time.Hour)))
	psinettest.AddServer(t, n, "D2", channel.ID, psinettest.Discovery(now.Add(24*time.Hour), now.Add(5*24*time.Hour)))
	psinettest.AddServer(t, n, "OLD", channel.ID, psinettest.Discovery(now.Add(-10*24*time.Hour), now.Add(-5*24*time.Hour)))

	rng := &types.DiscoveryDateRange{Start: now, End: now.Add(14 * 24 * time.Hour)}
	launched := launch(t, adapter, 3)
	require.NoError(t, r.AddServers(context.Background(), launched, "main", rng, true, nil))

	for _, id := range []string{"D1", "D2"} {
		assert.False(t, n.Servers[id].DiscoveryDateRange.End.After(now), id)
	}
	assert.Equal(t, now.Add(-5*24*time.Hour), n.Servers["OLD"].DiscoveryDateRange.End)

	for _, l := range launched {
		s := n.Servers[l.Host.ID]
		require.NotNil(t, s)
		assert.False(t, s.IsEmbedded)
		assert.Equal(t, *rng, *s.DiscoveryDateRange)
		assert.NotSame(t, rng, s.DiscoveryDateRange)
		caps := s.Capabilities.Enabled()
		require.Len(t, caps, 1)
		assert.Contains(t, []types.Capability{types.CapOSSH, types.CapUnfrontedMeek}, caps[0])
	}
}

func TestAddServersExplicitCapabilities(t *testing.T) {
	n, _, _, adapter, _, r := setup(t)
	launched := launch(t, adapter, 1)
	caps := types.NewCapabilities(types.CapHandshake, types.CapVPN)
	require.NoError(t, r.AddServers(context.Background(), launched, "main", nil, false, caps))
	assert.Equal(t, caps, n.Servers[launched[0].Host.ID].Capabilities)
}

func TestAddServersUnknownChannel(t *testing.T) {
	_, _, _, adapter, rec, r := setup(t)
	err := r.AddServers(context.Background(), launch(t, adapter, 1), "nope", nil, true, nil)
	assert.ErrorIs(t, err, psinet.ErrNotFound)
	assert.Zero(t, rec.deploys)
}

func TestAddServersFailureChangesNothing(t *testing.T) {
	tests := []struct {
		name      string
		discovery bool
		caps      types.Capabilities
		launched  func(t *testing.T, a *fakeAdapter) []*provider.Launched
		wantErr   error
	}{
		{
			name:     "both meek variants",
			caps:     types.NewCapabilities(types.CapFrontedMeek, types.CapUnfrontedMeek),
			launched: func(t *testing.T, a *fakeAdapter) []*provider.Launched { return launch(t, a, 2) },
			wantErr:  psinet.ErrValidation,
		},
		{
			name:      "unknown capability",
			discovery: true,
			caps:      types.NewCapabilities("TELEPORT"),
			launched:  func(t *testing.T, a *fakeAdapter) []*provider.Launched { return launch(t, a, 1) },
			wantErr:   psinet.ErrValidation,
		},
		{
			name: "host already recorded",
			launched: func(t *testing.T, a *fakeAdapter) []*provider.Launched {
				l := launch(t, a, 1)
				l[0].Host.ID = "host-E1"
				return l
			},
			wantErr: psinet.ErrDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, clock, channel, adapter, rec, r := setup(t)
			now := clock.Now
			psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded())
			psinettest.AddServer(t, n, "D1", channel.ID, psinettest.Discovery(now.Add(-time.Hour), now.Add(24*time.Hour)))
			psinettest.ClearFlags(n)
			entries := len(n.Servers["E1"].Logs)

			var rng *types.DiscoveryDateRange
			if tt.discovery {
				rng = &types.DiscoveryDateRange{Start: now, End: now.Add(14 * 24 * time.Hour)}
			}
			err := r.AddServers(context.Background(), tt.launched(t, adapter), "main", rng, true, tt.caps)
			assert.ErrorIs(t, err, tt.wantErr)

			assert.Len(t, n.Hosts, 2)
			assert.Len(t, n.Servers, 2)
			assert.True(t, n.Servers["E1"].IsEmbedded)
			assert.Len(t, n.Servers["E1"].Logs, entries)
			assert.Equal(t, now.Add(24*time.Hour), n.Servers["D1"].DiscoveryDateRange.End)
			assert.Empty(t, n.DeployImplementationRequiredForHosts)
			assert.False(t, n.DeployDataRequiredForAll)
			assert.False(t, n.DeployStatsConfigRequired)
			assert.Zero(t, rec.checkpoints)
			assert.Zero(t, rec.deploys)
		})
	}
}

func TestAddServersPartialFailureReplacesOthers(t *testing.T) {
	n, _, channel, adapter, rec, r := setup(t)
	psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded())

	launched := launch(t, adapter, 2)
	launched[1].Host.ID = "host-E1"
	err := r.AddServers(context.Background(), launched, "main", nil, true, nil)
	assert.ErrorIs(t, err, psinet.ErrDuplicate)

	assert.False(t, n.Servers["E1"].IsEmbedded)
	assert.True(t, n.Servers[launched[0].Host.ID].IsEmbedded)
	assert.Len(t, n.Hosts, 2)
	assert.Equal(t, 1, rec.deploys)
}

func TestReplacePropagationChannelServersChangesNothing(t *testing.T) {
	tests := []struct {
		name      string
		channel   string
		failAll   bool
		wantErr   error
		wantCalls int
	}{
		{name: "unknown channel", channel: "nope", wantErr: psinet.ErrNotFound},
		{name: "every launch fails", channel: "main", failAll: true, wantErr: provider.ErrProviderFailure, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _, channel, adapter, rec, r := setup(t)
			psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded())
			psinettest.ClearFlags(n)
			if tt.failAll {
				for i := 1; i <= 3; i++ {
					adapter.failOn[i] = true
				}
			}

			err := r.ReplacePropagationChannelServers(context.Background(), tt.channel, 1, 2)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, adapter.next)
			assert.Len(t, n.Servers, 1)
			assert.True(t, n.Servers["E1"].IsEmbedded)
			assert.False(t, n.DeployDataRequiredForAll)
			assert.Zero(t, rec.deploys)
		})
	}
}

func TestReplacePropagationChannelServers(t *testing.T) {
	n, clock, channel, adapter, rec, r := setup(t)
	adapter.failOn[2] = true

	err := r.ReplacePropagationChannelServers(context.Background(), "main", 2, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProviderFailure)

	var discovery, embedded int
	for _, s := range n.ServersForChannel(channel.ID) {
		switch s.Role() {
		case types.RoleDiscovery:
			discovery++
			assert.Equal(t, clock.Now.AddDate(0, 0, DefaultDiscoveryDays), s.DiscoveryDateRange.End)
		case types.RoleEmbedded:
			embedded++
		}
	}
	assert.Equal(t, 4, discovery+embedded, "one launch failed")
	assert.Equal(t, 5, adapter.next)
	assert.Equal(t, 2, rec.deploys, "one add per group")
}

func TestLaunchNothing(t *testing.T) {
	_, _, _, _, _, r := setup(t)
	got, err := r.Launch(context.Background(), 0)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrune(t *testing.T) {
	n, clock, channel, _, rec, r := setup(t)
	for _, id := range []string{"IDLE", "QUIET", "BUSY", "PERM", "MANUAL", "YOUNG"} {
		opts := []psinettest.ServerOption{psinettest.Embedded()}
		if id == "PERM" {
			opts = append(opts, psinettest.Permanent())
		}
		if id == "YOUNG" {
			clock.Advance(20 * 24 * time.Hour)
		}
		psinettest.AddServer(t, n, id, channel.ID, opts...)
		if id != "MANUAL" {
			n.Hosts["host-"+id].Provider = "fake"
		}
	}
	clock.Advance(5 * 24 * time.Hour)
	r.deps.Counter = userCounts{"host-IDLE": 0, "host-QUIET": 10, "host-BUSY": 500, "host-PERM": 0, "host-MANUAL": 0, "host-YOUNG": 0}

	res, err := r.PrunePropagationChannelServers(context.Background(), "main", 7, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-IDLE"}, res.RemovedHosts)
	assert.Equal(t, []string{"QUIET"}, res.DisabledServers)

	assert.NotContains(t, n.Servers, "IDLE")
	assert.Contains(t, n.HostsToRemoveFromProviders, "host-IDLE")
	assert.False(t, n.Servers["QUIET"].Capabilities.Serving())
	assert.True(t, n.Servers["BUSY"].Capabilities.Serving())
	assert.True(t, n.Servers["PERM"].Capabilities.Serving())
	assert.True(t, n.Servers["MANUAL"].Capabilities.Serving())
	assert.True(t, n.Servers["YOUNG"].Capabilities.Serving())
	assert.Equal(t, 1, rec.deploys)

	res, err = r.PrunePropagationChannelServers(context.Background(), "main", 7, 7)
	require.NoError(t, err)
	assert.Empty(t, res.RemovedHosts)
	assert.Empty(t, res.DisabledServers, "disabled servers are not disabled twice")
	assert.Equal(t, 1, rec.deploys, "nothing changed, nothing deployed")
}

func TestPruneCountFailureContinues(t *testing.T) {
	n, clock, channel, _, _, r := setup(t)
	psinettest.AddServer(t, n, "A", channel.ID)
	psinettest.AddServer(t, n, "B", channel.ID)
	n.Hosts["host-A"].Provider = "fake"
	n.Hosts["host-B"].Provider = "fake"
	clock.Advance(30 * 24 * time.Hour)
	r.deps.Counter = userCounts{"host-B": 0}

	res, err := r.PrunePropagationChannelServers(context.Background(), "main", 0, 7)
	assert.Error(t, err)
	assert.Equal(t, []string{"host-B"}, res.RemovedHosts)
}

func TestPruneAllUsesChannelLimits(t *testing.T) {
	n, clock, channel, _, _, r := setup(t)
	require.NoError(t, n.SetPropagationChannelRotation("main", 0, 0, 3, 3))
	psinettest.AddServer(t, n, "A", channel.ID, psinettest.Discovery(clock.Now, clock.Now.Add(48*time.Hour)))
	n.Hosts["host-A"].Provider = "fake"
	clock.Advance(4 * 24 * time.Hour)
	r.deps.Counter = userCounts{"host-A": 0}

	res, err := r.PruneAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"host-A"}, res.RemovedHosts)
}

func TestProfiles(t *testing.T) {
	for seed := int64(0); seed < 200; seed++ {
		rnd := rand.New(rand.NewSource(seed))

		d := DiscoveryProfile(rnd)
		require.NoError(t, d.Capabilities.Validate())
		assert.Len(t, d.Capabilities, 1)
		if d.Capabilities.Has(types.CapUnfrontedMeek) {
			assert.Contains(t, []int{80, 443}, d.MeekServerPort)
		} else {
			assert.False(t, unsafeOSSHPorts[d.OSSHPort])
		}

		full := PropagationProfile(0, rnd)
		assert.Equal(t, types.NewCapabilities(types.CapHandshake, types.CapVPN, types.CapSSH, types.CapOSSH), full.Capabilities)

		heavy := PropagationProfile(1, rnd)
		require.NoError(t, heavy.Capabilities.Validate())
		assert.True(t, heavy.Capabilities.Has(types.CapOSSH))
		assert.False(t, heavy.Capabilities.Has(types.CapVPN))
		if heavy.MeekServerPort == 443 {
			assert.Equal(t, 53, heavy.OSSHPort)
		} else {
			assert.False(t, unsafeOSSHPorts[heavy.OSSHPort])
		}
	}
}

func TestSafeOSSHPorts(t *testing.T) {
	for _, p := range []int{15, 22, 25, 80, 135, 136, 137, 138, 139, 515, 593} {
		assert.NotContains(t, SafeOSSHPorts, p)
	}
	assert.Contains(t, SafeOSSHPorts, 53)
	assert.Contains(t, SafeOSSHPorts, 443)
	assert.Contains(t, SafeOSSHPorts, 995)
	for _, p := range SafeOSSHPorts {
		assert.True(t, p > 0 && p < 1024)
	}
}
