package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/psinet/psinettest"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("host unreachable")

// recorder logs every external call in order and fails the ones listed
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	data  map[string][]byte
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]bool{}, data: map[string][]byte{}}
}

func (r *recorder) call(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if r.fail[name] {
		return errUnreachable
	}
	return nil
}

func (r *recorder) setFail(name string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = fail
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// firstIndex returns the position of the first call with the given prefix
func (r *recorder) firstIndex(prefix string) int {
	for i, c := range r.snapshot() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func (r *recorder) DeployImplementation(_ context.Context, h *types.Host) error {
	return r.call("implementation:" + h.ID)
}

func (r *recorder) DeployData(_ context.Context, h *types.Host, data []byte) error {
	r.mu.Lock()
	r.data[h.ID] = data
	r.mu.Unlock()
	return r.call("data:" + h.ID)
}

func (r *recorder) DeployStats(context.Context, []byte) error {
	return r.call("stats")
}

func (r *recorder) PublishBuild(_ context.Context, _ *psinet.Network, p types.Platform, key types.CampaignKey) error {
	return r.call("build:" + string(p) + ":" + key.SponsorID)
}

func (r *recorder) PublishEmailConfig(context.Context, *psinet.Network) error {
	return r.call("email")
}

func (r *recorder) PublishWebsite(_ context.Context, _ *psinet.Network, sponsorID string) error {
	return r.call("website:" + sponsorID)
}

func (r *recorder) SupportsRemoval(provider string) bool {
	return provider == "cloud"
}

func (r *recorder) RemoveHost(_ context.Context, h *types.Host) error {
	return r.call("remove:" + h.ID)
}

type countingStore struct {
	checkpoints int
}

func (c *countingStore) Checkpoint(*psinet.Network) error {
	c.checkpoints++
	return nil
}

type fixture struct {
	n       *psinet.Network
	rec     *recorder
	store   *countingStore
	driver  *Driver
	sponsor *types.Sponsor
}

// newFixture builds a network with work pending in every phase
func newFixture(t *testing.T) *fixture {
	t.Helper()
	n, clock := psinettest.NewNetwork(t)
	channel, err := n.AddPropagationChannel("ch", []types.PropagationMechanism{types.MechanismEmailAutoresponder})
	require.NoError(t, err)
	sponsor, err := n.AddSponsor("sp")
	require.NoError(t, err)
	_, err = n.AddSponsorEmailCampaign("sp", "ch", "get@example.com", psinet.CampaignOptions{})
	require.NoError(t, err)

	psinettest.AddServer(t, n, "E1", channel.ID, psinettest.Embedded())
	psinettest.AddServer(t, n, "D1", channel.ID, psinettest.Discovery(clock.Now, clock.Now.AddDate(0, 0, 7)))

	doomed := psinettest.AddHost(t, n, "doomed")
	doomed.Provider = "cloud"
	require.NoError(t, n.RemoveHost("doomed"))
	psinettest.AddHost(t, n, "by-hand")
	require.NoError(t, n.RemoveHost("by-hand"))

	n.DeployEmailConfigRequired = true
	n.DeployWebsiteRequiredForSponsors[sponsor.ID] = true

	rec := newRecorder()
	store := &countingStore{}
	driver := New(Dependencies{
		Hosts:     rec,
		Stats:     rec,
		Publisher: rec,
		Providers: rec,
		Store:     store,
	}, Config{HostConcurrency: 2})
	return &fixture{n: n, rec: rec, store: store, driver: driver, sponsor: sponsor}
}

func TestDeployClearsEveryFlag(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.n.Pending().Empty())

	require.NoError(t, f.driver.Deploy(context.Background(), f.n))

	assert.True(t, f.n.Pending().Empty(), "pending after deploy: %+v", f.n.Pending())
	assert.Greater(t, f.store.checkpoints, 0)

	calls := f.rec.snapshot()
	assert.Contains(t, calls, "implementation:host-E1")
	assert.Contains(t, calls, "implementation:host-D1")
	assert.Contains(t, calls, "data:host-E1")
	assert.Contains(t, calls, "build:"+string(types.PlatformWindows)+":"+f.sponsor.ID)
	assert.Contains(t, calls, "build:"+string(types.PlatformAndroid)+":"+f.sponsor.ID)
	assert.Contains(t, calls, "stats")
	assert.Contains(t, calls, "email")
	assert.Contains(t, calls, "remove:doomed")
	assert.NotContains(t, calls, "remove:by-hand")
	assert.Contains(t, calls, "website:"+f.sponsor.ID)
}

func TestDeployPhaseOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.driver.Deploy(context.Background(), f.n))

	order := []string{"implementation:", "build:", "data:", "stats", "email", "remove:", "website:"}
	last := -1
	for _, prefix := range order {
		idx := f.rec.firstIndex(prefix)
		require.GreaterOrEqual(t, idx, 0, "no %s call", prefix)
		assert.Greater(t, idx, last, "%s ran out of order", prefix)
		last = idx
	}
}

func TestDeployIdempotent(t *testing.T) {
	f := newFixture(t)
	psinettest.ClearFlags(f.n)
	f.n.DeployDataRequiredForAll = true

	require.NoError(t, f.driver.Deploy(context.Background(), f.n))
	assert.False(t, f.n.DeployDataRequiredForAll)
	assert.Len(t, f.rec.snapshot(), 2)

	f.rec.reset()
	checkpoints := f.store.checkpoints
	require.NoError(t, f.driver.Deploy(context.Background(), f.n))
	assert.Empty(t, f.rec.snapshot())
	assert.False(t, f.n.DeployDataRequiredForAll)
	assert.Equal(t, checkpoints, f.store.checkpoints)
}

func TestDeployDataPartialFailureKeepsFlag(t *testing.T) {
	f := newFixture(t)
	f.rec.setFail("data:host-D1", true)

	err := f.driver.Deploy(context.Background(), f.n)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Contains(t, err.Error(), "host-D1")

	assert.True(t, f.n.DeployDataRequiredForAll)
	assert.Contains(t, f.rec.snapshot(), "data:host-E1")
	// Later phases still ran
	assert.False(t, f.n.DeployStatsConfigRequired)
	assert.Empty(t, f.n.DeployWebsiteRequiredForSponsors)

	f.rec.setFail("data:host-D1", false)
	f.rec.reset()
	require.NoError(t, f.driver.Deploy(context.Background(), f.n))
	assert.False(t, f.n.DeployDataRequiredForAll)
	assert.ElementsMatch(t, []string{"data:host-D1", "data:host-E1"}, f.rec.snapshot())
}

func TestDeployFailuresKeepItemFlags(t *testing.T) {
	f := newFixture(t)
	f.rec.setFail("implementation:host-E1", true)
	f.rec.setFail("build:"+string(types.PlatformAndroid)+":"+f.sponsor.ID, true)
	f.rec.setFail("remove:doomed", true)
	f.rec.setFail("stats", true)

	require.Error(t, f.driver.Deploy(context.Background(), f.n))

	assert.Equal(t, []string{"host-E1"}, f.n.DeployImplementationRequiredForHosts.Sorted())
	assert.Empty(t, f.n.BuildsRequired(types.PlatformWindows))
	assert.Len(t, f.n.BuildsRequired(types.PlatformAndroid), 1)
	assert.Contains(t, f.n.HostsToRemoveFromProviders, "doomed")
	assert.NotContains(t, f.n.HostsToRemoveFromProviders, "by-hand")
	assert.True(t, f.n.DeployStatsConfigRequired)
	assert.False(t, f.n.DeployEmailConfigRequired)
}

func TestDeployRecordsHostLogs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.driver.Deploy(context.Background(), f.n))

	h, err := f.n.Host("host-E1")
	require.NoError(t, err)
	var messages []string
	for _, entry := range h.Logs {
		messages = append(messages, entry.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "implementation")
	assert.Contains(t, joined, "data")
}

func TestDeployDataIsCompartmentalized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.driver.Deploy(context.Background(), f.n))

	var view psinet.Network
	require.NoError(t, json.Unmarshal(f.rec.data["host-E1"], &view))
	require.Contains(t, view.Servers, "E1")
	assert.Equal(t, "KEY", view.Servers["E1"].WebServerPrivateKey)
	require.Contains(t, view.Servers, "D1")
	assert.Empty(t, view.Servers["D1"].WebServerPrivateKey)
	assert.Empty(t, view.Sponsors[f.sponsor.ID].Campaigns)
	assert.NotEmpty(t, view.DiscoveryStrategyValueHMACKey)
}

func TestDeployMissingCollaborator(t *testing.T) {
	f := newFixture(t)
	driver := New(Dependencies{Hosts: f.rec}, Config{})

	err := driver.Deploy(context.Background(), f.n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no publisher configured")

	assert.Empty(t, f.n.DeployImplementationRequiredForHosts)
	assert.False(t, f.n.DeployDataRequiredForAll)
	assert.NotEmpty(t, f.n.BuildsRequired(types.PlatformWindows))
	assert.True(t, f.n.DeployStatsConfigRequired)
	assert.NotEmpty(t, f.n.HostsToRemoveFromProviders)
}

func TestDeployDropsStaleItems(t *testing.T) {
	f := newFixture(t)
	psinettest.ClearFlags(f.n)
	f.n.DeployImplementationRequiredForHosts["gone"] = true
	f.n.DeployWebsiteRequiredForSponsors["gone"] = true
	f.n.DeployBuildsRequiredForCampaigns[types.PlatformWindows] = map[string]types.CampaignKey{
		"gone/gone": {PropagationChannelID: "gone", SponsorID: "gone"},
	}

	require.NoError(t, f.driver.Deploy(context.Background(), f.n))
	assert.True(t, f.n.Pending().Empty())
	assert.Empty(t, f.rec.snapshot())
}

func TestDeployRequiresLock(t *testing.T) {
	f := newFixture(t)
	f.n.MarkUnlocked()
	assert.ErrorIs(t, f.driver.Deploy(context.Background(), f.n), psinet.ErrNotLocked)
}
