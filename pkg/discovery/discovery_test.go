package discovery

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func servers(ids ...string) []*types.Server {
	out := make([]*types.Server, len(ids))
	for i, id := range ids {
		out[i] = &types.Server{ID: id, Capabilities: types.NewCapabilities(types.CapOSSH)}
	}
	return out
}

func ids(list []*types.Server) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestSelectPicksHighestScore(t *testing.T) {
	sel := NewSelector(testKey, 1)
	candidates := servers("D1", "D2")

	got := sel.Select(candidates, "abc")
	require.Len(t, got, 1)

	want := "D1"
	if bytes.Compare(sel.Score("abc", "D2"), sel.Score("abc", "D1")) > 0 {
		want = "D2"
	}
	assert.Equal(t, want, got[0].ID)
}

func TestSelectBalancesLoad(t *testing.T) {
	sel := NewSelector(testKey, 1)
	candidates := servers("D1", "D2")

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		got := sel.Select(candidates, fmt.Sprintf("client-%d", i))
		require.Len(t, got, 1)
		counts[got[0].ID]++
	}

	assert.InDelta(t, 500, counts["D1"], 100)
	assert.InDelta(t, 500, counts["D2"], 100)
}

func TestSelectDeterministic(t *testing.T) {
	sel := NewSelector(testKey, 3)
	candidates := servers("A", "B", "C", "D", "E", "F", "G")

	first := ids(sel.Select(candidates, "198.51.100.0"))
	require.Len(t, first, 3)
	for i := 0; i < 10; i++ {
		shuffled := append([]*types.Server(nil), candidates...)
		rand.New(rand.NewSource(int64(i))).Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, first, ids(sel.Select(shuffled, "198.51.100.0")))
	}

	other := NewSelector([]byte("another key"), 3)
	assert.Len(t, other.Select(candidates, "198.51.100.0"), 3)
}

func TestSelectStableUnderRemoval(t *testing.T) {
	sel := NewSelector(testKey, 3)
	var pool []string
	for i := 0; i < 20; i++ {
		pool = append(pool, fmt.Sprintf("S%02d", i))
	}
	candidates := servers(pool...)

	for v := 0; v < 200; v++ {
		strategy := fmt.Sprintf("strategy-%d", v)
		full := sel.Select(candidates, strategy)
		for removed := range candidates {
			reduced := append(append([]*types.Server(nil), candidates[:removed]...), candidates[removed+1:]...)
			diff := symmetricDifference(ids(full), ids(sel.Select(reduced, strategy)))
			assert.LessOrEqual(t, diff, 2, "strategy %s removing %s", strategy, candidates[removed].ID)
		}
	}
}

func symmetricDifference(a, b []string) int {
	in := func(list []string, x string) bool {
		for _, y := range list {
			if x == y {
				return true
			}
		}
		return false
	}
	n := 0
	for _, x := range a {
		if !in(b, x) {
			n++
		}
	}
	for _, x := range b {
		if !in(a, x) {
			n++
		}
	}
	return n
}

func TestSelectEdgeCases(t *testing.T) {
	sel := NewSelector(testKey, 3)
	assert.Empty(t, sel.Select(servers("A", "B"), ""), "no strategy value means no discovery")
	assert.Empty(t, sel.Select(nil, "abc"))
	assert.Len(t, sel.Select(servers("A", "B"), "abc"), 2, "k is bounded by the candidate count")
	assert.Equal(t, DefaultSelectionCount, NewSelector(testKey, 0).k)
}

func TestDiscoverable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	all := servers("current", "future", "ended", "none", "disabled", "boundary")
	all[0].DiscoveryDateRange = &types.DiscoveryDateRange{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	all[1].DiscoveryDateRange = &types.DiscoveryDateRange{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	all[2].DiscoveryDateRange = &types.DiscoveryDateRange{Start: now.Add(-2 * time.Hour), End: now}
	all[4].DiscoveryDateRange = &types.DiscoveryDateRange{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	all[4].Capabilities = types.NewCapabilities(types.CapVPN)
	all[5].DiscoveryDateRange = &types.DiscoveryDateRange{Start: now, End: now.Add(time.Hour)}

	assert.Equal(t, []string{"boundary", "current"}, ids(Discoverable(all, now)))
}

func TestStrategyValueForIP(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"1.2.3.4", "1.2.3.0"},
		{"1.2.3.200", "1.2.3.0"},
		{"::ffff:1.2.3.4", "1.2.3.0"},
		{"2001:db8:abcd:12::1", "2001:db8:abcd::"},
		{"not an ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, StrategyValueForIP(tt.ip))
		})
	}
}

func TestEmbeddedServers(t *testing.T) {
	mk := func(id, channel string, embedded, permanent bool) *types.Server {
		return &types.Server{
			ID:                   id,
			PropagationChannelID: channel,
			IsEmbedded:           embedded,
			IsPermanent:          permanent,
			Capabilities:         types.NewCapabilities(types.CapHandshake, types.CapOSSH),
		}
	}
	disabled := mk("E9", "main", true, false)
	disabled.Capabilities = types.NewCapabilities(types.CapVPN)

	all := []*types.Server{
		mk("E2", "main", true, false),
		mk("E1", "main", true, true),
		mk("X1", "main", false, false),
		mk("P1", "main", false, true),
		mk("O1", "other", true, false),
		mk("O2", "other", false, true),
		disabled,
	}

	got := ids(EmbeddedServers(all, "main", rand.New(rand.NewSource(1)), MaxRandomPermanentServers))
	assert.Equal(t, []string{"E1", "E2", "O2", "P1"}, got)

	limited := ids(EmbeddedServers(all, "main", rand.New(rand.NewSource(1)), 0))
	assert.Equal(t, []string{"E1", "E2", "O2"}, limited)
}
