package discovery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/psinet-ops/psinet/pkg/types"
)

const (
	// DefaultSelectionCount is how many discovery servers a client receives
	DefaultSelectionCount = 3

	// MaxRandomPermanentServers caps the random permanent servers appended to embedded lists
	MaxRandomPermanentServers = 50
)

// Selector deterministically assigns discovery servers to strategy values
type Selector struct {
	key []byte
	k   int
}

// NewSelector creates a selector returning up to k servers per client
func NewSelector(key []byte, k int) *Selector {
	if k <= 0 {
		k = DefaultSelectionCount
	}
	return &Selector{key: append([]byte(nil), key...), k: k}
}

// Score is HMAC-SHA256(key, strategy || id)
func (s *Selector) Score(strategy, id string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(strategy))
	mac.Write([]byte(id))
	return mac.Sum(nil)
}

type scored struct {
	server *types.Server
	score  []byte
}

// Select returns the k candidates with the highest scores for strategy,
// highest first. Equal scores order by server id ascending.
func (s *Selector) Select(candidates []*types.Server, strategy string) []*types.Server {
	if strategy == "" || len(candidates) == 0 {
		return nil
	}

	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{server: c, score: s.Score(strategy, c.ID)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if c := bytes.Compare(ranked[i].score, ranked[j].score); c != 0 {
			return c > 0
		}
		return ranked[i].server.ID < ranked[j].server.ID
	})

	n := s.k
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]*types.Server, n)
	for i := range out {
		out[i] = ranked[i].server
	}
	return out
}

// Discoverable returns the servers whose discovery range contains now and
// that still serve clients, ordered by id
func Discoverable(servers []*types.Server, now time.Time) []*types.Server {
	var out []*types.Server
	for _, s := range servers {
		if s.DiscoveryDateRange.Contains(now) && s.Capabilities.Serving() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StrategyValueForIP maps a client address to its strategy value: the /24
// network for IPv4 and the /48 network for IPv6, so neighbours share an
// assignment. Unparseable input yields "".
func StrategyValueForIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

// EmbeddedServers assembles the server list frozen into a channel's builds:
// the channel's embedded servers, then the permanent servers of every other
// channel, then up to limit further permanent servers picked at random.
// Disabled servers are never embedded.
func EmbeddedServers(all []*types.Server, channelID string, rnd *rand.Rand, limit int) []*types.Server {
	sorted := append([]*types.Server(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	seen := make(map[string]bool)
	var out []*types.Server
	add := func(s *types.Server) {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}

	for _, s := range sorted {
		if s.PropagationChannelID == channelID && s.IsEmbedded && s.Capabilities.Serving() {
			add(s)
		}
	}
	for _, s := range sorted {
		if s.PropagationChannelID != channelID && s.IsPermanent && s.Capabilities.Serving() {
			add(s)
		}
	}

	var pool []*types.Server
	for _, s := range sorted {
		if s.IsPermanent && !seen[s.ID] && s.Capabilities.Serving() {
			pool = append(pool, s)
		}
	}
	rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > limit {
		pool = pool[:limit]
	}
	for _, s := range pool {
		add(s)
	}
	return out
}
