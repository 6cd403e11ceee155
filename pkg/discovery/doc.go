/*
Package discovery decides which servers a running client learns about.

# Selection

Every discovery request carries a strategy value derived from the client
address (see StrategyValueForIP). Each candidate server is scored with
HMAC-SHA256 over the strategy value and the server id, keyed by the
network's discovery key, and the k highest scores win:

	sel := discovery.NewSelector(network.DiscoveryHMACKey(), 3)
	servers := sel.Select(discovery.Discoverable(all, now), strategy)

The scheme is rendezvous hashing. The same strategy value always maps to
the same servers, clients spread evenly over the candidates, and removing
one candidate changes at most one slot of any client's selection.

# Embedded lists

EmbeddedServers builds the list frozen into client builds for a channel:
the channel's own embedded servers, the permanent servers of all other
channels, and a random sample of the remaining permanent servers.
*/
package discovery
