/*
Package psinet implements the Network aggregate: the single object graph that
holds every propagation channel, sponsor, host and server, the network-wide
key material and the list of pending deploy work.

# Sessions

A Network is mutated by exactly one operator session at a time. The storage
layer marks a loaded network locked once it holds the session lock, and every
mutating method checks that mark first:

	store.Load(true) ──► MarkLocked ──► mutations ──► store.Save ──► MarkUnlocked
	                                        │
	                          ErrNotLocked if not locked

Reads never need the lock. Handshake servers work on unlocked snapshots.

# Audit Logs

Every mutation appends a (timestamp, message) entry to the audit log of the
entity it touched. Logs are only ever appended to. The one exception is
RemoveHost, which drops the host's "deploy ..." entries before archiving it.

# Dirty Flags

Mutations record the deploy work they imply directly on the aggregate:

	DeployImplementationRequiredForHosts  hosts needing the server code
	DeployDataRequiredForAll              every host needs a fresh snapshot
	DeployBuildsRequiredForCampaigns      platform -> (channel, sponsor) builds
	DeployStatsConfigRequired             stats server topology changed
	DeployEmailConfigRequired             autoresponder config changed
	DeployWebsiteRequiredForSponsors      sponsor download sites to regenerate
	HostsToRemoveFromProviders            hosts to destroy at their provider

The flags are persisted with the rest of the graph so an interrupted deploy
resumes where it stopped. Only the deploy driver clears them.

# Keys

The discovery HMAC key and the four key pairs (remote server list, upgrade
package, routes, feedback) are generated on first use, which requires the
lock, and stored permanently.

# Errors

Caller mistakes wrap ErrValidation:

	ErrNotLocked   mutation attempted outside a locked session
	ErrNotFound    unknown channel, sponsor, host or server
	ErrDuplicate   name or id already taken

A failed mutation leaves the network unchanged.
*/
package psinet
