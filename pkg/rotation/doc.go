/*
Package rotation manages the server lifecycle of propagation channels:
launching machines, recording them as embedded or discovery servers, and
retiring them once they age out.

# Adding

AddServers provisions each launched machine (web certificate and secret, SSH
and obfuscated SSH credentials, meek keys when meek is enabled), runs the
installer, and records host and server on the network. Capability profiles
are random unless the caller fixes them:

	discovery      OSSH only, or UNFRONTED-MEEK only
	propagation    alternately handshake+VPN+SSH+OSSH and handshake+OSSH,
	               the latter with UNFRONTED-MEEK half the time

Meek on port 443 moves obfuscated SSH to port 53. Otherwise the obfuscated
SSH port comes from SafeOSSHPorts.

Invalid capabilities are rejected before anything changes, and a server that
fails leaves neither its host nor itself behind. Predecessors are replaced
only after at least one new server is recorded. After recording, the network
is checkpointed and deployed.

# Replacing

ReplacePropagationChannelServers launches the new servers in parallel
(DefaultLaunchConcurrency at a time), then adds the discovery group and the
embedded group, each replacing its predecessors. Launch failures are
reported after the successful servers have been added.

# Pruning

	age > max  ──► active users == 0         ──► RemoveHost
	           ──► active users < threshold  ──► DisableServer
	           ──► otherwise                 ──► leave alone

Permanent servers are never pruned, and neither are hosts at providers that
cannot remove machines programmatically.
*/
package rotation
