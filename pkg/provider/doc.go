/*
Package provider abstracts the hosting providers servers are launched at.

Each provider is an Adapter with three operations: launch a machine, remove
a machine by provider id, and report whether removal is supported at all.
Adapters live in a static Registry keyed by the provider tag stored on each
host. A host naming an unregistered provider is an ErrUnknownProvider, never
a silent fallback.

# Choosing a Provider

New servers go to a provider picked at random in proportion to its weight:

	alpha weight 3  ███████████████  75%
	beta  weight 1  █████            25%
	manual weight 0                  never launched, still known

# Retries

WithRetry wraps an adapter with exponential backoff. Only transient errors
are retried: timeouts, 5xx and 429 responses (StatusError), and errors marked
with Transient. At most three retries happen per call. A launch that fails
after creating a machine returns the partial Launched, and the wrapper removes
that machine before retrying or giving up. Errors leaving the wrapper wrap
ErrProviderFailure.

# Adapters

ExecAdapter drives a provider through operator-supplied commands, which is
how cloud SDK tooling is plugged in. ManualAdapter stands for hand-provisioned
hosts that are imported rather than launched.
*/
package provider
