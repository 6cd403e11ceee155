// Package handshake answers client handshakes from a read-only network
// snapshot.
//
// A Responder assembles the response: a home page for the client's region,
// an upgrade hint, discovery server entries chosen by the discovery package
// and the responding server's SSH credentials. Responses are encoded in the
// legacy "Name: value" line format with the JSON object on a final
// "Config:" line, so old and new clients read the same body.
//
// Server exposes the responder over HTTP with chi and swaps snapshots
// atomically when the operator pushes new data.
package handshake
