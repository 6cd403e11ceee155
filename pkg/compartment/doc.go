// Package compartment produces the minimal views of the network handed to
// hosts and to the stats server. Both projections copy an explicit list of
// fields into a fresh Network, so a field added to an entity stays private
// until someone adds it here. Serialization is deterministic: projecting the
// same network twice gives identical bytes.
package compartment
