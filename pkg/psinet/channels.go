package psinet

import (
	"fmt"
	"sort"

	"github.com/psinet-ops/psinet/pkg/types"
)

// PropagationChannelByName looks up a channel by its unique name
func (n *Network) PropagationChannelByName(name string) (*types.PropagationChannel, error) {
	for _, c := range n.PropagationChannels {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: propagation channel %q", ErrNotFound, name)
}

// PropagationChannel looks up a channel by id
func (n *Network) PropagationChannel(id string) (*types.PropagationChannel, error) {
	c, ok := n.PropagationChannels[id]
	if !ok {
		return nil, fmt.Errorf("%w: propagation channel id %s", ErrNotFound, id)
	}
	return c, nil
}

// ListPropagationChannels returns every channel ordered by name
func (n *Network) ListPropagationChannels() []*types.PropagationChannel {
	out := make([]*types.PropagationChannel, 0, len(n.PropagationChannels))
	for _, c := range n.PropagationChannels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddPropagationChannel creates a channel permitting the given mechanisms
func (n *Network) AddPropagationChannel(name string, mechanisms []types.PropagationMechanism) (*types.PropagationChannel, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: propagation channel name is required", ErrValidation)
	}
	if _, err := n.PropagationChannelByName(name); err == nil {
		return nil, fmt.Errorf("%w: propagation channel %q", ErrDuplicate, name)
	}
	for _, m := range mechanisms {
		if !m.Valid() {
			return nil, fmt.Errorf("%w: unknown propagation mechanism %q", ErrValidation, m)
		}
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	channel := &types.PropagationChannel{
		ID:                        id,
		Name:                      name,
		PropagationMechanismTypes: append([]types.PropagationMechanism(nil), mechanisms...),
	}
	n.audit(channel, "created")
	n.PropagationChannels[id] = channel
	return channel, nil
}

// SetPropagationChannelRotation sets the channel's server rotation policy
func (n *Network) SetPropagationChannelRotation(name string, newDiscovery, newPropagation, maxDiscoveryAgeDays, maxPropagationAgeDays int) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if newDiscovery < 0 || newPropagation < 0 || maxDiscoveryAgeDays < 0 || maxPropagationAgeDays < 0 {
		return fmt.Errorf("%w: rotation values must not be negative", ErrValidation)
	}
	channel, err := n.PropagationChannelByName(name)
	if err != nil {
		return err
	}
	channel.NewDiscoveryServersCount = newDiscovery
	channel.NewPropagationServersCount = newPropagation
	channel.MaxDiscoveryServerAgeInDays = maxDiscoveryAgeDays
	channel.MaxPropagationServerAgeInDays = maxPropagationAgeDays
	n.audit(channel, "rotation set to discovery %d/%dd propagation %d/%dd",
		newDiscovery, maxDiscoveryAgeDays, newPropagation, maxPropagationAgeDays)
	return nil
}

// SetPropagatorManagedUpgrades toggles whether clients on this channel are
// upgraded by the propagator instead of through the handshake
func (n *Network) SetPropagatorManagedUpgrades(name string, managed bool) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	channel, err := n.PropagationChannelByName(name)
	if err != nil {
		return err
	}
	channel.PropagatorManagedUpgrades = managed
	n.audit(channel, "propagator managed upgrades set to %t", managed)
	n.DeployDataRequiredForAll = true
	return nil
}
