package main

import (
	"testing"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/psinet/psinettest"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostFileYAML = `
hosts:
  - id: h1
    ip_address: 198.51.100.10
    ssh_username: root
    ssh_password: secret
    region: DE
    servers:
      - id: s1
        propagation_channel: web
        embedded: true
        capabilities: [handshake, SSH, OSSH]
        web_server_port: 8080
        ssh_port: 22
      - id: s2
        ip_address: 198.51.100.11
        propagation_channel: web
        discovery_days: 30
        capabilities: [handshake, UNFRONTED-MEEK]
  - id: h2
    provider: static
    ssh_port: 2222
    ip_address: 198.51.100.20
`

func TestImportHosts(t *testing.T) {
	n, _ := psinettest.NewNetwork(t)
	channel, err := n.AddPropagationChannel("web", []types.PropagationMechanism{types.MechanismStaticDownload})
	require.NoError(t, err)

	hosts, servers, err := importHosts(n, []byte(hostFileYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, hosts)
	assert.Equal(t, 2, servers)

	h1, err := n.Host("h1")
	require.NoError(t, err)
	assert.Equal(t, "manual", h1.Provider)
	assert.Equal(t, 22, h1.SSHPort)
	assert.Equal(t, "DE", h1.Region)

	h2, err := n.Host("h2")
	require.NoError(t, err)
	assert.Equal(t, "static", h2.Provider)
	assert.Equal(t, 2222, h2.SSHPort)

	s1, err := n.Server("s1")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.10", s1.IPAddress)
	assert.Equal(t, channel.ID, s1.PropagationChannelID)
	assert.True(t, s1.IsEmbedded)
	assert.True(t, s1.Capabilities.Has(types.CapOSSH))
	assert.Nil(t, s1.DiscoveryDateRange)

	s2, err := n.Server("s2")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.11", s2.IPAddress)
	require.NotNil(t, s2.DiscoveryDateRange)
	assert.Equal(t, psinettest.Epoch, s2.DiscoveryDateRange.Start)
	assert.Equal(t, psinettest.Epoch.AddDate(0, 0, 30), s2.DiscoveryDateRange.End)

	assert.True(t, n.DeployImplementationRequiredForHosts["h1"])
	assert.True(t, n.DeployImplementationRequiredForHosts["h2"])
}

func TestImportHostsErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		hosts   int
		servers int
		wantErr error
	}{
		{
			name:    "unknown channel",
			yaml:    "hosts:\n  - id: h1\n    servers:\n      - id: s1\n        propagation_channel: missing\n        capabilities: [SSH]\n",
			hosts:   1,
			wantErr: psinet.ErrNotFound,
		},
		{
			name:    "duplicate host",
			yaml:    "hosts:\n  - id: h1\n  - id: h1\n",
			hosts:   1,
			wantErr: psinet.ErrDuplicate,
		},
		{
			name:    "no capabilities",
			yaml:    "hosts:\n  - id: h1\n    servers:\n      - id: s1\n        propagation_channel: web\n",
			hosts:   1,
			wantErr: psinet.ErrValidation,
		},
		{
			name:    "embedded and discoverable",
			yaml:    "hosts:\n  - id: h1\n    servers:\n      - id: s1\n        propagation_channel: web\n        embedded: true\n        discovery_days: 7\n        capabilities: [SSH]\n",
			hosts:   1,
			wantErr: psinet.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := psinettest.NewNetwork(t)
			_, err := n.AddPropagationChannel("web", nil)
			require.NoError(t, err)

			hosts, servers, err := importHosts(n, []byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.hosts, hosts)
			assert.Equal(t, tt.servers, servers)
		})
	}
}

func TestImportHostsBadYAML(t *testing.T) {
	n, _ := psinettest.NewNetwork(t)
	_, _, err := importHosts(n, []byte("hosts: [unterminated"))
	assert.Error(t, err)
}
