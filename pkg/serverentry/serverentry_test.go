package serverentry

import (
	"encoding/hex"
	"math/rand"
	"strings"
	"testing"

	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHost() *types.Host {
	return &types.Host{
		ID:                            "H1",
		Region:                        "US",
		MeekServerPort:                80,
		MeekServerObfuscatedKey:       "meekobfs",
		MeekServerFrontingDomain:      "front.example.test",
		MeekServerFrontingHost:        "origin.example.test",
		MeekCookieEncryptionPublicKey: "cookiepub",
	}
}

func testServer(caps ...types.Capability) *types.Server {
	return &types.Server{
		ID:                   "S1",
		HostID:               "H1",
		IPAddress:            "192.0.2.10",
		WebServerPort:        8443,
		WebServerSecret:      "abcdef",
		WebServerCertificate: "CERTDATA",
		SSHPort:              22,
		SSHUsername:          "user",
		SSHPassword:          "pass",
		SSHHostKey:           "ssh-rsa AAAAB3Nza host@example",
		SSHObfuscatedPort:    995,
		SSHObfuscatedKey:     "obfskey",
		Capabilities:         types.NewCapabilities(caps...),
	}
}

func TestEncodeDecodeFields(t *testing.T) {
	encoded, err := Encode(testHost(), testServer(types.CapHandshake, types.CapOSSH), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	raw, err := hex.DecodeString(encoded)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "192.0.2.10 8443 abcdef CERTDATA {"))

	e, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", e.IPAddress)
	assert.Equal(t, "8443", e.WebServerPort)
	assert.Equal(t, "abcdef", e.WebServerSecret)
	assert.Equal(t, "CERTDATA", e.WebServerCertificate)

	ext := e.Extended
	assert.Equal(t, "192.0.2.10", ext.IPAddress)
	assert.Equal(t, "AAAAB3Nza", ext.SSHHostKey)
	assert.Equal(t, 995, ext.SSHObfuscatedPort)
	assert.Equal(t, "US", ext.Region)
	assert.Equal(t, []string{"handshake", "OSSH"}, ext.Capabilities)
	assert.Zero(t, ext.MeekServerPort, "meek fields only for meek servers")
	assert.Empty(t, ext.MeekFrontingAddresses)
}

func TestCapabilityRewriting(t *testing.T) {
	tests := []struct {
		name      string
		meekPort  int
		alternate []string
		caps      []types.Capability
		want      []string
	}{
		{
			name:     "unfronted meek on 80",
			meekPort: 80,
			caps:     []types.Capability{types.CapOSSH, types.CapUnfrontedMeek},
			want:     []string{"OSSH", "UNFRONTED-MEEK"},
		},
		{
			name:     "unfronted meek on 443",
			meekPort: 443,
			caps:     []types.Capability{types.CapOSSH, types.CapUnfrontedMeek},
			want:     []string{"OSSH", CapUnfrontedMeekHTTPS},
		},
		{
			name:      "fronted meek with alternates",
			meekPort:  443,
			alternate: []string{"a.example.test"},
			caps:      []types.Capability{types.CapFrontedMeek},
			want:      []string{"FRONTED-MEEK", CapFrontedMeekHTTP},
		},
		{
			name:     "fronted meek without alternates",
			meekPort: 443,
			caps:     []types.Capability{types.CapFrontedMeek},
			want:     []string{"FRONTED-MEEK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := testHost()
			host.MeekServerPort = tt.meekPort
			host.AlternateMeekServerFrontingHosts = tt.alternate

			e := New(host, testServer(tt.caps...), rand.New(rand.NewSource(1)))
			assert.Equal(t, tt.want, e.Extended.Capabilities)
			assert.Equal(t, tt.meekPort, e.Extended.MeekServerPort)
		})
	}
}

func TestFrontingAddressesTruncated(t *testing.T) {
	host := testHost()
	host.AlternateMeekServerFrontingHosts = []string{"a", "b", "c", "d", "e"}

	e := New(host, testServer(types.CapFrontedMeek), rand.New(rand.NewSource(7)))
	addrs := e.Extended.MeekFrontingAddresses
	require.Len(t, addrs, MaxFrontingAddresses)
	for _, a := range addrs {
		assert.Contains(t, host.AlternateMeekServerFrontingHosts, a)
	}
	assert.Equal(t, "front.example.test", e.Extended.MeekFrontingDomain)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, host.AlternateMeekServerFrontingHosts, "host list untouched")
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("zz")
	assert.Error(t, err)

	_, err = Decode(hex.EncodeToString([]byte("1.2.3.4 80 secret")))
	assert.Error(t, err)

	_, err = Decode(hex.EncodeToString([]byte("1.2.3.4 80 secret cert {not json")))
	assert.Error(t, err)
}

func TestEncodeList(t *testing.T) {
	host := testHost()
	orphan := testServer(types.CapOSSH)
	orphan.ID = "S2"
	orphan.HostID = "missing"

	list, err := EncodeList([]*types.Server{testServer(types.CapOSSH), orphan}, func(id string) *types.Host {
		if id == host.ID {
			return host
		}
		return nil
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
