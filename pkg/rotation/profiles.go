package rotation

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/types"
)

// unsafeOSSHPorts are filtered or fingerprinted by common middleboxes, plus
// 22 which the host's own SSH listener holds
var unsafeOSSHPorts = map[int]bool{
	15: true, 22: true, 25: true, 80: true,
	135: true, 136: true, 137: true, 138: true, 139: true,
	515: true, 593: true,
}

// SafeOSSHPorts lists the privileged ports an obfuscated SSH listener may use
var SafeOSSHPorts = func() []int {
	var ports []int
	for p := 1; p < 1024; p++ {
		if !unsafeOSSHPorts[p] {
			ports = append(ports, p)
		}
	}
	return ports
}()

const (
	meekHTTPPort  = 80
	meekHTTPSPort = 443

	// osshPortWithMeekHTTPS is used when meek takes 443
	osshPortWithMeekHTTPS = 53

	webServerPortBase  = 8000
	webServerPortRange = 1000
)

// Profile is the capability and port layout chosen for a new server
type Profile struct {
	Capabilities   types.Capabilities
	OSSHPort       int
	MeekServerPort int
}

// DiscoveryProfile is either OSSH only or UNFRONTED-MEEK only
func DiscoveryProfile(rnd *rand.Rand) Profile {
	if rnd.Intn(2) == 0 {
		return Profile{
			Capabilities: types.NewCapabilities(types.CapOSSH),
			OSSHPort:     SafeOSSHPorts[rnd.Intn(len(SafeOSSHPorts))],
		}
	}
	return Profile{
		Capabilities:   types.NewCapabilities(types.CapUnfrontedMeek),
		MeekServerPort: meekPort(rnd),
	}
}

// PropagationProfile alternates with index: even indexes get the full
// capability set, odd indexes the obfuscation-heavy set, half of which also
// run unfronted meek.
func PropagationProfile(index int, rnd *rand.Rand) Profile {
	p := Profile{OSSHPort: SafeOSSHPorts[rnd.Intn(len(SafeOSSHPorts))]}
	if index%2 == 0 {
		p.Capabilities = types.NewCapabilities(types.CapHandshake, types.CapVPN, types.CapSSH, types.CapOSSH)
		return p
	}

	p.Capabilities = types.NewCapabilities(types.CapHandshake, types.CapOSSH)
	if rnd.Intn(2) == 0 {
		p.Capabilities[types.CapUnfrontedMeek] = true
		p.MeekServerPort = meekPort(rnd)
		if p.MeekServerPort == meekHTTPSPort {
			p.OSSHPort = osshPortWithMeekHTTPS
		}
	}
	return p
}

// ExplicitProfile wraps caller-chosen capabilities with random ports
func ExplicitProfile(caps types.Capabilities, rnd *rand.Rand) Profile {
	p := Profile{Capabilities: caps.Clone()}
	if caps.Has(types.CapOSSH) {
		p.OSSHPort = SafeOSSHPorts[rnd.Intn(len(SafeOSSHPorts))]
	}
	if caps.Has(types.CapUnfrontedMeek) || caps.Has(types.CapFrontedMeek) {
		p.MeekServerPort = meekPort(rnd)
		if p.MeekServerPort == meekHTTPSPort && caps.Has(types.CapOSSH) {
			p.OSSHPort = osshPortWithMeekHTTPS
		}
	}
	return p
}

func meekPort(rnd *rand.Rand) int {
	if rnd.Intn(2) == 0 {
		return meekHTTPPort
	}
	return meekHTTPSPort
}

// provision fills in the credentials, certificate and ports of a freshly
// launched server and its host
func provision(host *types.Host, server *types.Server, profile Profile, rnd *rand.Rand) error {
	server.Capabilities = profile.Capabilities
	server.WebServerPort = webServerPortBase + rnd.Intn(webServerPortRange)
	server.SSHObfuscatedPort = profile.OSSHPort
	if server.SSHPort == 0 {
		server.SSHPort = 22
	}

	var err error
	if server.WebServerSecret, err = security.RandomHex(32); err != nil {
		return err
	}
	if server.SSHPassword, err = security.RandomHex(32); err != nil {
		return err
	}
	if server.SSHObfuscatedKey, err = security.RandomHex(32); err != nil {
		return err
	}
	suffix, err := security.RandomHex(8)
	if err != nil {
		return err
	}
	server.SSHUsername = "psiphon_ssh_" + suffix

	if net.ParseIP(server.IPAddress) == nil {
		return fmt.Errorf("server %s has no usable ip address %q", server.ID, server.IPAddress)
	}
	cert, err := security.GenerateWebServerCertificate(server.IPAddress, server.IPAddress)
	if err != nil {
		return err
	}
	server.WebServerCertificate = cert.Certificate
	server.WebServerPrivateKey = cert.PrivateKey

	if profile.MeekServerPort != 0 {
		host.MeekServerPort = profile.MeekServerPort
		if host.MeekServerObfuscatedKey, err = security.RandomHex(32); err != nil {
			return err
		}
		if host.MeekCookieEncryptionPublicKey, host.MeekCookieEncryptionPrivateKey, err = security.GenerateMeekCookieKeyPair(); err != nil {
			return err
		}
	}
	return nil
}
