package serverentry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/psinet-ops/psinet/pkg/types"
)

const (
	// CapUnfrontedMeekHTTPS replaces UNFRONTED-MEEK when meek listens on 443
	CapUnfrontedMeekHTTPS = "UNFRONTED-MEEK-HTTPS"

	// CapFrontedMeekHTTP is added to FRONTED-MEEK when alternate fronting hosts exist
	CapFrontedMeekHTTP = "FRONTED-MEEK-HTTP"

	// MaxFrontingAddresses bounds the alternate fronting addresses per entry
	MaxFrontingAddresses = 3
)

// ExtendedConfig is the JSON blob closing every encoded server entry. Field
// names are part of the client wire format.
type ExtendedConfig struct {
	IPAddress                     string   `json:"ipAddress"`
	WebServerPort                 string   `json:"webServerPort"`
	WebServerSecret               string   `json:"webServerSecret"`
	WebServerCertificate          string   `json:"webServerCertificate"`
	SSHPort                       int      `json:"sshPort"`
	SSHUsername                   string   `json:"sshUsername"`
	SSHPassword                   string   `json:"sshPassword"`
	SSHHostKey                    string   `json:"sshHostKey"`
	SSHObfuscatedPort             int      `json:"sshObfuscatedPort"`
	SSHObfuscatedKey              string   `json:"sshObfuscatedKey"`
	Region                        string   `json:"region"`
	MeekServerPort                int      `json:"meekServerPort"`
	MeekObfuscatedKey             string   `json:"meekObfuscatedKey"`
	MeekFrontingDomain            string   `json:"meekFrontingDomain"`
	MeekFrontingHost              string   `json:"meekFrontingHost"`
	MeekCookieEncryptionPublicKey string   `json:"meekCookieEncryptionPublicKey"`
	MeekFrontingAddresses         []string `json:"meekFrontingAddresses,omitempty"`
	Capabilities                  []string `json:"capabilities"`
}

// Entry is a decoded server entry
type Entry struct {
	IPAddress            string
	WebServerPort        string
	WebServerSecret      string
	WebServerCertificate string
	Extended             ExtendedConfig
}

// New builds the entry advertising server, which runs on host. rnd shuffles
// the alternate fronting addresses.
func New(host *types.Host, server *types.Server, rnd *rand.Rand) *Entry {
	port := strconv.Itoa(server.WebServerPort)
	ext := ExtendedConfig{
		IPAddress:            server.IPAddress,
		WebServerPort:        port,
		WebServerSecret:      server.WebServerSecret,
		WebServerCertificate: server.WebServerCertificate,
		SSHPort:              server.SSHPort,
		SSHUsername:          server.SSHUsername,
		SSHPassword:          server.SSHPassword,
		SSHHostKey:           stripKeyType(server.SSHHostKey),
		SSHObfuscatedPort:    server.SSHObfuscatedPort,
		SSHObfuscatedKey:     server.SSHObfuscatedKey,
		Region:               host.Region,
		Capabilities:         capabilityNames(host, server),
	}

	caps := server.Capabilities
	if caps.Has(types.CapFrontedMeek) || caps.Has(types.CapUnfrontedMeek) {
		ext.MeekServerPort = host.MeekServerPort
		ext.MeekObfuscatedKey = host.MeekServerObfuscatedKey
		ext.MeekCookieEncryptionPublicKey = host.MeekCookieEncryptionPublicKey
	}
	if caps.Has(types.CapFrontedMeek) {
		ext.MeekFrontingDomain = host.MeekServerFrontingDomain
		ext.MeekFrontingHost = host.MeekServerFrontingHost
		ext.MeekFrontingAddresses = frontingAddresses(host.AlternateMeekServerFrontingHosts, rnd)
	}

	return &Entry{
		IPAddress:            server.IPAddress,
		WebServerPort:        port,
		WebServerSecret:      server.WebServerSecret,
		WebServerCertificate: server.WebServerCertificate,
		Extended:             ext,
	}
}

// Encode returns the hex form handed to clients
func (e *Entry) Encode() (string, error) {
	ext, err := json.Marshal(e.Extended)
	if err != nil {
		return "", fmt.Errorf("failed to marshal extended config: %w", err)
	}
	line := strings.Join([]string{
		e.IPAddress,
		e.WebServerPort,
		e.WebServerSecret,
		e.WebServerCertificate,
		string(ext),
	}, " ")
	return hex.EncodeToString([]byte(line)), nil
}

// Decode parses an encoded entry
func Decode(encoded string) (*Entry, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("server entry is not hex: %w", err)
	}
	fields := strings.SplitN(string(raw), " ", 5)
	if len(fields) != 5 {
		return nil, fmt.Errorf("server entry has %d fields, want 5", len(fields))
	}
	e := &Entry{
		IPAddress:            fields[0],
		WebServerPort:        fields[1],
		WebServerSecret:      fields[2],
		WebServerCertificate: fields[3],
	}
	if err := json.Unmarshal([]byte(fields[4]), &e.Extended); err != nil {
		return nil, fmt.Errorf("failed to parse extended config: %w", err)
	}
	return e, nil
}

// Encode is shorthand for New(host, server, rnd).Encode()
func Encode(host *types.Host, server *types.Server, rnd *rand.Rand) (string, error) {
	return New(host, server, rnd).Encode()
}

// EncodeList encodes servers in order, looking up each server's host with
// hostFor. Servers whose host cannot be found are skipped.
func EncodeList(servers []*types.Server, hostFor func(id string) *types.Host, rnd *rand.Rand) ([]string, error) {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		host := hostFor(s.HostID)
		if host == nil {
			continue
		}
		encoded, err := Encode(host, s, rnd)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", s.ID, err)
		}
		out = append(out, encoded)
	}
	return out, nil
}

func capabilityNames(host *types.Host, server *types.Server) []string {
	var names []string
	for _, c := range server.Capabilities.Enabled() {
		switch {
		case c == types.CapUnfrontedMeek && host.MeekServerPort == 443:
			names = append(names, CapUnfrontedMeekHTTPS)
		case c == types.CapFrontedMeek && len(host.AlternateMeekServerFrontingHosts) > 0:
			names = append(names, string(c), CapFrontedMeekHTTP)
		default:
			names = append(names, string(c))
		}
	}
	return names
}

func frontingAddresses(alternates []string, rnd *rand.Rand) []string {
	if len(alternates) == 0 {
		return nil
	}
	out := append([]string(nil), alternates...)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > MaxFrontingAddresses {
		out = out[:MaxFrontingAddresses]
	}
	return out
}

// stripKeyType turns "ssh-rsa AAAA... comment" into "AAAA..."
func stripKeyType(key string) string {
	fields := strings.Fields(key)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return fields[1]
	}
}
