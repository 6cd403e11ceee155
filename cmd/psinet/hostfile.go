package main

import (
	"fmt"

	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
	"gopkg.in/yaml.v3"
)

// hostFile is the YAML layout accepted by "edit host import"
type hostFile struct {
	Hosts []hostSpec `yaml:"hosts"`
}

type hostSpec struct {
	ID               string       `yaml:"id"`
	Provider         string       `yaml:"provider"`
	ProviderID       string       `yaml:"provider_id"`
	IPAddress        string       `yaml:"ip_address"`
	SSHPort          int          `yaml:"ssh_port"`
	SSHUsername      string       `yaml:"ssh_username"`
	SSHPassword      string       `yaml:"ssh_password"`
	SSHHostKey       string       `yaml:"ssh_host_key"`
	StatsSSHUsername string       `yaml:"stats_ssh_username"`
	StatsSSHPassword string       `yaml:"stats_ssh_password"`
	DatacenterName   string       `yaml:"datacenter_name"`
	Region           string       `yaml:"region"`
	Servers          []serverSpec `yaml:"servers"`
}

type serverSpec struct {
	ID                 string   `yaml:"id"`
	IPAddress          string   `yaml:"ip_address"`
	PropagationChannel string   `yaml:"propagation_channel"`
	Embedded           bool     `yaml:"embedded"`
	Permanent          bool     `yaml:"permanent"`
	DiscoveryDays      int      `yaml:"discovery_days"`
	Capabilities       []string `yaml:"capabilities"`

	WebServerPort        int    `yaml:"web_server_port"`
	WebServerSecret      string `yaml:"web_server_secret"`
	WebServerCertificate string `yaml:"web_server_certificate"`
	WebServerPrivateKey  string `yaml:"web_server_private_key"`

	SSHPort           int    `yaml:"ssh_port"`
	SSHUsername       string `yaml:"ssh_username"`
	SSHPassword       string `yaml:"ssh_password"`
	SSHHostKey        string `yaml:"ssh_host_key"`
	SSHObfuscatedPort int    `yaml:"ssh_obfuscated_port"`
	SSHObfuscatedKey  string `yaml:"ssh_obfuscated_key"`
}

func (h hostSpec) host() *types.Host {
	p := h.Provider
	if p == "" {
		p = provider.ManualName
	}
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	return &types.Host{
		ID:               h.ID,
		Provider:         p,
		ProviderID:       h.ProviderID,
		IPAddress:        h.IPAddress,
		SSHPort:          port,
		SSHUsername:      h.SSHUsername,
		SSHPassword:      h.SSHPassword,
		SSHHostKey:       h.SSHHostKey,
		StatsSSHUsername: h.StatsSSHUsername,
		StatsSSHPassword: h.StatsSSHPassword,
		DatacenterName:   h.DatacenterName,
		Region:           h.Region,
	}
}

func (s serverSpec) server(n *psinet.Network, hostID, hostIP string) (*types.Server, error) {
	channel, err := n.PropagationChannelByName(s.PropagationChannel)
	if err != nil {
		return nil, err
	}
	var caps []types.Capability
	for _, c := range s.Capabilities {
		caps = append(caps, types.Capability(c))
	}
	ip := s.IPAddress
	if ip == "" {
		ip = hostIP
	}
	server := &types.Server{
		ID:                   s.ID,
		HostID:               hostID,
		IPAddress:            ip,
		PropagationChannelID: channel.ID,
		IsEmbedded:           s.Embedded,
		IsPermanent:          s.Permanent,
		Capabilities:         types.NewCapabilities(caps...),
		WebServerPort:        s.WebServerPort,
		WebServerSecret:      s.WebServerSecret,
		WebServerCertificate: s.WebServerCertificate,
		WebServerPrivateKey:  s.WebServerPrivateKey,
		SSHPort:              s.SSHPort,
		SSHUsername:          s.SSHUsername,
		SSHPassword:          s.SSHPassword,
		SSHHostKey:           s.SSHHostKey,
		SSHObfuscatedPort:    s.SSHObfuscatedPort,
		SSHObfuscatedKey:     s.SSHObfuscatedKey,
	}
	if s.DiscoveryDays > 0 {
		now := n.Now()
		server.DiscoveryDateRange = &types.DiscoveryDateRange{Start: now, End: now.AddDate(0, 0, s.DiscoveryDays)}
	}
	return server, nil
}

// importHosts registers every host in a host file, then its servers. It
// stops at the first invalid record; records before it stay imported.
func importHosts(n *psinet.Network, data []byte) (int, int, error) {
	var file hostFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("failed to parse YAML: %v", err)
	}

	hosts, servers := 0, 0
	for _, h := range file.Hosts {
		if err := n.ImportHost(h.host()); err != nil {
			return hosts, servers, err
		}
		hosts++
		for _, s := range h.Servers {
			server, err := s.server(n, h.ID, h.IPAddress)
			if err != nil {
				return hosts, servers, fmt.Errorf("server %s: %w", s.ID, err)
			}
			if err := n.ImportServer(server); err != nil {
				return hosts, servers, err
			}
			servers++
		}
	}
	return hosts, servers, nil
}
