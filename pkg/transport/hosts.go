package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// Config describes where things live on hosts
type Config struct {
	Timeout time.Duration

	// ImplementationArchive is the local server code bundle pushed to hosts
	ImplementationArchive string
	// RemoteImplementationPath is where the bundle lands on a host
	RemoteImplementationPath string
	// InstallCommand unpacks and restarts the server code
	InstallCommand string

	// RemoteDataPath is where a host's compartmentalized snapshot lands
	RemoteDataPath string
	// ReloadCommand makes the host's servers pick up a new snapshot
	ReloadCommand string

	// UserCountCommand prints the number of connected users
	UserCountCommand string
}

// DefaultConfig returns the standard host layout
func DefaultConfig() Config {
	return Config{
		Timeout:                  DefaultTimeout,
		RemoteImplementationPath: "/opt/psinet/server.tar.gz",
		InstallCommand:           "tar -xzf /opt/psinet/server.tar.gz -C /opt/psinet && /opt/psinet/install.sh",
		RemoteDataPath:           "/opt/psinet/data/psi_data.json",
		ReloadCommand:            "systemctl reload psinet-server",
		UserCountCommand:         "/opt/psinet/count_users.sh",
	}
}

// HostTarget returns the SSH target of a host's management account
func HostTarget(h *types.Host) Target {
	return Target{
		Address:  h.IPAddress,
		Port:     h.SSHPort,
		Username: h.SSHUsername,
		Password: h.SSHPassword,
		HostKey:  h.SSHHostKey,
	}
}

// SSH pushes code and data to hosts, installs new machines and counts
// their users
type SSH struct {
	cfg    Config
	logger zerolog.Logger
}

// NewSSH creates the SSH transport
func NewSSH(cfg Config) *SSH {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &SSH{cfg: cfg, logger: log.WithComponent("transport")}
}

func (s *SSH) withHost(ctx context.Context, target Target, fn func(*Client) error) error {
	client, err := Dial(ctx, target, s.cfg.Timeout)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

// DeployImplementation uploads and installs the server code on a host
func (s *SSH) DeployImplementation(ctx context.Context, h *types.Host) error {
	if s.cfg.ImplementationArchive == "" {
		return fmt.Errorf("no implementation archive configured")
	}
	archive, err := os.ReadFile(s.cfg.ImplementationArchive)
	if err != nil {
		return fmt.Errorf("failed to read implementation archive: %w", err)
	}
	return s.withHost(ctx, HostTarget(h), func(c *Client) error {
		if err := c.Put(ctx, archive, s.cfg.RemoteImplementationPath, 0o600); err != nil {
			return err
		}
		if s.cfg.InstallCommand != "" {
			if _, err := c.Run(ctx, s.cfg.InstallCommand); err != nil {
				return err
			}
		}
		s.logger.Debug().Str("host_id", h.ID).Int("bytes", len(archive)).Msg("Implementation deployed")
		return nil
	})
}

// DeployData uploads a host's compartmentalized snapshot and reloads its servers
func (s *SSH) DeployData(ctx context.Context, h *types.Host, data []byte) error {
	return s.withHost(ctx, HostTarget(h), func(c *Client) error {
		if err := c.Put(ctx, data, s.cfg.RemoteDataPath, 0o600); err != nil {
			return err
		}
		if s.cfg.ReloadCommand != "" {
			if _, err := c.Run(ctx, s.cfg.ReloadCommand); err != nil {
				return err
			}
		}
		s.logger.Debug().Str("host_id", h.ID).Int("bytes", len(data)).Msg("Data deployed")
		return nil
	})
}

// Install records the host key of a freshly launched machine and runs the
// install command on it
func (s *SSH) Install(ctx context.Context, h *types.Host, server *types.Server) error {
	target := HostTarget(h)
	target.OnHostKey = func(key string) { h.SSHHostKey = key }
	return s.withHost(ctx, target, func(c *Client) error {
		if s.cfg.InstallCommand == "" {
			return nil
		}
		_, err := c.Run(ctx, s.cfg.InstallCommand)
		return err
	})
}

// ActiveUsers runs the user count command on a host
func (s *SSH) ActiveUsers(ctx context.Context, h *types.Host) (int, error) {
	if s.cfg.UserCountCommand == "" {
		return 0, fmt.Errorf("no user count command configured")
	}
	var users int
	err := s.withHost(ctx, HostTarget(h), func(c *Client) error {
		out, err := c.Run(ctx, s.cfg.UserCountCommand)
		if err != nil {
			return err
		}
		users, err = strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return fmt.Errorf("host %s: unexpected user count %q", h.ID, strings.TrimSpace(out))
		}
		return nil
	})
	return users, err
}

// StatsServer is the machine that polls hosts for usage statistics
type StatsServer struct {
	Target         Target
	RemoteDataPath string
	ReloadCommand  string
}

// DeployStatsConfig uploads the stats-server compartmentalized snapshot
func (s *SSH) DeployStatsConfig(ctx context.Context, stats StatsServer, data []byte) error {
	if stats.Target.Address == "" {
		return fmt.Errorf("no stats server configured")
	}
	return s.withHost(ctx, stats.Target, func(c *Client) error {
		if err := c.Put(ctx, data, stats.RemoteDataPath, 0o600); err != nil {
			return err
		}
		if stats.ReloadCommand != "" {
			_, err := c.Run(ctx, stats.ReloadCommand)
			return err
		}
		return nil
	})
}

// StatsDeployer binds the transport to one stats server
type StatsDeployer struct {
	ssh    *SSH
	server StatsServer
}

// ForStats returns a deployer for the given stats server
func (s *SSH) ForStats(server StatsServer) *StatsDeployer {
	return &StatsDeployer{ssh: s, server: server}
}

// DeployStats uploads the stats-server snapshot
func (d *StatsDeployer) DeployStats(ctx context.Context, data []byte) error {
	return d.ssh.DeployStatsConfig(ctx, d.server, data)
}
