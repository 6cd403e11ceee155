package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/psinet-ops/psinet/pkg/transport"
	"github.com/psinet-ops/psinet/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Check is a named checker
type Check struct {
	Name    string
	Checker Checker
}

// NamedResult is the outcome of one Check
type NamedResult struct {
	Name string
	Type CheckType
	Result
}

// Report collects the results of every check run against one server
type Report struct {
	ServerID string
	Results  []NamedResult
}

// Healthy reports whether every check passed
func (r *Report) Healthy() bool {
	for _, res := range r.Results {
		if !res.Healthy {
			return false
		}
	}
	return true
}

func hostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// ServerChecks returns the checks that apply to a server's capabilities:
// the web port and a handshake for handshake servers, an SSH login for SSH
// servers, and port probes for obfuscated SSH and meek
func ServerChecks(host *types.Host, server *types.Server, timeout time.Duration) ([]Check, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	caps := server.Capabilities
	var checks []Check

	if caps.Has(types.CapHandshake) {
		checks = append(checks, Check{"web", NewTCPChecker(hostPort(server.IPAddress, server.WebServerPort)).WithTimeout(timeout)})
		hc, err := NewHandshakeChecker(server, timeout)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", server.ID, err)
		}
		checks = append(checks, Check{"handshake", hc})
	}
	if caps.Has(types.CapSSH) {
		sc := NewSSHChecker(transport.Target{
			Address:  server.IPAddress,
			Port:     server.SSHPort,
			Username: server.SSHUsername,
			Password: server.SSHPassword,
			HostKey:  server.SSHHostKey,
		})
		sc.Timeout = timeout
		checks = append(checks, Check{"ssh", sc})
	}
	if caps.Has(types.CapOSSH) {
		checks = append(checks, Check{"ossh", NewTCPChecker(hostPort(server.IPAddress, server.SSHObfuscatedPort)).WithTimeout(timeout)})
	}
	if (caps.Has(types.CapFrontedMeek) || caps.Has(types.CapUnfrontedMeek)) && host != nil && host.MeekServerPort != 0 {
		checks = append(checks, Check{"meek", NewTCPChecker(hostPort(server.IPAddress, host.MeekServerPort)).WithTimeout(timeout)})
	}
	return checks, nil
}

// Run executes checks concurrently and returns their results in the order
// the checks were given
func Run(ctx context.Context, serverID string, checks []Check) *Report {
	report := &Report{ServerID: serverID, Results: make([]NamedResult, len(checks))}

	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			res := c.Checker.Check(ctx)
			report.Results[i] = NamedResult{Name: c.Name, Type: c.Checker.Type(), Result: res}
			return nil
		})
	}
	_ = g.Wait()
	return report
}
