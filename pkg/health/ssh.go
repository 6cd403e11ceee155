package health

import (
	"context"
	"fmt"
	"time"

	"github.com/psinet-ops/psinet/pkg/transport"
)

// SSHChecker logs in to an SSH endpoint with the given credentials
type SSHChecker struct {
	Target  transport.Target
	Timeout time.Duration
}

// NewSSHChecker creates a new SSH health checker
func NewSSHChecker(target transport.Target) *SSHChecker {
	return &SSHChecker{Target: target, Timeout: DefaultTimeout}
}

// Check dials and authenticates, then disconnects
func (s *SSHChecker) Check(ctx context.Context) Result {
	start := time.Now()
	client, err := transport.Dial(ctx, s.Target, s.Timeout)
	if err != nil {
		return failed(start, "ssh login failed", err)
	}
	_ = client.Close()
	return passed(start, fmt.Sprintf("SSH login as %s successful", s.Target.Username))
}

// Type returns the health check type
func (s *SSHChecker) Type() CheckType {
	return CheckTypeSSH
}
