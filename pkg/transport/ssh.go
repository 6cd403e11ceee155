package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrHostUnreachable wraps every failure to reach or authenticate to a host
var ErrHostUnreachable = errors.New("host unreachable")

// DefaultTimeout bounds dialing and each remote command
const DefaultTimeout = 2 * time.Minute

// Target is how to reach one machine over SSH
type Target struct {
	Address  string
	Port     int
	Username string
	Password string
	// HostKey is an authorized_keys style line. Empty means trust on first
	// use; the key seen is reported through OnHostKey.
	HostKey   string
	OnHostKey func(key string)
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

func (t Target) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(t.HostKey))
		if err != nil {
			return nil, fmt.Errorf("invalid host key for %s: %w", t.Address, err)
		}
		return ssh.FixedHostKey(key), nil
	}
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		if t.OnHostKey != nil {
			t.OnHostKey(strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
		}
		return nil
	}, nil
}

// Client is an open SSH connection
type Client struct {
	target  Target
	conn    *ssh.Client
	timeout time.Duration
}

// Dial connects and authenticates with the target's password
func Dial(ctx context.Context, target Target, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callback, err := target.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: callback,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", target.addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHostUnreachable, target.Address, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, target.addr(), config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrHostUnreachable, target.Address, err)
	}
	return &Client{target: target, conn: ssh.NewClient(conn, chans, reqs), timeout: timeout}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes a command and returns its standard output
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	return c.run(ctx, cmd, nil)
}

func (c *Client) run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrHostUnreachable, c.target.Address, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("%w: %s: command timed out", ErrHostUnreachable, c.target.Address)
	}
	if err != nil {
		return stdout.String(), fmt.Errorf("command %q on %s failed: %w: %s", cmd, c.target.Address, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Put writes data to a remote file, creating its directory
func (c *Client) Put(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		quote(path.Dir(remotePath)), quote(remotePath), mode.Perm(), quote(remotePath))
	_, err := c.run(ctx, cmd, data)
	return err
}

// quote single-quotes s for a POSIX shell
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
