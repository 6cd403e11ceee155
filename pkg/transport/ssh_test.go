package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeHost is an in-process SSH server that records commands instead of
// running them
type fakeHost struct {
	port    int
	hostKey string

	mu       sync.Mutex
	commands []string
	uploads  map[string][]byte
	outputs  map[string]string
	failures map[string]bool
}

func startFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "pw" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	h := &fakeHost{
		port:     ln.Addr().(*net.TCPAddr).Port,
		hostKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
		uploads:  make(map[string][]byte),
		outputs:  make(map[string]string),
		failures: make(map[string]bool),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.serve(conn, cfg)
		}
	}()
	return h
}

func (h *fakeHost) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go h.session(ch, requests)
	}
}

func (h *fakeHost) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)
		status := h.exec(ch, payload.Command)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (h *fakeHost) exec(ch ssh.Channel, cmd string) uint32 {
	var stdin []byte
	if strings.Contains(cmd, "cat >") {
		stdin, _ = io.ReadAll(ch)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	if stdin != nil {
		h.uploads[cmd] = stdin
	}
	if h.failures[cmd] {
		io.WriteString(ch.Stderr(), "boom")
		return 1
	}
	io.WriteString(ch, h.outputs[cmd])
	return 0
}

func (h *fakeHost) ran(cmd string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (h *fakeHost) upload(remotePath string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cmd, data := range h.uploads {
		if strings.Contains(cmd, "cat > "+quote(remotePath)) {
			return data
		}
	}
	return nil
}

func (h *fakeHost) host() *types.Host {
	return &types.Host{
		ID:          "H1",
		IPAddress:   "127.0.0.1",
		SSHPort:     h.port,
		SSHUsername: "root",
		SSHPassword: "pw",
		SSHHostKey:  h.hostKey,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second
	return cfg
}

func TestRunAndPut(t *testing.T) {
	fh := startFakeHost(t)
	fh.outputs["echo hi"] = "hi\n"

	c, err := Dial(context.Background(), HostTarget(fh.host()), 10*time.Second)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Run(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	require.NoError(t, c.Put(context.Background(), []byte("payload"), "/srv/it's/data.json", 0o640))
	assert.Equal(t, []byte("payload"), fh.upload("/srv/it's/data.json"))
	assert.True(t, fh.ran(`mkdir -p '/srv/it'"'"'s' && cat > '/srv/it'"'"'s/data.json' && chmod 640 '/srv/it'"'"'s/data.json'`))
}

func TestRunFailure(t *testing.T) {
	fh := startFakeHost(t)
	fh.failures["false"] = true

	c, err := Dial(context.Background(), HostTarget(fh.host()), 10*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Run(context.Background(), "false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotErrorIs(t, err, ErrHostUnreachable)
}

func TestDialFailures(t *testing.T) {
	fh := startFakeHost(t)
	other := startFakeHost(t)

	tests := []struct {
		name   string
		mutate func(*Target)
	}{
		{"wrong password", func(tg *Target) { tg.Password = "nope" }},
		{"wrong host key", func(tg *Target) { tg.HostKey = other.hostKey }},
		{"nothing listening", func(tg *Target) { tg.Port = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := HostTarget(fh.host())
			tt.mutate(&target)
			_, err := Dial(context.Background(), target, 5*time.Second)
			assert.ErrorIs(t, err, ErrHostUnreachable)
		})
	}

	target := HostTarget(fh.host())
	target.HostKey = "not a key"
	_, err := Dial(context.Background(), target, 5*time.Second)
	assert.Error(t, err)
}

func TestInstallRecordsHostKey(t *testing.T) {
	fh := startFakeHost(t)
	h := fh.host()
	h.SSHHostKey = ""

	s := NewSSH(testConfig())
	require.NoError(t, s.Install(context.Background(), h, &types.Server{ID: "S1"}))
	assert.Equal(t, fh.hostKey, h.SSHHostKey)
	assert.True(t, fh.ran(testConfig().InstallCommand))
}

func TestActiveUsers(t *testing.T) {
	fh := startFakeHost(t)
	cfg := testConfig()
	s := NewSSH(cfg)

	fh.outputs[cfg.UserCountCommand] = "42\n"
	users, err := s.ActiveUsers(context.Background(), fh.host())
	require.NoError(t, err)
	assert.Equal(t, 42, users)

	fh.outputs[cfg.UserCountCommand] = "lots"
	_, err = s.ActiveUsers(context.Background(), fh.host())
	assert.Error(t, err)
}

func TestDeployDataAndImplementation(t *testing.T) {
	fh := startFakeHost(t)
	cfg := testConfig()
	cfg.ImplementationArchive = filepath.Join(t.TempDir(), "server.tar.gz")
	require.NoError(t, os.WriteFile(cfg.ImplementationArchive, []byte("archive"), 0o600))
	s := NewSSH(cfg)

	require.NoError(t, s.DeployData(context.Background(), fh.host(), []byte(`{"servers":{}}`)))
	assert.Equal(t, []byte(`{"servers":{}}`), fh.upload(cfg.RemoteDataPath))
	assert.True(t, fh.ran(cfg.ReloadCommand))

	require.NoError(t, s.DeployImplementation(context.Background(), fh.host()))
	assert.Equal(t, []byte("archive"), fh.upload(cfg.RemoteImplementationPath))
	assert.True(t, fh.ran(cfg.InstallCommand))
}

func TestDeployStatsConfig(t *testing.T) {
	fh := startFakeHost(t)
	s := NewSSH(testConfig())

	stats := StatsServer{Target: HostTarget(fh.host()), RemoteDataPath: "/opt/stats/psi_data.json"}
	require.NoError(t, s.DeployStatsConfig(context.Background(), stats, []byte("stats")))
	assert.Equal(t, []byte("stats"), fh.upload("/opt/stats/psi_data.json"))

	assert.Error(t, s.DeployStatsConfig(context.Background(), StatsServer{}, nil))

	deployer := s.ForStats(StatsServer{Target: HostTarget(fh.host()), RemoteDataPath: "/opt/stats/other.json", ReloadCommand: "reload-stats"})
	require.NoError(t, deployer.DeployStats(context.Background(), []byte("again")))
	assert.Equal(t, []byte("again"), fh.upload("/opt/stats/other.json"))
	assert.True(t, fh.ran("reload-stats"))
}
