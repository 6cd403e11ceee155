package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// ErrBuildFailure wraps every client build error
var ErrBuildFailure = errors.New("client build failed")

// Conventional artifact names in campaign buckets
const (
	WindowsClientName   = "psiphon3.exe"
	AndroidClientName   = "PsiphonAndroid.apk"
	UpgradeSuffix       = ".upgrade_package"
	ServerListKey       = "server_list"
	WebsiteIndexKey     = "index.html"
	EmailConfigKey      = "EmailResponder/conf.json"
	defaultBuildTimeout = 30 * time.Minute
)

// ClientName returns the download name of a platform's client
func ClientName(p types.Platform) string {
	if p == types.PlatformAndroid {
		return AndroidClientName
	}
	return WindowsClientName
}

// UpgradeName returns the object key of a platform's upgrade package
func UpgradeName(p types.Platform) string {
	return ClientName(p) + UpgradeSuffix
}

// BuildRequest is everything frozen into one client build
type BuildRequest struct {
	Platform                           types.Platform `json:"platform"`
	PropagationChannelID               string         `json:"propagation_channel_id"`
	SponsorID                          string         `json:"sponsor_id"`
	ClientVersion                      int            `json:"client_version"`
	Banner                             string         `json:"banner,omitempty"`
	EmbeddedServerList                 []string       `json:"embedded_server_list"`
	RemoteServerListURL                string         `json:"remote_server_list_url"`
	RemoteServerListSignaturePublicKey string         `json:"remote_server_list_signature_public_key"`
	UpgradeSignaturePublicKey          string         `json:"upgrade_signature_public_key"`
	FeedbackEncryptionPublicKey        string         `json:"feedback_encryption_public_key"`
	UpgradeURL                         string         `json:"upgrade_url,omitempty"`
	GetNewVersionEmail                 string         `json:"get_new_version_email,omitempty"`
	IgnoreNonEmbeddedServerEntries     bool           `json:"ignore_non_embedded_server_entries,omitempty"`
}

func (r BuildRequest) name() string {
	return strings.ToLower(string(r.Platform)) + "-" + r.PropagationChannelID + "-" + r.SponsorID
}

// Builder produces a client binary and returns its local path
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (string, error)
}

// CommandBuilder runs an external build command. The command finds the
// build request JSON in $PSINET_BUILD_SPEC and must write the binary to
// $PSINET_BUILD_OUTPUT.
type CommandBuilder struct {
	Command   []string
	OutputDir string
	Timeout   time.Duration
	logger    zerolog.Logger
}

// NewCommandBuilder creates a builder writing into outputDir
func NewCommandBuilder(command []string, outputDir string, timeout time.Duration) (*CommandBuilder, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("builder requires a command")
	}
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	return &CommandBuilder{
		Command:   command,
		OutputDir: outputDir,
		Timeout:   timeout,
		logger:    log.WithComponent("builder"),
	}, nil
}

// Build runs the build command for req
func (b *CommandBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	dir := filepath.Join(b.OutputDir, req.name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	spec, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	specPath := filepath.Join(dir, "build.json")
	if err := os.WriteFile(specPath, spec, 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	output := filepath.Join(dir, ClientName(req.Platform))
	_ = os.Remove(output)

	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"PSINET_BUILD_SPEC="+specPath,
		"PSINET_BUILD_OUTPUT="+output,
		"PSINET_PLATFORM="+string(req.Platform),
	)
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrBuildFailure, req.name(), err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("%w: %s: no binary at %s", ErrBuildFailure, req.name(), output)
	}

	b.logger.Info().
		Str("platform", string(req.Platform)).
		Str("channel_id", req.PropagationChannelID).
		Str("sponsor_id", req.SponsorID).
		Dur("duration", time.Since(start)).
		Msg("Client built")
	return output, nil
}
