package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// exitTempFail (EX_TEMPFAIL) tells the adapter a command failure is transient
const exitTempFail = 75

// ExecConfig describes a provider driven by external commands
type ExecConfig struct {
	Name          string
	LaunchCommand []string
	RemoveCommand []string
	Timeout       time.Duration
}

// ExecAdapter drives a provider through operator-supplied commands. The
// launch command prints a JSON object {"host": {...}, "server": {...}} on
// stdout; the remove command gets the provider id as its last argument.
type ExecAdapter struct {
	cfg    ExecConfig
	logger zerolog.Logger
}

// NewExecAdapter validates cfg and returns an adapter
func NewExecAdapter(cfg ExecConfig) (*ExecAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("exec provider requires a name")
	}
	if len(cfg.LaunchCommand) == 0 {
		return nil, fmt.Errorf("exec provider %s requires a launch command", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &ExecAdapter{
		cfg:    cfg,
		logger: log.WithComponent("provider").With().Str("provider", cfg.Name).Logger(),
	}, nil
}

// Name returns the provider tag
func (a *ExecAdapter) Name() string { return a.cfg.Name }

// SupportsRemoval reports whether a remove command is configured
func (a *ExecAdapter) SupportsRemoval() bool { return len(a.cfg.RemoveCommand) > 0 }

func (a *ExecAdapter) run(ctx context.Context, argv []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug().Strs("command", argv).Msg("Running provider command")
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	msg := strings.TrimSpace(stderr.String())
	if ctx.Err() != nil {
		return stdout.Bytes(), fmt.Errorf("%s timed out: %w", argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
		return stdout.Bytes(), Transient(fmt.Errorf("%s: %s", argv[0], msg))
	}
	return stdout.Bytes(), fmt.Errorf("%s: %w: %s", argv[0], err, msg)
}

type launchOutput struct {
	Host   *types.Host   `json:"host"`
	Server *types.Server `json:"server"`
}

// LaunchNewServer runs the launch command and parses its output
func (a *ExecAdapter) LaunchNewServer(ctx context.Context) (*Launched, error) {
	out, runErr := a.run(ctx, a.cfg.LaunchCommand)

	var parsed launchOutput
	if len(bytes.TrimSpace(out)) > 0 {
		if err := json.Unmarshal(out, &parsed); err != nil && runErr == nil {
			return nil, fmt.Errorf("failed to parse launch output: %w", err)
		}
	}
	var launched *Launched
	if parsed.Host != nil {
		launched = &Launched{Host: parsed.Host, Server: parsed.Server}
		launched.Host.Provider = a.cfg.Name
		if launched.Host.ID == "" && launched.Host.ProviderID != "" {
			launched.Host.ID = a.cfg.Name + "-" + launched.Host.ProviderID
		}
	}
	if runErr != nil {
		return launched, runErr
	}

	if launched == nil || launched.Server == nil {
		return nil, fmt.Errorf("launch output must contain host and server")
	}
	if launched.Host.ProviderID == "" || launched.Host.IPAddress == "" {
		return launched, fmt.Errorf("launch output host requires provider_id and ip_address")
	}
	return launched, nil
}

// RemoveServer runs the remove command for providerID
func (a *ExecAdapter) RemoveServer(ctx context.Context, providerID string) error {
	if !a.SupportsRemoval() {
		return fmt.Errorf("%w: %s", ErrRemovalNotSupported, a.cfg.Name)
	}
	argv := append(append([]string(nil), a.cfg.RemoveCommand...), providerID)
	_, err := a.run(ctx, argv)
	return err
}

// ManualName is the provider tag of hand-provisioned hosts
const ManualName = "manual"

// ManualAdapter stands in for hosts provisioned by hand. It can neither
// launch nor remove machines.
type ManualAdapter struct{}

// Name returns "manual"
func (ManualAdapter) Name() string { return ManualName }

// SupportsRemoval always reports false
func (ManualAdapter) SupportsRemoval() bool { return false }

// LaunchNewServer always fails
func (ManualAdapter) LaunchNewServer(context.Context) (*Launched, error) {
	return nil, fmt.Errorf("manual provider cannot launch servers; import them instead")
}

// RemoveServer always fails
func (ManualAdapter) RemoveServer(context.Context, string) error {
	return fmt.Errorf("%w: %s", ErrRemovalNotSupported, ManualName)
}
