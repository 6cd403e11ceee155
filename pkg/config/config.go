package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/psinet-ops/psinet/pkg/deploy"
	"github.com/psinet-ops/psinet/pkg/handshake"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/publish"
	"github.com/psinet-ops/psinet/pkg/rotation"
	"github.com/psinet-ops/psinet/pkg/transport"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for its configuration
const DefaultPath = "psinet.yaml"

// Object store types
const (
	StoreS3   = "s3"
	StoreFile = "file"
)

// Provider types
const (
	ProviderExec   = "exec"
	ProviderManual = "manual"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the operator configuration of the psinet tools
type Config struct {
	Database      DatabaseConfig    `yaml:"database"`
	Log           LogConfig         `yaml:"log"`
	Deploy        DeployConfig      `yaml:"deploy"`
	SSH           SSHConfig         `yaml:"ssh"`
	StatsServer   StatsServerConfig `yaml:"stats_server"`
	ObjectStore   ObjectStoreConfig `yaml:"object_store"`
	Builder       BuilderConfig     `yaml:"builder"`
	Providers     []ProviderConfig  `yaml:"providers"`
	Handshake     HandshakeConfig   `yaml:"handshake"`
	SpeedTestURLs []string          `yaml:"speed_test_urls"`
}

// DatabaseConfig locates the network database
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DeployConfig tunes the deploy driver and server rotation
type DeployConfig struct {
	HostConcurrency   int `yaml:"host_concurrency"`
	LaunchConcurrency int `yaml:"launch_concurrency"`
	SelectionCount    int `yaml:"selection_count"`
	DisableThreshold  int `yaml:"disable_threshold"`
	DiscoveryDays     int `yaml:"discovery_days"`
}

// SSHConfig describes the host layout reached over SSH
type SSHConfig struct {
	Timeout                  time.Duration `yaml:"timeout"`
	ImplementationArchive    string        `yaml:"implementation_archive"`
	RemoteImplementationPath string        `yaml:"remote_implementation_path"`
	InstallCommand           string        `yaml:"install_command"`
	RemoteDataPath           string        `yaml:"remote_data_path"`
	ReloadCommand            string        `yaml:"reload_command"`
	UserCountCommand         string        `yaml:"user_count_command"`
}

// StatsServerConfig locates the stats server. An empty address disables
// the stats phase of deploy.
type StatsServerConfig struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	HostKey        string `yaml:"host_key"`
	RemoteDataPath string `yaml:"remote_data_path"`
	ReloadCommand  string `yaml:"reload_command"`
}

// ObjectStoreConfig selects where campaign artifacts are published
type ObjectStoreConfig struct {
	Type string `yaml:"type"`

	// s3
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	URLFormat string `yaml:"url_format"`

	// file
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`

	BucketPrefix string `yaml:"bucket_prefix"`
	EmailBucket  string `yaml:"email_bucket"`
	RoutesBucket string `yaml:"routes_bucket"`
}

// BuilderConfig describes the external client build command
type BuilderConfig struct {
	Command   []string      `yaml:"command"`
	OutputDir string        `yaml:"output_dir"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProviderConfig registers one hosting provider
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	Type          string        `yaml:"type"`
	Weight        int           `yaml:"weight"`
	LaunchCommand []string      `yaml:"launch_command"`
	RemoveCommand []string      `yaml:"remove_command"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HandshakeConfig configures serve-handshake
type HandshakeConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	SnapshotPath string `yaml:"snapshot_path"`
	ServerIP     string `yaml:"server_ip"`
	TLS          bool   `yaml:"tls"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	hosts := transport.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Path:         "psinet.db",
			HistoryLimit: 20,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Deploy: DeployConfig{
			HostConcurrency:   deploy.DefaultHostConcurrency,
			LaunchConcurrency: rotation.DefaultLaunchConcurrency,
			SelectionCount:    3,
			DisableThreshold:  rotation.DefaultDisableThreshold,
			DiscoveryDays:     rotation.DefaultDiscoveryDays,
		},
		SSH: SSHConfig{
			Timeout:                  hosts.Timeout,
			RemoteImplementationPath: hosts.RemoteImplementationPath,
			InstallCommand:           hosts.InstallCommand,
			RemoteDataPath:           hosts.RemoteDataPath,
			ReloadCommand:            hosts.ReloadCommand,
			UserCountCommand:         hosts.UserCountCommand,
		},
		StatsServer: StatsServerConfig{
			Port:           22,
			RemoteDataPath: "/opt/psinet/stats/psi_data.json",
		},
		ObjectStore: ObjectStoreConfig{
			Type:         StoreFile,
			Region:       "us-east-1",
			Dir:          "published",
			BucketPrefix: "psinet-",
			EmailBucket:  "psinet-email",
			RoutesBucket: "psinet-routes",
		},
		Builder: BuilderConfig{
			OutputDir: "builds",
			Timeout:   30 * time.Minute,
		},
		Handshake: HandshakeConfig{
			ListenAddr:   ":8443",
			MetricsAddr:  ":9090",
			SnapshotPath: hosts.RemoteDataPath,
			TLS:          true,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file at the default
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is empty", ErrInvalid)
	}
	if c.Deploy.HostConcurrency <= 0 {
		return fmt.Errorf("%w: deploy.host_concurrency must be positive", ErrInvalid)
	}
	if c.Deploy.LaunchConcurrency <= 0 {
		return fmt.Errorf("%w: deploy.launch_concurrency must be positive", ErrInvalid)
	}
	if c.Deploy.SelectionCount <= 0 {
		return fmt.Errorf("%w: deploy.selection_count must be positive", ErrInvalid)
	}

	switch c.ObjectStore.Type {
	case StoreS3:
	case StoreFile:
		if c.ObjectStore.Dir == "" {
			return fmt.Errorf("%w: object_store.dir is required for the file store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown object_store.type %q", ErrInvalid, c.ObjectStore.Type)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: providers[%d] has no name", ErrInvalid, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: provider %q listed twice", ErrInvalid, p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case ProviderExec:
			if len(p.LaunchCommand) == 0 {
				return fmt.Errorf("%w: provider %q has no launch_command", ErrInvalid, p.Name)
			}
		case ProviderManual:
			if p.Name != provider.ManualName {
				return fmt.Errorf("%w: manual provider must be named %q", ErrInvalid, provider.ManualName)
			}
		default:
			return fmt.Errorf("%w: provider %q has unknown type %q", ErrInvalid, p.Name, p.Type)
		}
		if p.Weight < 0 {
			return fmt.Errorf("%w: provider %q has a negative weight", ErrInvalid, p.Name)
		}
	}
	return nil
}

// LogSettings returns the logger settings
func (c *Config) LogSettings() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}

// Transport returns the SSH host layout
func (c *Config) Transport() transport.Config {
	return transport.Config{
		Timeout:                  c.SSH.Timeout,
		ImplementationArchive:    c.SSH.ImplementationArchive,
		RemoteImplementationPath: c.SSH.RemoteImplementationPath,
		InstallCommand:           c.SSH.InstallCommand,
		RemoteDataPath:           c.SSH.RemoteDataPath,
		ReloadCommand:            c.SSH.ReloadCommand,
		UserCountCommand:         c.SSH.UserCountCommand,
	}
}

// Stats returns the stats server, or false when none is configured
func (c *Config) Stats() (transport.StatsServer, bool) {
	s := c.StatsServer
	if s.Address == "" {
		return transport.StatsServer{}, false
	}
	return transport.StatsServer{
		Target: transport.Target{
			Address:  s.Address,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			HostKey:  s.HostKey,
		},
		RemoteDataPath: s.RemoteDataPath,
		ReloadCommand:  s.ReloadCommand,
	}, true
}

// DeployDriver returns the deploy driver settings
func (c *Config) DeployDriver() deploy.Config {
	return deploy.Config{HostConcurrency: c.Deploy.HostConcurrency}
}

// Rotation returns the rotator settings
func (c *Config) Rotation() rotation.Config {
	return rotation.Config{
		LaunchConcurrency: c.Deploy.LaunchConcurrency,
		DisableThreshold:  c.Deploy.DisableThreshold,
		DiscoveryDays:     c.Deploy.DiscoveryDays,
	}
}

// Publisher returns the campaign publisher settings
func (c *Config) Publisher() publish.Config {
	return publish.Config{
		BucketPrefix: c.ObjectStore.BucketPrefix,
		EmailBucket:  c.ObjectStore.EmailBucket,
		RoutesBucket: c.ObjectStore.RoutesBucket,
	}
}

// NewObjectStore opens the configured object store
func (c *Config) NewObjectStore() (publish.ObjectStore, error) {
	o := c.ObjectStore
	switch o.Type {
	case StoreS3:
		s3, err := publish.NewS3Store(publish.S3Config{
			Region:    o.Region,
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			URLFormat: o.URLFormat,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case StoreFile:
		return publish.NewFileStore(o.Dir, o.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: unknown object_store.type %q", ErrInvalid, o.Type)
	}
}

// NewBuilder returns the client builder, or nil when no command is set
func (c *Config) NewBuilder() (publish.Builder, error) {
	if len(c.Builder.Command) == 0 {
		return nil, nil
	}
	b, err := publish.NewCommandBuilder(c.Builder.Command, c.Builder.OutputDir, c.Builder.Timeout)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// HandshakeServer returns the handshake server settings
func (c *Config) HandshakeServer() handshake.ServerConfig {
	return handshake.ServerConfig{
		ListenAddr:     c.Handshake.ListenAddr,
		MetricsAddr:    c.Handshake.MetricsAddr,
		ServerIP:       c.Handshake.ServerIP,
		SnapshotPath:   c.Handshake.SnapshotPath,
		SelectionCount: c.Deploy.SelectionCount,
		TLS:            c.Handshake.TLS,
	}
}

// NewRegistry registers every configured provider, each wrapped for retries.
// The manual provider is always present.
func (c *Config) NewRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	manual := false
	for _, p := range c.Providers {
		var a provider.Adapter
		switch p.Type {
		case ProviderExec:
			exec, err := provider.NewExecAdapter(provider.ExecConfig{
				Name:          p.Name,
				LaunchCommand: p.LaunchCommand,
				RemoveCommand: p.RemoveCommand,
				Timeout:       p.Timeout,
			})
			if err != nil {
				return nil, err
			}
			a = provider.WithRetry(exec, provider.DefaultRetryPolicy())
		case ProviderManual:
			if p.Name != provider.ManualName {
				return nil, fmt.Errorf("%w: manual provider must be named %q", ErrInvalid, provider.ManualName)
			}
			a = provider.ManualAdapter{}
			manual = true
		default:
			return nil, fmt.Errorf("%w: provider %q has unknown type %q", ErrInvalid, p.Name, p.Type)
		}
		if err := reg.Register(a, p.Weight); err != nil {
			return nil, err
		}
	}
	if !manual {
		if err := reg.Register(provider.ManualAdapter{}, 0); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
