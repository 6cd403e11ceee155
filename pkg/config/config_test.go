package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/publish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psinet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.DeployDriver().HostConcurrency)
	assert.Equal(t, 20, cfg.Rotation().LaunchConcurrency)
	assert.Equal(t, 3, cfg.HandshakeServer().SelectionCount)
	assert.Equal(t, "psinet-", cfg.Publisher().BucketPrefix)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/psinet/psinet.db
log:
  level: debug
  json: true
deploy:
  host_concurrency: 5
ssh:
  timeout: 45s
  implementation_archive: /srv/server.tar.gz
object_store:
  type: s3
  region: eu-west-1
  email_bucket: mail
builder:
  command: [make, client]
  timeout: 5m
providers:
  - name: cloud
    type: exec
    weight: 2
    launch_command: [cloud-launch]
    remove_command: [cloud-remove]
speed_test_urls:
  - https://speed.example.com/1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/psinet/psinet.db", cfg.Database.Path)
	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.LogSettings())
	assert.Equal(t, 5, cfg.Deploy.HostConcurrency)
	// untouched values keep their defaults
	assert.Equal(t, 20, cfg.Deploy.LaunchConcurrency)

	hosts := cfg.Transport()
	assert.Equal(t, 45*time.Second, hosts.Timeout)
	assert.Equal(t, "/srv/server.tar.gz", hosts.ImplementationArchive)
	assert.NotEmpty(t, hosts.RemoteDataPath)

	assert.Equal(t, StoreS3, cfg.ObjectStore.Type)
	assert.Equal(t, "mail", cfg.Publisher().EmailBucket)
	assert.Equal(t, []string{"make", "client"}, cfg.Builder.Command)
	assert.Equal(t, 5*time.Minute, cfg.Builder.Timeout)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "cloud", cfg.Providers[0].Name)
	assert.Equal(t, []string{"https://speed.example.com/1"}, cfg.SpeedTestURLs)
}

func TestLoadMissingFile(t *testing.T) {
	t.Run("default path falls back to defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := Load(DefaultPath)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("explicit path is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "deploy: [not, a, map]\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"zero host concurrency", func(c *Config) { c.Deploy.HostConcurrency = 0 }},
		{"negative launch concurrency", func(c *Config) { c.Deploy.LaunchConcurrency = -1 }},
		{"zero selection count", func(c *Config) { c.Deploy.SelectionCount = 0 }},
		{"unknown store", func(c *Config) { c.ObjectStore.Type = "ftp" }},
		{"file store without dir", func(c *Config) { c.ObjectStore.Dir = "" }},
		{"provider without name", func(c *Config) {
			c.Providers = []ProviderConfig{{Type: ProviderManual}}
		}},
		{"duplicate provider", func(c *Config) {
			p := ProviderConfig{Name: "a", Type: ProviderExec, LaunchCommand: []string{"x"}}
			c.Providers = []ProviderConfig{p, p}
		}},
		{"exec without launch command", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "a", Type: ProviderExec}}
		}},
		{"unknown provider type", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "a", Type: "api"}}
		}},
		{"misnamed manual provider", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "byhand", Type: ProviderManual}}
		}},
		{"negative weight", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "a", Type: ProviderExec, LaunchCommand: []string{"x"}, Weight: -1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestNewRegistry(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{
		{Name: "cloud", Type: ProviderExec, Weight: 1, LaunchCommand: []string{"launch"}, RemoveCommand: []string{"remove"}},
		{Name: "static", Type: ProviderExec, Weight: 1, LaunchCommand: []string{"launch"}},
	}

	reg, err := cfg.NewRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud", provider.ManualName, "static"}, reg.Names())
	assert.True(t, reg.SupportsRemoval("cloud"))
	assert.False(t, reg.SupportsRemoval("static"))
	assert.False(t, reg.SupportsRemoval(provider.ManualName))
}

func TestNewRegistryExplicitManual(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: provider.ManualName, Type: ProviderManual}}

	reg, err := cfg.NewRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{provider.ManualName}, reg.Names())
}

func TestStats(t *testing.T) {
	cfg := Default()
	_, ok := cfg.Stats()
	assert.False(t, ok)

	cfg.StatsServer.Address = "192.0.2.10"
	cfg.StatsServer.Username = "stats"
	stats, ok := cfg.Stats()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", stats.Target.Address)
	assert.Equal(t, 22, stats.Target.Port)
	assert.Equal(t, "stats", stats.Target.Username)
	assert.Equal(t, cfg.StatsServer.RemoteDataPath, stats.RemoteDataPath)
}

func TestNewObjectStore(t *testing.T) {
	cfg := Default()
	cfg.ObjectStore.Dir = t.TempDir()
	store, err := cfg.NewObjectStore()
	require.NoError(t, err)
	assert.IsType(t, &publish.FileStore{}, store)

	cfg.ObjectStore.Type = StoreS3
	store, err = cfg.NewObjectStore()
	require.NoError(t, err)
	assert.IsType(t, &publish.S3Store{}, store)
}

func TestNewBuilder(t *testing.T) {
	cfg := Default()
	b, err := cfg.NewBuilder()
	require.NoError(t, err)
	assert.Nil(t, b)

	cfg.Builder.Command = []string{"make"}
	b, err = cfg.NewBuilder()
	require.NoError(t, err)
	assert.NotNil(t, b)
}
