package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, DriverDisk, cfg.Storage.Driver)
	assert.Equal(t, "data", cfg.Storage.Path)
	assert.Equal(t, SerializerJSON, cfg.Storage.Serializer)
	assert.Equal(t, "keys", cfg.Signer.KeyDir)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, DriverSQLite, cfg.QueueDriver())
	assert.Equal(t, "queue.db", cfg.Queue.Path)
	assert.Empty(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		wantErrors int
	}{
		{
			name:       "valid default config",
			modify:     func(c *Config) {},
			wantErrors: 0,
		},
		{
			name: "valid postgres with queue",
			modify: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.URL = "postgres://localhost/db"
				c.Queue.Store = DriverPostgres
			},
			wantErrors: 0,
		},
		{
			name:       "valid memory driver",
			modify:     func(c *Config) { c.Storage.Driver = DriverMemory },
			wantErrors: 0,
		},
		{
			name:       "missing driver",
			modify:     func(c *Config) { c.Storage.Driver = "" },
			wantErrors: 1,
		},
		{
			name:       "invalid driver",
			modify:     func(c *Config) { c.Storage.Driver = "mysql" },
			wantErrors: 1,
		},
		{
			name:       "sqlite without path",
			modify:     func(c *Config) { c.Storage.Driver = DriverSQLite; c.Storage.Path = "" },
			wantErrors: 1,
		},
		{
			name:       "postgres without URL and with bad sql driver",
			modify:     func(c *Config) { c.Storage.Driver = DriverPostgres; c.Storage.SQLDriver = "mysql" },
			wantErrors: 2,
		},
		{
			name:       "unknown serializer",
			modify:     func(c *Config) { c.Storage.Serializer = "xml" },
			wantErrors: 1,
		},
		{
			name:       "postgres queue on disk storage",
			modify:     func(c *Config) { c.Queue.Store = DriverPostgres },
			wantErrors: 1,
		},
		{
			name:       "memory queue over disk storage",
			modify:     func(c *Config) { c.Queue.Store = DriverMemory },
			wantErrors: 1,
		},
		{
			name:       "memory queue over memory storage",
			modify:     func(c *Config) { c.Storage.Driver = DriverMemory; c.Queue.Store = DriverMemory },
			wantErrors: 0,
		},
		{
			name:       "sqlite queue without path on disk storage",
			modify:     func(c *Config) { c.Queue.Path = "" },
			wantErrors: 1,
		},
		{
			name: "sqlite storage holds its own queue",
			modify: func(c *Config) {
				c.Storage.Driver = DriverSQLite
				c.Storage.Path = "rpkica.db"
				c.Queue.Path = ""
			},
			wantErrors: 0,
		},
		{
			name:       "unknown queue store",
			modify:     func(c *Config) { c.Queue.Store = "redis" },
			wantErrors: 1,
		},
		{
			name:       "missing key dir and negative snapshots",
			modify:     func(c *Config) { c.Signer.KeyDir = ""; c.Storage.SnapshotEvery = -1 },
			wantErrors: 2,
		},
		{
			name: "routes without publisher settings",
			modify: func(c *Config) {
				c.Routes = []RouteConfig{
					{Destination: "kafka:ca-events"},
					{Destination: "sns:arn:aws:sns:eu-west-1:1:ca"},
					{Destination: "webhook:https://example.net/hook"},
					{Destination: "smtp:ops"},
				}
			},
			wantErrors: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			errors := cfg.Validate()
			assert.Equal(t, tt.wantErrors, len(errors), "errors: %v", errors)
		})
	}
}

func TestConfig_QueueDriver(t *testing.T) {
	tests := []struct {
		storage string
		store   string
		want    string
	}{
		{storage: DriverDisk, want: DriverSQLite},
		{storage: DriverSQLite, want: DriverSQLite},
		{storage: DriverPostgres, want: DriverPostgres},
		{storage: DriverMemory, want: DriverMemory},
		{storage: DriverPostgres, store: DriverSQLite, want: DriverSQLite},
		{storage: DriverDisk, store: DriverMemory, want: DriverMemory},
	}

	for _, tt := range tests {
		t.Run(tt.storage+"/"+tt.store, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Storage.Driver = tt.storage
			cfg.Queue.Store = tt.store
			assert.Equal(t, tt.want, cfg.QueueDriver())
		})
	}
}

func TestConfig_ResolveQueuePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve("/srv/rpkica")
	assert.Equal(t, filepath.Join("/srv/rpkica", "queue.db"), cfg.Queue.Path)
	assert.Equal(t, filepath.Join("/srv/rpkica", "data"), cfg.Storage.Path)
}

func TestConfig_SaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.Path = "rpkica.db"
	cfg.Queue.PollInterval = 250 * time.Millisecond
	cfg.Routes = []RouteConfig{{Events: []string{"ChildCertificateIssued"}, Destination: "webhook:https://example.net/hook"}}

	require.NoError(t, cfg.Save(tmpDir))

	_, err := os.Stat(filepath.Join(tmpDir, ConfigFileName))
	require.NoError(t, err)

	loaded, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, cfg.Storage, loaded.Storage)
	assert.Equal(t, 250*time.Millisecond, loaded.Queue.PollInterval)
	assert.Equal(t, cfg.Routes, loaded.Routes)
}

func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, SerializerJSON, cfg.Storage.Serializer)
	assert.Equal(t, "keys", cfg.Signer.KeyDir)
}

func TestLoadFile_EnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, DefaultConfig().SaveFile(path))

	t.Setenv("RPKICA_STORAGE_DRIVER", "postgres")
	t.Setenv("RPKICA_DATABASE_URL", "postgres://db/rpkica")
	t.Setenv("RPKICA_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RPKICA_QUEUE_POLL_INTERVAL", "3s")
	t.Setenv("RPKICA_LOG_LEVEL", "debug")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://db/rpkica", cfg.Storage.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "data", cfg.Storage.Path)
}

func TestLoadFile_EnvError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, DefaultConfig().SaveFile(path))
	t.Setenv("RPKICA_SNAPSHOT_EVERY", "often")

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestConfig_Resolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signer.KeyDir = "/etc/rpkica/keys"
	cfg.Resolve("/srv/ca")

	assert.Equal(t, "/srv/ca/data", cfg.Storage.Path)
	assert.Equal(t, "/etc/rpkica/keys", cfg.Signer.KeyDir)
}

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()
	assert.False(t, Exists(tmpDir))

	require.NoError(t, DefaultConfig().Save(tmpDir))
	assert.True(t, Exists(tmpDir))
}

func TestFindConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.Path = "root-data"
	require.NoError(t, cfg.Save(tmpDir))

	nested := filepath.Join(tmpDir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	foundDir, foundCfg, err := FindConfig(nested)
	require.NoError(t, err)

	assert.Equal(t, tmpDir, foundDir)
	assert.Equal(t, "root-data", foundCfg.Storage.Path)
}

func TestGenerateYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.Path = "ca.db"

	out := GenerateYAML(cfg)

	assert.Contains(t, out, "# rpkica configuration file")
	assert.Contains(t, out, `driver: "sqlite"`)
	assert.Contains(t, out, `path: "ca.db"`)
	assert.Contains(t, out, "poll_interval: 1s")

	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Storage.Path, loaded.Storage.Path)
	assert.Empty(t, loaded.Validate())
}
