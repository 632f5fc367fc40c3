package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opflow/executor"
)

const sample = `
http:
  port: 9090
  timeout: 15s
database:
  path: /var/lib/opflow/opflow.db
storage:
  root: /var/lib/opflow/middata
executor:
  timeout: 2m
resolver:
  policy: require_agreement
remote:
  user: etl
  private_key_path: /etc/opflow/id_ed25519
  timeout: 5s
log:
  level: debug
`

func TestParse(t *testing.T) {
	config, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, 15*time.Second, config.HTTP.Timeout)
	assert.Equal(t, []string{"*"}, config.HTTP.AllowedOrigins)
	assert.Equal(t, "/var/lib/opflow/opflow.db", config.Database.Path)
	assert.Equal(t, "/var/lib/opflow/middata", config.Storage.Root)
	assert.Equal(t, 64, config.Storage.CacheSize)
	assert.Equal(t, 2*time.Minute, config.Executor.Timeout)
	assert.Equal(t, "require_agreement", config.Executor.ResolverPolicy)
	assert.Equal(t, "etl", config.Remote.User)
	assert.Equal(t, 5*time.Second, config.Remote.Timeout)
	assert.Empty(t, config.Remote.KnownHostsPath)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, 100, config.Log.MaxSizeMB)
}

func TestParseDefaults(t *testing.T) {
	config, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, executor.DefaultTimeout, config.Executor.Timeout)
	assert.Equal(t, "opflow.db", config.Database.Path)
	assert.Empty(t, config.Executor.ResolverPolicy)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":      "htp:\n  port: 1\n",
		"bad policy":       "resolver:\n  policy: first_parent\n",
		"bad level":        "log:\n  level: loud\n",
		"negative port":    "http:\n  port: -1\n",
		"empty db path":    "database:\n  path: \"\"\n",
		"bad duration":     "executor:\n  timeout: soon\n",
		"negative timeout": "executor:\n  timeout: -1s\n",
		"negative ssh":     "remote:\n  timeout: -1s\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  timeout: 1m\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(c *Config) { changes <- c }))

	// an invalid save is skipped
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  timeout: nope\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  timeout: 5s\nlog:\n  level: warn\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 5*time.Second, c.Executor.Timeout)
		assert.Equal(t, "warn", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}
