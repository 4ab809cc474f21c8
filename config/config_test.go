package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 60*time.Second, c.DeadlockTimeout())
	assert.Equal(t, 3*time.Second, c.VacuumInterval())
	assert.Equal(t, 10*time.Second, c.EvictionMinLifetime())
	assert.Equal(t, txn.ReadCommitted, c.IsolationLevel())
	assert.Equal(t, command.DefaultMaxRetries, c.MaxRetries)
	assert.Equal(t, command.Normal, c.SessionMode())

	require.NoError(t, NewTestConfig().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinystore.toml")
	content := `
deadlock-timeout-ms = 1500
isolation = "serializable"
eviction-max-elements = 100
skip-constraints = true
unknown-item = 1

[log]
level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, c.DeadlockTimeout())
	assert.Equal(t, txn.Serializable, c.IsolationLevel())
	assert.Equal(t, 100, c.EvictionMaxElements)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, command.SkipConstraints, c.SessionMode())
	// Untouched fields keep their defaults.
	assert.Equal(t, int64(3), c.VacuumIntervalSec)
	require.Len(t, c.WarningMsgs, 1)
	assert.Contains(t, c.WarningMsgs[0], "unknown-item")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`isolation = "snapshot"`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TINYSTORE_DEADLOCK_TIMEOUT_MS", "250")
	t.Setenv("TINYSTORE_MAX_RETRIES", "3")
	t.Setenv("TINYSTORE_SKIP_INTERCEPTORS", "true")
	t.Setenv("TINYSTORE_ISOLATION", "rc")
	t.Setenv("TINYSTORE_LOG_LEVEL", "debug")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(250), c.DeadlockTimeoutMs)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.SessionMode().Has(command.Loading))

	t.Setenv("TINYSTORE_VACUUM_INTERVAL_S", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.DeadlockTimeoutMs = 0 },
		func(c *Config) { c.VacuumIntervalSec = -1 },
		func(c *Config) { c.EvictionMaxElements = -1 },
		func(c *Config) { c.EvictionMinLifetimeMs = -1 },
		func(c *Config) { c.MaxRetries = -1 },
		func(c *Config) { c.ConstraintWorkers = -1 },
		func(c *Config) { c.Isolation = "" },
	} {
		c := NewDefaultConfig()
		mutate(c)
		assert.Error(t, c.Validate())
	}
}

func TestEncode(t *testing.T) {
	c := NewTestConfig()
	c.EvictionMaxElements = 42
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	decoded := &Config{}
	_, err := toml.Decode(buf.String(), decoded)
	require.NoError(t, err)
	assert.Equal(t, 42, decoded.EvictionMaxElements)
	assert.Equal(t, c.DeadlockTimeoutMs, decoded.DeadlockTimeoutMs)
	assert.Equal(t, c.Isolation, decoded.Isolation)
}

func TestSetupLogger(t *testing.T) {
	c := NewTestConfig()
	require.NoError(t, c.SetupLogger())
	assert.NotNil(t, c.GetZapLogger())
}
