package config

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the configuration of a tinystore server.
type Config struct {
	Log log.Config `toml:"log" json:"log"`

	// Lock waits longer than this fail with a deadlock error (ms).
	DeadlockTimeoutMs int64 `toml:"deadlock-timeout-ms" json:"deadlock-timeout-ms"`
	// Interval of the background vacuum of every store (s).
	VacuumIntervalSec int64 `toml:"vacuum-interval-s" json:"vacuum-interval-s"`
	// Elements a store keeps before vacuum starts evicting. 0 disables eviction.
	EvictionMaxElements int `toml:"eviction-max-elements" json:"eviction-max-elements"`
	// Elements accessed more recently than this are never evicted (ms).
	EvictionMinLifetimeMs int64 `toml:"eviction-min-lifetime-ms" json:"eviction-min-lifetime-ms"`

	Isolation         string `toml:"isolation" json:"isolation"`
	MaxRetries        int    `toml:"max-retries" json:"max-retries"`
	ConstraintWorkers int    `toml:"constraint-workers" json:"constraint-workers"`

	// Bootstrap flags, only meant for loading metadata.
	SkipInterceptors bool `toml:"skip-interceptors" json:"skip-interceptors"`
	SkipConstraints  bool `toml:"skip-constraints" json:"skip-constraints"`

	WarningMsgs []string `toml:"-" json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Log:                   log.Config{Level: getLogLevel(), Format: "text"},
		DeadlockTimeoutMs:     60000,
		VacuumIntervalSec:     3,
		EvictionMaxElements:   0,
		EvictionMinLifetimeMs: 10000,
		Isolation:             txn.ReadCommitted.String(),
		MaxRetries:            command.DefaultMaxRetries,
		ConstraintWorkers:     runtime.GOMAXPROCS(0),
	}
}

func NewTestConfig() *Config {
	return &Config{
		Log:                   log.Config{Level: getLogLevel(), Format: "text"},
		DeadlockTimeoutMs:     500,
		VacuumIntervalSec:     1,
		EvictionMinLifetimeMs: 10,
		Isolation:             txn.ReadCommitted.String(),
		MaxRetries:            command.DefaultMaxRetries,
		ConstraintWorkers:     2,
	}
}

// Load reads the TOML file at path over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "load config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			c.WarningMsgs = append(c.WarningMsgs, "config contains undefined item: "+strings.Join(keys, ", "))
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from TINYSTORE_* environment variables.
func (c *Config) ApplyEnv() error {
	if l := os.Getenv("TINYSTORE_LOG_LEVEL"); l != "" {
		c.Log.Level = l
	}
	if v := os.Getenv("TINYSTORE_ISOLATION"); v != "" {
		c.Isolation = v
	}
	for _, env := range []struct {
		name string
		dst  *int64
	}{
		{"TINYSTORE_DEADLOCK_TIMEOUT_MS", &c.DeadlockTimeoutMs},
		{"TINYSTORE_VACUUM_INTERVAL_S", &c.VacuumIntervalSec},
		{"TINYSTORE_EVICTION_MIN_LIFETIME_MS", &c.EvictionMinLifetimeMs},
	} {
		if v := os.Getenv(env.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Annotatef(err, "parse %s", env.name)
			}
			*env.dst = n
		}
	}
	for _, env := range []struct {
		name string
		dst  *int
	}{
		{"TINYSTORE_EVICTION_MAX_ELEMENTS", &c.EvictionMaxElements},
		{"TINYSTORE_MAX_RETRIES", &c.MaxRetries},
	} {
		if v := os.Getenv(env.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Annotatef(err, "parse %s", env.name)
			}
			*env.dst = n
		}
	}
	for _, env := range []struct {
		name string
		dst  *bool
	}{
		{"TINYSTORE_SKIP_INTERCEPTORS", &c.SkipInterceptors},
		{"TINYSTORE_SKIP_CONSTRAINTS", &c.SkipConstraints},
	} {
		if v := os.Getenv(env.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.Annotatef(err, "parse %s", env.name)
			}
			*env.dst = b
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DeadlockTimeoutMs <= 0 {
		return errors.New("deadlock timeout must be greater than 0")
	}
	if c.VacuumIntervalSec <= 0 {
		return errors.New("vacuum interval must be greater than 0")
	}
	if c.EvictionMaxElements < 0 {
		return errors.New("eviction max elements must not be negative")
	}
	if c.EvictionMinLifetimeMs < 0 {
		return errors.New("eviction min lifetime must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if c.ConstraintWorkers < 0 {
		return errors.New("constraint workers must not be negative")
	}
	if _, err := txn.ParseIsolationLevel(c.Isolation); err != nil {
		return err
	}
	return nil
}

func (c *Config) DeadlockTimeout() time.Duration {
	return time.Duration(c.DeadlockTimeoutMs) * time.Millisecond
}

func (c *Config) VacuumInterval() time.Duration {
	return time.Duration(c.VacuumIntervalSec) * time.Second
}

func (c *Config) EvictionMinLifetime() time.Duration {
	return time.Duration(c.EvictionMinLifetimeMs) * time.Millisecond
}

// IsolationLevel returns the default isolation. Validate rejects unknown
// names, so the read-committed fallback only covers unvalidated configs.
func (c *Config) IsolationLevel() txn.IsolationLevel {
	iso, err := txn.ParseIsolationLevel(c.Isolation)
	if err != nil {
		return txn.ReadCommitted
	}
	return iso
}

// SessionMode returns the mode flags every session gets from the bootstrap
// settings.
func (c *Config) SessionMode() command.SessionMode {
	mode := command.Normal
	if c.SkipInterceptors {
		mode |= command.Loading
	}
	if c.SkipConstraints {
		mode |= command.SkipConstraints
	}
	return mode
}

// SetupLogger builds the logger described by c.Log and installs it as the
// global logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return errors.Trace(toml.NewEncoder(w).Encode(c))
}
