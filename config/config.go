// Package config contains the wavesd server configuration: an optional TOML
// file, environment overrides on top of it, and defaults for whatever is
// still unset.
package config

import (
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/common"
	"waves.computer/waves/pkg/combinators"
	"waves.computer/waves/pkg/thunks"
)

// ErrInvalidWorkers is returned by Validate when the worker count is below one.
var ErrInvalidWorkers = errors.New("worker count must be at least 1")

// ErrInvalidPort is returned when the public port is out of range.
var ErrInvalidPort = errors.New("port must be between 0 and 65535")

// Duration is a time.Duration that decodes from strings such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ServerConfig represents a parsed server configuration.
type ServerConfig struct {
	// Port is the public TCP port owned by the supervisor.
	Port int
	// Workers is the number of worker processes kept alive.
	Workers int
	// Environment is "production" or anything else.
	Environment string

	// VersionFile holds a JSON object with a "version" field. A change of
	// that field triggers a rolling reload.
	VersionFile  string
	PollInterval Duration

	// DrainTimeout bounds how long a disconnected worker waits for in-flight
	// requests before exiting.
	DrainTimeout Duration

	StaticDir  string
	PublicDir  string
	SuggestURL string
}

// IsProduction reports whether the server runs in the production
// environment.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == common.ProductionEnvironment
}

// Addr is the listen address of the public socket.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DefaultWorkerCount is half the available CPUs, and at least one.
func DefaultWorkerCount() int {
	n := thunks.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

// LoadServerConfigFromFile decodes the TOML file at path.
func LoadServerConfigFromFile(path string) (*ServerConfig, error) {
	var c ServerConfig
	b, err := fs.ReadFile(fileSystem, path)
	if err != nil {
		return nil, err
	}
	if _, err := toml.Decode(string(b), &c); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &c, nil
}

// GetServer loads the config file at path, falling back to the default path
// when path is empty. A missing default file is not an error. Environment
// overrides and defaults are applied, then the result is validated.
func GetServer(path string) (*ServerConfig, error) {
	c := &ServerConfig{}
	switch {
	case path != "":
		loaded, err := LoadServerConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		c = loaded
	case exists(common.DefaultServerConfigPath):
		loaded, err := LoadServerConfigFromFile(common.DefaultServerConfigPath)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides settings from the process environment. An unparsable
// WORKERS value is ignored so the default applies.
func (c *ServerConfig) ApplyEnv() error {
	if v, ok := thunks.LookupEnv(common.EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", common.EnvPort)
		}
		c.Port = port
	}
	if v, ok := thunks.LookupEnv(common.EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logrus.Warnf("config: ignoring %s=%q", common.EnvWorkers, v)
		} else {
			c.Workers = n
		}
	}
	if v, ok := thunks.LookupEnv(common.EnvEnvironment); ok && v != "" {
		c.Environment = v
	}
	if v, ok := thunks.LookupEnv(common.EnvVersionFile); ok && v != "" {
		c.VersionFile = v
	}
	return nil
}

// SetDefaults fills in every unset field.
func (c *ServerConfig) SetDefaults() {
	c.Port = combinators.Or(c.Port, common.DefaultPort)
	c.Workers = combinators.Or(c.Workers, DefaultWorkerCount())
	c.Environment = combinators.Or(c.Environment, common.DefaultEnvironment)
	c.VersionFile = combinators.Or(c.VersionFile, common.DefaultVersionFile)
	c.PollInterval.Duration = combinators.Or(c.PollInterval.Duration, common.VersionPollInterval)
	c.DrainTimeout.Duration = combinators.Or(c.DrainTimeout.Duration, common.DefaultDrainTimeout)
	if c.StaticDir == "" {
		c.StaticDir = "src"
		if c.IsProduction() {
			c.StaticDir = "dist"
		}
	}
	c.PublicDir = combinators.Or(c.PublicDir, "public")
	c.SuggestURL = combinators.Or(c.SuggestURL, common.DefaultSuggestURL)
}

// Validate checks the invariants the supervisor relies on.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "got %d", c.Port)
	}
	if c.Workers < 1 {
		return errors.Wrapf(ErrInvalidWorkers, "got %d", c.Workers)
	}
	return nil
}
