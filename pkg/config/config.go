// Package config loads the loader's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

const (
	// EnvFile names a configuration file when none is passed explicitly.
	EnvFile = "CONFIG_FILE"
	// EnvPassword supplies source.password when the file leaves it empty.
	EnvPassword = "PAYLOAD_PASSWORD"
)

type Config struct {
	Loader   LoaderConfig   `toml:"loader"`
	Source   SourceConfig   `toml:"source"`
	Resolver ResolverConfig `toml:"resolver"`
	Log      LogConfig      `toml:"log"`
}

type LoaderConfig struct {
	// Provider is "static" or "bootstrap".
	Provider string `toml:"provider"`
	// Call names an export to invoke after mapping, with Argument as its
	// only parameter.
	Call     string `toml:"call"`
	Argument string `toml:"argument"`
	// Hold is how long to keep the module mapped before closing it.
	Hold     string        `toml:"hold"`
	HoldTime time.Duration `toml:"-"`
}

type SourceConfig struct {
	Path     string `toml:"path"`
	URL      string `toml:"url"`
	Password string `toml:"password"`
}

type ResolverConfig struct {
	MaxForwarderHops int `toml:"max_forwarder_hops"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path, or the file named by CONFIG_FILE when path is empty. With
// neither set the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	c := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	if c.Loader.Provider == "" {
		c.Loader.Provider = "static"
	}
	if c.Loader.Hold != "" {
		d, err := time.ParseDuration(c.Loader.Hold)
		if err != nil {
			return fmt.Errorf("loader.hold: %w", err)
		}
		c.Loader.HoldTime = d
	}
	if c.Source.Password == "" {
		c.Source.Password = os.Getenv(EnvPassword)
	}
	if c.Resolver.MaxForwarderHops == 0 {
		c.Resolver.MaxForwarderHops = 16
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// Logger builds the zap logger described by c.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
