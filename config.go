package openplay

import (
	"fmt"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/session"
	"github.com/linchenxuan/openplay/utils/luacfg"
)

// DefaultMaxCachedEndpoints bounds the endpoint free list of the protocol
// context.
const DefaultMaxCachedEndpoints = 10

// Cfg is the process configuration, usually loaded from a Lua file that
// returns a table:
//
//	return {
//	  log = { level = "debug", consoleAppender = true },
//	  module = "Inet",
//	  gameID = 5000,
//	  host = { gameName = "arena", maxPlayers = 8, playerName = "host" },
//	}
type Cfg struct {
	Log log.LogCfg `mapstructure:"log"`

	// EnableMetrics installs the Prometheus reporter.
	EnableMetrics bool                             `mapstructure:"enableMetrics"`
	Metrics       metrics.PrometheusReporterConfig `mapstructure:"metrics"`

	// SearchRoot is the module manifest directory, OPENPLAY_LIB overrides it.
	SearchRoot         string `mapstructure:"searchRoot"`
	MaxCachedEndpoints int    `mapstructure:"maxCachedEndpoints"`

	// Module is the type tag used by Host and Join, GameID selects the game
	// and ModuleConfig is a serialized module configuration, if any.
	Module       string `mapstructure:"module"`
	GameID       uint32 `mapstructure:"gameID"`
	ModuleConfig string `mapstructure:"moduleConfig"`

	Host session.HostCfg `mapstructure:"host"`
	Join session.JoinCfg `mapstructure:"join"`
}

// DefaultCfg returns a console logging configuration on the IP module.
func DefaultCfg() *Cfg {
	return &Cfg{
		Log:                log.LogCfg{LogLevel: log.InfoLevel, ConsoleAppender: true},
		MaxCachedEndpoints: DefaultMaxCachedEndpoints,
		Module:             "Inet",
	}
}

// LoadCfg reads a Lua configuration file over the defaults.
func LoadCfg(path string) (*Cfg, error) {
	cfg := DefaultCfg()
	if err := luacfg.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section. The join section is only checked when
// Join is used since a pure host never fills it.
func (c *Cfg) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.EnableMetrics {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	if c.MaxCachedEndpoints < 0 {
		return fmt.Errorf("max cached endpoints must be non-negative, got %d", c.MaxCachedEndpoints)
	}
	if len(c.Module) == 0 || len(c.Module) > 4 {
		return fmt.Errorf("module must be a type tag of one to four characters, got %q", c.Module)
	}
	if err := c.Host.Validate(); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	return nil
}
