package protocol

import (
	"fmt"

	"github.com/linchenxuan/openplay/plugin"
)

// Config is an opaque module configuration together with the binding of the
// module that owns it. The module specific part is only ever interpreted by
// that module.
type Config struct {
	binding *plugin.Binding
	cfg     plugin.Config
}

// CreateConfig binds module typ and asks it for a configuration. An empty
// configStr yields module defaults; tokens missing from configStr keep their
// defaults.
func (c *Context) CreateConfig(typ plugin.Type, gameID uint32, gameName string, enumData []byte, configStr string) (*Config, error) {
	if len(enumData) > plugin.EnumDataLen {
		return nil, fmt.Errorf("%w: enum data is %d bytes, max %d", plugin.ErrInvalidConfig, len(enumData), plugin.EnumDataLen)
	}
	b, err := c.registry.Bind(typ)
	if err != nil {
		return nil, err
	}
	mc, err := b.Module().CreateConfig(gameID, gameName, enumData, configStr)
	if err != nil {
		_ = c.registry.Unbind(b)
		return nil, err
	}
	if mc == nil || mc.Common().Type != typ {
		_ = c.registry.Unbind(b)
		return nil, fmt.Errorf("%w: module %q created a foreign config", ErrTypeMismatch, typ)
	}
	return &Config{binding: b, cfg: mc}, nil
}

// DisposeConfig releases cfg and its module reference.
func (c *Context) DisposeConfig(cfg *Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	err := cfg.binding.Module().DeleteConfig(cfg.cfg)
	uerr := c.registry.Unbind(cfg.binding)
	cfg.binding, cfg.cfg = nil, nil
	if err != nil {
		return err
	}
	return uerr
}

func (cfg *Config) check() error {
	if cfg == nil || cfg.binding == nil || cfg.cfg == nil {
		return ErrInvalidConfigRef
	}
	return nil
}

// Type returns the module type of cfg.
func (cfg *Config) Type() plugin.Type {
	if cfg.check() != nil {
		return 0
	}
	return cfg.binding.Type()
}

// String serializes cfg to its token string.
func (cfg *Config) String() string {
	if cfg.check() != nil {
		return ""
	}
	return cfg.cfg.String()
}

// Common returns the fields every module configuration carries.
func (cfg *Config) Common() plugin.CommonConfig {
	if cfg.check() != nil {
		return plugin.CommonConfig{}
	}
	return *cfg.cfg.Common()
}

// Module returns the module specific configuration, for modules and tests.
func (cfg *Config) Module() plugin.Config {
	return cfg.cfg
}

// ConfigString returns the token string of cfg.
func ConfigString(cfg *Config) (string, error) {
	if err := cfg.check(); err != nil {
		return "", err
	}
	return cfg.cfg.String(), nil
}

// ConfigStringLen returns the length of the token string of cfg.
func ConfigStringLen(cfg *Config) (int, error) {
	s, err := ConfigString(cfg)
	return len(s), err
}

// ConfigType returns the module type of cfg.
func ConfigType(cfg *Config) (plugin.Type, error) {
	if err := cfg.check(); err != nil {
		return 0, err
	}
	return cfg.binding.Type(), nil
}

// StartEnumeration lists hosts reachable through cfg's module. cb runs on a
// module goroutine.
func (c *Context) StartEnumeration(cfg *Config, cb plugin.EnumCallback) error {
	if err := cfg.check(); err != nil {
		return err
	}
	if cb == nil {
		return ErrParam
	}
	return cfg.binding.StartEnumeration(cfg.cfg, cb)
}

// IdleEnumeration gives an active enumeration time to expire stale hosts.
func (c *Context) IdleEnumeration(cfg *Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	return cfg.binding.IdleEnumeration(cfg.cfg)
}

// EndEnumeration stops enumeration on cfg.
func (c *Context) EndEnumeration(cfg *Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	return cfg.binding.EndEnumeration(cfg.cfg)
}

// BindEnumerationItemToConfig points cfg at the host reported as id.
func (c *Context) BindEnumerationItemToConfig(cfg *Config, id uint32) error {
	if err := cfg.check(); err != nil {
		return err
	}
	return cfg.binding.BindEnumerationItem(cfg.cfg, id)
}

// SetupDialog runs the module's configuration UI hook.
func (c *Context) SetupDialog(cfg *Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	return cfg.binding.SetupDialog(cfg.cfg)
}

// HandleDialogEvent forwards a UI event to the module.
func (c *Context) HandleDialogEvent(cfg *Config, event any) (bool, error) {
	if err := cfg.check(); err != nil {
		return false, err
	}
	return cfg.binding.HandleDialogEvent(cfg.cfg, event)
}

// TeardownDialog ends the module's configuration UI.
func (c *Context) TeardownDialog(cfg *Config, update bool) error {
	if err := cfg.check(); err != nil {
		return err
	}
	return cfg.binding.TeardownDialog(cfg.cfg, update)
}
