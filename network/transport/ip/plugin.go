package ip

import (
	"errors"
	"fmt"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

// Cfg is the manifest configuration of the IP module.
type Cfg struct {
	transport.StreamCfg `mapstructure:",squash"`
	// MaxPacketSize bounds datagrams.
	MaxPacketSize int `mapstructure:"maxPacketSize"`
	// DialTimeoutMs bounds an active open.
	DialTimeoutMs uint32 `mapstructure:"dialTimeoutMs"`
	// CaptureFile, when set, records all module traffic as pcap.
	CaptureFile string `mapstructure:"captureFile"`
	// EnumIntervalMs is how often enumeration re-sends its request.
	EnumIntervalMs uint32 `mapstructure:"enumIntervalMs"`
	// EnumExpireMs drops hosts that have not answered for this long.
	EnumExpireMs uint32 `mapstructure:"enumExpireMs"`
}

// Validate fills defaults.
func (c *Cfg) Validate() error {
	if err := c.StreamCfg.Validate(); err != nil {
		return err
	}
	if c.MaxPacketSize < 0 {
		return errors.New("maxPacketSize must not be negative")
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.DialTimeoutMs == 0 {
		c.DialTimeoutMs = 3000
	}
	if c.EnumIntervalMs == 0 {
		c.EnumIntervalMs = 1000
	}
	if c.EnumExpireMs == 0 {
		c.EnumExpireMs = 5000
	}
	return nil
}

type factory struct{}

var _ plugin.Factory = (*factory)(nil)

// NewFactory creates the IP module factory.
func NewFactory() plugin.Factory {
	return &factory{}
}

// Type returns the module type.
func (f *factory) Type() plugin.Type {
	return ModuleType
}

// Name returns the factory name used by manifests.
func (f *factory) Name() string {
	return ModuleName
}

// ConfigType returns the config type for mapstructure decoding.
func (f *factory) ConfigType() any {
	return &Cfg{}
}

// Setup creates a module instance.
func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Cfg)
	if !ok || cfg == nil {
		cfg = &Cfg{}
	}
	ins, err := NewModule(cfg)
	if err != nil {
		return nil, fmt.Errorf("ip setup failed: %w", err)
	}
	return ins, nil
}

// Destroy releases the module instance.
func (f *factory) Destroy(p plugin.Plugin) {
	if m, ok := p.(*Module); ok && m != nil {
		m.shutdown()
	}
}
