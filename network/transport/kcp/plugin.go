package kcp

import (
	"errors"
	"fmt"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

// Cfg is the manifest configuration of the KCP module.
type Cfg struct {
	transport.StreamCfg `mapstructure:",squash"`

	NoDelay      bool `mapstructure:"noDelay"`
	IntervalMs   int  `mapstructure:"intervalMs"`
	Resend       int  `mapstructure:"resend"`
	NoCongestion bool `mapstructure:"noCongestion"`
	SendWindow   int  `mapstructure:"sendWindow"`
	RecvWindow   int  `mapstructure:"recvWindow"`
	MTU          int  `mapstructure:"mtu"`
	DataShards   int  `mapstructure:"dataShards"`
	ParityShards int  `mapstructure:"parityShards"`
	// Key enables AES encryption with a key derived from it.
	Key string `mapstructure:"key"`
}

// Validate fills defaults. KCP has no FIN, so an idle timeout is always set.
func (c *Cfg) Validate() error {
	if err := c.StreamCfg.Validate(); err != nil {
		return err
	}
	if c.DataShards < 0 || c.ParityShards < 0 {
		return errors.New("fec shards must not be negative")
	}
	if c.IntervalMs <= 0 {
		c.IntervalMs = 20
	}
	if c.SendWindow <= 0 {
		c.SendWindow = 128
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 128
	}
	if c.MTU <= 0 {
		c.MTU = 1350
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30
	}
	return nil
}

type factory struct{}

var _ plugin.Factory = (*factory)(nil)

// NewFactory creates the KCP module factory.
func NewFactory() plugin.Factory {
	return &factory{}
}

func (f *factory) Type() plugin.Type { return ModuleType }

func (f *factory) Name() string { return ModuleName }

func (f *factory) ConfigType() any { return &Cfg{} }

// Setup creates a module instance.
func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Cfg)
	if !ok || cfg == nil {
		cfg = &Cfg{}
	}
	ins, err := NewModule(cfg)
	if err != nil {
		return nil, fmt.Errorf("kcp setup failed: %w", err)
	}
	return ins, nil
}

func (f *factory) Destroy(p plugin.Plugin) {
	if m, ok := p.(*Module); ok && m != nil {
		m.shutdown()
	}
}
