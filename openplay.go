// Package openplay assembles a process around the network module registry:
// logging, metrics, the built-in modules and a protocol context, plus
// shortcuts for hosting and joining a game session.
package openplay

import (
	"errors"
	"fmt"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/network/transport/ip"
	"github.com/linchenxuan/openplay/network/transport/kcp"
	"github.com/linchenxuan/openplay/network/transport/loopback"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
	"github.com/linchenxuan/openplay/session"
)

// OpenPlay holds the process wide components.
type OpenPlay struct {
	Cfg      *Cfg
	Logger   *log.GameLogger
	Registry *plugin.Manager
	Context  *protocol.Context

	reporter *metrics.PrometheusReporter
}

// New builds an OpenPlay from cfg, or from DefaultCfg when cfg is nil.
func New(cfg *Cfg) (*OpenPlay, error) {
	if cfg == nil {
		cfg = DefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Logger
	if err := log.Initialize(&cfg.Log); err != nil {
		return nil, err
	}
	o := &OpenPlay{Cfg: cfg, Logger: log.With("openplay")}

	// 2. Metrics
	if cfg.EnableMetrics {
		r, err := metrics.NewPrometheusReporter(&cfg.Metrics)
		if err != nil {
			return nil, err
		}
		if cfg.Metrics.Addr != "" {
			addr, err := r.Start()
			if err != nil {
				return nil, fmt.Errorf("start metrics server: %w", err)
			}
			o.Logger.Info().Str("addr", addr.String()).Msg("serving metrics")
		}
		metrics.AddReporter(r)
		o.reporter = r
	}

	// 3. Module registry with the built-in modules
	o.Registry = plugin.NewManager(cfg.SearchRoot)
	o.Registry.RegisterFactory(ip.NewFactory())
	o.Registry.RegisterFactory(kcp.NewFactory())
	o.Registry.RegisterFactory(loopback.NewFactory())

	// 4. Protocol context
	o.Context = protocol.NewContext(o.Registry, cfg.MaxCachedEndpoints)

	o.Logger.Info().Str("searchRoot", o.Registry.SearchRoot()).Msg("openplay initialized")
	return o, nil
}

// Modules lists the modules discovery found.
func (o *OpenPlay) Modules() ([]plugin.Info, error) {
	return o.Registry.Infos()
}

// Config creates a protocol configuration for the configured module and
// game, named gameName. The caller disposes of it with
// Context.DisposeConfig.
func (o *OpenPlay) Config(gameName string) (*protocol.Config, error) {
	return o.Context.CreateConfig(plugin.MakeType(o.Cfg.Module), o.Cfg.GameID, gameName, nil, o.Cfg.ModuleConfig)
}

// Host hosts a game with the host section of the configuration.
func (o *OpenPlay) Host() (*session.Host, error) {
	hcfg := o.Cfg.Host
	if err := hcfg.Validate(); err != nil {
		return nil, err
	}
	cfg, err := o.Config(hcfg.GameName)
	if err != nil {
		return nil, err
	}
	// The endpoint holds its own module reference once open.
	defer func() { _ = o.Context.DisposeConfig(cfg) }()
	return session.NewHost(o.Context, cfg, &hcfg)
}

// Join joins a game with the join section of the configuration. The join
// is still pending when it returns; see Client.WaitForJoin.
func (o *OpenPlay) Join() (*session.Client, error) {
	if o.Cfg.Join.Name == "" {
		return nil, errors.New("join: player name is required")
	}
	cfg, err := o.Config("")
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.Context.DisposeConfig(cfg) }()
	jcfg := o.Cfg.Join
	return session.Join(o.Context, cfg, &jcfg)
}

// Stop closes every endpoint and releases the modules.
func (o *OpenPlay) Stop() {
	o.Logger.Info().Msg("openplay shutting down")
	o.Context.Shutdown()
	if o.reporter != nil {
		metrics.RemoveReporter(o.reporter)
		o.reporter.Stop()
	}
}
