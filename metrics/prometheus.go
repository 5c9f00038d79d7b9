package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusReporterConfig configures the Prometheus exporter.
type PrometheusReporterConfig struct {
	// Namespace prefixes every exported metric.
	Namespace string `mapstructure:"namespace"`
	// Addr is the scrape listen address. Empty disables the HTTP server; the
	// handler is still available through Handler.
	Addr string `mapstructure:"addr"`
	// Path is the scrape path, "/metrics" when empty.
	Path string `mapstructure:"path"`
	// ExtLabels are constant labels attached to every metric.
	ExtLabels map[string]string `mapstructure:"extLabels"`
}

// Validate fills defaults.
func (c *PrometheusReporterConfig) Validate() error {
	if c.Namespace == "" {
		c.Namespace = "openplay"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", c.Path)
	}
	return nil
}

// PrometheusReporter converts records into Prometheus collectors registered on
// a private registry. Collectors are created lazily per (group, name, label
// set); a later record with a different label set gets its own collector.
type PrometheusReporter struct {
	cfg      *PrometheusReporterConfig
	registry *prometheus.Registry

	lock       sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	srv *http.Server
}

// NewPrometheusReporter creates a reporter. It does not start serving.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) (*PrometheusReporter, error) {
	if cfg == nil {
		cfg = &PrometheusReporterConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PrometheusReporter{
		cfg:        cfg,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

// Registry exposes the private registry, mainly for tests.
func (x *PrometheusReporter) Registry() *prometheus.Registry {
	return x.registry
}

// Handler returns the scrape handler.
func (x *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{})
}

// Report implements Reporter.
func (x *PrometheusReporter) Report(r Record) {
	labels := x.labelNames(r.Dimensions)
	key := r.Group + "/" + r.Name + "/" + strings.Join(labels, ",")
	values := make([]string, len(labels))
	for i, l := range labels {
		values[i] = sanitize(r.Dimensions[l])
	}

	x.lock.Lock()
	defer x.lock.Unlock()

	switch r.Policy {
	case Policy_Sum:
		c, ok := x.counters[key]
		if !ok {
			c = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace:   x.cfg.Namespace,
				Subsystem:   sanitize(r.Group),
				Name:        sanitize(r.Name),
				Help:        r.Name,
				ConstLabels: x.cfg.ExtLabels,
			}, labels)
			if !x.register(c, r) {
				return
			}
			x.counters[key] = c
		}
		if r.Value >= 0 {
			c.WithLabelValues(values...).Add(float64(r.Value))
		}
	case Policy_Stopwatch:
		h, ok := x.histograms[key]
		if !ok {
			h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace:   x.cfg.Namespace,
				Subsystem:   sanitize(r.Group),
				Name:        sanitize(r.Name),
				Help:        r.Name,
				ConstLabels: x.cfg.ExtLabels,
				Buckets:     prometheus.ExponentialBuckets(0.5, 2, 14),
			}, labels)
			if !x.register(h, r) {
				return
			}
			x.histograms[key] = h
		}
		h.WithLabelValues(values...).Observe(float64(r.Value))
	default:
		g, ok := x.gauges[key]
		if !ok {
			g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace:   x.cfg.Namespace,
				Subsystem:   sanitize(r.Group),
				Name:        sanitize(r.Name),
				Help:        r.Name,
				ConstLabels: x.cfg.ExtLabels,
			}, labels)
			if !x.register(g, r) {
				return
			}
			x.gauges[key] = g
		}
		g.WithLabelValues(values...).Set(float64(r.Value))
	}
}

func (x *PrometheusReporter) register(c prometheus.Collector, r Record) bool {
	if err := x.registry.Register(c); err != nil {
		log.Warn().Err(err).Str("name", r.Name).Str("group", r.Group).Msg("prometheus register failed")
		return false
	}
	return true
}

func (x *PrometheusReporter) labelNames(d Dimension) []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Start serves the scrape endpoint when Addr is configured and returns the
// bound address.
func (x *PrometheusReporter) Start() (net.Addr, error) {
	if x.cfg.Addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", x.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("prometheus listen %s: %w", x.cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(x.cfg.Path, x.Handler())
	x.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := x.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("path", x.cfg.Path).Msg("prometheus exporter started")
	return ln.Addr(), nil
}

// Stop shuts the HTTP server down.
func (x *PrometheusReporter) Stop() {
	if x.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = x.srv.Shutdown(ctx)
	x.srv = nil
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_").Replace(s)
}
