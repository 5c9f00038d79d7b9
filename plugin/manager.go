package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/mitchellh/mapstructure"
)

// EnvSearchRoot overrides the configured manifest directory.
const EnvSearchRoot = "OPENPLAY_LIB"

type record struct {
	info    Info
	factory Factory
	config  map[string]any
}

// Manager discovers and binds network modules. Discovery, Bind and Unbind
// are serialized by the manager lock.
type Manager struct {
	factories  map[Type]map[string]Factory
	searchRoot string

	records    []record
	discovered bool
	bound      map[Type]*Binding
	lock       sync.Mutex
}

// NewManager creates a manager. searchRoot is the manifest directory; empty
// means every registered factory is a discovered module.
func NewManager(searchRoot string) *Manager {
	return &Manager{
		factories:  make(map[Type]map[string]Factory),
		searchRoot: searchRoot,
		bound:      make(map[Type]*Binding),
	}
}

// RegisterFactory makes a module implementation available to discovery.
func (m *Manager) RegisterFactory(f Factory) {
	m.lock.Lock()
	defer m.lock.Unlock()

	factories, ok := m.factories[f.Type()]
	if !ok {
		factories = make(map[string]Factory)
		m.factories[f.Type()] = factories
	}
	factories[f.Name()] = f
}

// SearchRoot returns the effective manifest directory.
func (m *Manager) SearchRoot() string {
	if env := os.Getenv(EnvSearchRoot); env != "" {
		return env
	}
	return m.searchRoot
}

// Discover rebuilds the module list. Each candidate is set up, asked for its
// Info and destroyed again; binding happens later on demand.
func (m *Manager) Discover() ([]Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.discoverLocked(); err != nil {
		return nil, err
	}
	return m.infosLocked(), nil
}

func (m *Manager) discoverLocked() error {
	var records []record
	root := m.SearchRoot()
	if root == "" {
		records = m.discoverFactories()
	} else {
		var err error
		if records, err = m.discoverManifests(root); err != nil {
			return err
		}
	}
	m.records = records
	m.discovered = true
	metrics.UpdateGaugeWithGroup(metrics.NameModuleDiscoveredTotal, metrics.GroupOpenPlay, metrics.Value(len(records)))
	return nil
}

func (m *Manager) discoverFactories() []record {
	types := make([]Type, 0, len(m.factories))
	for t := range m.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var records []record
	for _, t := range types {
		names := make([]string, 0, len(m.factories[t]))
		for n := range m.factories[t] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			r := record{factory: m.factories[t][n]}
			info, err := probe(r.factory, nil)
			if err != nil {
				log.Warn().Err(err).Str("module", t.String()).Str("name", n).Msg("module skipped during discovery")
				continue
			}
			r.info = info
			records = append(records, r)
		}
	}
	return records
}

func (m *Manager) discoverManifests(root string) ([]record, error) {
	paths, err := filepath.Glob(filepath.Join(root, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	sort.Strings(paths)

	var records []record
	for _, path := range paths {
		mf, err := LoadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("module manifest skipped")
			continue
		}
		if !mf.IsEnabled() {
			continue
		}
		f, err := m.factoryFor(MakeType(mf.Type), mf.Name)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("module manifest skipped")
			continue
		}
		info, err := probe(f, mf.Config)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("module skipped during discovery")
			continue
		}
		info.Location = path
		records = append(records, record{info: info, factory: f, config: mf.Config})
	}
	return records, nil
}

func (m *Manager) factoryFor(t Type, name string) (Factory, error) {
	factories := m.factories[t]
	if name != "" {
		if f, ok := factories[name]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: no factory %q for type %q", ErrModuleNotFound, name, t)
	}
	if len(factories) == 1 {
		for _, f := range factories {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: type %q needs a factory name (%d registered)", ErrModuleNotFound, t, len(factories))
}

// probe speculatively instantiates a module to read its Info.
func probe(f Factory, config map[string]any) (Info, error) {
	p, err := setup(f, config)
	if err != nil {
		return Info{}, err
	}
	defer f.Destroy(p)

	ip, ok := p.(InfoProvider)
	if !ok {
		return Info{}, fmt.Errorf("%w: %q has no info entry point", ErrMissingEntryPoint, f.Name())
	}
	info := ip.Info()
	if info.Type != f.Type() {
		return Info{}, fmt.Errorf("%w: factory %q reports %q, module reports %q", ErrTypeMismatch, f.Name(), f.Type(), info.Type)
	}
	return info, nil
}

// setup decodes config into the factory's config type and calls Setup.
func setup(f Factory, config map[string]any) (Plugin, error) {
	target := f.ConfigType()
	if target != nil && config != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: false,
			Result:           target,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create config decoder for module '%s':'%s': %v", ErrConfigDecode, f.Type(), f.Name(), err)
		}
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("%w: failed to decode config for module '%s':'%s': %v", ErrConfigDecode, f.Type(), f.Name(), err)
		}
	}
	p, err := f.Setup(target)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to setup module '%s':'%s': %v", ErrFactorySetup, f.Type(), f.Name(), err)
	}
	return p, nil
}

func (m *Manager) ensureDiscoveredLocked() error {
	if m.discovered {
		return nil
	}
	return m.discoverLocked()
}

func (m *Manager) infosLocked() []Info {
	infos := make([]Info, len(m.records))
	for i, r := range m.records {
		infos[i] = r.info
	}
	return infos
}

// Infos returns the cached module list, discovering on first use.
func (m *Manager) Infos() ([]Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.ensureDiscoveredLocked(); err != nil {
		return nil, err
	}
	return m.infosLocked(), nil
}

// IndexedInfo returns the i-th discovered module, ErrNoMoreModules past the end.
func (m *Manager) IndexedInfo(i int) (Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.ensureDiscoveredLocked(); err != nil {
		return Info{}, err
	}
	if i < 0 || i >= len(m.records) {
		return Info{}, ErrNoMoreModules
	}
	return m.records[i].info, nil
}

// FindInfo returns the first discovered module of type t.
func (m *Manager) FindInfo(t Type) (Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.ensureDiscoveredLocked(); err != nil {
		return Info{}, err
	}
	for _, r := range m.records {
		if r.info.Type == t {
			return r.info, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %q", ErrModuleNotFound, t)
}

// Bind returns the shared binding of type t, creating the module instance on
// the first reference.
func (m *Manager) Bind(t Type) (*Binding, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if b, ok := m.bound[t]; ok {
		b.refs++
		m.reportRefs(b)
		return b, nil
	}

	if err := m.ensureDiscoveredLocked(); err != nil {
		return nil, err
	}
	var rec *record
	for i := range m.records {
		if m.records[i].info.Type == t {
			rec = &m.records[i]
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, t)
	}

	p, err := setup(rec.factory, rec.config)
	if err != nil {
		return nil, err
	}
	mod, ok := p.(Module)
	if !ok {
		rec.factory.Destroy(p)
		return nil, fmt.Errorf("%w: %q (%s)", ErrMissingEntryPoint, t, rec.factory.Name())
	}

	b := newBinding(rec.info, rec.factory, mod)
	b.refs = 1
	m.bound[t] = b

	metrics.IncrCounterWithDimGroup(metrics.NameModuleBindTotal, metrics.GroupOpenPlay, 1, metrics.Dimension{
		metrics.DimModuleType: t.String(),
	})
	m.reportRefs(b)
	log.Debug().Str("module", t.String()).Str("name", rec.info.Name).Msg("module bound")
	return b, nil
}

// Retain adds a reference to an existing binding, so an accepted endpoint can
// share its listener's module without a second lookup.
func (m *Manager) Retain(b *Binding) error {
	if b == nil {
		return ErrParam
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	if cur, ok := m.bound[b.Type()]; !ok || cur != b {
		return fmt.Errorf("%w: %q is not bound", ErrBadState, b.Type())
	}
	b.refs++
	m.reportRefs(b)
	return nil
}

// Unbind drops one reference; the module instance is destroyed at zero.
func (m *Manager) Unbind(b *Binding) error {
	if b == nil {
		return ErrParam
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	cur, ok := m.bound[b.Type()]
	if !ok || cur != b || b.refs <= 0 {
		return fmt.Errorf("%w: %q is not bound", ErrBadState, b.Type())
	}
	b.refs--
	m.reportRefs(b)
	if b.refs == 0 {
		delete(m.bound, b.Type())
		b.factory.Destroy(b.module)
		log.Debug().Str("module", b.Type().String()).Msg("module unbound")
	}
	return nil
}

// RefCount returns the live reference count of type t.
func (m *Manager) RefCount(t Type) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	if b, ok := m.bound[t]; ok {
		return b.refs
	}
	return 0
}

// Close destroys every bound module regardless of its reference count.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for t, b := range m.bound {
		b.refs = 0
		b.factory.Destroy(b.module)
		delete(m.bound, t)
	}
}

func (m *Manager) reportRefs(b *Binding) {
	metrics.UpdateGaugeWithDimGroup(metrics.NameModuleBoundRefs, metrics.GroupOpenPlay, metrics.Value(b.refs), metrics.Dimension{
		metrics.DimModuleType: b.Type().String(),
	})
}
