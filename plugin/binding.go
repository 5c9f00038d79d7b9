package plugin

// Binding is the resolved operation table of a bound module. It is created by
// Manager.Bind and shared by every endpoint of the same type until the last
// Unbind.
type Binding struct {
	info    Info
	factory Factory
	module  Module

	advertiser Advertiser
	enumerator Enumerator
	dialog     Dialog

	refs int
}

func newBinding(info Info, f Factory, m Module) *Binding {
	b := &Binding{info: info, factory: f, module: m}
	b.advertiser, _ = m.(Advertiser)
	b.enumerator, _ = m.(Enumerator)
	b.dialog, _ = m.(Dialog)
	return b
}

// Type returns the module type tag.
func (b *Binding) Type() Type { return b.info.Type }

// Info returns the cached descriptor.
func (b *Binding) Info() Info { return b.info }

// Module returns the required operation set.
func (b *Binding) Module() Module { return b.module }

// CanAdvertise reports whether the optional advertising entry points exist.
func (b *Binding) CanAdvertise() bool { return b.advertiser != nil }

// CanEnumerate reports whether the optional enumeration entry points exist.
func (b *Binding) CanEnumerate() bool { return b.enumerator != nil }

func (b *Binding) StartAdvertising(conn Conn) error {
	if b.advertiser == nil {
		return ErrFunctionNotBound
	}
	return b.advertiser.StartAdvertising(conn)
}

func (b *Binding) StopAdvertising(conn Conn) error {
	if b.advertiser == nil {
		return ErrFunctionNotBound
	}
	return b.advertiser.StopAdvertising(conn)
}

func (b *Binding) StartEnumeration(cfg Config, cb EnumCallback) error {
	if b.enumerator == nil {
		return ErrFunctionNotBound
	}
	return b.enumerator.StartEnumeration(cfg, cb)
}

func (b *Binding) IdleEnumeration(cfg Config) error {
	if b.enumerator == nil {
		return ErrFunctionNotBound
	}
	return b.enumerator.IdleEnumeration(cfg)
}

func (b *Binding) EndEnumeration(cfg Config) error {
	if b.enumerator == nil {
		return ErrFunctionNotBound
	}
	return b.enumerator.EndEnumeration(cfg)
}

func (b *Binding) BindEnumerationItem(cfg Config, id uint32) error {
	if b.enumerator == nil {
		return ErrFunctionNotBound
	}
	return b.enumerator.BindEnumerationItem(cfg, id)
}

func (b *Binding) SetupDialog(cfg Config) error {
	if b.dialog == nil {
		return ErrFunctionNotBound
	}
	return b.dialog.SetupDialog(cfg)
}

func (b *Binding) HandleDialogEvent(cfg Config, event any) (bool, error) {
	if b.dialog == nil {
		return false, ErrFunctionNotBound
	}
	return b.dialog.HandleDialogEvent(cfg, event)
}

func (b *Binding) TeardownDialog(cfg Config, update bool) error {
	if b.dialog == nil {
		return ErrFunctionNotBound
	}
	return b.dialog.TeardownDialog(cfg, update)
}
