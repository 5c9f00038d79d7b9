// Package plugin is the network module registry. Transport implementations
// register a Factory under a four character type tag; the Manager discovers
// which modules are available, binds them on demand and keeps one reference
// count per type so every endpoint of the same type shares one module
// instance.
package plugin

// Type is the four character tag identifying a network module, stored big
// endian so 'Inet' reads as 0x496e6574.
type Type uint32

// MakeType builds a Type from the first four bytes of s, padding with spaces.
func MakeType(s string) Type {
	var b [4]byte
	for i := range b {
		if i < len(s) {
			b[i] = s[i]
		} else {
			b[i] = ' '
		}
	}
	return Type(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func (t Type) String() string {
	return string([]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)})
}

// Factory creates module instances. The manager decodes a module's manifest
// configuration into ConfigType() with mapstructure before calling Setup.
type Factory interface {
	// Type returns the module type tag.
	Type() Type
	// Name returns the name of the module implementation.
	Name() string
	// ConfigType returns a pointer to an empty configuration struct.
	ConfigType() any
	// Setup creates a module instance from the decoded configuration.
	Setup(any) (Plugin, error)
	// Destroy releases an instance created by Setup.
	Destroy(Plugin)
}

// Plugin is the value a Factory produces. Discovery only needs InfoProvider;
// binding needs the full Module contract.
type Plugin interface {
	FactoryName() string
}

// Capability flags advertised in Info.
type Capability uint32

const (
	CapStream Capability = 1 << iota
	CapDatagram
	CapExpedited
	CapIdleRequired
	CapAdvertise
	CapEnumerate
)

// Has reports whether every bit of f is set.
func (c Capability) Has(f Capability) bool { return c&f == f }

// Info describes a module. It is produced once during discovery and cached.
type Info struct {
	Type          Type
	Name          string
	Copyright     string
	MaxPacketSize int
	MaxEndpoints  int
	Flags         Capability
	// Location is the manifest the module was discovered from, empty for
	// modules discovered straight from the registered factories.
	Location string
}

// InfoProvider is the info query entry point used during discovery.
type InfoProvider interface {
	Info() Info
}
