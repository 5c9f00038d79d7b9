package plugin

import (
	"fmt"

	"github.com/linchenxuan/openplay/utils/luacfg"
)

// Manifest describes one module in the search directory. A manifest is a Lua
// script returning a table:
//
//	return {
//	  type = "Inet",
//	  name = "ip",
//	  enabled = true,
//	  config = { captureFile = "" },
//	}
type Manifest struct {
	Type    string         `mapstructure:"type"`
	Name    string         `mapstructure:"name"`
	Enabled *bool          `mapstructure:"enabled"`
	Config  map[string]any `mapstructure:"config"`
}

// IsEnabled treats a missing enabled field as true.
func (mf *Manifest) IsEnabled() bool {
	return mf.Enabled == nil || *mf.Enabled
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	var mf Manifest
	if err := luacfg.Load(path, &mf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if len(mf.Type) == 0 || len(mf.Type) > 4 {
		return nil, fmt.Errorf("%w: %s: type must be 1 to 4 characters, got %q", ErrInvalidManifest, path, mf.Type)
	}
	if mf.Config != nil {
		mf.Config = luacfg.Normalize(mf.Config).(map[string]any)
	}
	return &mf, nil
}
