package luacfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string         `mapstructure:"name"`
	Port    int            `mapstructure:"port"`
	Enabled bool           `mapstructure:"enabled"`
	Extra   map[string]any `mapstructure:"extra"`
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.lua")
	require.NoError(t, os.WriteFile(path, []byte(`
local base = 4000
return {
  name = "demo",
  port = base + 2,
  enabled = true,
  extra = { inner = { depth = 2 } },
}`), 0o644))

	var s sample
	require.NoError(t, Load(path, &s))
	assert.Equal(t, "demo", s.Name)
	assert.Equal(t, 4002, s.Port)
	assert.True(t, s.Enabled)

	extra := Normalize(s.Extra).(map[string]any)
	inner, ok := extra["inner"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), inner["depth"])
}

func TestLoadErrors(t *testing.T) {
	var s sample
	assert.ErrorIs(t, LoadString(`return 42`, &s), ErrNotTable)
	assert.Error(t, LoadString(`this is not lua`, &s))
	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.lua"), &s))
}
