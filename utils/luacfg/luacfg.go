// Package luacfg loads configuration files written as Lua scripts that return
// a table, and maps the table onto Go structs using their mapstructure tags.
package luacfg

import (
	"errors"
	"fmt"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

// ErrNotTable is returned when a script does not return a table.
var ErrNotTable = errors.New("lua file did not return a table")

var mapper = gluamapper.NewMapper(gluamapper.Option{
	NameFunc: func(s string) string { return s },
	TagName:  "mapstructure",
})

// Load runs the script at path and maps its returned table into out.
func Load(path string, out any) error {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoFile(path); err != nil {
		return err
	}
	return mapTop(L, out)
}

// LoadString is Load for an in-memory script.
func LoadString(src string, out any) error {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(src); err != nil {
		return err
	}
	return mapTop(L, out)
}

func mapTop(L *lua.LState, out any) error {
	table, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return ErrNotTable
	}
	if err := mapper.Map(table, out); err != nil {
		return fmt.Errorf("map lua table: %w", err)
	}
	return nil
}

// Normalize converts the map[interface{}]interface{} values produced for
// nested Lua tables into map[string]any so they can be decoded again with
// mapstructure.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = Normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = Normalize(val)
		}
		return m
	case []interface{}:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = Normalize(val)
		}
		return s
	default:
		return v
	}
}
