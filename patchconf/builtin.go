package patchconf

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin returns the named built-in set declaration.
func Builtin(name string) (SetConfig, error) {
	data, err := builtinFS.ReadFile("builtin/" + name + ".yaml")
	if err != nil {
		return SetConfig{}, fmt.Errorf("patchconf: unknown built-in set %q", name)
	}
	var s SetConfig
	if err := yaml.Unmarshal(data, &s); err != nil {
		return SetConfig{}, fmt.Errorf("patchconf: built-in %s: %w", name, err)
	}
	return s, nil
}

// BuiltinNames lists the built-in sets.
func BuiltinNames() []string {
	entries, _ := builtinFS.ReadDir("builtin")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}
