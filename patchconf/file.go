// Package patchconf loads patch sets and runtime settings from a YAML file
// and from the patch_sets / patch_rules SQLite tables. Sets are compiled
// and validated once at start; a bad rule fails loading, never a run.
package patchconf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/uipatch/htmldoc"
	"github.com/hazyhaar/uipatch/live"
	"github.com/hazyhaar/uipatch/patch"
)

// MapsKeyEnv overrides launch.maps_api_key from the file.
const MapsKeyEnv = "UIPATCH_MAPS_API_KEY"

// Config is the top-level uipatch configuration.
type Config struct {
	Proxy ProxyConfig `yaml:"proxy"`
	DB    string      `yaml:"db"` // SQLite path for stored rules and the run log; empty disables both
	// Builtin names built-in sets to load ahead of Sets, e.g. "unfold-admin".
	Builtin []string     `yaml:"builtin"`
	Sets    []SetConfig  `yaml:"sets"`
	Live    live.Config  `yaml:"live"`
	Launch  LaunchConfig `yaml:"launch"`
}

// ProxyConfig configures the rewriting proxy.
type ProxyConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	// MaxBody caps the HTML body size the proxy will buffer and patch.
	// Larger responses pass through untouched.
	MaxBody int64 `yaml:"max_body"`
}

// SetConfig declares one patch set.
type SetConfig struct {
	Name  string       `yaml:"name" json:"name"`
	Paths []string     `yaml:"paths" json:"paths"`
	Rules []patch.Rule `yaml:"rules" json:"rules"`
}

// LaunchConfig configures the launch sequence.
type LaunchConfig struct {
	Plugins []string `yaml:"plugins"`
	// Maps makes the launch initialise the map service, which requires
	// MapsAPIKey.
	Maps bool `yaml:"maps"`
	// MapsAPIKey is the map service credential. Prefer the environment
	// variable over committing it to the file.
	MapsAPIKey string `yaml:"maps_api_key"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patchconf: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults and environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("patchconf: decode: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = ":8088"
	}
	if c.Proxy.MaxBody <= 0 {
		c.Proxy.MaxBody = 8 << 20
	}
	if key := os.Getenv(MapsKeyEnv); key != "" {
		c.Launch.MapsAPIKey = key
	}
}

// Compile validates and compiles set declarations in order. Set names
// must be unique and every selector must be understood by htmldoc.
func Compile(decls []SetConfig) ([]*patch.Set, error) {
	seen := make(map[string]bool, len(decls))
	sets := make([]*patch.Set, 0, len(decls))
	for _, d := range decls {
		if seen[d.Name] {
			return nil, fmt.Errorf("patchconf: duplicate set %q", d.Name)
		}
		seen[d.Name] = true

		for _, r := range d.Rules {
			if err := validateSelectors(r); err != nil {
				return nil, fmt.Errorf("patchconf: set %s: rule %s: %w", d.Name, r.Name, err)
			}
		}
		s, err := patch.NewSet(d.Name, d.Paths, d.Rules...)
		if err != nil {
			return nil, fmt.Errorf("patchconf: %w", err)
		}
		for _, r := range s.Rules() {
			if err := checkGuard(r); err != nil {
				return nil, fmt.Errorf("patchconf: set %s: rule %s: %w", d.Name, r.Name, err)
			}
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// checkGuard rejects insert rules whose guard cannot match the nodes they
// insert: each run would insert again. r.Markup is already sanitised, so
// attributes the policy strips are accounted for.
func checkGuard(r patch.Rule) error {
	if r.Action != patch.Insert {
		return nil
	}
	els, err := htmldoc.MatchFragment(r.Guard.Selector, r.Markup)
	if err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if els, err = r.Guard.Filter(els); err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if len(els) == 0 {
		return fmt.Errorf("guard %s does not match the inserted markup", r.Guard)
	}
	return nil
}

func validateSelectors(r patch.Rule) error {
	for _, sel := range []string{r.Target.Selector, r.Target.Has, r.Guard.Selector, r.Guard.Has} {
		if sel == "" {
			continue
		}
		if err := htmldoc.Validate(sel); err != nil {
			return err
		}
	}
	return nil
}
