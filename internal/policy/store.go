package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/risk.schema.json
var riskSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, schemaErr = compiler.Compile(riskSchema)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile risk schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Store is the risk policy table: per-category allow/block switches and the
// units that may never be stopped, disabled or masked.
type Store struct {
	Version       int             `yaml:"version,omitempty"`
	AllowHighRisk bool            `yaml:"allow_high_risk"`
	Operations    map[string]bool `yaml:"operations"`
	// ProtectedUnits are shell-style patterns.
	ProtectedUnits []string `yaml:"protected_units"`
	ProtectedVerbs []string `yaml:"protected_verbs"`
}

// The protected floor applies whatever the policy file says. Configured
// entries extend it.
var (
	defaultProtectedUnits = []string{"systemd-*", "dbus*", "*login*", "*udev*"}
	defaultProtectedVerbs = []string{"stop", "disable", "mask"}
)

// DefaultStore returns the built-in policy table.
func DefaultStore() Store {
	return Store{
		Version:       1,
		AllowHighRisk: false,
		Operations: map[string]bool{
			"allow_scrub":                   true,
			"allow_balance":                 false,
			"allow_display_manager_restart": false,
		},
		ProtectedUnits: append([]string(nil), defaultProtectedUnits...),
		ProtectedVerbs: append([]string(nil), defaultProtectedVerbs...),
	}
}

// Allowed reports the explicit switch for category, if the table has one.
func (s Store) Allowed(category string) (allowed, set bool) {
	allowed, set = s.Operations["allow_"+category]
	return allowed, set
}

// Protected reports whether verb on unit is forbidden, and the pattern that
// matched. The built-in floor is always consulted.
func (s Store) Protected(verb, unit string) (string, bool) {
	if !slices.Contains(defaultProtectedVerbs, verb) && !slices.Contains(s.ProtectedVerbs, verb) {
		return "", false
	}
	for _, patterns := range [][]string{defaultProtectedUnits, s.ProtectedUnits} {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, unit); ok {
				return pattern, true
			}
		}
	}
	return "", false
}

// withFloor returns floor followed by the entries of extra it lacks.
func withFloor(floor, extra []string) []string {
	out := append([]string(nil), floor...)
	for _, e := range extra {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func (s Store) validate() error {
	for _, p := range s.ProtectedUnits {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("protected unit pattern %q: %w", p, err)
		}
	}
	return nil
}

// ParseStore validates and decodes a YAML risk table. Omitted sections keep
// their defaults.
func ParseStore(data []byte) (Store, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Store{}, fmt.Errorf("parse risk policy: %w", err)
	}
	if generic == nil {
		generic = map[string]any{}
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return Store{}, fmt.Errorf("convert risk policy to json: %w", err)
	}
	schema, err := loadSchema()
	if err != nil {
		return Store{}, err
	}
	if result := schema.ValidateJSON(asJSON); !result.IsValid() {
		return Store{}, fmt.Errorf("risk policy schema validation failed: %v", result.Errors)
	}

	s := DefaultStore()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Store{}, fmt.Errorf("decode risk policy: %w", err)
	}
	if err := s.validate(); err != nil {
		return Store{}, err
	}
	s.ProtectedUnits = withFloor(defaultProtectedUnits, s.ProtectedUnits)
	s.ProtectedVerbs = withFloor(defaultProtectedVerbs, s.ProtectedVerbs)
	return s, nil
}

// LoadStore reads the risk table at path; a missing file yields the defaults.
func LoadStore(path string) (Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultStore(), nil
	}
	if err != nil {
		return Store{}, fmt.Errorf("read risk policy: %w", err)
	}
	return ParseStore(data)
}

// WriteDefaultStore writes the default table unless path already exists.
func WriteDefaultStore(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create policy dir: %w", err)
	}
	data, err := yaml.Marshal(DefaultStore())
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write risk policy: %w", err)
	}
	return true, nil
}

// Categories returns the explicitly configured operation switches, sorted.
func (s Store) Categories() []string {
	out := make([]string, 0, len(s.Operations))
	for k := range s.Operations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
