package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/specialists.schema.json
var specialistsSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, schemaErr = compiler.Compile(specialistsSchema)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile specialists schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// sourceFile is the on-disk policy source.
type sourceFile struct {
	Version     int          `yaml:"version,omitempty"`
	Specialists []sourceItem `yaml:"specialists"`
}

// sourceItem mirrors Definition with an optional enabled flag (default true).
type sourceItem struct {
	Definition `yaml:",inline"`
	Enabled    *bool `yaml:"enabled,omitempty"`
}

// Parse validates and decodes a YAML policy source. knownPlaybook, when
// non-nil, rejects allowed_playbooks entries it does not recognize.
func Parse(data []byte, knownPlaybook func(string) bool) ([]Definition, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse specialists: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("convert specialists to json: %w", err)
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if result := schema.ValidateJSON(asJSON); !result.IsValid() {
		return nil, fmt.Errorf("specialists schema validation failed: %v", result.Errors)
	}

	var src sourceFile
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("decode specialists: %w", err)
	}

	defs := make([]Definition, 0, len(src.Specialists))
	for _, item := range src.Specialists {
		d := item.Definition
		d.Enabled = item.Enabled == nil || *item.Enabled
		defs = append(defs, d)
	}
	return prepare(defs, knownPlaybook)
}

// LoadFile reads and parses a policy source file.
func LoadFile(path string, knownPlaybook func(string) bool) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specialists: %w", err)
	}
	defs, err := Parse(data, knownPlaybook)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Marshal renders definitions as a policy source document.
func Marshal(defs []Definition) ([]byte, error) {
	src := sourceFile{Version: 1}
	for _, d := range defs {
		enabled := d.Enabled
		src.Specialists = append(src.Specialists, sourceItem{Definition: d, Enabled: &enabled})
	}
	return yaml.Marshal(src)
}

// WriteDefaults writes the built-in definitions to path unless it exists.
func WriteDefaults(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := Marshal(DefaultDefinitions())
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
