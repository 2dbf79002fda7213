package spec

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed gtfs.yml
var builtinSpec []byte

type fieldDoc struct {
	Name      string `yaml:"name"`
	InputType string `yaml:"inputType"`
	Required  bool   `yaml:"required,omitempty"`
	Datatools bool   `yaml:"datatools,omitempty"`
}

type tableDoc struct {
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

// Load parses and validates a YAML descriptor document. Any structural
// problem is an error: descriptors are read once at startup and a malformed
// set is fatal there.
func Load(data []byte) ([]Table, error) {
	var docs []tableDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("spec: no tables defined")
	}

	tables := make([]Table, 0, len(docs))
	seenTables := map[string]bool{}
	for _, d := range docs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("spec: table with missing name")
		}
		if seenTables[name] {
			return nil, fmt.Errorf("spec: duplicate table %q", name)
		}
		seenTables[name] = true
		if len(d.Fields) == 0 {
			return nil, fmt.Errorf("spec: table %q has no fields", name)
		}

		t := Table{Name: name, Fields: make([]Field, 0, len(d.Fields))}
		seenFields := map[string]bool{}
		for _, fd := range d.Fields {
			fname := strings.TrimSpace(fd.Name)
			if fname == "" {
				return nil, fmt.Errorf("spec: table %q has a field with missing name", name)
			}
			if seenFields[fname] {
				return nil, fmt.Errorf("spec: table %q: duplicate field %q", name, fname)
			}
			seenFields[fname] = true
			ft, err := ParseFieldType(fd.InputType)
			if err != nil {
				return nil, fmt.Errorf("spec: table %q field %q: %w", name, fname, err)
			}
			t.Fields = append(t.Fields, Field{
				Name:     fname,
				Type:     ft,
				Required: fd.Required,
				Editor:   fd.Datatools,
			})
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// LoadFile reads a descriptor override file from disk.
func LoadFile(path string) ([]Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	return Load(b)
}

// Default returns the compiled-in GTFS descriptor set.
func Default() ([]Table, error) {
	return Load(builtinSpec)
}
