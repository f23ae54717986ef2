package provider

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFieldsYAML []byte

// FieldDef describes one field the extractor should pull from page content.
type FieldDef struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required,omitempty"`
	List        bool   `yaml:"list,omitempty"`
}

type fieldFile struct {
	Fields []FieldDef `yaml:"fields"`
}

// DefaultFields returns the built-in extraction field definitions.
func DefaultFields() []FieldDef {
	defs, err := parseFields(defaultFieldsYAML)
	if err != nil {
		// The embedded file is validated by tests; a parse failure here is a
		// build defect, not a runtime condition.
		panic(err)
	}
	return defs
}

// LoadFields reads field definitions from a YAML file.
func LoadFields(path string) ([]FieldDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read fields file %s", path)
	}
	return parseFields(raw)
}

func parseFields(raw []byte) ([]FieldDef, error) {
	var f fieldFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "provider: parse fields yaml")
	}
	if len(f.Fields) == 0 {
		return nil, eris.New("provider: fields file defines no fields")
	}
	for _, d := range f.Fields {
		if strings.TrimSpace(d.Key) == "" {
			return nil, eris.New("provider: field with empty key")
		}
	}
	return f.Fields, nil
}
