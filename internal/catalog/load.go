package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

type fileCatalog struct {
	Templates []fileTemplate `yaml:"templates"`
}

type fileTemplate struct {
	Name        string     `yaml:"name"`
	DisplayName string     `yaml:"display_name"`
	Layout      string     `yaml:"layout"`
	Aliases     []string   `yaml:"aliases"`
	Slots       []fileSlot `yaml:"slots"`
}

type fileSlot struct {
	Name      string `yaml:"name"`
	Prompt    string `yaml:"prompt"`
	Priority  int    `yaml:"priority"`
	Validator string `yaml:"validator"`
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// LoadFile reads a catalog from path. An empty path yields the default.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML catalog and binds each slot's named validator.
func Load(r io.Reader) (*Catalog, error) {
	var fc fileCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(fc.Templates) == 0 {
		return nil, fmt.Errorf("catalog: no templates declared")
	}

	templates := make([]*Template, 0, len(fc.Templates))
	for _, ft := range fc.Templates {
		if ft.Layout == "" {
			return nil, fmt.Errorf("catalog: template %q has no layout", ft.Name)
		}
		t := &Template{
			Name:        ft.Name,
			DisplayName: ft.DisplayName,
			Aliases:     ft.Aliases,
			Layout:      ft.Layout,
		}
		if t.DisplayName == "" {
			t.DisplayName = ft.Name
		}
		for _, fs := range ft.Slots {
			v, ok := Validators[fs.Validator]
			if !ok {
				return nil, fmt.Errorf("catalog: template %q slot %q: unknown validator %q", ft.Name, fs.Name, fs.Validator)
			}
			t.Slots = append(t.Slots, SlotSpec{
				Name:          fs.Name,
				Prompt:        fs.Prompt,
				Priority:      fs.Priority,
				ValidatorName: fs.Validator,
				Validate:      v,
			})
		}
		templates = append(templates, t)
	}
	return New(templates)
}
