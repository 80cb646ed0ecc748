package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSlugs is used when no tenant file is present or it lists no
// municipalities.
var DefaultSlugs = []string{"kawasaki", "higashikurume"}

// Municipality is one tenant entry from the tenant file. Keys other than
// the ones below are ignored.
type Municipality struct {
	Slug        string `yaml:"-" json:"slug"`
	Name        string `yaml:"name" json:"name,omitempty"`
	AllowOffset bool   `yaml:"allow_offset" json:"allow_offset,omitempty"`
}

// Tenants is the parsed tenant file.
type Tenants struct {
	// Source is the file the tenants were read from; empty for defaults.
	Source         string
	DefaultSlug    string
	Municipalities []Municipality
}

// Slugs returns the municipality slugs in file order.
func (t *Tenants) Slugs() []string {
	slugs := make([]string, 0, len(t.Municipalities))
	for _, m := range t.Municipalities {
		slugs = append(slugs, m.Slug)
	}
	return slugs
}

// Defaults reports whether the built-in slug list is in use.
func (t *Tenants) Defaults() bool {
	return t.Source == ""
}

func defaultTenants() *Tenants {
	t := &Tenants{}
	for _, s := range DefaultSlugs {
		t.Municipalities = append(t.Municipalities, Municipality{Slug: s})
	}
	return t
}

// LoadTenants reads the tenant file at path. The file is the web app's
// config.json ({"MUNICIPALITIES": {"<slug>": {...}}, "DEFAULT_SLUG": ...});
// YAML with the same keys is accepted too. A missing file or an empty
// MUNICIPALITIES mapping yields DefaultSlugs.
func LoadTenants(path string) (*Tenants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTenants(), nil
		}
		return nil, fmt.Errorf("failed to read tenant file %s: %w", path, err)
	}

	// Literal tabs are only legal between tokens in JSON, where YAML's
	// scanner may refuse them.
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data = bytes.ReplaceAll(data, []byte("\t"), []byte("  "))
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse tenant file %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return defaultTenants(), nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("tenant file %s: top level must be a mapping", path)
	}

	t := &Tenants{Source: path}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "DEFAULT_SLUG":
			if err := value.Decode(&t.DefaultSlug); err != nil {
				return nil, fmt.Errorf("tenant file %s: DEFAULT_SLUG: %w", path, err)
			}
		case "MUNICIPALITIES":
			munis, err := decodeMunicipalities(value)
			if err != nil {
				return nil, fmt.Errorf("tenant file %s: %w", path, err)
			}
			t.Municipalities = munis
		}
	}

	if len(t.Municipalities) == 0 {
		d := defaultTenants()
		d.DefaultSlug = t.DefaultSlug
		return d, nil
	}
	return t, nil
}

// decodeMunicipalities walks the mapping node so file order is kept.
func decodeMunicipalities(node *yaml.Node) ([]Municipality, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("MUNICIPALITIES must be a mapping of slug to settings")
	}

	var munis []Municipality
	for i := 0; i+1 < len(node.Content); i += 2 {
		slug := node.Content[i].Value
		var m Municipality
		if node.Content[i+1].Kind == yaml.MappingNode {
			if err := node.Content[i+1].Decode(&m); err != nil {
				return nil, fmt.Errorf("municipality %q: %w", slug, err)
			}
		}
		m.Slug = slug
		munis = append(munis, m)
	}
	return munis, nil
}
