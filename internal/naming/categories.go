package naming

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Category is a top-level gallery category. Each subcategory declares the
// tag that files use to opt into it.
type Category struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name,omitempty" json:"name,omitempty"`
	Subcategories []Subcategory `yaml:"subcategories,omitempty" json:"subcategories,omitempty"`
}

// Subcategory maps a tag to its parent category.
type Subcategory struct {
	Tag  string `yaml:"tag" json:"tag"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Vocabulary is the set of known tags and their main categories.
// A nil Vocabulary knows no tags.
type Vocabulary struct {
	tags       []string
	known      map[string]bool
	toCategory map[string]string
}

// NewVocabulary indexes categories. Category IDs map to themselves so a row
// tagged with a category ID rolls up to that category.
func NewVocabulary(categories []Category) *Vocabulary {
	v := &Vocabulary{
		known:      make(map[string]bool),
		toCategory: make(map[string]string),
	}
	for _, c := range categories {
		if c.ID != "" {
			if _, ok := v.toCategory[c.ID]; !ok {
				v.toCategory[c.ID] = c.ID
			}
		}
		for _, sub := range c.Subcategories {
			if sub.Tag == "" {
				continue
			}
			if !v.known[sub.Tag] {
				v.tags = append(v.tags, sub.Tag)
				v.known[sub.Tag] = true
			}
			v.toCategory[sub.Tag] = c.ID
		}
	}
	return v
}

// LoadVocabulary reads a category mapping file. The file is a list of
// categories in YAML or JSON.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read category file: %w", err)
	}

	var categories []Category
	if err := yaml.Unmarshal(data, &categories); err != nil {
		return nil, fmt.Errorf("failed to parse category file %s: %w", path, err)
	}
	return NewVocabulary(categories), nil
}

// Tags returns the known subcategory tags in file order.
func (v *Vocabulary) Tags() []string {
	if v == nil {
		return nil
	}
	return v.tags
}

// Len returns the number of known tags.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.tags)
}

// Has reports whether tag is a known subcategory tag.
func (v *Vocabulary) Has(tag string) bool {
	if v == nil {
		return false
	}
	return v.known[tag]
}

// MainCategory returns the category of the first tag that has one.
func (v *Vocabulary) MainCategory(tags []string) string {
	if v == nil {
		return ""
	}
	for _, t := range tags {
		if id, ok := v.toCategory[t]; ok {
			return id
		}
	}
	return ""
}
