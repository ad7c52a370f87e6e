// Package providers is the catalog of known billers and the phone lines used to reach them.
package providers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Provider struct {
	ID                   string          `yaml:"id" json:"id"`
	DisplayName          string          `yaml:"displayName" json:"displayName"`
	Category             models.Category `yaml:"category" json:"category"`
	RetentionPhone       string          `yaml:"retentionPhone,omitempty" json:"retentionPhone,omitempty"`
	CustomerServicePhone string          `yaml:"customerServicePhone,omitempty" json:"customerServicePhone,omitempty"`
	Aliases              []string        `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// DialNumber returns the E.164 number to call, preferring the retention line.
func (p Provider) DialNumber() string {
	for _, raw := range []string{p.RetentionPhone, p.CustomerServicePhone} {
		if n := NormalizePhone(raw); n != "" {
			return n
		}
	}
	return ""
}

// NormalizePhone strips formatting and returns "+<digits>", or "" when no digits remain.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

type Catalog struct {
	byID  map[string]Provider
	order []string
}

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("providers: built-in catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file with a top-level "providers" list.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode provider catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]Provider, len(file.Providers))}
	for _, p := range file.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider catalog: entry without id")
		}
		if !p.Category.Valid() {
			return nil, fmt.Errorf("provider %s: unknown category %q", p.ID, p.Category)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("provider %s: duplicate entry", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Provider, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// DisplayName falls back to the id for providers outside the catalog.
func (c *Catalog) DisplayName(id string) string {
	if p, ok := c.byID[id]; ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return id
}

func (c *Catalog) ByCategory(category models.Category) []Provider {
	var out []Provider
	for _, id := range c.order {
		if p := c.byID[id]; p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

// Competitors lists the other providers in the same category as id.
func (c *Catalog) Competitors(id string) []Provider {
	p, ok := c.byID[id]
	if !ok {
		return nil
	}
	var out []Provider
	for _, other := range c.ByCategory(p.Category) {
		if other.ID != id {
			out = append(out, other)
		}
	}
	return out
}

// MatchName finds the provider other than exclude whose alias appears in text.
// Longer aliases win so "at&t wireless" is preferred over "at&t".
func (c *Catalog) MatchName(text string, category models.Category, exclude string) (Provider, bool) {
	type candidate struct {
		alias string
		p     Provider
	}
	var candidates []candidate
	for _, p := range c.ByCategory(category) {
		if p.ID == exclude {
			continue
		}
		for _, alias := range p.Aliases {
			candidates = append(candidates, candidate{alias: strings.ToLower(alias), p: p})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].alias) > len(candidates[j].alias) })

	lower := strings.ToLower(text)
	for _, cand := range candidates {
		if strings.Contains(lower, cand.alias) {
			return cand.p, true
		}
	}
	return Provider{}, false
}
