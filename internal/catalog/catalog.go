// Package catalog holds the compiled-in list of selectable text-generation
// providers and models. The catalog is immutable once built.
package catalog

import (
	"fmt"
	"strings"
)

// Model describes one selectable model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description,omitempty"`
	Strengths   string `json:"strengths,omitempty"`
}

// Provider groups the models served by one vendor.
type Provider struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Models []Model `json:"models"`
}

// Selection is the provider/model pair a session asks for.
type Selection struct {
	ProviderID string `json:"provider"`
	ModelID    string `json:"model"`
}

func (s Selection) String() string {
	return s.ProviderID + "/" + s.ModelID
}

// IsZero reports whether no provider and no model are set.
func (s Selection) IsZero() bool {
	return s.ProviderID == "" && s.ModelID == ""
}

// Listing is the catalog as served to selector interfaces.
type Listing struct {
	Providers []Provider `json:"providers"`
	Default   Selection  `json:"default"`
}

type Catalog struct {
	providers []Provider
}

// New builds a catalog from providers. Model.Provider defaults to the
// provider's display name.
func New(providers []Provider) *Catalog {
	cloned := make([]Provider, 0, len(providers))
	for _, p := range providers {
		models := make([]Model, 0, len(p.Models))
		for _, m := range p.Models {
			if m.Provider == "" {
				m.Provider = p.Name
			}
			models = append(models, m)
		}
		p.Models = models
		cloned = append(cloned, p)
	}
	return &Catalog{providers: cloned}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New(builtin)
}

// Providers returns a copy of every provider in catalog order.
func (c *Catalog) Providers() []Provider {
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		p.Models = append([]Model(nil), p.Models...)
		out = append(out, p)
	}
	return out
}

// Listing returns the providers together with the default selection.
func (c *Catalog) Listing(def Selection) Listing {
	return Listing{Providers: c.Providers(), Default: def}
}

// Provider looks up a provider by id or display name, ignoring case.
func (c *Catalog) Provider(ref string) (Provider, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Provider{}, false
	}
	for _, p := range c.providers {
		if strings.EqualFold(p.ID, ref) || strings.EqualFold(p.Name, ref) {
			return p, true
		}
	}
	return Provider{}, false
}

// Model looks up a model of the given provider.
func (c *Catalog) Model(providerRef, modelID string) (Model, bool) {
	p, ok := c.Provider(providerRef)
	if !ok {
		return Model{}, false
	}
	for _, m := range p.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve maps a requested provider/model onto the catalog. An unknown
// provider falls back to fallback.ProviderID; the model id is kept as asked
// and only defaulted when empty. The bool reports whether the requested
// provider was recognized.
func (c *Catalog) Resolve(providerRef, modelID string, fallback Selection) (Selection, bool) {
	modelID = strings.TrimSpace(modelID)
	p, ok := c.Provider(providerRef)
	if !ok {
		sel := Selection{ProviderID: fallback.ProviderID, ModelID: modelID}
		if sel.ModelID == "" {
			sel.ModelID = fallback.ModelID
		}
		return sel, false
	}
	sel := Selection{ProviderID: p.ID, ModelID: modelID}
	if sel.ModelID == "" {
		if strings.EqualFold(p.ID, fallback.ProviderID) && fallback.ModelID != "" {
			sel.ModelID = fallback.ModelID
		} else if len(p.Models) > 0 {
			sel.ModelID = p.Models[0].ID
		}
	}
	return sel, true
}

// Parse accepts "provider model", "provider/model" or "provider:model" and
// resolves it against the catalog. Both parts are required.
func (c *Catalog) Parse(input string) (Selection, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(input), func(r rune) bool {
		return r == ' ' || r == '/' || r == ':' || r == '\t'
	})
	if len(fields) != 2 {
		return Selection{}, fmt.Errorf("expected <provider> <model>, got %q", input)
	}
	p, ok := c.Provider(fields[0])
	if !ok {
		return Selection{}, fmt.Errorf("unknown provider %q", fields[0])
	}
	if _, ok := c.Model(p.ID, fields[1]); !ok {
		return Selection{}, fmt.Errorf("unknown model %q for provider %s", fields[1], p.Name)
	}
	return Selection{ProviderID: p.ID, ModelID: fields[1]}, nil
}

var builtin = []Provider{
	{
		ID:   "openai",
		Name: "OpenAI",
		Models: []Model{
			{
				ID:          "gpt-4",
				Name:        "GPT-4",
				Description: "Powerful foundation model for general tasks and reasoning",
				Strengths:   "Reliable performance, reasoning, general capabilities",
			},
			{
				ID:          "gpt-4.1",
				Name:        "GPT-4.1",
				Description: "Enhanced version of GPT-4 with improved capabilities",
				Strengths:   "Enhanced reasoning, better context understanding",
			},
			{
				ID:          "gpt-4.5-preview",
				Name:        "GPT-4.5 Preview",
				Description: "Preview of next-generation GPT model with advanced features",
				Strengths:   "Cutting-edge capabilities, experimental features",
			},
			{
				ID:          "gpt-4o",
				Name:        "GPT-4o",
				Description: "Optimized version of GPT-4 for improved performance",
				Strengths:   "Speed optimization, efficiency, balanced capabilities",
			},
		},
	},
	{
		ID:   "google",
		Name: "Google",
		Models: []Model{
			{
				ID:          "gemini-2.5-flash-preview-05-20",
				Name:        "Gemini 2.5 Flash Preview",
				Description: "Latest preview of Gemini's high-speed model",
				Strengths:   "Cutting-edge speed, latest optimizations",
			},
			{
				ID:          "gemini-2.5-pro-preview-05-06",
				Name:        "Gemini 2.5 Pro Preview",
				Description: "Advanced preview of Gemini's professional-grade model",
				Strengths:   "Next-gen capabilities, complex task handling",
			},
			{
				ID:          "gemini-2.0-flash",
				Name:        "Gemini 2.0 Flash",
				Description: "High-speed model optimized for quick responses",
				Strengths:   "Fast processing, efficient task handling",
			},
			{
				ID:          "gemini-1.5-pro",
				Name:        "Gemini 1.5 Pro",
				Description: "Professional-grade model for complex tasks",
				Strengths:   "Reliable performance, advanced reasoning",
			},
		},
	},
}
